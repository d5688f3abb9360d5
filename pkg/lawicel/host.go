// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import (
	"fmt"
	"time"
)

// Command builder functions produce terminated command lines for an
// adapter. They validate arguments the same way the adapter does, so a
// command that builds without error is one the adapter will accept
// (channel state permitting).

// VersionCommand returns "V\r".
func VersionCommand() []byte {
	return []byte{OpVersion, Terminator}
}

// SerialNumberCommand returns "VS\r".
func SerialNumberCommand() []byte {
	return []byte{OpVersion, versionSerial, Terminator}
}

// HardwareVersionCommand returns "VH\r".
func HardwareVersionCommand() []byte {
	return []byte{OpVersion, versionHardware, Terminator}
}

// DetailedVersionCommand returns "v\r".
func DetailedVersionCommand() []byte {
	return []byte{OpDetailedVersion, Terminator}
}

// SpeedCommand returns "Sxy\r" selecting rate on ch.
func SpeedCommand(ch Channel, rate Bitrate) ([]byte, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	code := rate.Code()
	if code == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBitrate, rate)
	}
	return []byte{OpSpeed, ch.Digit(), code, Terminator}, nil
}

// OpenCommand returns "Oxy\r". y is 1 for normal mode and 0 for listen-only.
func OpenCommand(ch Channel, mode Mode) ([]byte, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	y := byte('1')
	if mode == ModeListenOnly {
		y = '0'
	}
	return []byte{OpOpen, ch.Digit(), y, Terminator}, nil
}

// CloseCommand returns "Cx\r".
func CloseCommand(ch Channel) ([]byte, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	return []byte{OpClose, ch.Digit(), Terminator}, nil
}

// SendCommand returns the T or t command transmitting f on ch. Frames
// marked extended or with an identifier above 0x7FF use the 8 digit form.
func SendCommand(ch Channel, f Frame) ([]byte, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	if f.Len > MaxDataLength {
		return nil, fmt.Errorf("%w: %d", ErrDataLength, f.Len)
	}
	extended := f.Extended || f.ID > MaxStandardID
	if f.ID > MaxExtendedID {
		return nil, fmt.Errorf("%w: 0x%X", ErrIDRange, f.ID)
	}

	b := make([]byte, 0, MaxCommandLength+1)
	if extended {
		b = append(b, OpSendExtended)
	} else {
		b = append(b, OpSendStandard)
	}
	b = append(b, ch.Digit())
	b = AppendHex(b, f.ID, idWidth(extended))
	b = append(b, HexDigit(uint32(f.Len)))
	for _, d := range f.Payload() {
		b = AppendHex2(b, d)
	}
	return append(b, Terminator), nil
}

// FilterIDCommand returns "FXXvvvvvvvv\r" for global bank number bank.
func FilterIDCommand(bank int, id uint32) ([]byte, error) {
	return filterCommand(OpFilterID, bank, id)
}

// FilterMaskCommand returns "fXXvvvvvvvv\r". Send it after the matching
// FilterIDCommand; the adapter reprograms the channel on the mask.
func FilterMaskCommand(bank int, mask uint32) ([]byte, error) {
	return filterCommand(OpFilterMask, bank, mask)
}

func filterCommand(op byte, bank int, v uint32) ([]byte, error) {
	if _, _, err := BankChannel(bank); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 1+filterNoWidth+filterValWidth+1)
	b = append(b, op)
	b = AppendHex(b, uint32(bank), filterNoWidth)
	b = AppendHex(b, v&MaxExtendedID, filterValWidth)
	return append(b, Terminator), nil
}

// GateCommand returns "Gxy\r".
func GateCommand(ch Channel, enable bool) ([]byte, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	y := byte('0')
	if enable {
		y = '1'
	}
	return []byte{OpGate, ch.Digit(), y, Terminator}, nil
}

// GateBlockCommand returns "Lxiiiiiiii\r". With block false the selector is
// shifted by two, which clears the block filter of ch.
func GateBlockCommand(ch Channel, id uint32, block bool) ([]byte, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	if id > MaxExtendedID {
		return nil, fmt.Errorf("%w: 0x%X", ErrIDRange, id)
	}
	sel := uint32(ch) + 1
	if !block {
		sel += 2
	}
	b := []byte{OpGateBlock, HexDigit(sel)}
	b = AppendHex(b, id, extendedIDWidth)
	return append(b, Terminator), nil
}

// ResponseKind classifies adapter output.
type ResponseKind int

// Response kinds
const (
	ResponseAck   ResponseKind = iota // bare \r
	ResponseNak                       // BEL
	ResponseFrame                     // received frame line
	ResponseText                      // version, serial or other text line
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseAck:
		return "ACK"
	case ResponseNak:
		return "NAK"
	case ResponseFrame:
		return "FRAME"
	case ResponseText:
		return "TEXT"
	}
	return "UNKNOWN"
}

// Response is one decoded unit of adapter output.
type Response struct {
	Kind    ResponseKind
	Channel Channel
	Packet  Packet // Timestamp is the 16-bit wire value
	Text    string // without terminator
	Time    time.Time
}

// ResponseDecoder splits the adapter byte stream into responses.
type ResponseDecoder struct {
	line [MaxFrameLine]byte
	n    int
}

// NewResponseDecoder creates a decoder.
func NewResponseDecoder() *ResponseDecoder {
	return &ResponseDecoder{}
}

// Reset discards any partial line.
func (d *ResponseDecoder) Reset() {
	d.n = 0
}

// DecodeByte processes a single byte.
// Returns a response when b completes one, nil while a line is incomplete,
// and an error for an unparseable or overlong line.
func (d *ResponseDecoder) DecodeByte(b byte) (*Response, error) {
	switch b {
	case NakByte:
		return &Response{Kind: ResponseNak, Time: time.Now()}, nil
	case Terminator:
		line := d.line[:d.n]
		d.n = 0
		return decodeLine(line)
	}

	if d.n >= len(d.line) {
		d.n = 0
		return nil, fmt.Errorf("line exceeds %d bytes", len(d.line))
	}
	d.line[d.n] = b
	d.n++
	return nil, nil
}

// Decode feeds p through the decoder and returns every completed response.
// Decoding continues past bad lines; the first error is returned.
func (d *ResponseDecoder) Decode(p []byte) ([]Response, error) {
	var out []Response
	var firstErr error
	for _, b := range p {
		r, err := d.DecodeByte(b)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, firstErr
}

func decodeLine(line []byte) (*Response, error) {
	now := time.Now()
	if len(line) == 0 {
		return &Response{Kind: ResponseAck, Time: now}, nil
	}
	if line[0] != OpSendStandard && line[0] != OpSendExtended {
		return &Response{Kind: ResponseText, Text: string(line), Time: now}, nil
	}

	p, ch, err := DecodeFrameLine(line)
	if err != nil {
		return nil, err
	}
	return &Response{Kind: ResponseFrame, Channel: ch, Packet: p, Time: now}, nil
}

// DecodeFrameLine decodes a received-frame line without its terminator:
// opcode, channel digit, identifier, length, data and four timestamp digits.
func DecodeFrameLine(line []byte) (Packet, Channel, error) {
	if len(line) < 2 {
		return Packet{}, 0, ErrShortCommand
	}
	ch, ok := parseChannel(line[1])
	if !ok {
		return Packet{}, 0, fmt.Errorf("%w: %q", ErrInvalidChannel, line[1])
	}
	f, used, err := decodeFrameBody(line[2:], line[0] == OpSendExtended)
	if err != nil {
		return Packet{}, 0, err
	}
	ts := line[2+used:]
	if len(ts) != timestampWidth {
		return Packet{}, 0, fmt.Errorf("%w: timestamp has %d digits", ErrCommandLength, len(ts))
	}
	v, ok := ParseHex(ts)
	if !ok {
		return Packet{}, 0, fmt.Errorf("%w: timestamp %q", ErrBadDigit, ts)
	}
	return Packet{Frame: f, Timestamp: v}, ch, nil
}
