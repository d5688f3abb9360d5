// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import (
	"fmt"
	"strings"
)

// Frame is a classic CAN data frame.
type Frame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [MaxDataLength]byte
}

// NewFrame builds a frame from an identifier and payload. Identifiers above
// MaxStandardID are marked extended. Payloads longer than 8 bytes are
// truncated.
func NewFrame(id uint32, data []byte) Frame {
	f := Frame{ID: id, Extended: id > MaxStandardID}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}

// Payload returns the used part of Data. A Len above MaxDataLength is
// clamped.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, " %02X", d)
	}
	return b.String()
}

// Packet is a received frame stamped with the adapter tick counter at
// arrival. Packets are produced by the receive path and consumed once by
// the main loop.
type Packet struct {
	Frame     Frame
	Timestamp uint32
}

func idWidth(extended bool) int {
	if extended {
		return extendedIDWidth
	}
	return standardIDWidth
}

// DecodeSend decodes a T (extended) or t (standard) transmit command.
// cmd is the whole command including opcode and channel digit:
//
//	tXiiiL[dd...]       standard, 3 id digits
//	TXiiiiiiiiL[dd...]  extended, 8 id digits
//
// Characters after the declared data are ignored.
func DecodeSend(cmd []byte, extended bool) (Frame, error) {
	if len(cmd) < 2 {
		return Frame{}, ErrShortCommand
	}
	f, _, err := decodeFrameBody(cmd[2:], extended)
	return f, err
}

// decodeFrameBody decodes "id L data" and returns the number of bytes used.
func decodeFrameBody(body []byte, extended bool) (Frame, int, error) {
	w := idWidth(extended)
	if len(body) < w+1 {
		return Frame{}, 0, ErrShortCommand
	}

	n, ok := ParseDecimal(body[w : w+1])
	if !ok {
		return Frame{}, 0, fmt.Errorf("%w: data length %q", ErrBadDigit, body[w])
	}
	if n > MaxDataLength {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrDataLength, n)
	}
	used := w + 1 + 2*int(n)
	if len(body) < used {
		return Frame{}, 0, ErrShortCommand
	}

	id, ok := ParseHex(body[:w])
	if !ok {
		return Frame{}, 0, fmt.Errorf("%w: identifier %q", ErrBadDigit, body[:w])
	}
	if (extended && id > MaxExtendedID) || (!extended && id > MaxStandardID) {
		return Frame{}, 0, fmt.Errorf("%w: 0x%X", ErrIDRange, id)
	}

	f := Frame{ID: id, Extended: extended, Len: uint8(n)}
	for i := 0; i < int(n); i++ {
		off := w + 1 + 2*i
		v, ok := ParseHex(body[off : off+2])
		if !ok {
			return Frame{}, 0, fmt.Errorf("%w: data byte %d", ErrBadDigit, i)
		}
		f.Data[i] = byte(v)
	}
	return f, used, nil
}

// AppendPacket appends the ASCII line for a received packet:
//
//	tXiiiL[dd...]ssss\r        identifier <= 0x7FF
//	TXiiiiiiiiL[dd...]ssss\r   identifier  > 0x7FF
//
// The width is chosen from the identifier value alone. ssss is the
// timestamp modulo 10000 written as four hex digits.
func AppendPacket(dst []byte, ch Channel, p Packet) []byte {
	f := p.Frame
	extended := f.ID > MaxStandardID
	n := f.Len
	if n > MaxDataLength {
		n = MaxDataLength
	}

	if extended {
		dst = append(dst, OpSendExtended)
	} else {
		dst = append(dst, OpSendStandard)
	}
	dst = append(dst, ch.Digit())
	dst = AppendHex(dst, f.ID, idWidth(extended))
	dst = append(dst, HexDigit(uint32(n)))
	for i := uint8(0); i < n; i++ {
		dst = AppendHex2(dst, f.Data[i])
	}
	dst = AppendHex(dst, p.Timestamp%TimestampModulus, timestampWidth)
	return append(dst, Terminator)
}

// EncodePacket returns the ASCII line for a received packet.
func EncodePacket(ch Channel, p Packet) []byte {
	return AppendPacket(make([]byte, 0, MaxFrameLine), ch, p)
}
