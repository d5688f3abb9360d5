// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import "fmt"

// Channel selects one of the two CAN controllers. On the wire channels are
// written 1-based.
type Channel uint8

// Channel values
const (
	Channel1 Channel = iota
	Channel2
	NumChannels = 2
)

// Valid reports whether c addresses an existing controller.
func (c Channel) Valid() bool {
	return c < NumChannels
}

// Digit returns the 1-based wire digit for the channel.
func (c Channel) Digit() byte {
	return HexDigit(uint32(c) + 1)
}

func (c Channel) String() string {
	return fmt.Sprintf("can%d", uint8(c)+1)
}

// FilterBanks returns the number of hardware filter banks of the channel.
func (c Channel) FilterBanks() int {
	if c == Channel1 {
		return Channel1FilterBanks
	}
	return Channel2FilterBanks
}

// parseChannel decodes a 1-based channel digit.
func parseChannel(b byte) (Channel, bool) {
	n, ok := ParseDecimal([]byte{b})
	if !ok || n == 0 {
		return 0, false
	}
	ch := Channel(n - 1)
	return ch, ch.Valid()
}

// Mode selects how a controller joins the bus.
type Mode int

// Mode values
const (
	ModeNormal Mode = iota
	ModeListenOnly
)

func (m Mode) String() string {
	if m == ModeListenOnly {
		return "listen-only"
	}
	return "normal"
}

// Bitrate is a nominal bus bit-rate in bit/s. The zero value means unset.
type Bitrate uint32

// Supported bit-rates
const (
	Bitrate10k   Bitrate = 10000
	Bitrate20k   Bitrate = 20000
	Bitrate33k3  Bitrate = 33333
	Bitrate50k   Bitrate = 50000
	Bitrate62k5  Bitrate = 62500
	Bitrate83k3  Bitrate = 83333
	Bitrate95k2  Bitrate = 95238
	Bitrate100k  Bitrate = 100000
	Bitrate125k  Bitrate = 125000
	Bitrate250k  Bitrate = 250000
	Bitrate400k  Bitrate = 400000
	Bitrate500k  Bitrate = 500000
	Bitrate800k  Bitrate = 800000
	Bitrate1000k Bitrate = 1000000
)

// bitrateCodes maps the S command code to a bit-rate. 'D' is the
// nonstandard 95.2 kbit/s rate.
var bitrateCodes = [...]struct {
	code byte
	rate Bitrate
}{
	{'0', Bitrate10k},
	{'1', Bitrate20k},
	{'2', Bitrate33k3},
	{'3', Bitrate50k},
	{'4', Bitrate62k5},
	{'5', Bitrate83k3},
	{'6', Bitrate100k},
	{'7', Bitrate125k},
	{'8', Bitrate250k},
	{'9', Bitrate400k},
	{'A', Bitrate500k},
	{'B', Bitrate800k},
	{'C', Bitrate1000k},
	{'D', Bitrate95k2},
}

// BitrateFromCode returns the bit-rate for an S command code.
func BitrateFromCode(code byte) (Bitrate, bool) {
	for _, e := range bitrateCodes {
		if e.code == code {
			return e.rate, true
		}
	}
	return 0, false
}

// Code returns the S command code for b, or 0 if b has none.
func (b Bitrate) Code() byte {
	for _, e := range bitrateCodes {
		if e.rate == b {
			return e.code
		}
	}
	return 0
}

// BitrateCodes lists every accepted code in table order.
func BitrateCodes() []byte {
	codes := make([]byte, 0, len(bitrateCodes))
	for _, e := range bitrateCodes {
		codes = append(codes, e.code)
	}
	return codes
}

func (b Bitrate) String() string {
	if b == 0 {
		return "unset"
	}
	if b%1000 == 0 {
		return fmt.Sprintf("%d kbit/s", b/1000)
	}
	return fmt.Sprintf("%.1f kbit/s", float64(b)/1000)
}

type gateState uint8

const (
	gateUnset gateState = iota
	gateDisabled
	gateBlock
)

// GateFilter is the block filter of the inter-channel gate: either disabled
// or blocking one 29-bit identifier.
type GateFilter struct {
	state gateState
	id    uint32
}

// GateFilterDisabled returns a filter that blocks nothing.
func GateFilterDisabled() GateFilter {
	return GateFilter{state: gateDisabled}
}

// GateFilterBlock returns a filter blocking id.
func GateFilterBlock(id uint32) GateFilter {
	return GateFilter{state: gateBlock, id: id}
}

// Blocked returns the blocked identifier, if any.
func (g GateFilter) Blocked() (uint32, bool) {
	return g.id, g.state == gateBlock
}

func (g GateFilter) String() string {
	if g.state == gateBlock {
		return fmt.Sprintf("block 0x%08X", g.id)
	}
	return "disabled"
}

// FilterSlot is one hardware filter bank as written by the F and f
// commands. It takes effect only once both halves are nonzero.
type FilterSlot struct {
	ID   uint32
	Mask uint32
}

// Complete reports whether both halves of the slot are set.
func (s FilterSlot) Complete() bool {
	return s.ID != 0 && s.Mask != 0
}

// ChannelSettings is the configuration of one channel.
type ChannelSettings struct {
	Bitrate    Bitrate
	Mode       Mode
	Open       bool
	Gate       bool
	GateFilter GateFilter

	channel Channel
	filters [Channel2FilterBanks]FilterSlot
}

// Channel returns the channel these settings belong to.
func (s *ChannelSettings) Channel() Channel {
	return s.channel
}

// Filters returns the filter banks of the channel. The slice aliases the
// settings and has the channel's bank count as length.
func (s *ChannelSettings) Filters() []FilterSlot {
	return s.filters[:s.channel.FilterBanks()]
}

// Settings holds the configuration of both channels for the lifetime of
// an Adapter.
type Settings struct {
	channels [NumChannels]ChannelSettings
}

// NewSettings returns settings with every channel closed and unconfigured.
func NewSettings() *Settings {
	s := &Settings{}
	for i := range s.channels {
		s.channels[i].channel = Channel(i)
	}
	return s
}

// Channel returns the settings of ch. ch must be valid.
func (s *Settings) Channel(ch Channel) *ChannelSettings {
	return &s.channels[ch]
}

// Snapshot returns a copy of the settings of ch.
func (s *Settings) Snapshot(ch Channel) (ChannelSettings, error) {
	if !ch.Valid() {
		return ChannelSettings{}, ErrInvalidChannel
	}
	return s.channels[ch], nil
}

// SetBitrate stores the bit-rate selected by code. Hardware is untouched.
func (s *Settings) SetBitrate(ch Channel, code byte) error {
	rate, ok := BitrateFromCode(code)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidBitrate, code)
	}
	if !ch.Valid() {
		return ErrInvalidChannel
	}
	s.channels[ch].Bitrate = rate
	return nil
}

// Close marks ch closed. Filters are left as they are.
func (s *Settings) Close(ch Channel) error {
	if !ch.Valid() {
		return ErrInvalidChannel
	}
	s.channels[ch].Open = false
	return nil
}

// SetGate enables or disables the gate on ch.
func (s *Settings) SetGate(ch Channel, enabled bool) error {
	if !ch.Valid() {
		return ErrInvalidChannel
	}
	s.channels[ch].Gate = enabled
	return nil
}

// SetGateFilter stores the gate block filter of ch.
func (s *Settings) SetGateFilter(ch Channel, f GateFilter) error {
	if !ch.Valid() {
		return ErrInvalidChannel
	}
	if id, ok := f.Blocked(); ok && id > MaxExtendedID {
		return ErrIDRange
	}
	s.channels[ch].GateFilter = f
	return nil
}

// BankChannel maps a global filter number (0..27) to its channel and the
// bank index within that channel.
func BankChannel(filterNo int) (Channel, int, error) {
	if filterNo < 0 || filterNo >= TotalFilterBanks {
		return 0, 0, fmt.Errorf("%w: %d", ErrFilterBank, filterNo)
	}
	if filterNo < Channel1FilterBanks {
		return Channel1, filterNo, nil
	}
	return Channel2, filterNo - Channel1FilterBanks, nil
}
