// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Test doubles
// ============================================================

type testTransport struct {
	mu  sync.Mutex
	in  []byte
	out bytes.Buffer
}

func (t *testTransport) Receive(p []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := copy(p, t.in)
	t.in = t.in[n:]
	return n
}

func (t *testTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out.Write(p)
	return nil
}

func (t *testTransport) inject(s string) {
	t.mu.Lock()
	t.in = append(t.in, s...)
	t.mu.Unlock()
}

// take returns and clears everything written to the host.
func (t *testTransport) take() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.out.String()
	t.out.Reset()
	return s
}

type initCall struct {
	ch   Channel
	rate Bitrate
	mode Mode
}

type testDriver struct {
	inits   []initCall
	filters map[Channel][][]Filter
	sent    []Frame
	sendErr error
	initErr error
	filtErr error
}

func newTestDriver() *testDriver {
	return &testDriver{filters: make(map[Channel][][]Filter)}
}

func (d *testDriver) Init(ch Channel, rate Bitrate, mode Mode) error {
	if d.initErr != nil {
		return d.initErr
	}
	d.inits = append(d.inits, initCall{ch, rate, mode})
	return nil
}

func (d *testDriver) SetFilter(ch Channel, filters []Filter) error {
	if d.filtErr != nil {
		return d.filtErr
	}
	d.filters[ch] = append(d.filters[ch], filters)
	return nil
}

func (d *testDriver) Send(ch Channel, f Frame) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, f)
	return nil
}

// lastFilters returns the most recently installed filter list of ch.
func (d *testDriver) lastFilters(ch Channel) []Filter {
	l := d.filters[ch]
	if len(l) == 0 {
		return nil
	}
	return l[len(l)-1]
}

func fixedClock(v uint32) Clock {
	return ClockFunc(func() uint32 { return v })
}

func newTestAdapter() (*Adapter, *testTransport, *testDriver) {
	tr := &testTransport{}
	drv := newTestDriver()
	return NewAdapter(tr, drv, fixedClock(42)), tr, drv
}

// feed runs s through the adapter and returns what it answered.
func feed(a *Adapter, tr *testTransport, s string) string {
	a.Feed([]byte(s))
	return tr.take()
}

func openChannel(t *testing.T, a *Adapter, tr *testTransport, digit string) {
	t.Helper()
	require.Equal(t, "\r\r", feed(a, tr, "S"+digit+"8\rO"+digit+"1\r"))
}

// ============================================================
// Fixed replies
// ============================================================

func TestAdapter_FixedReplies(t *testing.T) {
	tests := []struct {
		name string
		input string
		want  string
	}{
		{"firmware version", "V\r", "VF_01_03_2020\r"},
		{"serial number", "VS\r", "S0123456789ABCDEF\r"},
		{"hardware version", "VH\r", "H01\r"},
		{"detailed version", "v\r", "vSTM32\r"},
		{"version with junk", "VX\r", ""},
		{"version too long", "VSS\r", ""},
		{"detailed version too long", "v1\r", ""},
		{"noop", "D\r", "\r"},
		{"noop with trailing bytes", "D0\r", "\r"},
		{"unknown command", "N\r", "\x07"},
		{"unknown command with trailing bytes", "Nxyz123\r", "\x07"},
		{"unhandled opcode", "X\r", ""},
		{"test pin opcode", "PA01\r", ""},
		{"empty line", "\r", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, tr, _ := newTestAdapter()
			assert.Equal(t, tt.want, feed(a, tr, tt.input))
		})
	}
}

func TestAdapter_VersionScenario(t *testing.T) {
	a, tr, _ := newTestAdapter()
	tr.inject("V\r")
	require.True(t, a.ProcessCommands())
	assert.Equal(t, "VF_01_03_2020\r", tr.take())
	assert.False(t, a.ProcessCommands())
}

// ============================================================
// Channel lifecycle
// ============================================================

func TestAdapter_SpeedThenOpen_AllCodes(t *testing.T) {
	for _, code := range BitrateCodes() {
		t.Run(string(code), func(t *testing.T) {
			a, tr, drv := newTestAdapter()
			out := feed(a, tr, "S1"+string(code)+"\rO11\r")
			require.Equal(t, "\r\r", out)

			want, _ := BitrateFromCode(code)
			s, err := a.Settings(Channel1)
			require.NoError(t, err)
			assert.True(t, s.Open)
			assert.Equal(t, want, s.Bitrate)
			require.Len(t, drv.inits, 1)
			assert.Equal(t, initCall{Channel1, want, ModeNormal}, drv.inits[0])
			assert.Equal(t, AcceptAll(), drv.lastFilters(Channel1))
		})
	}
}

func TestAdapter_OpenWithoutBitrate(t *testing.T) {
	for _, digit := range []string{"1", "2"} {
		a, tr, drv := newTestAdapter()
		assert.Empty(t, feed(a, tr, "O"+digit+"1\r"))
		assert.Empty(t, drv.inits)

		s, _ := a.Settings(Channel1)
		assert.False(t, s.Open)
	}
}

func TestAdapter_Scenario250k(t *testing.T) {
	a, tr, drv := newTestAdapter()
	assert.Equal(t, "\r\r", feed(a, tr, "S18\rO11\r"))

	s, err := a.Settings(Channel1)
	require.NoError(t, err)
	assert.True(t, s.Open)
	assert.Equal(t, Bitrate250k, s.Bitrate)
	assert.Equal(t, ModeNormal, s.Mode)
	assert.Equal(t, Bitrate250k, drv.inits[0].rate)

	other, _ := a.Settings(Channel2)
	assert.False(t, other.Open)
}

func TestAdapter_OpenListenOnly(t *testing.T) {
	a, tr, drv := newTestAdapter()
	assert.Equal(t, "\r\r", feed(a, tr, "S2A\rO20\r"))
	require.Len(t, drv.inits, 1)
	assert.Equal(t, initCall{Channel2, Bitrate500k, ModeListenOnly}, drv.inits[0])
}

func TestAdapter_InvalidBitrateCode(t *testing.T) {
	a, tr, _ := newTestAdapter()
	for _, in := range []string{"S1E\r", "S1a\r", "S1\r", "S188\r"} {
		assert.Empty(t, feed(a, tr, in), in)
	}
	s, _ := a.Settings(Channel1)
	assert.Equal(t, Bitrate(0), s.Bitrate)
}

func TestAdapter_InvalidChannelLeavesStateAlone(t *testing.T) {
	a, tr, drv := newTestAdapter()
	openChannel(t, a, tr, "1")
	before1, _ := a.Settings(Channel1)
	before2, _ := a.Settings(Channel2)
	inits := len(drv.inits)

	inputs := []string{
		"S38\r", "S08\r", "Sx8\r",
		"O31\r", "O01\r", "O91\r",
		"C3\r", "C0\r", "Cz\r",
		"G31\r", "G01\r",
		"t3123122\r", "t0123122\r",
		"T3123456781AA\r",
		"L5123\r", "L0123\r", "Lx123\r",
	}
	for _, in := range inputs {
		assert.Empty(t, feed(a, tr, in), in)
	}

	after1, _ := a.Settings(Channel1)
	after2, _ := a.Settings(Channel2)
	assert.Equal(t, before1, after1)
	assert.Equal(t, before2, after2)
	assert.Len(t, drv.inits, inits)
	assert.Empty(t, drv.sent)

	_, err := a.Settings(Channel(2))
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestAdapter_OpenCloseIdempotent(t *testing.T) {
	a, tr, drv := newTestAdapter()
	require.Equal(t, "\r", feed(a, tr, "S13\r"))

	assert.Equal(t, "\r", feed(a, tr, "O11\r"))
	assert.Equal(t, "\r", feed(a, tr, "C1\r"))
	assert.Equal(t, "\r", feed(a, tr, "O11\r"))
	assert.Equal(t, "\r", feed(a, tr, "O11\r"))

	s, _ := a.Settings(Channel1)
	assert.True(t, s.Open)
	assert.Equal(t, Bitrate50k, s.Bitrate)
	assert.Len(t, drv.inits, 3)

	assert.Equal(t, "\r", feed(a, tr, "C1\r"))
	assert.Equal(t, "\r", feed(a, tr, "C1\r"))
	s, _ = a.Settings(Channel1)
	assert.False(t, s.Open)
	assert.Equal(t, Bitrate50k, s.Bitrate)
}

func TestAdapter_FailedReopenClosesChannel(t *testing.T) {
	tests := []struct {
		name string
		fail func(d *testDriver)
	}{
		{"init fails", func(d *testDriver) { d.initErr = errors.New("no such device") }},
		{"filter fails", func(d *testDriver) { d.filtErr = errors.New("setsockopt") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, tr, drv := newTestAdapter()
			openChannel(t, a, tr, "1")

			tt.fail(drv)
			assert.Empty(t, feed(a, tr, "O11\r"))

			s, _ := a.Settings(Channel1)
			assert.False(t, s.Open)
			assert.Equal(t, Bitrate250k, s.Bitrate)

			a.PacketReceived(Channel1, NewFrame(0x123, []byte{1}))
			assert.False(t, a.ProcessPackets())
			assert.Equal(t, uint64(1), a.Stats().Snapshot().Discarded)
			assert.Empty(t, feed(a, tr, "t1231122\r"))
		})
	}
}

func TestAdapter_CloseKeepsFilters(t *testing.T) {
	a, tr, drv := newTestAdapter()
	openChannel(t, a, tr, "1")
	require.Equal(t, "\r\r", feed(a, tr, "F0000000123\rf00000007FF\r"))
	installs := len(drv.filters[Channel1])

	require.Equal(t, "\r", feed(a, tr, "C1\r"))
	assert.Len(t, drv.filters[Channel1], installs)

	s, _ := a.Settings(Channel1)
	assert.Equal(t, FilterSlot{ID: 0x123, Mask: 0x7FF}, s.Filters()[0])
}

// ============================================================
// Filters
// ============================================================

func TestAdapter_FilterEngine(t *testing.T) {
	tests := []struct {
		name     string
		commands []string
		ch       Channel
		want     []Filter
	}{
		{
			name:     "standard pair",
			commands: []string{"F0000000123", "f00000007FF"},
			ch:       Channel1,
			want:     []Filter{Mask11(0x123, 0x7FF)},
		},
		{
			name:     "identifier above 11 bits",
			commands: []string{"F0000000800", "f00000007FF"},
			ch:       Channel1,
			want:     []Filter{Mask29(0x800, 0x7FF)},
		},
		{
			name:     "mask above 11 bits",
			commands: []string{"F0000000123", "f0000000FFF"},
			ch:       Channel1,
			want:     []Filter{Mask29(0x123, 0xFFF)},
		},
		{
			name:     "zero identifier falls back to accept all",
			commands: []string{"F0000000000", "f00000007FF"},
			ch:       Channel1,
			want:     AcceptAll(),
		},
		{
			name:     "value truncated to 29 bits",
			commands: []string{"F00FFFFFFFF", "f00FFFFFFFF"},
			ch:       Channel1,
			want:     []Filter{Mask29(0x1FFFFFFF, 0x1FFFFFFF)},
		},
		{
			name:     "first bank of channel 2",
			commands: []string{"F0D00000100", "f0D00000700"},
			ch:       Channel2,
			want:     []Filter{Mask11(0x100, 0x700)},
		},
		{
			name:     "last bank of channel 2",
			commands: []string{"F1B00000100", "f1b00000700"},
			ch:       Channel2,
			want:     []Filter{Mask11(0x100, 0x700)},
		},
		{
			name:     "several banks in bank order",
			commands: []string{"F0200000200", "f02000007FF", "F0000000100", "f00000007FF"},
			ch:       Channel1,
			want:     []Filter{Mask11(0x100, 0x7FF), Mask11(0x200, 0x7FF)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, tr, drv := newTestAdapter()
			for _, c := range tt.commands {
				require.Equal(t, "\r", feed(a, tr, c+"\r"), c)
			}
			assert.Equal(t, tt.want, drv.lastFilters(tt.ch))
		})
	}
}

func TestAdapter_FilterIDWriteDoesNotReprogram(t *testing.T) {
	a, tr, drv := newTestAdapter()

	require.Equal(t, "\r", feed(a, tr, "F0000000123\r"))
	assert.Empty(t, drv.filters[Channel1])

	// Mask first, then ID: the ID write alone leaves hardware untouched.
	a2, tr2, drv2 := newTestAdapter()
	require.Equal(t, "\r", feed(a2, tr2, "f01000007FF\r"))
	assert.Equal(t, AcceptAll(), drv2.lastFilters(Channel1))
	require.Equal(t, "\r", feed(a2, tr2, "F0100000123\r"))
	assert.Len(t, drv2.filters[Channel1], 1)

	// A later mask write picks the stored pair up.
	require.Equal(t, "\r", feed(a2, tr2, "f01000007FF\r"))
	assert.Equal(t, []Filter{Mask11(0x123, 0x7FF)}, drv2.lastFilters(Channel1))
}

func TestAdapter_OpenResetsFiltersToAcceptAll(t *testing.T) {
	a, tr, drv := newTestAdapter()
	openChannel(t, a, tr, "1")
	require.Equal(t, "\r\r", feed(a, tr, "F0000000123\rf00000007FF\r"))
	require.Equal(t, []Filter{Mask11(0x123, 0x7FF)}, drv.lastFilters(Channel1))

	require.Equal(t, "\r", feed(a, tr, "O11\r"))
	assert.Equal(t, AcceptAll(), drv.lastFilters(Channel1))
}

func TestAdapter_FilterRejects(t *testing.T) {
	a, tr, drv := newTestAdapter()
	inputs := []string{
		"F1C00000123\r",  // bank 28
		"FFF00000123\r",  // bank 255
		"F0G00000123\r",  // bad bank digit
		"F000000012X\r",  // bad value digit
		"F000000123\r",   // short
		"F00000001234\r", // long
		"f1C000007FF\r",
	}
	for _, in := range inputs {
		assert.Empty(t, feed(a, tr, in), in)
	}
	assert.Empty(t, drv.filters)
}

// ============================================================
// Transmit
// ============================================================

func TestAdapter_SendStandardScenario(t *testing.T) {
	a, tr, drv := newTestAdapter()
	openChannel(t, a, tr, "1")

	assert.Equal(t, "\r", feed(a, tr, "t1231122334\r"))
	require.Len(t, drv.sent, 1)
	f := drv.sent[0]
	assert.Equal(t, uint32(0x123), f.ID)
	assert.False(t, f.Extended)
	assert.Equal(t, []byte{0x22}, f.Payload())
}

func TestAdapter_SendExtended(t *testing.T) {
	a, tr, drv := newTestAdapter()
	openChannel(t, a, tr, "2")

	assert.Equal(t, "\r", feed(a, tr, "T21234567880102030405060708\r"))
	require.Len(t, drv.sent, 1)
	f := drv.sent[0]
	assert.Equal(t, uint32(0x12345678), f.ID)
	assert.True(t, f.Extended)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, f.Payload())
}

func TestAdapter_SendRejects(t *testing.T) {
	tests := []struct {
		name string
		input string
	}{
		{"closed channel", "t2123122\r"},
		{"length above 8", "t1123911\r"},
		{"length not a digit", "t1123x11\r"},
		{"data shorter than declared", "t1123211\r"},
		{"standard id out of range", "t1800122\r"},
		{"extended id out of range", "T1200000001AA\r"},
		{"bad id digit", "t112G122\r"},
		{"bad data digit", "t11231ZZ\r"},
		{"missing length", "t1123\r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, tr, drv := newTestAdapter()
			openChannel(t, a, tr, "1")
			assert.Empty(t, feed(a, tr, tt.input))
			assert.Empty(t, drv.sent)
		})
	}
}

func TestAdapter_SendDriverFailure(t *testing.T) {
	a, tr, drv := newTestAdapter()
	openChannel(t, a, tr, "1")
	drv.sendErr = errors.New("bus off")

	assert.Empty(t, feed(a, tr, "t1123122\r"))
	assert.Equal(t, uint64(0), a.Stats().Snapshot().Transmitted)
}

func TestAdapter_LongestCommandFitsBuffer(t *testing.T) {
	a, tr, drv := newTestAdapter()
	openChannel(t, a, tr, "1")

	cmd := "T11FFFFFFF8" + "0011223344556677"
	require.Len(t, cmd, MaxCommandLength)
	assert.Equal(t, "\r", feed(a, tr, cmd+"\r"))
	require.Len(t, drv.sent, 1)
	assert.Equal(t, uint32(0x1FFFFFFF), drv.sent[0].ID)
}

func TestAdapter_OverflowForcesDispatch(t *testing.T) {
	a, tr, _ := newTestAdapter()

	// 27 bytes complete the noop, the rest form an unhandled command.
	in := "D" + string(bytes.Repeat([]byte{'x'}, 29)) + "\r"
	assert.Equal(t, "\r", feed(a, tr, in))

	// The buffer is clean afterwards.
	assert.Equal(t, "VF_01_03_2020\r", feed(a, tr, "V\r"))
}

// ============================================================
// Gate
// ============================================================

func TestAdapter_Gate(t *testing.T) {
	a, tr, _ := newTestAdapter()

	assert.Equal(t, "\r", feed(a, tr, "G11\r"))
	assert.Equal(t, "\r", feed(a, tr, "G20\r"))
	s1, _ := a.Settings(Channel1)
	s2, _ := a.Settings(Channel2)
	assert.True(t, s1.Gate)
	assert.False(t, s2.Gate)

	assert.Empty(t, feed(a, tr, "G1\r"))
	assert.Empty(t, feed(a, tr, "G111\r"))
}

func TestAdapter_GateBlock(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		ch      Channel
		blocked bool
		id      uint32
	}{
		{"block on channel 1", "L1123\r", Channel1, true, 0x123},
		{"block on channel 2", "L21ABCDEF0\r", Channel2, true, 0x1ABCDEF0},
		{"block id zero", "L1\r", Channel1, true, 0},
		{"clear channel 1", "L3\r", Channel1, false, 0},
		{"clear channel 2 with id", "L4123\r", Channel2, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, tr, _ := newTestAdapter()
			require.Equal(t, "\r", feed(a, tr, tt.input))
			s, _ := a.Settings(tt.ch)
			id, blocked := s.GateFilter.Blocked()
			assert.Equal(t, tt.blocked, blocked)
			if tt.blocked {
				assert.Equal(t, tt.id, id)
			} else {
				assert.Equal(t, GateFilterDisabled(), s.GateFilter)
			}
		})
	}
}

func TestAdapter_GateBlockRejects(t *testing.T) {
	a, tr, _ := newTestAdapter()
	for _, in := range []string{"L\r", "L5\r", "L120000000\r", "L1FFFFFFFFF\r", "L1XYZ\r", "L320000000\r"} {
		assert.Empty(t, feed(a, tr, in), in)
	}
	s, _ := a.Settings(Channel1)
	assert.Equal(t, GateFilter{}, s.GateFilter)
}

// ============================================================
// Receive bridge
// ============================================================

func TestAdapter_ReceiveDiscardedWhenClosed(t *testing.T) {
	a, tr, _ := newTestAdapter()
	a.PacketReceived(Channel1, NewFrame(0x123, []byte{1}))
	a.PacketReceived(Channel(5), NewFrame(0x123, []byte{1}))

	assert.False(t, a.ProcessPackets())
	assert.Empty(t, tr.take())
	assert.Equal(t, uint64(2), a.Stats().Snapshot().Discarded)
}

func TestAdapter_ReceiveForwardsInOrder(t *testing.T) {
	a, tr, _ := newTestAdapter()
	openChannel(t, a, tr, "1")
	openChannel(t, a, tr, "2")

	a.PacketReceived(Channel2, NewFrame(0x12345678, []byte{0xAA}))
	a.PacketReceived(Channel1, NewFrame(0x123, []byte{0x22}))
	a.PacketReceived(Channel1, NewFrame(0x7FF, nil))

	require.True(t, a.ProcessPackets())
	assert.Equal(t,
		"t1123122002A\r"+
			"t17FF0002A\r"+
			"T2123456781AA002A\r",
		tr.take())
	assert.False(t, a.ProcessPackets())

	st := a.Stats().Snapshot()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(3), st.Forwarded)
}

func TestAdapter_ReceiveAfterClose(t *testing.T) {
	a, tr, _ := newTestAdapter()
	openChannel(t, a, tr, "1")
	require.Equal(t, "\r", feed(a, tr, "C1\r"))

	a.PacketReceived(Channel1, NewFrame(0x100, nil))
	assert.Equal(t, 0, a.Pending(Channel1))
}

func TestAdapter_ReceiveQueueOverflowDropsNewest(t *testing.T) {
	a, tr, _ := newTestAdapter()
	openChannel(t, a, tr, "1")

	for i := 0; i < QueueCapacity+5; i++ {
		a.PacketReceived(Channel1, NewFrame(uint32(i), nil))
	}
	assert.Equal(t, QueueCapacity, a.Pending(Channel1))
	assert.Equal(t, uint64(5), a.Stats().Snapshot().Dropped)

	a.ProcessPackets()
	d := NewResponseDecoder()
	rs, err := d.Decode([]byte(tr.take()))
	require.NoError(t, err)
	require.Len(t, rs, QueueCapacity)
	for i, r := range rs {
		assert.Equal(t, uint32(i), r.Packet.Frame.ID)
	}
}

// ============================================================
// Main loop
// ============================================================

func TestNewTickClock_StaysInTimestampRange(t *testing.T) {
	clock := NewTickClock(time.Nanosecond)
	for i := 0; i < 1000; i++ {
		assert.Less(t, clock.Counter(), uint32(TimestampModulus))
	}
}

func TestAdapter_Run(t *testing.T) {
	a, tr, _ := newTestAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, time.Millisecond) }()

	tr.inject("S18\rO11\r")
	var got string
	require.Eventually(t, func() bool {
		got += tr.take()
		return got == "\r\r"
	}, time.Second, time.Millisecond)

	a.PacketReceived(Channel1, NewFrame(0x321, []byte{0x01, 0x02}))
	require.Eventually(t, func() bool {
		got = tr.take()
		return got != ""
	}, time.Second, time.Millisecond)
	assert.Equal(t, "t132120102002A\r", got)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
