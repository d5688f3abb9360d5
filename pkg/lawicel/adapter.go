// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Transport is the byte stream to the host.
type Transport interface {
	// Receive copies pending host bytes into p without blocking and returns
	// how many were copied (0 if none).
	Receive(p []byte) int
	// Send writes p to the host.
	Send(p []byte) error
}

// Driver programs and uses the CAN controllers.
type Driver interface {
	// Init (re)starts the controller of ch at rate in the given mode.
	Init(ch Channel, rate Bitrate, mode Mode) error
	// SetFilter replaces the acceptance filters of ch.
	SetFilter(ch Channel, filters []Filter) error
	// Send queues f for transmission on ch.
	Send(ch Channel, f Frame) error
}

// ReceiveFunc is called by a driver for every frame taken off a bus.
type ReceiveFunc func(ch Channel, f Frame)

// Clock supplies the tick counter used to stamp received frames.
type Clock interface {
	Counter() uint32
}

// ClockFunc is func type of Clock.
type ClockFunc func() uint32

// Counter implements Clock.
func (f ClockFunc) Counter() uint32 {
	return f()
}

// NewTickClock returns a clock counting ticks of the given length since
// its creation. The count is reduced modulo TimestampModulus so the
// timestamp suffix never jumps when the tick count outgrows 32 bits.
func NewTickClock(tick time.Duration) Clock {
	start := time.Now()
	return ClockFunc(func() uint32 {
		return uint32((time.Since(start) / tick) % TimestampModulus)
	})
}

// Adapter is the protocol engine: it parses host commands, keeps channel
// and filter state, and forwards received frames to the host.
//
// ProcessCommands, ProcessPackets and Run belong to the main loop.
// PacketReceived may be called concurrently from a driver goroutine.
type Adapter struct {
	transport Transport
	driver    Driver
	clock     Clock

	settings *Settings
	cmd      CommandBuffer
	queues   [NumChannels]Queue
	open     [NumChannels]atomic.Bool // mirrors settings Open for the receive path
	stats    *Statistics

	rxBuf  [32]byte
	txBuf  [MaxFrameLine]byte
	wakeup chan struct{}
}

// NewAdapter creates an adapter with both channels closed. Register
// PacketReceived with the driver to feed received frames.
func NewAdapter(transport Transport, driver Driver, clock Clock) *Adapter {
	return &Adapter{
		transport: transport,
		driver:    driver,
		clock:     clock,
		settings:  NewSettings(),
		stats:     NewStatistics(),
		wakeup:    make(chan struct{}, 1),
	}
}

// Settings returns a copy of the configuration of ch.
func (a *Adapter) Settings(ch Channel) (ChannelSettings, error) {
	return a.settings.Snapshot(ch)
}

// Stats returns the adapter statistics.
func (a *Adapter) Stats() *Statistics {
	return a.stats
}

// Pending returns the number of received packets waiting for ch.
func (a *Adapter) Pending(ch Channel) int {
	if !ch.Valid() {
		return 0
	}
	return a.queues[ch].Len()
}

// PacketReceived stamps f and queues it for the host if ch is open. Frames
// for closed or unknown channels are discarded.
func (a *Adapter) PacketReceived(ch Channel, f Frame) {
	if !ch.Valid() || !a.open[ch].Load() {
		a.stats.discarded.Add(1)
		return
	}
	if !a.queues[ch].Put(Packet{Frame: f, Timestamp: a.clock.Counter()}) {
		a.stats.dropped.Add(1)
		return
	}
	a.stats.received.Add(1)
	select {
	case a.wakeup <- struct{}{}:
	default:
	}
}

// ProcessCommands reads whatever the host has sent and executes every
// completed command. Returns true if any byte was read.
func (a *Adapter) ProcessCommands() bool {
	n := a.transport.Receive(a.rxBuf[:])
	for _, b := range a.rxBuf[:n] {
		if a.cmd.Push(b) {
			a.dispatch()
		}
	}
	return n != 0
}

// Feed executes the commands contained in p as if received from the host.
func (a *Adapter) Feed(p []byte) {
	for _, b := range p {
		if a.cmd.Push(b) {
			a.dispatch()
		}
	}
}

// ProcessPackets drains the receive queues, channel 1 first, and writes
// each packet to the host. Returns true if anything was written.
func (a *Adapter) ProcessPackets() bool {
	sent := false
	for ch := Channel1; ch < NumChannels; ch++ {
		q := &a.queues[ch]
		for {
			p, ok := q.Get()
			if !ok {
				break
			}
			sent = true
			line := AppendPacket(a.txBuf[:0], ch, p)
			if err := a.transport.Send(line); err != nil {
				glog.Warningf("%s: forward %v: %v", ch, p.Frame, err)
				continue
			}
			a.stats.forwarded.Add(1)
		}
	}
	return sent
}

// Run polls the host and the receive queues until ctx is done. When there
// is nothing to do it sleeps for idle or until a frame arrives.
func (a *Adapter) Run(ctx context.Context, idle time.Duration) error {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		busy := a.ProcessCommands()
		if a.ProcessPackets() {
			busy = true
		}
		if busy {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wakeup:
		case <-timer.C:
		}
	}
}

func (a *Adapter) ack() {
	a.stats.acks.Add(1)
	a.send([]byte{AckByte})
}

func (a *Adapter) reply(s string) {
	a.stats.acks.Add(1)
	a.send([]byte(s))
}

func (a *Adapter) send(p []byte) {
	if err := a.transport.Send(p); err != nil {
		glog.Warningf("host write: %v", err)
	}
}

// dispatch executes the buffered command and clears the buffer.
func (a *Adapter) dispatch() {
	defer a.cmd.Reset()

	cmd := a.cmd.Bytes()
	if len(cmd) == 0 {
		return
	}
	a.stats.commands.Add(1)
	glog.V(2).Infof("RX <%s>", cmd)

	switch cmd[0] {
	case OpNoop:
		a.ack()
		return
	case OpUnknown:
		a.stats.naks.Add(1)
		a.send([]byte{NakByte})
		return
	case OpVersion:
		if a.version(cmd) {
			return
		}
	case OpDetailedVersion:
		if len(cmd) == 1 {
			a.reply(DetailedVersion)
			return
		}
	default:
		if err := a.execute(cmd); err != nil {
			a.stats.rejected.Add(1)
			glog.V(2).Infof("rejected <%s>: %v", cmd, err)
			return
		}
		a.ack()
		return
	}
	a.stats.rejected.Add(1)
}

func (a *Adapter) version(cmd []byte) bool {
	switch {
	case len(cmd) == 1:
		a.reply(FirmwareVersion)
	case len(cmd) == 2 && cmd[1] == versionSerial:
		a.reply(SerialNumber)
	case len(cmd) == 2 && cmd[1] == versionHardware:
		a.reply(HardwareVersion)
	default:
		return false
	}
	return true
}

// execute runs a command that answers with a single acknowledgement.
func (a *Adapter) execute(cmd []byte) error {
	op := cmd[0]
	switch op {
	case OpOpen:
		if len(cmd) != 3 {
			return ErrCommandLength
		}
		ch, err := a.channelArg()
		if err != nil {
			return err
		}
		mode := ModeListenOnly
		if cmd[2] == '1' {
			mode = ModeNormal
		}
		return a.Open(ch, mode)

	case OpClose:
		if len(cmd) != 2 {
			return ErrCommandLength
		}
		ch, err := a.channelArg()
		if err != nil {
			return err
		}
		return a.Close(ch)

	case OpSpeed:
		if len(cmd) != 3 {
			return ErrCommandLength
		}
		ch, err := a.channelArg()
		if err != nil {
			return err
		}
		return a.settings.SetBitrate(ch, cmd[2])

	case OpFilterID, OpFilterMask:
		if len(cmd) != 1+filterNoWidth+filterValWidth {
			return ErrCommandLength
		}
		return a.setFilter(cmd, op == OpFilterMask)

	case OpSendExtended, OpSendStandard:
		ch, err := a.channelArg()
		if err != nil {
			return err
		}
		f, err := DecodeSend(cmd, op == OpSendExtended)
		if err != nil {
			return err
		}
		return a.Transmit(ch, f)

	case OpGate:
		if len(cmd) != 3 {
			return ErrCommandLength
		}
		ch, err := a.channelArg()
		if err != nil {
			return err
		}
		return a.settings.SetGate(ch, cmd[2] == '1')

	case OpGateBlock:
		if len(cmd) < 2 {
			return ErrCommandLength
		}
		return a.gateBlock(cmd)
	}
	return fmt.Errorf("unhandled opcode %q", op)
}

// channelArg decodes the 1-based channel digit in the second byte.
func (a *Adapter) channelArg() (Channel, error) {
	ch, ok := parseChannel(a.cmd.at(1))
	if !ok {
		return 0, ErrInvalidChannel
	}
	return ch, nil
}

// Open starts ch at its stored bit-rate with accept-all filters. Filter
// banks configured earlier stay stored but are not applied until the next
// mask write.
func (a *Adapter) Open(ch Channel, mode Mode) error {
	if !ch.Valid() {
		return ErrInvalidChannel
	}
	s := a.settings.Channel(ch)
	if s.Bitrate == 0 {
		return ErrNoBitrate
	}
	// Closed until the driver accepts the new configuration.
	s.Open = false
	a.open[ch].Store(false)
	if err := a.driver.Init(ch, s.Bitrate, mode); err != nil {
		glog.Errorf("%s: init at %s: %v", ch, s.Bitrate, err)
		return fmt.Errorf("init %s: %w", ch, err)
	}
	if err := a.driver.SetFilter(ch, AcceptAll()); err != nil {
		glog.Errorf("%s: set filter: %v", ch, err)
		return fmt.Errorf("filter %s: %w", ch, err)
	}
	s.Mode = mode
	s.Open = true
	a.open[ch].Store(true)
	glog.Infof("%s: open at %s (%s)", ch, s.Bitrate, mode)
	return nil
}

// Close stops forwarding frames of ch. Closing a closed channel succeeds.
func (a *Adapter) Close(ch Channel) error {
	if err := a.settings.Close(ch); err != nil {
		return err
	}
	a.open[ch].Store(false)
	return nil
}

// Transmit sends f on ch. The channel must be open.
func (a *Adapter) Transmit(ch Channel, f Frame) error {
	if !ch.Valid() {
		return ErrInvalidChannel
	}
	if !a.settings.channels[ch].Open {
		return ErrChannelClosed
	}
	if err := a.driver.Send(ch, f); err != nil {
		return fmt.Errorf("send on %s: %w", ch, err)
	}
	a.stats.transmitted.Add(1)
	return nil
}

// setFilter handles "FXXvvvvvvvv" and "fXXvvvvvvvv".
func (a *Adapter) setFilter(cmd []byte, mask bool) error {
	no, ok := ParseHex(cmd[1 : 1+filterNoWidth])
	if !ok {
		return fmt.Errorf("%w: filter number", ErrBadDigit)
	}
	val, ok := ParseHex(cmd[1+filterNoWidth:])
	if !ok {
		return fmt.Errorf("%w: filter value", ErrBadDigit)
	}

	ch, reprogram, err := a.settings.WriteFilter(int(no), val, mask)
	if err != nil || !reprogram {
		return err
	}
	filters := BuildFilters(a.settings.Channel(ch))
	if err := a.driver.SetFilter(ch, filters); err != nil {
		glog.Errorf("%s: set filter: %v", ch, err)
		return fmt.Errorf("filter %s: %w", ch, err)
	}
	glog.V(1).Infof("%s: filters %v", ch, filters)
	return nil
}

// gateBlock handles "Lnid...". n-1 selects the channel; adding 2 to the
// channel turns the block filter off instead.
func (a *Adapter) gateBlock(cmd []byte) error {
	n, ok := ParseDecimal(cmd[1:2])
	if !ok || n == 0 {
		return ErrInvalidChannel
	}
	sel := n - 1
	enable := true
	if sel > 1 {
		enable = false
		sel -= 2
	}
	if sel > 1 {
		return ErrInvalidChannel
	}

	id, ok := ParseHex(cmd[2:])
	if !ok {
		return fmt.Errorf("%w: gate identifier", ErrBadDigit)
	}
	if id > MaxExtendedID {
		return fmt.Errorf("%w: 0x%X", ErrIDRange, id)
	}

	f := GateFilterDisabled()
	if enable {
		f = GateFilterBlock(id)
	}
	return a.settings.SetGateFilter(Channel(sel), f)
}
