// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package candrv provides CAN controller backends for the lawicel adapter.
//
// Virtual is an in-memory two-channel bus for development and tests.
// SocketCAN drives Linux CAN network interfaces.
package candrv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

// Common driver errors
var (
	ErrNotInitialized = errors.New("candrv: channel not initialized")
	ErrListenOnly     = errors.New("candrv: channel is listen-only")
	ErrUnsupported    = errors.New("candrv: not supported on this platform")
	ErrNoInterface    = errors.New("candrv: no interface for channel")
)

// Sent is a frame handed to the Virtual driver for transmission.
type Sent struct {
	Channel lawicel.Channel
	Frame   lawicel.Frame
}

type virtualChannel struct {
	initialized bool
	rate        lawicel.Bitrate
	mode        lawicel.Mode
	filters     []lawicel.Filter
}

// Virtual is an in-memory bus with two controllers. With Loopback set,
// every frame sent on one channel arrives on the other.
//
// Delivery to the receive callback is serialized per channel, so loopback
// traffic from Send and frames from Inject callers never reach the callback
// for the same channel at the same time.
type Virtual struct {
	mu       sync.Mutex
	deliver  [lawicel.NumChannels]sync.Mutex
	channels [lawicel.NumChannels]virtualChannel
	loopback bool
	recv     lawicel.ReceiveFunc
	sent     []Sent
}

// NewVirtual creates a virtual bus.
func NewVirtual(loopback bool) *Virtual {
	return &Virtual{loopback: loopback}
}

// OnReceive registers the callback for frames arriving from the bus.
func (v *Virtual) OnReceive(fn lawicel.ReceiveFunc) {
	v.mu.Lock()
	v.recv = fn
	v.mu.Unlock()
}

// Init implements lawicel.Driver.
func (v *Virtual) Init(ch lawicel.Channel, rate lawicel.Bitrate, mode lawicel.Mode) error {
	if !ch.Valid() {
		return lawicel.ErrInvalidChannel
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.channels[ch] = virtualChannel{initialized: true, rate: rate, mode: mode}
	return nil
}

// SetFilter implements lawicel.Driver.
func (v *Virtual) SetFilter(ch lawicel.Channel, filters []lawicel.Filter) error {
	if !ch.Valid() {
		return lawicel.ErrInvalidChannel
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.channels[ch].filters = append([]lawicel.Filter(nil), filters...)
	return nil
}

// Send implements lawicel.Driver.
func (v *Virtual) Send(ch lawicel.Channel, f lawicel.Frame) error {
	if !ch.Valid() {
		return lawicel.ErrInvalidChannel
	}

	v.mu.Lock()
	c := &v.channels[ch]
	if !c.initialized {
		v.mu.Unlock()
		return fmt.Errorf("%s: %w", ch, ErrNotInitialized)
	}
	if c.mode == lawicel.ModeListenOnly {
		v.mu.Unlock()
		return fmt.Errorf("%s: %w", ch, ErrListenOnly)
	}
	v.sent = append(v.sent, Sent{Channel: ch, Frame: f})
	loopback := v.loopback
	v.mu.Unlock()

	if loopback {
		v.Inject(ch^1, f)
	}
	return nil
}

// Inject simulates f arriving on ch from the bus. The frame is passed
// through the channel's filters. Returns true if it was delivered.
func (v *Virtual) Inject(ch lawicel.Channel, f lawicel.Frame) bool {
	if !ch.Valid() {
		return false
	}

	v.mu.Lock()
	c := v.channels[ch]
	fn := v.recv
	v.mu.Unlock()

	if !c.initialized || fn == nil || !lawicel.MatchAny(c.filters, f) {
		return false
	}
	v.deliver[ch].Lock()
	fn(ch, f)
	v.deliver[ch].Unlock()
	return true
}

// Sent returns every frame transmitted so far.
func (v *Virtual) Sent() []Sent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Sent(nil), v.sent...)
}

// Filters returns the filter list installed on ch.
func (v *Virtual) Filters(ch lawicel.Channel) []lawicel.Filter {
	if !ch.Valid() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]lawicel.Filter(nil), v.channels[ch].filters...)
}

// Config returns the bit-rate and mode ch was last initialised with.
func (v *Virtual) Config(ch lawicel.Channel) (lawicel.Bitrate, lawicel.Mode, bool) {
	if !ch.Valid() {
		return 0, 0, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	c := v.channels[ch]
	return c.rate, c.mode, c.initialized
}

// Close implements io.Closer.
func (v *Virtual) Close() error {
	return nil
}
