// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Statistics counts adapter activity. Counters are updated from both the
// receive path and the main loop, so they are atomic.
type Statistics struct {
	start time.Time

	commands    atomic.Uint64
	acks        atomic.Uint64
	naks        atomic.Uint64
	rejected    atomic.Uint64
	transmitted atomic.Uint64
	received    atomic.Uint64
	forwarded   atomic.Uint64
	discarded   atomic.Uint64
	dropped     atomic.Uint64
}

// NewStatistics creates a statistics tracker starting now.
func NewStatistics() *Statistics {
	return &Statistics{start: time.Now()}
}

// StatsSnapshot is a point-in-time copy of Statistics.
type StatsSnapshot struct {
	Elapsed time.Duration

	Commands    uint64 // completed commands, including rejected ones
	Acks        uint64 // commands acknowledged with \r or a reply string
	Naks        uint64 // N commands answered with BEL
	Rejected    uint64 // commands dropped without reply
	Transmitted uint64 // frames handed to the driver
	Received    uint64 // frames queued from the bus
	Forwarded   uint64 // frames written to the host
	Discarded   uint64 // frames received on a closed channel
	Dropped     uint64 // frames lost to a full queue
}

// Snapshot returns the current counter values.
func (s *Statistics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Elapsed:     time.Since(s.start),
		Commands:    s.commands.Load(),
		Acks:        s.acks.Load(),
		Naks:        s.naks.Load(),
		Rejected:    s.rejected.Load(),
		Transmitted: s.transmitted.Load(),
		Received:    s.received.Load(),
		Forwarded:   s.forwarded.Load(),
		Discarded:   s.discarded.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// FrameRate returns forwarded frames per second.
func (s StatsSnapshot) FrameRate() float64 {
	if secs := s.Elapsed.Seconds(); secs > 0 {
		return float64(s.Forwarded) / secs
	}
	return 0
}

// String returns a formatted statistics summary
func (s StatsSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", s.Elapsed.Seconds())
	fmt.Fprintf(&b, "Commands:        %8d\n", s.Commands)
	fmt.Fprintf(&b, "  Acknowledged:  %8d\n", s.Acks)
	if s.Naks > 0 {
		fmt.Fprintf(&b, "  Unknown (NAK): %8d\n", s.Naks)
	}
	if s.Rejected > 0 {
		fmt.Fprintf(&b, "  Rejected:      %8d\n", s.Rejected)
	}
	fmt.Fprintf(&b, "Frames TX:       %8d\n", s.Transmitted)
	fmt.Fprintf(&b, "Frames RX:       %8d (%.1f/s to host)\n", s.Received, s.FrameRate())
	if s.Discarded > 0 {
		fmt.Fprintf(&b, "  Closed chan:   %8d\n", s.Discarded)
	}
	if s.Dropped > 0 {
		fmt.Fprintf(&b, "  Queue full:    %8d\n", s.Dropped)
	}
	return b.String()
}
