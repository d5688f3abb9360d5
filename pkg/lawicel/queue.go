// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import "sync/atomic"

const queueMask = QueueCapacity - 1

// Queue is a bounded single-producer/single-consumer ring of received
// packets. The producer is the driver receive path, the consumer is the
// adapter main loop. Neither side blocks or allocates.
//
// When the ring is full the incoming packet is dropped (drop-newest) and
// counted; packets already queued are never overwritten.
type Queue struct {
	buf     [QueueCapacity]Packet
	head    atomic.Uint32 // next slot to read, written by the consumer
	tail    atomic.Uint32 // next slot to write, written by the producer
	dropped atomic.Uint64
}

// Put enqueues p. Producer side only. Returns false if p was dropped.
func (q *Queue) Put(p Packet) bool {
	t := q.tail.Load()
	if t-q.head.Load() >= QueueCapacity {
		q.dropped.Add(1)
		return false
	}
	q.buf[t&queueMask] = p
	q.tail.Store(t + 1)
	return true
}

// Get dequeues the oldest packet. Consumer side only.
func (q *Queue) Get() (Packet, bool) {
	h := q.head.Load()
	if h == q.tail.Load() {
		return Packet{}, false
	}
	p := q.buf[h&queueMask]
	q.head.Store(h + 1)
	return p, true
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Empty reports whether no packet is queued.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Dropped returns how many packets were rejected because the ring was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
