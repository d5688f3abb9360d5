// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

// CommandBuffer accumulates host bytes into one command. The terminator is
// not stored. A command that reaches MaxCommandLength without a terminator
// is completed at capacity.
type CommandBuffer struct {
	data [MaxCommandLength]byte
	n    int
}

// Push appends b and reports whether the command is complete.
func (c *CommandBuffer) Push(b byte) bool {
	if b == Terminator {
		return true
	}
	if c.n < len(c.data) {
		c.data[c.n] = b
		c.n++
	}
	return c.n == len(c.data)
}

// Bytes returns the accumulated command. The slice is only valid until the
// next Push or Reset.
func (c *CommandBuffer) Bytes() []byte {
	return c.data[:c.n]
}

// Len returns the number of buffered bytes.
func (c *CommandBuffer) Len() int {
	return c.n
}

// Reset clears the buffer.
func (c *CommandBuffer) Reset() {
	c.n = 0
}

// at returns the byte at i or 0 past the end.
func (c *CommandBuffer) at(i int) byte {
	if i < c.n {
		return c.data[i]
	}
	return 0
}
