// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import "errors"

// Errors returned by channel, filter and frame operations. The dispatcher
// never reports them to the host; a rejected command simply gets no reply.
var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrInvalidBitrate = errors.New("invalid bitrate code")
	ErrNoBitrate      = errors.New("bitrate not set")
	ErrChannelClosed  = errors.New("channel not open")
	ErrCommandLength  = errors.New("wrong command length")
	ErrShortCommand   = errors.New("command shorter than declared data")
	ErrBadDigit       = errors.New("invalid digit")
	ErrDataLength     = errors.New("data length out of range")
	ErrIDRange        = errors.New("identifier out of range")
	ErrFilterBank     = errors.New("filter bank out of range")
)
