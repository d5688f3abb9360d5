// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package lawicel implements the adapter side of the Lawicel/CanHacker
// ASCII protocol spoken by USB-to-CAN adapters.
//
// The host writes carriage-return terminated commands ("S8", "O11",
// "t1231AA", ...) to the adapter. The Adapter parses them, drives up to two
// CAN controllers through a Driver, and streams frames received from the
// buses back to the host as ASCII lines with a 16-bit timestamp suffix.
//
// The package also carries host-side helpers (command builders and a
// response decoder) used by the CLI and by tests.
package lawicel

// Protocol bytes
const (
	Terminator = '\r' // ends every command and every response line
	AckByte    = '\r'
	NakByte    = 0x07
)

// Fixed replies. Host tools compare these byte for byte.
const (
	FirmwareVersion = "VF_01_03_2020\r"
	HardwareVersion = "H01\r"
	SerialNumber    = "S0123456789ABCDEF\r"
	DetailedVersion = "vSTM32\r"
)

// Command opcodes
const (
	OpNoop            = 'D'
	OpVersion         = 'V'
	OpDetailedVersion = 'v'
	OpUnknown         = 'N'
	OpOpen            = 'O'
	OpClose           = 'C'
	OpSpeed           = 'S'
	OpFilterID        = 'F'
	OpFilterMask      = 'f'
	OpSendExtended    = 'T'
	OpSendStandard    = 't'
	OpGate            = 'G'
	OpGateBlock       = 'L'
)

// Second byte selectors for OpVersion
const (
	versionSerial   = 'S'
	versionHardware = 'H'
)

// Identifier limits
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLength = 8
)

// Field widths on the wire
const (
	standardIDWidth = 3
	extendedIDWidth = 8
	timestampWidth  = 4
	filterNoWidth   = 2
	filterValWidth  = 8
)

// TimestampModulus bounds the timestamp suffix of received frames. The value
// is reduced modulo 10000 and then written as four hex digits; host tools
// already depend on that mixed-radix encoding.
const TimestampModulus = 10000

// MaxCommandLength is the capacity of the command buffer: an extended send
// with eight data bytes ("T" + channel + 8 id + 1 length + 16 data).
// Anything longer is dispatched when the buffer fills.
const MaxCommandLength = 2 + extendedIDWidth + 1 + 2*MaxDataLength

// MaxFrameLine is the longest line the adapter emits for a received frame.
const MaxFrameLine = MaxCommandLength + timestampWidth + 1

// Filter bank sizes per channel. The controller splits its banks unevenly
// between the two channels.
const (
	Channel1FilterBanks = 13
	Channel2FilterBanks = 15
	TotalFilterBanks    = Channel1FilterBanks + Channel2FilterBanks
)

// QueueCapacity is the number of received packets buffered per channel.
// Must be a power of two.
const QueueCapacity = 64
