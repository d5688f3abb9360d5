// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !linux

package candrv

import "github.com/Thermoquad/canhacker/pkg/lawicel"

// SocketCAN is only available on Linux. This stub keeps the CLI building on
// other platforms; every operation fails with ErrUnsupported.
type SocketCAN struct{}

// NewSocketCAN returns the unsupported stub.
func NewSocketCAN(can1, can2 string) *SocketCAN {
	return &SocketCAN{}
}

// OnReceive does nothing.
func (s *SocketCAN) OnReceive(fn lawicel.ReceiveFunc) {}

// Init returns ErrUnsupported.
func (s *SocketCAN) Init(ch lawicel.Channel, rate lawicel.Bitrate, mode lawicel.Mode) error {
	return ErrUnsupported
}

// SetFilter returns ErrUnsupported.
func (s *SocketCAN) SetFilter(ch lawicel.Channel, filters []lawicel.Filter) error {
	return ErrUnsupported
}

// Send returns ErrUnsupported.
func (s *SocketCAN) Send(ch lawicel.Channel, f lawicel.Frame) error {
	return ErrUnsupported
}

// Close does nothing.
func (s *SocketCAN) Close() error {
	return nil
}
