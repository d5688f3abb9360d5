// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Canhacker - Lawicel (CanHacker) protocol adapter and host tools
//
// The serve command runs the dual-channel adapter core; the other commands
// talk to an adapter over a serial port or WebSocket.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/canhacker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
