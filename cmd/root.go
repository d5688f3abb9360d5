// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"flag"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
)

var rootCmd = &cobra.Command{
	Use:   "canhacker",
	Short: "Dual-channel Lawicel/CanHacker USB-to-CAN adapter",
	Long: `Canhacker - the adapter side and the host side of the Lawicel (CanHacker)
ASCII protocol for a dual-channel USB-to-CAN adapter.

The serve command runs the adapter core: it answers host commands on a
serial device or WebSocket and bridges them to a virtual bus or to Linux
SocketCAN interfaces. The remaining commands talk to an adapter as a host.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 115200]
  WebSocket: --url ws://host/slcan [--username user]

For WebSocket authentication, the password is read from the CANHACKER_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Diagnostics are logged with glog; use -v=2 to trace every command.`,
	Version: "1.0.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog reads its flags from the standard flag set; mark it parsed
		// so it does not complain, cobra has already filled the values.
		_ = flag.CommandLine.Parse([]string{})
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// glog flags (-v, -logtostderr, -log_dir, ...)
	_ = flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.SetGlobalNormalizationFunc(wordSepNormalizeFunc)
}

// wordSepNormalizeFunc lets glog's underscore flags be spelled with dashes
// (--log-dir, --stderr-threshold).
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
