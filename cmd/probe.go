// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

var (
	probeTimeout int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test connection by querying the adapter version",
	Long: `Send the version queries (V, VS, VH, v) and wait for the replies.

Anything the adapter sends before the first reply, such as received frames
from an already open channel, is skipped.

Exit codes:
  0 - Adapter answered the version query before timeout
  1 - Timeout reached without a reply
  2 - Connection error

Useful for testing connectivity to an adapter or a serve session.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for each reply")
}

func runProbe(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Canhacker - Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Waiting for version reply...\n\n")

	link := newAdapterLink(conn)
	timeout := time.Duration(probeTimeout) * time.Second
	skipped := 0
	countFrame := func(lawicel.Response) { skipped++ }

	queries := []struct {
		label string
		cmd   []byte
	}{
		{"Firmware", lawicel.VersionCommand()},
		{"Serial", lawicel.SerialNumberCommand()},
		{"Hardware", lawicel.HardwareVersionCommand()},
		{"Detailed", lawicel.DetailedVersionCommand()},
	}

	for i, q := range queries {
		r, err := link.Command(q.cmd, timeout, countFrame)
		switch {
		case errors.Is(err, ErrCommandTimeout):
			if i == 0 {
				fmt.Fprintf(os.Stderr, "TIMEOUT: No reply within %d seconds\n", probeTimeout)
				os.Exit(1)
			}
			fmt.Printf("  %-9s (no reply)\n", q.label+":")
			continue
		case err != nil:
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)
		}

		if i == 0 {
			if skipped > 0 {
				fmt.Printf("(skipped %d received frames)\n", skipped)
			}
			fmt.Printf("SUCCESS: Adapter answered\n")
		}
		fmt.Printf("  %-9s %s\n", q.label+":", describeReply(r))
	}

	os.Exit(0)
	return nil
}

func describeReply(r lawicel.Response) string {
	if r.Kind == lawicel.ResponseText {
		return r.Text
	}
	return r.Kind.String()
}
