// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canhacker/pkg/capture"
	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

var (
	rawLogChannel int
	rawLogBitrate int
	rawLogListen  bool
	rawLogCapture string
	rawLogTimeout time.Duration
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display adapter output in human-readable format",
	Long: `Continuously decode and display everything the adapter sends.

With --bitrate the channel selected by --channel is configured and opened
first (S and O commands); --listen opens it listen-only. Without --bitrate
the adapter is left as it is, which is useful alongside another host tool.

Received frames can be recorded to a CBOR capture file with --capture and
played back with the replay command.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().IntVar(&rawLogChannel, "channel", 1, "Channel to open (1 or 2)")
	rawLogCmd.Flags().IntVar(&rawLogBitrate, "bitrate", 0, "Bit-rate in bit/s to open the channel with (0 leaves it alone)")
	rawLogCmd.Flags().BoolVar(&rawLogListen, "listen", false, "Open the channel listen-only")
	rawLogCmd.Flags().StringVar(&rawLogCapture, "capture", "", "Write received frames to this capture file")
	rawLogCmd.Flags().DurationVar(&rawLogTimeout, "timeout", 2*time.Second, "Timeout for setup commands")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	setup, err := parseChannelSetup(rawLogChannel, rawLogBitrate, rawLogListen)
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	var writer *capture.Writer
	if rawLogCapture != "" {
		f, err := os.Create(rawLogCapture)
		if err != nil {
			return fmt.Errorf("failed to create capture file: %w", err)
		}
		defer f.Close()
		writer, err = capture.NewWriter(f, connInfo)
		if err != nil {
			return err
		}
	}

	fmt.Printf("Canhacker - Raw Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if rawLogCapture != "" {
		fmt.Printf("Capture: %s\n", rawLogCapture)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	link := newAdapterLink(conn)
	if err := link.Open(setup, rawLogTimeout); err != nil {
		return err
	}

	for {
		select {
		case r := <-link.Responses():
			fmt.Print(lawicel.FormatResponse(&r))
			if writer != nil {
				if err := writer.WriteResponse(&r); err != nil {
					return err
				}
			}
		case err := <-link.DecodeErrors():
			fmt.Printf("[ERROR] %v\n", err)
		case <-link.Done():
			// For WebSocket connections, a read error usually means
			// the connection is permanently closed - exit gracefully
			log.Printf("Connection closed: %v", link.Err())
			return nil
		}
	}
}
