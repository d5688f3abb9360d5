// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canhacker/pkg/capture"
	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

var (
	replayTransmit bool
	replayChannel  int
	replayBitrate  int
	replayRealtime bool
	replayTimeout  time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture file>",
	Short: "Print or re-transmit a capture file",
	Long: `Read a capture file written by raw_log --capture.

By default the frames are printed. With --transmit they are sent through an
adapter (serial or WebSocket connection flags) on their recorded channel, or
on --channel when given. --realtime keeps the recorded spacing.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayTransmit, "transmit", false, "Send the frames through the adapter")
	replayCmd.Flags().IntVar(&replayChannel, "channel", 0, "Send every frame on this channel (1 or 2) instead of the recorded one")
	replayCmd.Flags().IntVar(&replayBitrate, "bitrate", 0, "Open the target channel at this bit-rate first (requires --channel)")
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "Keep the recorded timing between frames")
	replayCmd.Flags().DurationVar(&replayTimeout, "timeout", 2*time.Second, "Timeout for each acknowledgement")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := capture.NewReader(f)
	if err != nil {
		return err
	}
	h := reader.Header()
	fmt.Printf("Capture: %s (recorded %s from %s)\n\n", args[0], time.Unix(0, h.Created).Format(time.RFC3339), h.Source)

	if !replayTransmit {
		return printCapture(reader)
	}
	return transmitCapture(reader)
}

func printCapture(reader *capture.Reader) error {
	count := 0
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			fmt.Printf("\n%d frames\n", count)
			return nil
		}
		if err != nil {
			return err
		}
		r := rec.Response()
		fmt.Print(lawicel.FormatResponse(&r))
		count++
	}
}

func transmitCapture(reader *capture.Reader) error {
	var override *channelSetup
	if replayChannel != 0 {
		s, err := parseChannelSetup(replayChannel, replayBitrate, false)
		if err != nil {
			return err
		}
		override = &s
	} else if replayBitrate != 0 {
		return fmt.Errorf("--bitrate requires --channel")
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("Connection: %s\n", connInfo)

	link := newAdapterLink(conn)
	if override != nil {
		if err := link.Open(*override, replayTimeout); err != nil {
			return err
		}
	}

	var last int64
	sent, rejected := 0, 0
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if replayRealtime && last != 0 && rec.Time > last {
			time.Sleep(time.Duration(rec.Time - last))
		}
		last = rec.Time

		ch := lawicel.Channel(rec.Channel)
		if override != nil {
			ch = override.channel
		}
		line, err := lawicel.SendCommand(ch, rec.Frame())
		if err != nil {
			return err
		}
		if err := link.Expect(line, replayTimeout, nil); err != nil {
			if errors.Is(err, ErrCommandTimeout) {
				rejected++
				continue
			}
			return err
		}
		sent++
	}

	fmt.Printf("\n%d frames sent, %d rejected\n", sent, rejected)
	return nil
}
