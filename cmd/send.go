// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

var (
	sendChannel  int
	sendBitrate  int
	sendCount    int
	sendInterval time.Duration
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <id>#<data>",
	Short: "Transmit a CAN frame through the adapter",
	Long: `Transmit a frame and wait for the adapter's acknowledgement.

The frame is written in cansend notation: a hex identifier, '#', and up to
eight data bytes in hex. Identifiers with more than three digits are sent as
extended frames.

  canhacker send -p /dev/ttyACM0 --bitrate 500000 123#DEADBEEF
  canhacker send -u ws://adapter/slcan --channel 2 18FF0100#01

The channel must already be open unless --bitrate is given. The adapter
gives no reply to a rejected command, so a rejection shows as a timeout.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().IntVar(&sendChannel, "channel", 1, "Channel to transmit on (1 or 2)")
	sendCmd.Flags().IntVar(&sendBitrate, "bitrate", 0, "Open the channel at this bit-rate first (0 leaves it alone)")
	sendCmd.Flags().IntVar(&sendCount, "count", 1, "Number of times to send the frame")
	sendCmd.Flags().DurationVar(&sendInterval, "interval", 100*time.Millisecond, "Delay between repeated frames")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 2*time.Second, "Timeout for each acknowledgement")
}

// parseFrameSpec parses "<id>#<data>" into a frame.
func parseFrameSpec(spec string) (lawicel.Frame, error) {
	idText, dataText, ok := strings.Cut(spec, "#")
	if !ok {
		return lawicel.Frame{}, fmt.Errorf("frame %q: expected <id>#<data>", spec)
	}
	if len(idText) == 0 || len(idText) > 8 {
		return lawicel.Frame{}, fmt.Errorf("frame %q: identifier must have 1 to 8 hex digits", spec)
	}
	id, err := strconv.ParseUint(idText, 16, 32)
	if err != nil {
		return lawicel.Frame{}, fmt.Errorf("frame %q: identifier: %w", spec, err)
	}

	extended := len(idText) > 3
	if (extended && id > lawicel.MaxExtendedID) || (!extended && id > lawicel.MaxStandardID) {
		return lawicel.Frame{}, fmt.Errorf("frame %q: %w", spec, lawicel.ErrIDRange)
	}

	data, err := hex.DecodeString(strings.ReplaceAll(dataText, ".", ""))
	if err != nil {
		return lawicel.Frame{}, fmt.Errorf("frame %q: data: %w", spec, err)
	}
	if len(data) > lawicel.MaxDataLength {
		return lawicel.Frame{}, fmt.Errorf("frame %q: %w: %d bytes", spec, lawicel.ErrDataLength, len(data))
	}

	f := lawicel.Frame{ID: uint32(id), Extended: extended}
	f.Len = uint8(copy(f.Data[:], data))
	return f, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	frame, err := parseFrameSpec(args[0])
	if err != nil {
		return err
	}
	setup, err := parseChannelSetup(sendChannel, sendBitrate, false)
	if err != nil {
		return err
	}
	line, err := lawicel.SendCommand(setup.channel, frame)
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Connection: %s\n", connInfo)

	link := newAdapterLink(conn)
	if err := link.Open(setup, sendTimeout); err != nil {
		return err
	}

	for i := 0; i < sendCount; i++ {
		if i > 0 {
			time.Sleep(sendInterval)
		}
		start := time.Now()
		if err := link.Expect(line, sendTimeout, nil); err != nil {
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
		fmt.Printf("%s %s acknowledged in %v\n", setup.channel, frame, time.Since(start).Round(time.Microsecond))
	}
	return nil
}
