// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

var (
	monitorChannel int
	monitorBitrate int
	monitorListen  bool
	monitorTimeout time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for watching CAN traffic",
	Long: `Watch received frames in an interactive terminal UI.

Features:
  - Per-identifier frame table with counts, last data and period
  - Reply counters and frame rate
  - Event log of replies and decode errors
  - Command line for typing raw Lawicel commands (e.g. S18, O11, t1231122)

With --bitrate the channel selected by --channel is opened first. Tab
switches between the frame table and the command line; q quits from the
table, ctrl+c quits anywhere.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().IntVar(&monitorChannel, "channel", 1, "Channel to open (1 or 2)")
	monitorCmd.Flags().IntVar(&monitorBitrate, "bitrate", 0, "Bit-rate in bit/s to open the channel with (0 leaves it alone)")
	monitorCmd.Flags().BoolVar(&monitorListen, "listen", false, "Open the channel listen-only")
	monitorCmd.Flags().DurationVar(&monitorTimeout, "timeout", 2*time.Second, "Timeout for setup commands")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	setup, err := parseChannelSetup(monitorChannel, monitorBitrate, monitorListen)
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	link := newAdapterLink(conn)
	if err := link.Open(setup, monitorTimeout); err != nil {
		return err
	}

	m := initialMonitorModel(link, connInfo)
	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan struct{})
	go forwardResponses(link, p, done)

	if _, err := p.Run(); err != nil {
		close(done)
		return fmt.Errorf("TUI error: %v", err)
	}
	close(done)
	return nil
}

// forwardResponses sends batched adapter output to the TUI at a fixed rate.
func forwardResponses(link *adapterLink, p *tea.Program, done <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-link.Done():
			p.Send(drainResponses(link))
			p.Send(connectionLostMsg{err: link.Err()})
			return
		case <-ticker.C:
			if batch := drainResponses(link); len(batch.responses) > 0 || len(batch.errs) > 0 {
				p.Send(batch)
			}
		}
	}
}

// drainResponses collects everything the link has buffered.
func drainResponses(link *adapterLink) monitorBatchMsg {
	var batch monitorBatchMsg
	for {
		select {
		case r := <-link.Responses():
			batch.responses = append(batch.responses, r)
		case err := <-link.DecodeErrors():
			batch.errs = append(batch.errs, err)
		default:
			return batch
		}
	}
}

// sendRawCommand writes a typed command with its terminator.
func sendRawCommand(link *adapterLink, text string) error {
	cmd := append([]byte(text), lawicel.Terminator)
	return link.Write(cmd)
}
