// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import (
	"fmt"
	"strings"
)

// FormatResponse formats a response into a human-readable line
func FormatResponse(r *Response) string {
	timestamp := r.Time.Format("15:04:05.000")

	switch r.Kind {
	case ResponseFrame:
		f := r.Packet.Frame
		kind := "STD"
		if f.Extended {
			kind = "EXT"
		}
		return fmt.Sprintf("[%s] %s %s %s ts=%04X\n", timestamp, r.Channel, kind, f, r.Packet.Timestamp)
	case ResponseText:
		return fmt.Sprintf("[%s] %s %q\n", timestamp, r.Kind, r.Text)
	default:
		return fmt.Sprintf("[%s] %s\n", timestamp, r.Kind)
	}
}

// FormatFilters formats a hardware filter list
func FormatFilters(filters []Filter) string {
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}

// FormatSettings summarises the configuration of one channel
func FormatSettings(s ChannelSettings) string {
	state := "closed"
	if s.Open {
		state = "open " + s.Mode.String()
	}
	gate := "off"
	if s.Gate {
		gate = "on"
	}
	configured := 0
	for _, slot := range s.Filters() {
		if slot.Complete() {
			configured++
		}
	}
	return fmt.Sprintf("%s: %s, %s, gate %s (%s), %d/%d filter banks",
		s.Channel(), state, s.Bitrate, gate, s.GateFilter, configured, s.Channel().FilterBanks())
}
