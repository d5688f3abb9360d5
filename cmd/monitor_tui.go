// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// Focus states
const (
	focusTable = iota
	focusCommand
)

// Event log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// frameKey identifies one row of the frame table.
type frameKey struct {
	channel  lawicel.Channel
	id       uint32
	extended bool
}

// frameStat is the per-identifier state shown in the table.
type frameStat struct {
	count    uint64
	last     lawicel.Frame
	lastSeen time.Time
	period   time.Duration
}

// replyCounters counts the non-frame responses of the adapter.
type replyCounters struct {
	acks         uint64
	naks         uint64
	texts        uint64
	frames       uint64
	decodeErrors uint64
}

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	link     *adapterLink
	connInfo string

	frames   map[frameKey]*frameStat
	table    table.Model
	counters replyCounters

	// Frame rate over the last tick
	rateFrames uint64
	rateTime   time.Time
	frameRate  float64

	errorLog      []errorLogEntry
	maxLogEntries int

	input        textinput.Model
	focusedField int

	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type monitorBatchMsg struct {
	responses []lawicel.Response
	errs      []error
}

type connectionLostMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func frameColumns(width int) []table.Column {
	data := width - 62
	if data < 23 {
		data = 23
	}
	return []table.Column{
		{Title: "Ch", Width: 4},
		{Title: "ID", Width: 8},
		{Title: "Type", Width: 4},
		{Title: "Len", Width: 3},
		{Title: "Data", Width: data},
		{Title: "Count", Width: 8},
		{Title: "Period", Width: 9},
	}
}

func initialMonitorModel(link *adapterLink, connInfo string) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "S18, O11, t1231122 ..."
	ti.Prompt = "> "
	ti.CharLimit = lawicel.MaxCommandLength
	ti.Width = 40

	t := table.New(
		table.WithColumns(frameColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("12")).
		Bold(true)
	t.SetStyles(styles)

	return monitorModel{
		link:          link,
		connInfo:      connInfo,
		frames:        make(map[frameKey]*frameStat),
		table:         t,
		rateTime:      time.Now(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		input:         ti,
		focusedField:  focusTable,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeTable()

	case monitorTickMsg:
		m.updateRate(time.Time(msg))
		return m, monitorTickCmd()

	case monitorBatchMsg:
		for i := range msg.responses {
			m.processResponse(&msg.responses[i])
		}
		for _, err := range msg.errs {
			m.counters.decodeErrors++
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", err), true)
		}
		m.refreshRows()

	case connectionLostMsg:
		m.connectionLost = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost: %v", msg.err), true)
		} else {
			m.addLogEntry("Connection lost", true)
		}
	}

	return m, nil
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField == focusTable {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		return m.toggleFocus()

	case "enter":
		if m.focusedField == focusCommand {
			return m.submitCommand(), nil
		}
	}

	// Pass through to focused component
	var cmd tea.Cmd
	if m.focusedField == focusCommand {
		m.input, cmd = m.input.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

func (m monitorModel) toggleFocus() (tea.Model, tea.Cmd) {
	if m.focusedField == focusTable {
		m.focusedField = focusCommand
		m.table.Blur()
		return m, m.input.Focus()
	}
	m.focusedField = focusTable
	m.input.Blur()
	m.table.Focus()
	return m, nil
}

func (m monitorModel) submitCommand() monitorModel {
	text := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	if text == "" {
		return m
	}
	if m.connectionLost {
		m.addLogEntry(fmt.Sprintf("TX %s: not connected", text), true)
		return m
	}
	if err := sendRawCommand(m.link, text); err != nil {
		m.addLogEntry(fmt.Sprintf("TX %s: %v", text, err), true)
		return m
	}
	m.addLogEntry("TX "+text, false)
	return m
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *monitorModel) processResponse(r *lawicel.Response) {
	switch r.Kind {
	case lawicel.ResponseAck:
		m.counters.acks++
		m.addLogEntry("RX ACK", false)
	case lawicel.ResponseNak:
		m.counters.naks++
		m.addLogEntry("RX NAK", true)
	case lawicel.ResponseText:
		m.counters.texts++
		m.addLogEntry("RX "+r.Text, false)
	case lawicel.ResponseFrame:
		m.counters.frames++
		m.recordFrame(r)
	}
}

func (m *monitorModel) recordFrame(r *lawicel.Response) {
	f := r.Packet.Frame
	key := frameKey{channel: r.Channel, id: f.ID, extended: f.Extended}
	st, ok := m.frames[key]
	if !ok {
		st = &frameStat{}
		m.frames[key] = st
	} else if r.Time.After(st.lastSeen) {
		st.period = r.Time.Sub(st.lastSeen)
	}
	st.count++
	st.last = f
	st.lastSeen = r.Time
}

func (m *monitorModel) updateRate(now time.Time) {
	elapsed := now.Sub(m.rateTime).Seconds()
	if elapsed <= 0 {
		return
	}
	m.frameRate = float64(m.counters.frames-m.rateFrames) / elapsed
	m.rateFrames = m.counters.frames
	m.rateTime = now
}

// sortedKeys orders table rows by channel, then standard before extended,
// then identifier.
func (m *monitorModel) sortedKeys() []frameKey {
	keys := make([]frameKey, 0, len(m.frames))
	for k := range m.frames {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.channel != b.channel {
			return a.channel < b.channel
		}
		if a.extended != b.extended {
			return !a.extended
		}
		return a.id < b.id
	})
	return keys
}

func (m *monitorModel) refreshRows() {
	keys := m.sortedKeys()
	rows := make([]table.Row, 0, len(keys))
	for _, k := range keys {
		st := m.frames[k]
		kind, id := "STD", fmt.Sprintf("%03X", k.id)
		if k.extended {
			kind, id = "EXT", fmt.Sprintf("%08X", k.id)
		}
		data := make([]string, 0, st.last.Len)
		for _, b := range st.last.Payload() {
			data = append(data, fmt.Sprintf("%02X", b))
		}
		period := "-"
		if st.period > 0 {
			period = st.period.Round(time.Millisecond).String()
		}
		rows = append(rows, table.Row{
			k.channel.String(),
			id,
			kind,
			fmt.Sprintf("%d", st.last.Len),
			strings.Join(data, " "),
			fmt.Sprintf("%d", st.count),
			period,
		})
	}
	m.table.SetRows(rows)
}

func (m *monitorModel) resizeTable() {
	m.table.SetColumns(frameColumns(m.width))
	h := m.height - 20
	if h < 5 {
		h = 5
	}
	m.table.SetHeight(h)
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("CANHACKER - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Tab: switch focus | q: quit", m.connInfo)))
	s.WriteString("\n")
	if m.connectionLost {
		s.WriteString(errorStyle.Render("✗ Connection lost"))
	} else {
		s.WriteString(statsValueStyle.Render("✓ Connected"))
	}
	s.WriteString("\n\n")

	// Statistics
	statsContent := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s   %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", m.counters.frames)),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f fr/s", m.frameRate)),
		statsLabelStyle.Render("IDs:"), statsValueStyle.Render(fmt.Sprintf("%d", len(m.frames))),
		statsLabelStyle.Render("ACK/NAK:"), statsValueStyle.Render(fmt.Sprintf("%d/%d", m.counters.acks, m.counters.naks)),
		statsLabelStyle.Render("Errors:"), func() string {
			if m.counters.decodeErrors > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", m.counters.decodeErrors))
			}
			return statsValueStyle.Render("0")
		}(),
	)
	s.WriteString(boxStyle.Render(statsContent))
	s.WriteString("\n")

	// Frame table
	tableBox := boxStyle
	if m.focusedField == focusTable {
		tableBox = focusedBoxStyle
	}
	s.WriteString(tableBox.Render(m.table.View()))
	s.WriteString("\n")

	// Command line
	inputBox := boxStyle
	if m.focusedField == focusCommand {
		inputBox = focusedBoxStyle
	}
	s.WriteString(inputBox.Width(m.width - 4).Render(m.input.View()))
	s.WriteString("\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - m.table.Height() - 16
	if logHeight < 3 {
		logHeight = 3
	}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
