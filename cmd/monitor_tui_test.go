// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"net"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

func frameResponse(ch lawicel.Channel, id uint32, data []byte, at time.Time) lawicel.Response {
	return lawicel.Response{
		Kind:    lawicel.ResponseFrame,
		Channel: ch,
		Packet:  lawicel.Packet{Frame: lawicel.NewFrame(id, data)},
		Time:    at,
	}
}

func update(t *testing.T, m monitorModel, msg tea.Msg) (monitorModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(monitorModel)
	require.True(t, ok)
	return nm, cmd
}

// ============================================================
// Frame table
// ============================================================

func TestMonitor_FrameTable(t *testing.T) {
	m := initialMonitorModel(nil, "test")
	start := time.Now()

	m, _ = update(t, m, monitorBatchMsg{responses: []lawicel.Response{
		frameResponse(lawicel.Channel2, 0x200, []byte{0x01}, start),
		frameResponse(lawicel.Channel1, 0x18FF0100, []byte{0xAA}, start),
		frameResponse(lawicel.Channel1, 0x100, []byte{0x01, 0x02}, start),
		frameResponse(lawicel.Channel1, 0x100, []byte{0x03, 0x04}, start.Add(10*time.Millisecond)),
	}})

	rows := m.table.Rows()
	require.Len(t, rows, 3)

	// Channel 1 standard, channel 1 extended, channel 2
	assert.Equal(t, "can1", rows[0][0])
	assert.Equal(t, "100", rows[0][1])
	assert.Equal(t, "STD", rows[0][2])
	assert.Equal(t, "03 04", rows[0][4])
	assert.Equal(t, "2", rows[0][5])
	assert.Equal(t, "10ms", rows[0][6])

	assert.Equal(t, "18FF0100", rows[1][1])
	assert.Equal(t, "EXT", rows[1][2])
	assert.Equal(t, "-", rows[1][6])

	assert.Equal(t, "can2", rows[2][0])
	assert.Equal(t, uint64(4), m.counters.frames)
}

func TestMonitor_RepliesAndErrors(t *testing.T) {
	m := initialMonitorModel(nil, "test")

	m, _ = update(t, m, monitorBatchMsg{
		responses: []lawicel.Response{
			{Kind: lawicel.ResponseAck},
			{Kind: lawicel.ResponseNak},
			{Kind: lawicel.ResponseText, Text: "VF_01_03_2020"},
		},
		errs: []error{lawicel.ErrBadDigit},
	})

	assert.Equal(t, uint64(1), m.counters.acks)
	assert.Equal(t, uint64(1), m.counters.naks)
	assert.Equal(t, uint64(1), m.counters.texts)
	assert.Equal(t, uint64(1), m.counters.decodeErrors)
	require.Len(t, m.errorLog, 4)
	assert.Equal(t, "RX VF_01_03_2020", m.errorLog[2].message)
	assert.True(t, m.errorLog[3].isError)
}

func TestMonitor_FrameRate(t *testing.T) {
	m := initialMonitorModel(nil, "test")
	start := m.rateTime

	m, _ = update(t, m, monitorBatchMsg{responses: []lawicel.Response{
		frameResponse(lawicel.Channel1, 0x1, nil, start),
		frameResponse(lawicel.Channel1, 0x1, nil, start),
	}})
	m, cmd := update(t, m, monitorTickMsg(start.Add(2*time.Second)))

	assert.NotNil(t, cmd)
	assert.InDelta(t, 1.0, m.frameRate, 0.001)
}

func TestMonitor_LogIsBounded(t *testing.T) {
	m := initialMonitorModel(nil, "test")
	for i := 0; i < m.maxLogEntries+10; i++ {
		m.addLogEntry("entry", false)
	}
	assert.Len(t, m.errorLog, m.maxLogEntries)
}

// ============================================================
// Keys
// ============================================================

func TestMonitor_QuitFromTable(t *testing.T) {
	m := initialMonitorModel(nil, "test")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
}

func TestMonitor_SubmitCommand(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	written := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := remote.Read(buf)
		written <- string(buf[:n])
	}()

	m := initialMonitorModel(newAdapterLink(local), "test")
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	require.Equal(t, focusCommand, m.focusedField)

	// q types into the command line instead of quitting
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("S18q")})
	assert.False(t, m.quitting)
	m.input.SetValue("S18")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	select {
	case got := <-written:
		assert.Equal(t, "S18\r", got)
	case <-time.After(testTimeout):
		t.Fatal("command not written")
	}
	assert.Empty(t, m.input.Value())
	require.NotEmpty(t, m.errorLog)
	assert.Equal(t, "TX S18", m.errorLog[len(m.errorLog)-1].message)
}

func TestMonitor_SubmitAfterConnectionLost(t *testing.T) {
	m := initialMonitorModel(nil, "test")
	m, _ = update(t, m, connectionLostMsg{})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	m.input.SetValue("V")
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.True(t, m.connectionLost)
	last := m.errorLog[len(m.errorLog)-1]
	assert.True(t, last.isError)
	assert.Contains(t, last.message, "not connected")
}
