// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// TUI model
type monitorModel struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *sonar.Statistics
	readings      *session.Store // decoded events, no link attached
	haveReadings  bool
	bootCount     int
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	linkErr       error
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time

type linkErrorMsg struct {
	err error
}

func initialMonitorModel(connInfo string, statsInterval int, showAll bool) monitorModel {
	return monitorModel{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         sonar.NewStatistics(),
		readings:      session.NewStore(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncEvent:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case frameEvent:
		m.handleFrame(msg)

	case linkErrorMsg:
		m.linkErr = msg.err
		m.addLogEntry(fmt.Sprintf("Link lost: %v", msg.err), true)
	}

	return m, nil
}

func (m *monitorModel) handleFrame(ev frameEvent) {
	if ev.decodeErr != nil {
		m.stats.Update(nil, ev.decodeErr, nil)
		m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", ev.decodeErr), true)
		return
	}

	m.stats.Update(ev.frame, nil, ev.validationErrors)
	msgType := sonar.FormatMessageType(ev.frame.Type)

	if len(ev.validationErrors) > 0 {
		for _, err := range ev.validationErrors {
			m.addLogEntry(fmt.Sprintf("%s: %s", msgType, err.Message), true)
		}
		return
	}

	if m.readings.ApplyFrame(ev.frame) {
		m.haveReadings = true
	}

	switch {
	case ev.frame.Type == sonar.EvtBoot:
		m.bootCount++
		m.addLogEntry("Controller booted", false)
	case ev.frame.IsAck() && ev.frame.Result() != sonar.ResultOK:
		m.addLogEntry(fmt.Sprintf("%s: %s", msgType, sonar.FormatResult(ev.frame.Result())), true)
	case ev.frame.Type == sonar.EvtRelay && !m.showAll:
		// Relay edges are rare and useful even in errors-only mode
		r, _ := sonar.DecodeRelay(ev.frame.Payload)
		m.addLogEntry(fmt.Sprintf("Relay %s %s", r.Side, onOffText(r.Active)), false)
	case m.showAll:
		m.addLogEntry(fmt.Sprintf("%s seq=%d (valid)", msgType, ev.frame.Seq), false)
	}
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

func onOffText(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// Shared styles for the monitor and control views
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("SONARCTL - LINK MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | r=reset stats q=quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	switch {
	case m.linkErr != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Link lost: %v", m.linkErr)))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
	}
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.renderStats()))
	s.WriteString("\n\n")

	if m.haveReadings {
		s.WriteString(statsLabelStyle.Render("Latest Readings:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(m.renderReadings()))
		s.WriteString("\n\n")
	}

	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.renderLog()))

	return s.String()
}

func (m monitorModel) renderStats() string {
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	totalErrors := m.stats.CRCErrors + m.stats.DecodeErrors + m.stats.MalformedFrames + m.stats.AnomalousValues
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalFrames)
	}

	var c strings.Builder
	c.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", totalErrors, errorPercent)),
	))
	c.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		statsLabelStyle.Render("ACKs:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.AckFrames)),
		statsLabelStyle.Render("Events:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.EventFrames)),
	))

	if m.stats.CRCErrors > 0 || m.stats.DecodeErrors > 0 {
		c.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.CRCErrors)),
			statsLabelStyle.Render("Decode Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.DecodeErrors)),
		))
	}

	if m.stats.MalformedFrames > 0 {
		c.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d)\n",
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.MalformedFrames)),
			headerStyle.Render("length mismatches"), m.stats.LengthMismatches,
			headerStyle.Render("invalid sides"), m.stats.InvalidSides,
		))
	}

	if m.stats.AnomalousValues > 0 {
		c.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.AnomalousValues)),
		))
	}

	rate := statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	if m.stats.ErrorRate > 0 {
		rate = errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	}
	c.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), rate,
	))
	return c.String()
}

func (m monitorModel) renderReadings() string {
	st := m.readings.State()

	var c strings.Builder
	c.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		statsLabelStyle.Render("Left:"), statsValueStyle.Render(fmt.Sprintf("%d cm, relay %s", st.DistanceLeftCm, onOffText(st.RelayLeft))),
		statsLabelStyle.Render("Right:"), statsValueStyle.Render(fmt.Sprintf("%d cm, relay %s", st.DistanceRightCm, onOffText(st.RelayRight))),
	))
	if st.StatusCount > 0 {
		c.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Mode:"), statsValueStyle.Render(sonar.FormatMode(st.Config.Mode)),
			statsLabelStyle.Render("Threshold:"), statsValueStyle.Render(fmt.Sprintf("%d ± %d cm", st.Config.ThresholdCm, st.Config.HysteresisCm)),
		))
	}
	if st.Stats.Left.Activations > 0 || st.Stats.Right.Activations > 0 {
		c.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Active time:"),
			statsValueStyle.Render(fmt.Sprintf("L %s / R %s",
				sonar.FormatDuration(uint64(st.Stats.Left.TimeMs)),
				sonar.FormatDuration(uint64(st.Stats.Right.TimeMs)))),
		))
	}
	if m.bootCount > 0 {
		c.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Boots seen:"), warningStyle.Render(fmt.Sprintf("%d", m.bootCount))))
	}
	return strings.TrimRight(c.String(), "\n")
}

func (m monitorModel) renderLog() string {
	// Reserve space for header, stats and readings
	logHeight := m.height - 20
	if logHeight < 5 {
		logHeight = 5
	}

	if len(m.errorLog) == 0 {
		return headerStyle.Render("  (no events yet)")
	}

	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	var c strings.Builder
	for i := startIdx; i < len(m.errorLog); i++ {
		entry := m.errorLog[i]
		timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
		if entry.isError {
			c.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			c.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
		}
	}
	return c.String()
}
