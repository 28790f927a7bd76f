// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

// Focus states
const (
	focusSideList = iota
	focusConfig
	focusInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// sideItem is one relay channel in the side list
type sideItem struct {
	side     sonar.Side
	distance int
	relay    bool
	enabled  bool
}

// Implement list.Item interface
func (s sideItem) Title() string {
	return strings.ToUpper(s.side.String()[:1]) + s.side.String()[1:]
}
func (s sideItem) Description() string {
	return fmt.Sprintf("%d cm  relay %s  %s", s.distance, onOffText(s.relay), enabledText(s.enabled))
}
func (s sideItem) FilterValue() string { return s.side.String() }

// configField is one editable relay configuration value
type configField struct {
	label string
	unit  string
	get   func(sonar.Config) int
	set   func(*session.Client, int)
	min   int
	max   int
}

var configFields = []configField{
	{"Mode", "0=distance 1=timed", func(c sonar.Config) int { return int(c.Mode) },
		func(cl *session.Client, v int) { cl.SetMode(sonar.Mode(v)) }, 0, 1},
	{"Threshold", "cm", func(c sonar.Config) int { return c.ThresholdCm },
		(*session.Client).SetThresholdCm, sonar.MinThresholdCm, sonar.MaxThresholdCm},
	{"Hysteresis", "cm", func(c sonar.Config) int { return c.HysteresisCm },
		(*session.Client).SetHysteresisCm, sonar.MinHysteresisCm, sonar.MaxHysteresisCm},
	{"Entry delay", "ms", func(c sonar.Config) int { return c.EntryDelayDistMs },
		(*session.Client).SetEntryDelayDistMs, 0, sonar.MaxDelayMs},
	{"Exit delay", "ms", func(c sonar.Config) int { return c.ExitDelayDistMs },
		(*session.Client).SetExitDelayDistMs, 0, sonar.MaxDelayMs},
	{"Timed entry delay", "ms", func(c sonar.Config) int { return c.EntryDelayTimedMs },
		(*session.Client).SetEntryDelayTimedMs, 0, sonar.MaxDelayMs},
	{"Active time", "ms", func(c sonar.Config) int { return c.ActiveTimeMode1Ms },
		(*session.Client).SetActiveTimeMode1Ms, 0, sonar.MaxActiveTimeMs},
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	client   *session.Client
	connInfo string
	state    session.State

	sideList list.Model

	// Configuration panel
	fieldIndex int
	valueInput textinput.Model

	// Monitoring (shared with the monitor view)
	stats         *sonar.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int

	focusedField int
	width        int
	height       int
	quitting     bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type stateMsg session.Change

type frameBatchMsg []*sonar.Frame

type commandResultMsg struct {
	action string
	err    error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(client *session.Client, connInfo string) controlModel {
	ti := textinput.New()
	ti.CharLimit = 6
	ti.Width = 8

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	sideList := list.New([]list.Item{}, delegate, 30, 8)
	sideList.Title = "Sides"
	sideList.SetShowStatusBar(false)
	sideList.SetShowHelp(false)
	sideList.SetFilteringEnabled(false)

	m := controlModel{
		client:        client,
		connInfo:      connInfo,
		state:         client.State(),
		sideList:      sideList,
		valueInput:    ti,
		stats:         sonar.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		focusedField:  focusSideList,
		width:         80,
		height:        24,
	}
	m.updateSideList()
	m.addLogEntry(fmt.Sprintf("Connected: %s", connInfo), false)
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.sideList, _ = m.sideList.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sideList.SetSize(28, 8)

	case controlTickMsg:
		m.stats.CalculateRates()
		return m, controlTickCmd()

	case stateMsg:
		m.handleChange(session.Change(msg))

	case frameBatchMsg:
		for _, f := range msg {
			m.stats.Update(f, nil, sonar.ValidateFrame(f))
			if f.Type == sonar.EvtBoot {
				m.addLogEntry("Controller booted", true)
			}
		}

	case commandResultMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s failed: %v", msg.action, msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("%s OK", msg.action), false)
		}
	}

	return m, nil
}

func (m *controlModel) handleChange(change session.Change) {
	prev := m.state
	m.state = change.State

	switch change.Field {
	case session.FieldLink:
		if prev.Link != m.state.Link {
			m.addLogEntry(fmt.Sprintf("Link %s", m.state.Link), m.state.Link != session.LinkConnected)
		}
	case session.FieldRelay, session.FieldSnapshot:
		if prev.RelayLeft != m.state.RelayLeft {
			m.addLogEntry(fmt.Sprintf("Left relay %s", onOffText(m.state.RelayLeft)), false)
		}
		if prev.RelayRight != m.state.RelayRight {
			m.addLogEntry(fmt.Sprintf("Right relay %s", onOffText(m.state.RelayRight)), false)
		}
	}
	m.updateSideList()
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// The value editor captures everything except its own controls
	if m.focusedField == focusInput {
		switch msg.String() {
		case "enter":
			m.commitEdit()
			return m, nil
		case "esc":
			m.valueInput.Blur()
			m.focusedField = focusConfig
			return m, nil
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.valueInput, cmd = m.valueInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.focusedField == focusSideList {
			m.focusedField = focusConfig
		} else {
			m.focusedField = focusSideList
		}
		return m, nil

	case "x":
		m.addLogEntry("Sending EMERGENCY_STOP", true)
		return m, m.run("Emergency stop", m.client.EmergencyStop)

	case "p":
		return m, m.run("Ping", m.client.Ping)

	case "r":
		return m, m.run("Reset relay stats", m.client.ResetRelayStats)

	case "s":
		return m, m.run("Status request", m.client.RequestStatus)

	case "c":
		if m.state.Link != session.LinkConnected {
			return m, m.run("Reconnect", func() error {
				return m.client.Reconnect(context.Background())
			})
		}
		return m, nil

	case "m":
		next := sonar.ModeTimed
		if m.state.Config.Mode == sonar.ModeTimed {
			next = sonar.ModeDistance
		}
		m.client.SetMode(next)
		m.addLogEntry(fmt.Sprintf("Mode -> %s", sonar.FormatMode(next)), false)
		return m, nil
	}

	if m.focusedField == focusSideList {
		return m.handleSideKey(msg)
	}
	return m.handleConfigKey(msg)
}

func (m controlModel) handleSideKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	item, ok := m.sideList.SelectedItem().(sideItem)

	switch msg.String() {
	case "e", "enter":
		if !ok {
			return m, nil
		}
		enabled := !item.enabled
		return m, m.run(fmt.Sprintf("%s %s", item.Title(), enabledText(enabled)), func() error {
			return m.client.SetSideEnabled(item.side, enabled)
		})

	case "t":
		if !ok {
			return m, nil
		}
		return m, m.run(fmt.Sprintf("Trigger %s", item.side), func() error {
			return m.client.TestTrigger(item.side)
		})
	}

	var cmd tea.Cmd
	m.sideList, cmd = m.sideList.Update(msg)
	return m, cmd
}

func (m controlModel) handleConfigKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.fieldIndex > 0 {
			m.fieldIndex--
		}
	case "down", "j":
		if m.fieldIndex < len(configFields)-1 {
			m.fieldIndex++
		}
	case "enter":
		field := configFields[m.fieldIndex]
		m.valueInput.SetValue(strconv.Itoa(field.get(m.state.Config)))
		m.valueInput.CursorEnd()
		m.valueInput.Focus()
		m.focusedField = focusInput
	}
	return m, nil
}

// commitEdit applies the edited value through the debounced setters.
func (m *controlModel) commitEdit() {
	field := configFields[m.fieldIndex]
	m.valueInput.Blur()
	m.focusedField = focusConfig

	raw := strings.TrimSpace(m.valueInput.Value())
	v, err := strconv.Atoi(raw)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Invalid %s value: %q", strings.ToLower(field.label), raw), true)
		return
	}
	if v < field.min || v > field.max {
		m.addLogEntry(fmt.Sprintf("%s must be between %d and %d", field.label, field.min, field.max), true)
		return
	}
	if m.state.Link != session.LinkConnected {
		m.addLogEntry("Change kept locally: not connected", true)
	}

	field.set(m.client, v)
	m.addLogEntry(fmt.Sprintf("%s -> %d %s", field.label, v, field.unit), false)
}

// run executes a blocking session call off the UI goroutine.
func (m controlModel) run(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		err := fn()
		if errors.Is(err, session.ErrNotConnected) {
			err = fmt.Errorf("not connected")
		}
		return commandResultMsg{action: action, err: err}
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	focusedBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("12"))

	selectedFieldStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("0")).
				Background(lipgloss.Color("12"))
)

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("SONARCTL CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	switch m.state.Link {
	case session.LinkReconnecting, session.LinkConnecting:
		connStatus = warningStyle.Render("RECONNECTING...")
	case session.LinkDisconnected:
		connStatus = errorStyle.Render("DISCONNECTED (c=reconnect)")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch x=E-STOP", connStatus)))
	s.WriteString("\n\n")

	leftWidth := 30
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusSideList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	configStyle := boxStyle.Width(rightWidth)
	if m.focusedField != focusSideList {
		configStyle = focusedBoxStyle.Width(rightWidth)
	}

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		listStyle.Render(m.sideList.View()),
		" ",
		configStyle.Render(m.renderConfigPanel()),
	))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(" e=enable/disable t=trigger m=mode r=reset stats p=ping s=status"))
	s.WriteString("\n\n")

	s.WriteString(m.renderRelayStats())
	s.WriteString("\n")
	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n")
	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m controlModel) renderConfigPanel() string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("CONFIGURATION"))
	if m.state.StatusCount > 0 {
		s.WriteString(headerStyle.Render(fmt.Sprintf("  (%d status updates)", m.state.StatusCount)))
	}
	s.WriteString("\n\n")

	for i, field := range configFields {
		value := fmt.Sprintf("%d", field.get(m.state.Config))
		if i == 0 {
			value = sonar.FormatMode(m.state.Config.Mode)
		}

		label := fmt.Sprintf("%-18s", field.label)
		if m.focusedField != focusSideList && i == m.fieldIndex {
			label = selectedFieldStyle.Render(label)
		} else {
			label = statsLabelStyle.Render(label)
		}

		if m.focusedField == focusInput && i == m.fieldIndex {
			s.WriteString(fmt.Sprintf("%s %s %s\n", label, m.valueInput.View(), headerStyle.Render(field.unit)))
			continue
		}
		s.WriteString(fmt.Sprintf("%s %s %s\n", label, statsValueStyle.Render(value), headerStyle.Render(field.unit)))
	}
	return s.String()
}

func (m controlModel) renderRelayStats() string {
	st := m.state
	dose := session.EstimateDosage(st)

	content := fmt.Sprintf("%s %s  %s %s  %s %s",
		statsLabelStyle.Render("Left:"),
		statsValueStyle.Render(fmt.Sprintf("%s, %dx, %s", sonar.FormatDuration(uint64(st.Stats.Left.TimeMs)), st.Stats.Left.Activations, dose.Left)),
		statsLabelStyle.Render("Right:"),
		statsValueStyle.Render(fmt.Sprintf("%s, %dx, %s", sonar.FormatDuration(uint64(st.Stats.Right.TimeMs)), st.Stats.Right.Activations, dose.Right)),
		statsLabelStyle.Render("Total:"),
		statsValueStyle.Render(dose.Total().String()),
	)
	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderStatisticsBar() string {
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		totalErrors := m.stats.MalformedFrames + m.stats.AnomalousValues
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalFrames)
	}
	crc, version, length := m.client.DropCounts()

	errText := statsValueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}
	dropText := statsValueStyle.Render("0")
	if drops := crc + version + length; drops > 0 {
		dropText = errorStyle.Render(fmt.Sprintf("%d", drops))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Anomalies:"), errText,
		statsLabelStyle.Render("Dropped:"), dropText,
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f fr/s", m.stats.FrameRate)),
	)
	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := 8
	if len(m.errorLog) < logHeight {
		logHeight = len(m.errorLog)
	}
	startIdx := len(m.errorLog) - logHeight

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m *controlModel) updateSideList() {
	st := m.state
	m.sideList.SetItems([]list.Item{
		sideItem{side: sonar.SideLeft, distance: st.DistanceLeftCm, relay: st.RelayLeft, enabled: st.EnabledLeft},
		sideItem{side: sonar.SideRight, distance: st.DistanceRightCm, relay: st.RelayRight, enabled: st.EnabledRight},
	})
}
