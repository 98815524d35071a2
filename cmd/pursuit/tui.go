package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/pursuit/pkg/control"
	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/state"
	"github.com/gwillem/pursuit/pkg/teleop"
	"github.com/gwillem/pursuit/pkg/vision"
)

const (
	headerHeight = 3 // title + status + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border

	expireInterval = 50 * time.Millisecond
)

// Motor colors
var motorColors = map[drive.MotorID]string{
	drive.LeftDrive:  "196", // red
	drive.RightDrive: "46",  // green
	drive.Aux:        "51",  // cyan
}

var modeColors = map[control.Mode]string{
	control.ModeStop:   "241",
	control.ModeTrack:  "10",
	control.ModeManual: "214",
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type runModel struct {
	loop       *control.Loop
	keyboard   *teleop.Keyboard
	detections *state.DetectionCache
	feed       *vision.Feed
	logSource  *logWriter

	chart    *streamlinechart.Model
	width    int      // terminal width
	height   int      // terminal height
	logs     []string // last N log messages
	quitting bool

	last     control.Tick
	lastTick time.Time
	interval time.Duration // smoothed tick interval
}

func (m *runModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// Messages from the control loop
type tickMsg control.Tick
type logMsg string
type expireMsg time.Time

func waitForTick(loop *control.Loop) tea.Cmd {
	return func() tea.Msg {
		return tickMsg(<-loop.Ticks())
	}
}

func waitForLog(w *logWriter) tea.Cmd {
	if w == nil {
		return nil
	}
	return func() tea.Msg {
		return logMsg(<-w.lines)
	}
}

func expireKeys() tea.Cmd {
	return tea.Tick(expireInterval, func(t time.Time) tea.Msg {
		return expireMsg(t)
	})
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *runModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func initialRunModel(loop *control.Loop, kb *teleop.Keyboard, detections *state.DetectionCache, feed *vision.Feed, logs *logWriter) runModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(drive.MinSpeed, drive.MaxSpeed),
	)
	for _, id := range drive.AllMotors() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[id]))
		chart.SetDataSetStyles(id.String(), runes.ThinLineStyle, style)
	}

	return runModel{
		loop:       loop,
		keyboard:   kb,
		detections: detections,
		feed:       feed,
		logSource:  logs,
		chart:      &chart,
	}
}

func (m runModel) Init() tea.Cmd {
	return tea.Batch(
		waitForTick(m.loop),
		waitForLog(m.logSource),
		expireKeys(),
	)
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "n", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		m.keyboard.Press(msg.String(), time.Now())
		return m, nil

	case expireMsg:
		m.keyboard.Expire(time.Time(msg))
		return m, expireKeys()

	case tickMsg:
		t := control.Tick(msg)
		if !m.lastTick.IsZero() {
			d := t.Time.Sub(m.lastTick)
			if m.interval == 0 {
				m.interval = d
			} else {
				m.interval = (m.interval*7 + d) / 8
			}
		}
		m.lastTick = t.Time

		// Freeze the chart while stopped
		if !t.Commands.IsStop() || !m.last.Commands.IsStop() {
			for _, cmd := range t.Commands {
				m.chart.PushDataSet(cmd.Motor.String(), float64(cmd.Speed))
			}
			m.chart.DrawAll()
		}
		m.last = t
		if t.Final {
			return m, nil
		}
		return m, waitForTick(m.loop)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.logSource)
	}

	return m, nil
}

func (m runModel) View() string {
	if m.quitting {
		return "Stopping motors...\n"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("Pursuit"))
	if m.interval > 0 {
		sb.WriteString(fmt.Sprintf(" - %.0f Hz", float64(time.Second)/float64(m.interval)))
	}
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Legend
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("z/q/s/d move, c/v rotate, Z/S boost, space release, n or esc to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m runModel) renderStatus() string {
	mode := m.last.Mode
	modeStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(modeColors[mode]))
	parts := []string{modeStyle.Render(strings.ToUpper(mode.String()))}

	switch mode {
	case control.ModeManual:
		parts = append(parts, m.last.Manual.String())
	case control.ModeTrack:
		tgt := m.last.Target
		parts = append(parts, fmt.Sprintf("%s %.2f at (%d,%d)", tgt.Label, tgt.Confidence, tgt.Center.X, tgt.Center.Y))
	}

	if s, ok := m.detections.Read(); ok {
		parts = append(parts, statusStyle.Render(fmt.Sprintf("last detection %s ago", time.Since(s.Timestamp).Round(10*time.Millisecond))))
	} else {
		parts = append(parts, statusStyle.Render("no detection yet"))
	}
	if m.feed != nil {
		fs := m.feed.Stats()
		parts = append(parts, statusStyle.Render(fmt.Sprintf("feed clients=%d", fs.Clients)))
	}
	if n := len(m.last.Errors); n > 0 {
		parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render(fmt.Sprintf("%d send errors", n)))
	}
	return strings.Join(parts, "  ")
}

func renderLegend() string {
	var items []string
	for _, id := range drive.AllMotors() {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[id])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+id.String())
	}
	return strings.Join(items, "  ")
}
