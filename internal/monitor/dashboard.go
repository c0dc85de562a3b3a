// Package monitor implements the terminal dashboard behind "pgctl top".
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

const (
	sparklineWidth  = 24
	sparklineHeight = 1
	historySize     = 24
	fetchTimeout    = 5 * time.Second
)

// Model is the bubbletea model for the gate dashboard.
type Model struct {
	source     Source
	target     string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool
	cursor     int

	// readiness history per entity, oldest first
	history map[string][]float64

	readiness progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("238"))

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling source every interval. target is
// shown in the header and error view.
func NewModel(source Source, target string, interval time.Duration) Model {
	return Model{
		source:   source,
		target:   target,
		interval: interval,
		history:  make(map[string][]float64),
		readiness: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(20),
			progress.WithoutPercentage(),
		),
	}
}

// actionBadge colors an action by how far it moves the venture.
func actionBadge(a gate.Action) string {
	label := fmt.Sprintf("%-8s", FormatAction(a))
	switch a {
	case gate.ActionProceed:
		return healthyStyle.Render(label)
	case gate.ActionOptimize:
		return warningStyle.Render(label)
	case gate.ActionPivot, gate.ActionKill:
		return errorStyle.Render(label)
	}
	return dimStyle.Render(label)
}

func statusBadge(status string) string {
	switch status {
	case "ok":
		return healthyStyle.Render("✓ HEALTHY")
	case "degraded":
		return warningStyle.Render("⚠ DEGRADED")
	}
	return errorStyle.Render("✗ " + strings.ToUpper(orDash(status)))
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%-*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.source),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := src.Snapshot(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.source)
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.snapshot.Entities)-1 {
				m.cursor++
			}
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.source),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		seen := make(map[string]bool, len(snap.Entities))
		for _, e := range snap.Entities {
			seen[e.ID] = true
			if e.HasDecision {
				m.history[e.ID] = appendToHistory(m.history[e.ID], e.Readiness)
			}
		}
		for id := range m.history {
			if !seen[id] {
				delete(m.history, id)
			}
		}
		if m.cursor >= len(snap.Entities) {
			m.cursor = max(len(snap.Entities)-1, 0)
		}

		m.snapshot = snap
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" phasegate Monitor ")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach phasegated") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" phasegate Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s\n",
		statusBadge(m.snapshot.Status),
		dimStyle.Render("Tick:"), valueStyle.Render(fmt.Sprintf("%d", m.snapshot.Tick)),
		dimStyle.Render("Entities:"), valueStyle.Render(fmt.Sprintf("%d", len(m.snapshot.Entities))),
		dimStyle.Render(lastUpdate))

	b.WriteString("\n" + sectionStyle.Render("┃ Gates") + "\n")
	if len(m.snapshot.Entities) == 0 {
		b.WriteString(dimStyle.Render("  no entities yet") + "\n")
	}
	for i, e := range m.snapshot.Entities {
		b.WriteString(m.renderRow(i, e) + "\n")
	}

	if m.cursor < len(m.snapshot.Entities) {
		b.WriteString(m.renderDetail(m.snapshot.Entities[m.cursor]))
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[↑/↓]") + footerStyle.Render(" select  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func (m Model) renderRow(i int, e EntityRow) string {
	id := fmt.Sprintf("  %-18s", truncate(e.ID, 18))
	if i == m.cursor {
		id = selectedStyle.Render(id)
	}
	phase := labelStyle.Render(fmt.Sprintf("%-14s", truncate(e.Phase, 14)))

	if !e.HasDecision {
		return id + phase + dimStyle.Render("awaiting first decision")
	}
	return id + phase +
		actionBadge(e.Effective) + " " +
		m.readiness.ViewAs(clamp01(e.Readiness)) + " " +
		valueStyle.Render(FormatReadiness(e.Readiness)) + "  " +
		createSparkline(m.history[e.ID]) + "  " +
		dimStyle.Render(FormatExecutions(e.Executions))
}

func (m Model) renderDetail(e EntityRow) string {
	var b strings.Builder
	b.WriteString("\n" + sectionStyle.Render("┃ "+e.ID) + "\n")
	if !e.HasDecision {
		b.WriteString(dimStyle.Render("  no decision yet") + "\n")
		return b.String()
	}

	b.WriteString(labelStyle.Render("  Recommended: ") + valueStyle.Render(FormatAction(e.Recommended)))
	if e.Override != gate.OverrideNone {
		b.WriteString(labelStyle.Render("  Override: ") + warningStyle.Render(e.Override.String()))
	}
	b.WriteString(labelStyle.Render("  Confidence: ") + valueStyle.Render(FormatPercentage(e.Confidence)) + "\n")
	if e.DominantRule != "" {
		b.WriteString(labelStyle.Render("  Rule: ") + valueStyle.Render(e.DominantRule) + "\n")
	}
	if e.ReviewRequested {
		b.WriteString("  " + warningStyle.Render("⚠ review requested") + "\n")
	}
	for _, r := range e.Reasoning {
		b.WriteString(dimStyle.Render("  · "+r) + "\n")
	}
	if n := e.Executions[execution.StatusFailed]; n > 0 {
		b.WriteString("  " + errorStyle.Render(fmt.Sprintf("%d failed execution(s)", n)) + "\n")
	}
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
