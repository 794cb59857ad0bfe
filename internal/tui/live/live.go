package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"streamq/internal/runner"
	"streamq/internal/tui/components"
	"streamq/internal/tui/styles"
)

// Model renders the running counters of one run.
type Model struct {
	Title    string
	Stats    runner.StatsSnapshot
	Progress progress.Model

	RateLine    components.Sparkline
	LatencyLine components.Sparkline
	// LatencyName is the event whose P90 is charted; the busiest event when empty.
	LatencyName string

	LastUpdate time.Time
	LastReqs   uint64

	Width  int
	Height int
}

func NewModel(title string) Model {
	return Model{
		Title:       title,
		Progress:    progress.New(progress.WithDefaultGradient()),
		RateLine:    components.NewSparkline(40, "Events/s", styles.Active),
		LatencyLine: components.NewSparkline(40, "Latency P90 (ms)", styles.Warn),
		LastUpdate:  time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.StatsSnapshot:
		now := time.Now()
		dt := max(now.Sub(m.LastUpdate).Seconds(), 0.01)

		if msg.Requests >= m.LastReqs {
			m.RateLine.Add(float64(msg.Requests-m.LastReqs) / dt)
		}
		m.LatencyLine.Add(m.chartedP90(msg))

		m.Stats = msg
		m.LastReqs = msg.Requests
		m.LastUpdate = now

		pct := 1.0
		if msg.Duration > 0 && !msg.Done {
			pct = min(float64(msg.Elapsed)/float64(msg.Duration), 1.0)
		}
		return m, m.Progress.SetPercent(pct)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = max(msg.Width-4, 10)

		half := max(msg.Width/2-6, 10)
		m.RateLine.Width = half
		m.LatencyLine.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Model) chartedP90(s runner.StatsSnapshot) float64 {
	var best uint64
	var p90 float64
	for _, e := range s.Entries {
		if m.LatencyName != "" {
			if e.Name == m.LatencyName {
				return e.P90Ms
			}
			continue
		}
		if e.Requests > best {
			best, p90 = e.Requests, e.P90Ms
		}
	}
	return p90
}

func (m Model) View() string {
	s := strings.Builder{}
	s.WriteString(styles.Title.Render(m.Title))
	s.WriteString("\n")

	errRate := 0.0
	if m.Stats.Requests > 0 {
		errRate = float64(m.Stats.Fail) / float64(m.Stats.Requests) * 100
	}

	col1 := fmt.Sprintf("USERS: %d / %d\nTIME: %s / %s",
		m.Stats.Users, m.Stats.Target,
		m.Stats.Elapsed.Round(time.Second), m.Stats.Duration)
	col2 := fmt.Sprintf("EVENTS: %d\nFAIL: %d", m.Stats.Requests, m.Stats.Fail)
	col3 := fmt.Sprintf("ERR: %.2f%%", errRate)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(col2),
		styles.Box.Render(styles.ForErrorRate(errRate).Render(col3)),
	))
	s.WriteString("\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RateLine.View()),
		styles.Box.Render(m.LatencyLine.View()),
	))
	s.WriteString("\n")

	s.WriteString(styles.Box.Render(Table(m.Stats)))
	s.WriteString("\n")
	s.WriteString(m.Progress.View())
	return s.String()
}

// Table lays out one row per event name.
func Table(s runner.StatsSnapshot) string {
	var b strings.Builder
	b.WriteString(styles.Header.Render(fmt.Sprintf("%-36s %8s %6s %9s %9s %9s %9s",
		"NAME", "REQS", "FAILS", "P50", "P90", "P99", "MAX")))
	for _, e := range s.Entries {
		line := fmt.Sprintf("\n%-36s %8d %6d %9.1f %9.1f %9.1f %9.1f",
			truncate(e.Name, 36), e.Requests, e.Fail, e.P50Ms, e.P90Ms, e.P99Ms, e.MaxMs)
		if e.Fail > 0 {
			line = styles.Warn.Render(line)
		}
		b.WriteString(line)
	}
	if len(s.Entries) == 0 {
		b.WriteString("\n" + styles.Subtle.Render("waiting for the first exchange..."))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n+1:]
}
