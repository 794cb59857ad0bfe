// Package tui is the live dashboard shown while a run is in progress.
package tui

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"streamq/internal/runner"
	"streamq/internal/tui/live"
	"streamq/internal/tui/styles"
)

type StatsMsg runner.StatsSnapshot

type Model struct {
	Updates runner.StatsUpdateChan
	Cancel  context.CancelFunc

	Live     live.Model
	Stopping bool
	Final    *runner.StatsSnapshot

	Width  int
	Height int
}

func NewModel(title string, updates runner.StatsUpdateChan, cancel context.CancelFunc) Model {
	return Model{
		Updates: updates,
		Cancel:  cancel,
		Live:    live.NewModel(title),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.Updates)
}

func waitForUpdate(sub runner.StatsUpdateChan) tea.Cmd {
	return func() tea.Msg {
		return StatsMsg(<-sub)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// the runner drains and sends a final snapshot, which quits
			if !m.Stopping && m.Cancel != nil {
				m.Cancel()
			}
			m.Stopping = true
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case StatsMsg:
		snap := runner.StatsSnapshot(msg)
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(snap)
		if snap.Done {
			m.Final = &snap
			return m, tea.Quit
		}
		return m, tea.Batch(cmd, waitForUpdate(m.Updates))
	}

	var cmd tea.Cmd
	m.Live, cmd = m.Live.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.Final != nil {
		return ""
	}
	keys := []string{styles.RenderKey("q", "Stop run")}
	if m.Stopping {
		keys = []string{styles.Warn.Render("stopping, waiting for users to finish...")}
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.Live.View(), "", strings.Join(keys, "   "))
}

// Run shows the dashboard until the runner sends its final snapshot.
func Run(title string, updates runner.StatsUpdateChan, cancel context.CancelFunc) (runner.StatsSnapshot, error) {
	p := tea.NewProgram(NewModel(title, updates, cancel), tea.WithAltScreen())
	out, err := p.Run()
	if err != nil {
		return runner.StatsSnapshot{}, err
	}
	if m, ok := out.(Model); ok && m.Final != nil {
		return *m.Final, nil
	}
	return runner.StatsSnapshot{}, nil
}
