package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamq/internal/runner"
	"streamq/internal/stats"
	"streamq/internal/tui/live"
)

func TestModelQuitsOnFinalSnapshot(t *testing.T) {
	updates := make(runner.StatsUpdateChan, 1)
	m := NewModel("smoke", updates, nil)

	next, cmd := m.Update(StatsMsg(runner.StatsSnapshot{Requests: 3, Duration: time.Minute, Elapsed: 30 * time.Second}))
	m = next.(Model)
	assert.Nil(t, m.Final)
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "EVENTS: 3")

	next, cmd = m.Update(StatsMsg(runner.StatsSnapshot{Requests: 5, Done: true}))
	m = next.(Model)
	require.NotNil(t, m.Final)
	assert.EqualValues(t, 5, m.Final.Requests)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelStopCancelsRun(t *testing.T) {
	var cancelled int
	m := NewModel("smoke", make(runner.StatsUpdateChan), func() { cancelled++ })

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(Model)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(Model)
	assert.True(t, m.Stopping)
	assert.Equal(t, 1, cancelled)
	assert.Contains(t, m.View(), "stopping")
}

func TestTableRows(t *testing.T) {
	out := live.Table(runner.StatsSnapshot{Entries: []stats.Summary{
		{Name: "/TalkUser/smoke/first", Requests: 12, Fail: 1, P50Ms: 120, P90Ms: 180.4, P99Ms: 300, MaxMs: 410},
	}})
	assert.Contains(t, out, "/TalkUser/smoke/first")
	assert.Contains(t, out, "180.4")
	assert.Contains(t, live.Table(runner.StatsSnapshot{}), "waiting")
}
