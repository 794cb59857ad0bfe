package runner

import (
	"time"

	"streamq/internal/events"
	"streamq/internal/scenario"
	"streamq/internal/stats"
	"streamq/internal/user"
)

type Config struct {
	Scenario *scenario.Scenario
	Options  user.Options

	// LogDir is the root of the exchange logs. Empty disables them.
	LogDir string
	// Job names this run in session ids. Generated when empty.
	Job string

	// TickInterval is how often the shape is evaluated. Defaults to 1s.
	TickInterval time.Duration

	// Sinks receive every event next to the runner's own stats.
	Sinks []events.Sink
}

// StatsSnapshot is sent over the updates channel.
type StatsSnapshot struct {
	Elapsed  time.Duration
	Duration time.Duration
	Users    int
	Target   int

	Requests uint64
	Fail     uint64
	Entries  []stats.Summary

	Done bool
}

// StatsUpdateChan is the channel type
type StatsUpdateChan chan StatsSnapshot
