// Package shape maps elapsed run time to a target user count.
package shape

import (
	"fmt"
	"math"
	"time"
)

// RunState is what a shape sees at each tick. Elapsed only moves forward.
type RunState struct {
	Elapsed time.Duration
}

// Target is the desired user count and the per-second spawn rate used to
// reach it.
type Target struct {
	Users int
	Rate  int
}

// Shape returns the target for the current tick, or ok=false once the run
// should stop.
type Shape interface {
	Tick(RunState) (t Target, ok bool)
	Duration() time.Duration
}

// Step is a staircase: StepRate more users every StepTime, for StepCount
// steps.
type Step struct {
	StepCount int
	StepRate  int
	StepTime  time.Duration
}

func (s Step) Duration() time.Duration {
	return time.Duration(s.StepCount) * s.StepTime
}

func (s Step) Tick(st RunState) (Target, bool) {
	if st.Elapsed >= s.Duration() || s.StepTime <= 0 {
		return Target{}, false
	}
	idx := int(st.Elapsed/s.StepTime) + 1
	return Target{Users: idx * s.StepRate, Rate: s.StepRate}, true
}

// Constant holds Users for the whole Length.
type Constant struct {
	Users  int
	Rate   int
	Length time.Duration
}

func (c Constant) Duration() time.Duration { return c.Length }

func (c Constant) Tick(st RunState) (Target, bool) {
	if st.Elapsed >= c.Length {
		return Target{}, false
	}
	rate := c.Rate
	if rate <= 0 {
		rate = c.Users
	}
	return Target{Users: c.Users, Rate: rate}, true
}

// Ramp rises linearly to Users over RampUp, holds for Steady and falls back
// over RampDown.
type Ramp struct {
	Users    int
	RampUp   time.Duration
	Steady   time.Duration
	RampDown time.Duration
}

func (r Ramp) Duration() time.Duration { return r.RampUp + r.Steady + r.RampDown }

func (r Ramp) Tick(st RunState) (Target, bool) {
	t := st.Elapsed
	if t >= r.Duration() {
		return Target{}, false
	}
	rate := r.Users
	if r.RampUp > 0 {
		rate = int(math.Ceil(float64(r.Users) / r.RampUp.Seconds()))
	}
	rate = max(rate, 1)

	var users float64
	switch {
	case t < r.RampUp:
		users = float64(r.Users) * float64(t) / float64(r.RampUp)
	case t < r.RampUp+r.Steady:
		users = float64(r.Users)
	default:
		remaining := r.Duration() - t
		users = float64(r.Users) * float64(remaining) / float64(r.RampDown)
	}
	return Target{Users: int(math.Ceil(users)), Rate: rate}, true
}

// Config is the serialized shape section of a scenario.
type Config struct {
	Kind      string `mapstructure:"kind" json:"kind"`
	StepCount int    `mapstructure:"step_count" json:"step_count"`
	StepRate  int    `mapstructure:"step_rate" json:"step_rate"`
	StepTime  int    `mapstructure:"step_time" json:"step_time"` // seconds
	Users     int    `mapstructure:"users" json:"users"`
	Rate      int    `mapstructure:"rate" json:"rate"`
	Duration  int    `mapstructure:"duration" json:"duration"` // seconds
	RampUp    int    `mapstructure:"ramp_up" json:"ramp_up"`
	RampDown  int    `mapstructure:"ramp_down" json:"ramp_down"`
}

// New builds the configured shape. An empty kind means step.
func New(c Config) (Shape, error) {
	switch c.Kind {
	case "", "step":
		if c.StepCount <= 0 || c.StepRate <= 0 || c.StepTime <= 0 {
			return nil, fmt.Errorf("step shape needs positive step_count, step_rate and step_time")
		}
		return Step{StepCount: c.StepCount, StepRate: c.StepRate, StepTime: time.Duration(c.StepTime) * time.Second}, nil
	case "constant":
		if c.Users <= 0 || c.Duration <= 0 {
			return nil, fmt.Errorf("constant shape needs positive users and duration")
		}
		return Constant{Users: c.Users, Rate: c.Rate, Length: time.Duration(c.Duration) * time.Second}, nil
	case "ramp":
		if c.Users <= 0 || c.RampUp+c.Duration+c.RampDown <= 0 {
			return nil, fmt.Errorf("ramp shape needs positive users and a non-zero length")
		}
		return Ramp{
			Users:    c.Users,
			RampUp:   time.Duration(c.RampUp) * time.Second,
			Steady:   time.Duration(c.Duration) * time.Second,
			RampDown: time.Duration(c.RampDown) * time.Second,
		}, nil
	}
	return nil, fmt.Errorf("unknown shape kind %q", c.Kind)
}
