package measure

import (
	"errors"
	"fmt"
)

// ErrNoResponse marks an exchange that finished without a single countable
// chunk. It is reported separately from slow responses.
var ErrNoResponse = errors.New("no response chunk return")

// Dimension names the latency a violation refers to.
type Dimension string

const (
	DimFirst Dimension = "first"
	DimAll   Dimension = "all"
)

// Violation is a latency that reached its ceiling. It is a measured outcome,
// attached to measurement events as their failure.
type Violation struct {
	Dimension Dimension
	ValueMs   float64
	CeilingMs float64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s cost >= %g ms", v.Dimension, v.CeilingMs)
}

// Thresholds are the per-scenario latency ceilings in milliseconds.
type Thresholds struct {
	FirstMs float64
	TotalMs float64
}

// Evaluate compares first-chunk and total latency with their ceilings. A
// latency equal to its ceiling is a violation.
func Evaluate(first, total, firstCeiling, totalCeiling float64) (firstV, totalV *Violation) {
	if first >= firstCeiling {
		firstV = &Violation{Dimension: DimFirst, ValueMs: first, CeilingMs: firstCeiling}
	}
	if total >= totalCeiling {
		totalV = &Violation{Dimension: DimAll, ValueMs: total, CeilingMs: totalCeiling}
	}
	return firstV, totalV
}

// Verdict is the classification of one exchange.
type Verdict struct {
	NoResponse bool
	First      *Violation
	Total      *Violation
}

// Check classifies what r recorded. With zero chunks only NoResponse is set.
func (t Thresholds) Check(r *Recorder) Verdict {
	if r.Count() == 0 {
		return Verdict{NoResponse: true}
	}
	f, a := Evaluate(r.First(), r.Total(), t.FirstMs, t.TotalMs)
	return Verdict{First: f, Total: a}
}

// FirstFailure is the failure to attach to the first-chunk event.
func (v Verdict) FirstFailure() error {
	switch {
	case v.NoResponse:
		return ErrNoResponse
	case v.First != nil:
		return v.First
	}
	return nil
}

// TotalFailure is the failure to attach to the total-latency event.
func (v Verdict) TotalFailure() error {
	if v.Total != nil {
		return v.Total
	}
	return nil
}
