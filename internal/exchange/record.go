// Package exchange defines the per-exchange record and its append-only
// JSON lines log.
package exchange

import (
	"time"

	"streamq/internal/measure"
)

const timeLayout = "2006-01-02 15:04:05.000000"

// ErrorTimeout tags error-log copies of exchanges over the total ceiling.
const ErrorTimeout = "timeout"

// Record is the logged form of one exchange.
type Record struct {
	TraceID      string    `json:"trace_id"`
	RequestTime  string    `json:"request_time"`
	ResponseTime []string  `json:"response_time"`
	Costs        []float64 `json:"costs"`
	Answers      []any     `json:"answers"`
	Response     []any     `json:"response"`
	Request      any       `json:"request"`
	Error        string    `json:"error,omitempty"`
}

// NewRecord builds a record from what a virtual user collected. Response
// times are the start time plus the running sum of costs.
func NewRecord(traceID string, start time.Time, costs []float64, responses []any, request any, answers []any) Record {
	times := measure.ResponseTimes(start, costs)
	rt := make([]string, len(times))
	for i, t := range times {
		rt[i] = t.Format(timeLayout)
	}
	if costs == nil {
		costs = []float64{}
	}
	if responses == nil {
		responses = []any{}
	}
	if answers == nil {
		answers = []any{}
	}
	return Record{
		TraceID:      traceID,
		RequestTime:  start.Format(timeLayout),
		ResponseTime: rt,
		Costs:        costs,
		Answers:      answers,
		Response:     responses,
		Request:      request,
	}
}

// WithError returns a copy tagged with tag.
func (r Record) WithError(tag string) Record {
	r.Error = tag
	return r
}

// TimeoutCopy is the error-log copy of a record over the total ceiling. A
// fault tag the record already carries is kept after the timeout tag.
func (r Record) TimeoutCopy() Record {
	if r.Error == "" {
		return r.WithError(ErrorTimeout)
	}
	return r.WithError(ErrorTimeout + ": " + r.Error)
}
