// Package measure records per-chunk latencies and classifies them against
// the configured ceilings.
package measure

import "time"

// Recorder captures the elapsed time between countable chunks of one
// exchange. Durations are taken from the monotonic clock so wall-clock
// adjustments during a run never skew a measurement.
type Recorder struct {
	now   func() time.Time
	start time.Time
	last  time.Time
	costs []float64
	// arrivals holds every chunk's arrival, countable or not, in ms since start.
	arrivals []float64
}

// NewRecorder starts timing an exchange now.
func NewRecorder() *Recorder {
	return newRecorder(time.Now)
}

func newRecorder(now func() time.Time) *Recorder {
	t := now()
	return &Recorder{now: now, start: t, last: t}
}

// Chunk notes the arrival of one response chunk. Chunks that are not
// countable neither record a latency nor restart the inter-chunk clock.
func (r *Recorder) Chunk(countable bool) {
	t := r.now()
	r.arrivals = append(r.arrivals, Millis(t.Sub(r.start)))
	if !countable {
		return
	}
	r.costs = append(r.costs, Millis(t.Sub(r.last)))
	r.last = t
}

// Start is the wall-clock start of the exchange.
func (r *Recorder) Start() time.Time { return r.start }

// Costs returns the recorded latencies in arrival order.
func (r *Recorder) Costs() []float64 {
	out := make([]float64, len(r.costs))
	copy(out, r.costs)
	return out
}

// Arrivals returns, for every chunk received, the time since start in ms.
func (r *Recorder) Arrivals() []float64 {
	out := make([]float64, len(r.arrivals))
	copy(out, r.arrivals)
	return out
}

// Count is the number of countable chunks seen.
func (r *Recorder) Count() int { return len(r.costs) }

// First is the first-chunk latency, or zero when nothing was recorded.
func (r *Recorder) First() float64 {
	if len(r.costs) == 0 {
		return 0
	}
	return r.costs[0]
}

// Total is the sum of all recorded latencies.
func (r *Recorder) Total() float64 {
	return Sum(r.costs)
}

// ResponseTimes projects each chunk's arrival onto the wall clock.
func (r *Recorder) ResponseTimes() []time.Time {
	return ResponseTimes(r.start, r.costs)
}

// ResponseTimes returns start plus the running sum of costs.
func ResponseTimes(start time.Time, costs []float64) []time.Time {
	out := make([]time.Time, len(costs))
	var acc float64
	for i, c := range costs {
		acc += c
		out[i] = start.Add(time.Duration(acc * float64(time.Millisecond)))
	}
	return out
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Sum adds up latencies.
func Sum(costs []float64) float64 {
	var s float64
	for _, c := range costs {
		s += c
	}
	return s
}
