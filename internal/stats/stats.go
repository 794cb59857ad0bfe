package stats

import (
	"sort"
	"sync"
	"sync/atomic"

	"streamq/internal/events"
)

// Entry aggregates every event fired under one name.
type Entry struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Bytes    uint64

	Latency *SafeHistogram

	mu     sync.Mutex
	errors map[string]uint64
}

func newEntry() *Entry {
	return &Entry{Latency: NewSafeHistogram(), errors: make(map[string]uint64)}
}

func (e *Entry) add(ev events.Event) {
	atomic.AddUint64(&e.Requests, 1)
	atomic.AddUint64(&e.Bytes, uint64(ev.ResponseLength))
	if ev.Failure == nil {
		atomic.AddUint64(&e.Success, 1)
	} else {
		atomic.AddUint64(&e.Fail, 1)
		e.mu.Lock()
		e.errors[ev.Failure.Error()]++
		e.mu.Unlock()
	}
	e.Latency.RecordMs(ev.ElapsedMs)
}

// ErrorCounts returns how often each failure message occurred.
func (e *Entry) ErrorCounts() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]uint64, len(e.errors))
	for k, v := range e.errors {
		out[k] = v
	}
	return out
}

// ErrorRate is the failed share of events in percent.
func (e *Entry) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&e.Requests)
	if reqs == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&e.Fail)) / float64(reqs) * 100
}

// Registry is an events.Sink keeping one Entry per event name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) Fire(ev events.Event) {
	r.Entry(ev.Name).add(ev)
}

// Entry returns the entry for name, creating it on first use.
func (r *Registry) Entry(name string) *Entry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[name]; ok {
		return e
	}
	e = newEntry()
	r.entries[name] = e
	return e
}

// Summary is a point-in-time copy of one entry.
type Summary struct {
	Name     string            `json:"name"`
	Requests uint64            `json:"requests"`
	Success  uint64            `json:"success"`
	Fail     uint64            `json:"fail"`
	MeanMs   float64           `json:"mean_ms"`
	P50Ms    float64           `json:"p50_ms"`
	P90Ms    float64           `json:"p90_ms"`
	P95Ms    float64           `json:"p95_ms"`
	P99Ms    float64           `json:"p99_ms"`
	MaxMs    float64           `json:"max_ms"`
	Errors   map[string]uint64 `json:"errors,omitempty"`
}

// Summaries returns every entry sorted by name.
func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, n := range names {
		e := r.Entry(n)
		s := Summary{
			Name:     n,
			Requests: atomic.LoadUint64(&e.Requests),
			Success:  atomic.LoadUint64(&e.Success),
			Fail:     atomic.LoadUint64(&e.Fail),
			MeanMs:   e.Latency.MeanMs(),
			P50Ms:    e.Latency.QuantileMs(50),
			P90Ms:    e.Latency.QuantileMs(90),
			P95Ms:    e.Latency.QuantileMs(95),
			P99Ms:    e.Latency.QuantileMs(99),
			MaxMs:    e.Latency.MaxMs(),
		}
		if errs := e.ErrorCounts(); len(errs) > 0 {
			s.Errors = errs
		}
		out = append(out, s)
	}
	return out
}

// Totals sums requests and failures across all entries.
func (r *Registry) Totals() (requests, fail uint64) {
	for _, s := range r.Summaries() {
		requests += s.Requests
		fail += s.Fail
	}
	return requests, fail
}
