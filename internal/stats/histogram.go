package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// SafeHistogram is a thread-safe latency histogram with microsecond
// resolution and millisecond accessors.
type SafeHistogram struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func NewSafeHistogram() *SafeHistogram {
	// 1us to 10min, 3 significant figures
	h := hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
	return &SafeHistogram{hist: h}
}

// RecordMs records a latency given in milliseconds. Values outside the
// trackable range are clamped rather than dropped.
func (h *SafeHistogram) RecordMs(ms float64) {
	us := int64(ms * 1000)
	h.mu.Lock()
	defer h.mu.Unlock()
	if us < h.hist.LowestTrackableValue() {
		us = h.hist.LowestTrackableValue()
	}
	if us > h.hist.HighestTrackableValue() {
		us = h.hist.HighestTrackableValue()
	}
	h.hist.RecordValue(us)
}

// QuantileMs returns the q-th percentile (0-100) in milliseconds.
func (h *SafeHistogram) QuantileMs(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist.TotalCount() == 0 {
		return 0
	}
	return float64(h.hist.ValueAtQuantile(q)) / 1000
}

func (h *SafeHistogram) MeanMs() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Mean() / 1000
}

func (h *SafeHistogram) MaxMs() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return float64(h.hist.Max()) / 1000
}

func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}
