package stats

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamq/internal/events"
)

func TestRegistryAggregatesByName(t *testing.T) {
	r := NewRegistry()
	slow := errors.New("first cost >= 300 ms")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				ev := events.Event{Name: "/p/t/first", ElapsedMs: float64(i), ResponseLength: 2}
				if i > 90 {
					ev.Failure = slow
				}
				r.Fire(ev)
			}
		}()
	}
	wg.Wait()
	r.Fire(events.Event{Name: "/p/t/none", Failure: errors.New("no response chunk return")})

	sums := r.Summaries()
	require.Len(t, sums, 2)
	first := sums[0]
	assert.Equal(t, "/p/t/first", first.Name)
	assert.EqualValues(t, 400, first.Requests)
	assert.EqualValues(t, 40, first.Fail)
	assert.EqualValues(t, 40, first.Errors["first cost >= 300 ms"])
	assert.InDelta(t, 50, first.P50Ms, 1)
	assert.InDelta(t, 99, first.P99Ms, 1)
	assert.InDelta(t, 100, first.MaxMs, 0.5)
	assert.InDelta(t, 10, r.Entry("/p/t/first").ErrorRate(), 0.001)

	reqs, fail := r.Totals()
	assert.EqualValues(t, 401, reqs)
	assert.EqualValues(t, 41, fail)
}

func TestHistogramClampsAndEmpty(t *testing.T) {
	h := NewSafeHistogram()
	assert.Equal(t, 0.0, h.QuantileMs(99))
	h.RecordMs(0)
	h.RecordMs(24 * 60 * 60 * 1000)
	assert.EqualValues(t, 2, h.TotalCount())
	assert.Greater(t, h.MaxMs(), 500000.0)
}
