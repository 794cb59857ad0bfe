package measure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamq/internal/pathexpr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRecorderCountsEveryChunk(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	r := newRecorder(clk.now)

	steps := []time.Duration{120 * time.Millisecond, 30 * time.Millisecond, 45500 * time.Microsecond}
	for _, d := range steps {
		clk.advance(d)
		r.Chunk(true)
	}

	require.Equal(t, 3, r.Count())
	assert.Equal(t, []float64{120, 30, 45.5}, r.Costs())
	assert.Equal(t, 120.0, r.First())
	assert.InDelta(t, 195.5, r.Total(), 1e-9)
	for _, c := range r.Costs() {
		assert.Greater(t, c, 0.0)
	}
}

func TestRecorderSkipsUncountable(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newRecorder(clk.now)

	clk.advance(10 * time.Millisecond)
	r.Chunk(false) // text-only chunk; the clock keeps running
	clk.advance(15 * time.Millisecond)
	r.Chunk(true)
	clk.advance(5 * time.Millisecond)
	r.Chunk(true)

	assert.Equal(t, []float64{25, 5}, r.Costs())
	assert.Equal(t, 30.0, r.Total())
}

func TestRecorderEmpty(t *testing.T) {
	r := NewRecorder()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0.0, r.First())
	assert.Equal(t, 0.0, r.Total())
	assert.Empty(t, r.ResponseTimes())
}

func TestResponseTimes(t *testing.T) {
	start := time.Date(2024, 7, 11, 10, 0, 0, 0, time.UTC)
	got := ResponseTimes(start, []float64{100, 250})
	assert.Equal(t, start.Add(100*time.Millisecond), got[0])
	assert.Equal(t, start.Add(350*time.Millisecond), got[1])
}

func TestEvaluate(t *testing.T) {
	f, a := Evaluate(250, 900, 300, 1000)
	assert.Nil(t, f)
	assert.Nil(t, a)

	f, a = Evaluate(350, 900, 300, 1000)
	require.NotNil(t, f)
	assert.Nil(t, a)
	assert.Equal(t, "first cost >= 300 ms", f.Error())

	f, a = Evaluate(300, 1000, 300, 1000)
	assert.NotNil(t, f)
	require.NotNil(t, a)
	assert.Equal(t, DimAll, a.Dimension)
}

func TestCheckNoResponse(t *testing.T) {
	v := Thresholds{FirstMs: 300, TotalMs: 1000}.Check(NewRecorder())
	assert.True(t, v.NoResponse)
	assert.ErrorIs(t, v.FirstFailure(), ErrNoResponse)
	assert.NoError(t, v.TotalFailure())
}

func TestCheckSlow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newRecorder(clk.now)
	clk.advance(400 * time.Millisecond)
	r.Chunk(true)
	clk.advance(700 * time.Millisecond)
	r.Chunk(true)

	v := Thresholds{FirstMs: 300, TotalMs: 1000}.Check(r)
	assert.False(t, v.NoResponse)
	var fv *Violation
	assert.ErrorAs(t, v.FirstFailure(), &fv)
	assert.Equal(t, 400.0, fv.ValueMs)
	assert.ErrorContains(t, v.TotalFailure(), "all cost >= 1000 ms")
}

func TestFirstSentenceCost(t *testing.T) {
	expr := pathexpr.MustCompile("choices[].delta.content")
	responses := []string{
		`data:{"choices":[{"delta":{"content":"Hello"}}]}`,
		`not json`,
		`data:{"choices":[{"delta":{"content":" there, friend"}}]}`,
		`data:{"choices":[{"delta":{"content":"."}}]}`,
	}
	arrivals := []float64{100, 110, 130, 160}
	assert.Equal(t, 130.0, FirstSentenceCost(responses, arrivals, expr))
	assert.Equal(t, 110.0, FirstSentenceCost(responses[:2], arrivals[:2], expr))
	assert.Equal(t, 0.0, FirstSentenceCost(nil, nil, expr))
}

func TestFirstSentenceCostWithUncountableChunks(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newRecorder(clk.now)
	responses := []string{
		`{"audio":"a1","text":""}`,
		`{"text":"done."}`,
		`{"audio":"a2","text":""}`,
		`{"audio":"a3","text":""}`,
	}
	for _, countable := range []bool{true, false, true, true} {
		clk.advance(20 * time.Millisecond)
		r.Chunk(countable)
	}

	assert.Equal(t, []float64{20, 40, 60, 80}, r.Arrivals())
	assert.Equal(t, []float64{20, 40, 20}, r.Costs())
	assert.Equal(t, 40.0, FirstSentenceCost(responses, r.Arrivals(), pathexpr.MustCompile("text")))
}
