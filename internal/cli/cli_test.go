package cli

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"streamq/internal/measure"
	"streamq/internal/runner"
	"streamq/internal/scenario"
	"streamq/internal/shape"
	"streamq/internal/stats"
)

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[----------]", progressBar(0, 10))
	assert.Equal(t, "[█████-----]", progressBar(0.5, 10))
	assert.Equal(t, "[██████████]", progressBar(1.7, 10))
	assert.Equal(t, "[----------]", progressBar(-1, 10))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, runner.StatsSnapshot{
		Elapsed:  90 * time.Second,
		Requests: 10,
		Fail:     2,
		Entries: []stats.Summary{{
			Name: "/ASRUser/smoke/first", Requests: 10, Fail: 2, P50Ms: 110, P90Ms: 250.5,
			Errors: map[string]uint64{"first cost >= 300 ms": 2},
		}},
	})
	out := buf.String()
	assert.Contains(t, out, "Total Duration : 1m30s")
	assert.Contains(t, out, "Success        : 8")
	assert.Contains(t, out, "250.50")
	assert.Contains(t, out, "2 x /ASRUser/smoke/first: first cost >= 300 ms")
}

func TestWatchReturnsFinalSnapshot(t *testing.T) {
	var buf bytes.Buffer
	Out = &buf
	defer func() { Out = os.Stdout }()

	updates := make(runner.StatsUpdateChan, 3)
	updates <- runner.StatsSnapshot{Requests: 1, Duration: time.Minute}
	updates <- runner.StatsSnapshot{Requests: 4, Done: true}

	final := Watch(testScenario(), updates)
	assert.True(t, final.Done)
	assert.EqualValues(t, 4, final.Requests)
	assert.Contains(t, buf.String(), "RUN RESULTS")
}

func TestProgressIgnoresStaleCounts(t *testing.T) {
	var buf bytes.Buffer
	Out = &buf
	defer func() { Out = os.Stdout }()
	p := Progress("batch")
	p(2, 3)
	p(1, 3)
	p(3, 3)
	assert.NotContains(t, buf.String(), " 1/3")
	assert.Contains(t, buf.String(), " 3/3\n")
}

func testScenario() *scenario.Scenario {
	return &scenario.Scenario{
		Kind:       scenario.GRPCASR,
		Title:      "smoke",
		Parent:     "ASRUser",
		Thresholds: measure.Thresholds{FirstMs: 300, TotalMs: 1000},
		Shape:      shape.Constant{Users: 1, Length: time.Minute},
	}
}
