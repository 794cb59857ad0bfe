package report

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamq/internal/stats"
)

func TestExport(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run1")
	s := Summary{
		Job:      "JOB1",
		Kind:     "grpc_talk",
		Requests: 10,
		Fail:     2,
		Entries: []stats.Summary{
			{Name: "/T/s/first", Requests: 8, Fail: 2, MeanMs: 120.456, P50Ms: 100, P99Ms: 450.5, MaxMs: 500},
			{Name: "source/llm", Requests: 2},
		},
	}
	require.NoError(t, Export(prefix, s))

	data, err := os.ReadFile(prefix + "_summary.json")
	require.NoError(t, err)
	var back Summary
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.Entries, back.Entries)
	assert.Equal(t, "JOB1", back.Job)

	f, err := os.Open(prefix + ".csv")
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Name", rows[0][0])
	assert.Equal(t, []string{"/T/s/first", "8", "2", "120.46", "100.00", "0.00", "0.00", "450.50", "500.00", "0.2500"}, rows[1])
	assert.Equal(t, "0.0000", rows[2][9])
}
