package exchange

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), "line must be whole JSON: %s", sc.Text())
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRecordRoundTrip(t *testing.T) {
	start := time.Date(2024, 7, 11, 9, 30, 0, 0, time.Local)
	rec := NewRecord("L1@test", start, []float64{120.5, 30.25},
		[]any{map[string]any{"text": "你好 <b>"}, "raw"},
		map[string]any{"text": "q"}, []any{"hello"})

	path := filepath.Join(t.TempDir(), "a", "b", "s.jsonl")
	w := NewWriter()
	require.NoError(t, w.Append(path, rec))
	require.NoError(t, w.Close())

	got := readLines(t, path)
	require.Len(t, got, 1)
	assert.Equal(t, rec.TraceID, got[0].TraceID)
	assert.Equal(t, rec.Costs, got[0].Costs)
	assert.Equal(t, rec.Response, got[0].Response)
	assert.Equal(t, "2024-07-11 09:30:00.000000", got[0].RequestTime)
	assert.Equal(t, []string{"2024-07-11 09:30:00.120500", "2024-07-11 09:30:00.150750"}, got[0].ResponseTime)
}

func TestNewRecordEmpty(t *testing.T) {
	rec := NewRecord("t", time.Now(), nil, nil, nil, nil)
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"costs":[]`)
	assert.Contains(t, string(b), `"response":[]`)
	assert.NotContains(t, string(b), `"error"`)
	assert.Contains(t, string(rec.WithError(ErrorTimeout).Error), "timeout")
}

func TestTimeoutCopy(t *testing.T) {
	rec := NewRecord("t", time.Now(), []float64{5}, nil, nil, nil)
	assert.Equal(t, ErrorTimeout, rec.TimeoutCopy().Error)
	assert.Empty(t, rec.Error)

	failed := rec.WithError("transport fault: recv: connection reset")
	assert.Equal(t, "timeout: transport fault: recv: connection reset", failed.TimeoutCopy().Error)
	assert.Equal(t, "transport fault: recv: connection reset", failed.Error)
}

func TestConcurrentAppendsStayLineAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.jsonl")
	w := NewWriter()
	defer w.Close()

	big := make([]any, 200)
	for i := range big {
		big[i] = fmt.Sprintf("chunk-%03d-%s", i, "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	}

	var wg sync.WaitGroup
	for u := 0; u < 16; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				rec := NewRecord(fmt.Sprintf("u%d-%d", u, i), time.Now(), []float64{1}, big, nil, nil)
				assert.NoError(t, w.Append(path, rec))
			}
		}(u)
	}
	wg.Wait()

	got := readLines(t, path)
	assert.Len(t, got, 16*25)
	ids := make(map[string]bool)
	for _, r := range got {
		ids[r.TraceID] = true
		assert.Len(t, r.Response, 200)
	}
	assert.Len(t, ids, 16*25)
}

func TestSessionLogPaths(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()
	defer w.Close()

	l := NewSessionLog(w, dir, "TalkUser", "smoke", "STREAMQ.J.TalkUser.smoke.1")
	l.now = func() time.Time { return time.Date(2024, 12, 23, 23, 0, 0, 0, time.Local) }

	want := filepath.Join(dir, "TalkUser", "smoke", "20241223", "STREAMQ.J.TalkUser.smoke.1.jsonl")
	assert.Equal(t, want, l.Path())
	assert.Equal(t, filepath.Join(dir, "TalkUser", "smoke", "20241223", "STREAMQ.J.TalkUser.smoke.1.error.jsonl"), ErrorPath(want))

	rec := NewRecord("t1", time.Now(), []float64{5}, nil, nil, nil)
	require.NoError(t, l.Write(rec))
	require.NoError(t, l.WriteError(rec.WithError(ErrorTimeout)))

	assert.Len(t, readLines(t, want), 1)
	errs := readLines(t, ErrorPath(want))
	require.Len(t, errs, 1)
	assert.Equal(t, "timeout", errs[0].Error)
}
