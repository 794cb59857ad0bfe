package user

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamq/internal/backend"
	"streamq/internal/cases"
	"streamq/internal/events"
	"streamq/internal/exchange"
	"streamq/internal/measure"
	"streamq/internal/pathexpr"
	"streamq/internal/scenario"
)

var errReset = errors.New("connection reset")

type fakeConn struct {
	chunks    []backend.Chunk
	delay     time.Duration
	failAfter int // fail once this many chunks were delivered; <0 never
	openErr   error

	mu   sync.Mutex
	reqs []map[string]any
}

func (f *fakeConn) Open(ctx context.Context, reqs backend.Requests) (backend.Stream, error) {
	f.mu.Lock()
	for r := range reqs {
		f.reqs = append(f.reqs, r)
	}
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{f: f}, nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) lastRequest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeStream struct {
	f *fakeConn
	n int
}

func (s *fakeStream) Recv() (backend.Chunk, error) {
	if s.f.failAfter >= 0 && s.n == s.f.failAfter {
		return backend.Chunk{}, errReset
	}
	if s.n == len(s.f.chunks) {
		return backend.Chunk{}, io.EOF
	}
	time.Sleep(s.f.delay)
	c := s.f.chunks[s.n]
	s.n++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

func textChunks(n int) []backend.Chunk {
	out := make([]backend.Chunk, n)
	for i := range out {
		out[i] = backend.Chunk{Message: map[string]any{"text": "part"}, Size: 4}
	}
	return out
}

type fixture struct {
	sc   *scenario.Scenario
	conn *fakeConn
	pool *cases.Pool
	sink *events.Collector
	log  *exchange.SessionLog
	user *User
}

func newFixture(t *testing.T, conn *fakeConn, opts Options, mutate func(*scenario.Scenario)) *fixture {
	t.Helper()
	sc := &scenario.Scenario{
		Kind:       scenario.GRPCASR,
		Title:      "smoke",
		Parent:     "ASRUser",
		Method:     "GRPC",
		Conn:       conn,
		Thresholds: measure.Thresholds{FirstMs: 1000, TotalMs: 5000},
		Template:   map[string]any{"question": "QUESTION", "trace": "TRACEID", "session": "SESSIONID"},
		Timeout:    5 * time.Second,
	}
	if mutate != nil {
		mutate(sc)
	}
	pool := cases.NewPool(
		[]cases.Case{{"question": "hello"}, {"question": "world"}},
		[]*pathexpr.Expr{pathexpr.MustCompile("question")},
		nil,
	)
	sink := &events.Collector{}
	log := exchange.NewSessionLog(exchange.NewWriter(), t.TempDir(), sc.Parent, sc.Title, "S1")
	u := New(1, "S1", Deps{Scenario: sc, Pool: pool, Sink: sink}, log, opts)
	return &fixture{sc: sc, conn: conn, pool: pool, sink: sink, log: log, user: u}
}

func readLines(t *testing.T, path string) []exchange.Record {
	t.Helper()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()
	var out []exchange.Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r exchange.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	return out
}

func TestExchangeCompleted(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(3), delay: 2 * time.Millisecond, failAfter: -1}, Options{}, func(sc *scenario.Scenario) {
		sc.RecordAll = true
	})

	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, Completed, fx.user.State())
	assert.NoError(t, res.Err)
	require.Len(t, res.Record.Costs, 3)
	for _, c := range res.Record.Costs {
		assert.Greater(t, c, 0.0)
	}
	assert.Len(t, res.Record.Response, 3)
	assert.Len(t, res.Record.ResponseTime, 3)

	first := fx.sink.Named("/ASRUser/smoke/first")
	require.Len(t, first, 1)
	assert.NoError(t, first[0].Failure)
	assert.Equal(t, "GRPC", first[0].Kind)
	assert.Equal(t, res.Record.Costs[0], first[0].ElapsedMs)
	assert.Equal(t, 12, first[0].ResponseLength)

	all := fx.sink.Named("/ASRUser/smoke/all")
	require.Len(t, all, 1)
	assert.InDelta(t, measure.Sum(res.Record.Costs), all[0].ElapsedMs, 1e-9)

	assert.Equal(t, fx.pool.Size(), fx.pool.Available())
	lines := readLines(t, fx.log.Path())
	require.Len(t, lines, 1)
	assert.Equal(t, res.Record.TraceID, lines[0].TraceID)
	assert.Empty(t, readLines(t, exchange.ErrorPath(fx.log.Path())))
}

func TestExchangeSubstitutesTokens(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(1), failAfter: -1}, Options{}, func(sc *scenario.Scenario) {
		sc.UseSession = true
	})
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)

	req := fx.conn.lastRequest()
	assert.Contains(t, []string{"hello", "world"}, req["question"])
	assert.Equal(t, res.Record.TraceID, req["trace"])
	assert.Equal(t, "S1", req["session"])
	assert.Equal(t, "QUESTION", fx.sc.Template["question"])
}

func TestExchangeQuestionOverride(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(1), failAfter: -1}, Options{Question: "override"}, nil)
	_, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	req := fx.conn.lastRequest()
	assert.Equal(t, "override", req["question"])
	assert.Equal(t, "SESSIONID", req["session"])
}

func TestExchangeViolations(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(2), delay: 5 * time.Millisecond, failAfter: -1}, Options{}, func(sc *scenario.Scenario) {
		sc.Thresholds = measure.Thresholds{FirstMs: 1, TotalMs: 2}
		sc.RecordAll = true
	})
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	require.NotNil(t, res.Verdict.First)
	require.NotNil(t, res.Verdict.Total)

	first := fx.sink.Named("/ASRUser/smoke/first")
	require.Len(t, first, 1)
	var v *measure.Violation
	require.ErrorAs(t, first[0].Failure, &v)
	assert.Equal(t, "first cost >= 1 ms", v.Error())
	all := fx.sink.Named("/ASRUser/smoke/all")
	require.Len(t, all, 1)
	assert.EqualError(t, all[0].Failure, "all cost >= 2 ms")

	assert.Len(t, readLines(t, fx.log.Path()), 1)
	errLines := readLines(t, exchange.ErrorPath(fx.log.Path()))
	require.Len(t, errLines, 1)
	assert.Equal(t, exchange.ErrorTimeout, errLines[0].Error)
	assert.Equal(t, res.Record.TraceID, errLines[0].TraceID)
}

func TestExchangeNoResponse(t *testing.T) {
	fx := newFixture(t, &fakeConn{failAfter: -1}, Options{}, nil)
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.True(t, res.Verdict.NoResponse)

	none := fx.sink.Named("/ASRUser/smoke/none")
	require.Len(t, none, 1)
	assert.ErrorIs(t, none[0].Failure, measure.ErrNoResponse)
	assert.Empty(t, fx.sink.Named("/ASRUser/smoke/first"))
	assert.Len(t, readLines(t, fx.log.Path()), 1)
	assert.Equal(t, fx.pool.Size(), fx.pool.Available())
}

func TestExchangeMidStreamFault(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(3), delay: time.Millisecond, failAfter: 1}, Options{}, nil)
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Failed, res.State)
	assert.ErrorIs(t, res.Err, errReset)
	assert.Len(t, res.Record.Costs, 1)
	assert.Equal(t, errReset.Error(), res.Record.Error)

	errs := fx.sink.Named("/ASRUser/smoke/error")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Failure, errReset)
	assert.Len(t, fx.sink.Named("/ASRUser/smoke/first"), 1)

	lines := readLines(t, fx.log.Path())
	require.Len(t, lines, 1)
	assert.Equal(t, errReset.Error(), lines[0].Error)
	assert.Equal(t, fx.pool.Size(), fx.pool.Available())
}

func TestExchangeFaultOverCeilingKeepsFaultTag(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(3), delay: 2 * time.Millisecond, failAfter: 1}, Options{}, func(sc *scenario.Scenario) {
		sc.Thresholds = measure.Thresholds{FirstMs: 1000, TotalMs: 1}
	})
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Failed, res.State)
	require.NotNil(t, res.Verdict.Total)

	errLines := readLines(t, exchange.ErrorPath(fx.log.Path()))
	require.Len(t, errLines, 1)
	assert.Equal(t, exchange.ErrorTimeout+": "+errReset.Error(), errLines[0].Error)
	assert.Equal(t, errReset.Error(), readLines(t, fx.log.Path())[0].Error)
}

func TestExchangeOpenFault(t *testing.T) {
	fx := newFixture(t, &fakeConn{openErr: errReset, failAfter: -1}, Options{}, nil)
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Len(t, fx.sink.Named("/ASRUser/smoke/error"), 1)
	assert.Empty(t, fx.sink.Named("/ASRUser/smoke/none"))
	assert.Empty(t, fx.sink.Named("/ASRUser/smoke/first"))
	assert.Len(t, readLines(t, fx.log.Path()), 1)
	assert.Equal(t, fx.pool.Size(), fx.pool.Available())
}

func TestExchangeCountsOnlyCountableChunks(t *testing.T) {
	chunks := []backend.Chunk{
		{Message: map[string]any{"status": "started"}},
		{Message: map[string]any{"body": map[string]any{"speech": "AAEC"}}},
		{Message: map[string]any{"body": map[string]any{"speech": ""}}},
		{Message: map[string]any{"body": map[string]any{"speech": "AwQF"}}},
	}
	fx := newFixture(t, &fakeConn{chunks: chunks, delay: time.Millisecond, failAfter: -1}, Options{}, func(sc *scenario.Scenario) {
		sc.Countable = pathexpr.MustCompile("body.speech")
	})
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Record.Costs, 2)
	assert.Len(t, res.Record.Response, 4)
}

func TestExchangeTalkSourceAndAnswers(t *testing.T) {
	chunks := []backend.Chunk{
		{Message: map[string]any{"source": "faq"}},
		{Message: map[string]any{"source": "llm", "tts": map[string]any{"text": "hi there"}}},
	}
	fx := newFixture(t, &fakeConn{chunks: chunks, failAfter: -1}, Options{}, func(sc *scenario.Scenario) {
		sc.SourceEvent = true
		sc.Source = pathexpr.MustCompile("[].source")
		sc.Answer = pathexpr.MustCompile("[].tts.text")
	})
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"hi there"}, res.Record.Answers)

	src := fx.sink.Named("source/llm")
	require.Len(t, src, 1)
	assert.Equal(t, "Receive", src[0].Kind)
	assert.Equal(t, 2, src[0].ResponseLength)
}

func TestExchangeReportedFirstChunks(t *testing.T) {
	chunks := []backend.Chunk{
		{Message: map[string]any{"text": "a"}},
		{Message: map[string]any{"text": "b", "first_chunk_ms": 120.0, "model_first_ms": 450.0}},
	}
	fx := newFixture(t, &fakeConn{chunks: chunks, failAfter: -1},
		Options{RecordFirstChunk: true, RecordFirstChunkModel: true},
		func(sc *scenario.Scenario) {
			sc.Thresholds.FirstMs = 300
			sc.ServerFirst = pathexpr.MustCompile("[].first_chunk_ms")
			sc.ModelFirst = pathexpr.MustCompile("[].model_first_ms")
		})
	_, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fx.sink.Named("/ASRUser/smoke/first"), "client first chunk only on request")
	server := fx.sink.Named("/ASRUser/smoke/first_chunk")
	require.Len(t, server, 1)
	assert.Equal(t, 120.0, server[0].ElapsedMs)
	assert.NoError(t, server[0].Failure)
	model := fx.sink.Named("/ASRUser/smoke/first_chunk_model")
	require.Len(t, model, 1)
	assert.Error(t, model[0].Failure)
}

func TestExchangeFirstSentence(t *testing.T) {
	chunks := []backend.Chunk{
		{Message: `data:{"choices":[{"delta":{"content":"Hello"}}]}`},
		{Message: `data:{"choices":[{"delta":{"content":" world."}}]}`},
		{Message: `data:{"choices":[{"delta":{"content":" More"}}]}`},
	}
	fx := newFixture(t, &fakeConn{chunks: chunks, delay: time.Millisecond, failAfter: -1}, Options{}, func(sc *scenario.Scenario) {
		sc.FirstSentence = pathexpr.MustCompile("choices[].delta.content")
	})
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)

	fs := fx.sink.Named("/ASRUser/smoke/first_sentence")
	require.Len(t, fs, 1)
	assert.InDelta(t, res.Record.Costs[0]+res.Record.Costs[1], fs[0].ElapsedMs, 1e-9)
}

func TestExchangeFirstSentenceSkipsLaterCountables(t *testing.T) {
	chunks := []backend.Chunk{
		{Message: map[string]any{"audio": "a1"}},
		{Message: map[string]any{"text": "done."}},
		{Message: map[string]any{"audio": "a2"}},
		{Message: map[string]any{"audio": "a3"}},
	}
	fx := newFixture(t, &fakeConn{chunks: chunks, delay: 5 * time.Millisecond, failAfter: -1}, Options{}, func(sc *scenario.Scenario) {
		sc.Countable = pathexpr.MustCompile("audio")
		sc.FirstSentence = pathexpr.MustCompile("text")
	})
	res, err := fx.user.Exchange(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Record.Costs, 3)

	fs := fx.sink.Named("/ASRUser/smoke/first_sentence")
	require.Len(t, fs, 1)
	// the sentence lands between the first and second countable chunk
	assert.Greater(t, fs[0].ElapsedMs, res.Record.Costs[0])
	assert.Less(t, fs[0].ElapsedMs, res.Record.Costs[0]+res.Record.Costs[1])
}

func TestReplayBypassesPool(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(2), failAfter: -1}, Options{}, nil)
	res := fx.user.Replay(context.Background(), cases.Item{Case: cases.Case{"question": "direct"}, Query: "direct"})
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, "direct", fx.conn.lastRequest()["question"])
	assert.Len(t, fx.sink.Named("/ASRUser/smoke/first"), 1)
	assert.Equal(t, fx.pool.Size(), fx.pool.Available())
}

func TestRunStopsBetweenExchanges(t *testing.T) {
	fx := newFixture(t, &fakeConn{chunks: textChunks(1), delay: time.Millisecond, failAfter: -1}, Options{}, nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		fx.user.Run(context.Background(), stop)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(fx.sink.Named("/ASRUser/smoke/first")) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("user did not stop")
	}
	assert.Equal(t, fx.pool.Size(), fx.pool.Available())
	assert.Len(t, readLines(t, fx.log.Path()), len(fx.sink.Named("/ASRUser/smoke/first")))
}

func TestOptionsNormalize(t *testing.T) {
	assert.True(t, Options{}.Normalize().RecordFirst)
	o := Options{RecordFirstChunk: true}.Normalize()
	assert.False(t, o.RecordFirst)
	assert.True(t, o.RecordFirstChunk)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "state(9)", State(9).String())
}
