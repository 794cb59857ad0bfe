// Package user drives one simulated client session: it pulls cases, runs
// exchanges against the scenario's backend, measures them and reports.
package user

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"streamq/internal/cases"
	"streamq/internal/events"
	"streamq/internal/exchange"
	"streamq/internal/measure"
	"streamq/internal/pathexpr"
	"streamq/internal/payload"
	"streamq/internal/scenario"
)

// State is where a user is within one exchange.
type State int

const (
	Idle State = iota
	Prepared
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prepared:
		return "prepared"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event name suffixes.
const (
	DimFirst           = "first"
	DimAll             = "all"
	DimNone            = "none"
	DimError           = "error"
	DimFirstChunk      = "first_chunk"
	DimFirstChunkModel = "first_chunk_model"
	DimFirstSentence   = "first_sentence"

	receiveKind = "Receive"
)

// Options select what a user reports.
type Options struct {
	Question              string // overrides the query derived from each case
	RecordFirst           bool
	RecordFirstChunk      bool
	RecordFirstChunkModel bool
}

// Normalize enables client first-chunk recording when nothing is selected.
func (o Options) Normalize() Options {
	if !o.RecordFirst && !o.RecordFirstChunk && !o.RecordFirstChunkModel {
		o.RecordFirst = true
	}
	return o
}

// Result is the outcome of one exchange.
type Result struct {
	State   State
	Record  exchange.Record
	Verdict measure.Verdict
	Err     error // transport or preparation fault, nil when Completed
}

// User is one virtual user. A User is not safe for concurrent use; the
// runner gives each one its own goroutine.
type User struct {
	ID      int
	Session string

	sc     *scenario.Scenario
	pool   *cases.Pool
	sink   events.Sink
	log    *exchange.SessionLog
	logger *zap.Logger
	opts   Options
	rnd    *rand.Rand
	state  State
}

// Deps are the shared collaborators of every user in a run.
type Deps struct {
	Scenario *scenario.Scenario
	Pool     *cases.Pool
	Sink     events.Sink
	Logger   *zap.Logger
}

func New(id int, session string, d Deps, log *exchange.SessionLog, opts Options) *User {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &User{
		ID:      id,
		Session: session,
		sc:      d.Scenario,
		pool:    d.Pool,
		sink:    d.Sink,
		log:     log,
		logger:  logger.With(zap.Int("user", id)),
		opts:    opts.Normalize(),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		state:   Idle,
	}
}

// State is the state the last exchange ended in.
func (u *User) State() State { return u.state }

// Run repeats exchanges until stop is closed or ctx is done. Closing stop
// lets the exchange in flight finish; cancelling ctx aborts it.
func (u *User) Run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := u.exchange(ctx, stop); err != nil {
			if ctx.Err() == nil && !closed(stop) {
				u.logger.Warn("exchange skipped", zap.Error(err))
			}
			return
		}

		if u.sc.ThinkTime > 0 {
			select {
			case <-time.After(u.sc.ThinkTime):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Exchange runs one full exchange. The returned error is set only when no
// case could be taken from the pool; every other fault is part of the Result.
func (u *User) Exchange(ctx context.Context) (Result, error) {
	return u.exchange(ctx, nil)
}

func (u *User) exchange(ctx context.Context, stop <-chan struct{}) (Result, error) {
	u.state = Idle
	item, err := u.take(ctx, stop)
	if err != nil {
		return Result{State: Idle}, fmt.Errorf("get case: %w", err)
	}
	defer func() {
		if err := u.pool.Put(item); err != nil {
			u.logger.Error("return case", zap.Error(err))
		}
	}()
	return u.Replay(ctx, item), nil
}

// Replay runs one exchange for item without touching the pool.
func (u *User) Replay(ctx context.Context, item cases.Item) Result {
	traceID := u.sc.NewTraceID()
	p := u.prepare(item, traceID)
	u.state = Prepared

	rec := measure.NewRecorder()
	responses, size, fault := u.stream(ctx, p, rec)

	res := Result{State: Completed, Verdict: u.sc.Thresholds.Check(rec), Err: fault}
	if fault != nil {
		res.State = Failed
	}

	var answers []any
	if u.sc.Answer != nil {
		answers = u.sc.Answer.Evaluate(responses)
	}
	res.Record = exchange.NewRecord(traceID, rec.Start(), rec.Costs(), responses, p, answers)
	if fault != nil {
		res.Record = res.Record.WithError(fault.Error())
	}

	u.report(rec, res, responses, size)
	u.write(res)
	u.state = res.State
	return res
}

// take waits for a case. A stop while waiting gives up; once a case is held
// the exchange runs to the end.
func (u *User) take(ctx context.Context, stop <-chan struct{}) (cases.Item, error) {
	if stop == nil {
		return u.pool.Get(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return u.pool.Get(ctx)
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (u *User) prepare(item cases.Item, traceID string) map[string]any {
	question := item.Query
	if u.opts.Question != "" {
		question = u.opts.Question
	}
	sub := payload.Substitution{Question: question, TraceID: traceID}
	if u.sc.UseSession {
		sub.Session = u.Session
	}

	p := payload.Clone(u.sc.Template)
	sub.Apply(p)
	if u.sc.UseVoices {
		payload.SelectVoices(p, u.sc.Voices).ApplyVoice(p, u.rnd)
	}
	return p
}

// stream opens the exchange and drains it. Chunks already received are kept
// when a fault cuts the stream short.
func (u *User) stream(ctx context.Context, p map[string]any, rec *measure.Recorder) (responses []any, size int, fault error) {
	if u.sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.sc.Timeout)
		defer cancel()
	}

	reqs, err := u.sc.Requests(p)
	if err != nil {
		return nil, 0, fmt.Errorf("prepare requests: %w", err)
	}

	st, err := u.sc.Conn.Open(ctx, reqs)
	if err != nil {
		return nil, 0, err
	}
	defer st.Close()
	u.state = Streaming

	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return responses, size, nil
		}
		if err != nil {
			return responses, size, err
		}
		rec.Chunk(u.sc.IsCountable(chunk))
		responses = append(responses, chunk.Message)
		size += chunk.Size
	}
}

func (u *User) fire(kind, dim string, rec *measure.Recorder, responses []any, length int, failure error, elapsed float64) {
	u.sink.Fire(events.Event{
		Kind:           kind,
		Name:           u.sc.EventName(dim),
		Start:          rec.Start(),
		Response:       responses,
		ResponseLength: length,
		Failure:        failure,
		ElapsedMs:      elapsed,
	})
}

func (u *User) report(rec *measure.Recorder, res Result, responses []any, size int) {
	kind := u.sc.Method
	v := res.Verdict

	if u.sc.SourceEvent && u.sc.Source != nil {
		sources := u.sc.Source.Evaluate(responses)
		last := "None"
		if len(sources) > 0 {
			last = pathexpr.Stringify(sources[len(sources)-1])
		}
		u.sink.Fire(events.Event{
			Kind:           receiveKind,
			Name:           "source/" + last,
			Start:          rec.Start(),
			Response:       responses,
			ResponseLength: len(sources),
			ElapsedMs:      rec.First(),
		})
	}

	if res.Err != nil {
		u.fire(kind, DimError, rec, responses, size, res.Err, rec.Total())
		u.logger.Debug("exchange failed", zap.String("trace_id", res.Record.TraceID), zap.Error(res.Err))
	}
	if v.NoResponse {
		if res.Err == nil {
			u.fire(kind, DimNone, rec, responses, size, measure.ErrNoResponse, 0)
		}
		return
	}

	if u.opts.RecordFirst {
		u.fire(kind, DimFirst, rec, responses, size, v.FirstFailure(), rec.First())
	}
	if u.sc.RecordAll && res.Err == nil {
		u.fire(kind, DimAll, rec, responses, size, v.TotalFailure(), rec.Total())
	}
	if u.opts.RecordFirstChunk {
		u.reported(kind, DimFirstChunk, u.sc.ServerFirst, rec, responses, size)
	}
	if u.opts.RecordFirstChunkModel {
		u.reported(kind, DimFirstChunkModel, u.sc.ModelFirst, rec, responses, size)
	}
	if u.sc.FirstSentence != nil {
		texts := make([]string, len(responses))
		for i, r := range responses {
			texts[i] = pathexpr.Stringify(r)
		}
		cost := measure.FirstSentenceCost(texts, rec.Arrivals(), u.sc.FirstSentence)
		u.fire(kind, DimFirstSentence, rec, responses, size, nil, cost)
	}
}

// reported fires a first-chunk event whose latency the backend put into its
// own responses.
func (u *User) reported(kind, dim string, expr *pathexpr.Expr, rec *measure.Recorder, responses []any, size int) {
	if expr == nil {
		return
	}
	for _, m := range expr.Evaluate(responses) {
		ms, ok := m.(float64)
		if !ok {
			continue
		}
		var failure error
		if ms >= u.sc.Thresholds.FirstMs {
			failure = &measure.Violation{Dimension: measure.DimFirst, ValueMs: ms, CeilingMs: u.sc.Thresholds.FirstMs}
		}
		u.fire(kind, dim, rec, responses, size, failure, ms)
		return
	}
	u.logger.Debug("reported first chunk missing", zap.String("dimension", dim), zap.String("expression", expr.String()))
}

func (u *User) write(res Result) {
	if u.log == nil {
		return
	}
	if err := u.log.Write(res.Record); err != nil {
		u.logger.Error("write exchange log", zap.Error(err))
	}
	if res.Verdict.Total != nil {
		if err := u.log.WriteError(res.Record.TimeoutCopy()); err != nil {
			u.logger.Error("write error log", zap.Error(err))
		}
	}
}
