package scenario

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"streamq/internal/backend"
	"streamq/internal/cases"
	"streamq/internal/ids"
	"streamq/internal/measure"
	"streamq/internal/pathexpr"
	"streamq/internal/payload"
	"streamq/internal/shape"
)

// Kind selects the service a scenario exercises.
type Kind string

const (
	HTTPStream Kind = "http_stream"
	GRPCASR    Kind = "grpc_asr"
	GRPCTTS    Kind = "grpc_tts"
	GRPCTalk   Kind = "grpc_talk"
	WSStream   Kind = "ws_stream"
)

func (k Kind) IsGRPC() bool {
	return k == GRPCASR || k == GRPCTTS || k == GRPCTalk
}

// variant is the fixed behavior of one kind.
type variant struct {
	call        backend.StreamKind
	traceID     func() string
	session     bool
	voices      bool
	sourceEvent bool
	countable   string
	source      string
	answer      string
}

var variants = map[Kind]variant{
	HTTPStream: {traceID: ids.TraceID},
	WSStream:   {traceID: ids.TraceID},
	GRPCASR:    {call: backend.BidiStream, traceID: ids.TraceID},
	GRPCTTS: {
		call:      backend.ServerStream,
		traceID:   ids.HexTraceID,
		voices:    true,
		countable: "body.speech",
	},
	GRPCTalk: {
		call:        backend.BidiStream,
		traceID:     ids.TraceID,
		session:     true,
		sourceEvent: true,
		source:      "[].source",
		answer:      "[].tts.text",
	},
}

// Scenario is a resolved configuration: every collaborator a virtual user
// needs, built once before the run starts.
type Scenario struct {
	Kind   Kind
	Title  string
	Parent string
	Method string // event kind, e.g. GRPC or POST

	Conn       backend.Connection
	Cases      []cases.Case
	Query      []*pathexpr.Expr
	Thresholds measure.Thresholds
	RecordAll  bool
	Template   map[string]any

	TraceID     func() string
	UseSession  bool
	UseVoices   bool
	Voices      map[string]payload.VoiceOptions
	SourceEvent bool

	// Countable marks chunks that carry a latency. Nil counts every chunk.
	Countable     *pathexpr.Expr
	Source        *pathexpr.Expr
	Answer        *pathexpr.Expr
	ServerFirst   *pathexpr.Expr
	ModelFirst    *pathexpr.Expr
	FirstSentence *pathexpr.Expr

	AudioField    string
	AudioDir      string // relative audio paths are resolved against it
	FrameSize     int
	FrameInterval time.Duration

	Timeout   time.Duration
	ThinkTime time.Duration
	Shape     shape.Shape
}

// EventName is the measurement event name for one dimension.
func (s *Scenario) EventName(dim string) string {
	return fmt.Sprintf("/%s/%s/%s", s.Parent, s.Title, dim)
}

// IsCountable applies the countable predicate to a chunk.
func (s *Scenario) IsCountable(c backend.Chunk) bool {
	if s.Countable == nil {
		return true
	}
	return backend.IsTruthy(s.Countable.Evaluate(c.Message))
}

// Requests turns a prepared payload into the request side of an exchange.
// Recognition payloads naming an audio file are sent as paced frames.
func (s *Scenario) Requests(p map[string]any) (backend.Requests, error) {
	if s.Kind == GRPCASR && s.AudioField != "" {
		if path, ok := p[s.AudioField].(string); ok && path != "" && !filepath.IsAbs(path) && s.AudioDir != "" {
			p[s.AudioField] = filepath.Join(s.AudioDir, path)
		}
		return backend.AudioFrames(p, s.AudioField, s.FrameSize, s.FrameInterval)
	}
	return backend.Single(p), nil
}

// NewTraceID returns a fresh trace id in the format of this kind.
func (s *Scenario) NewTraceID() string {
	if s.TraceID == nil {
		return ids.TraceID()
	}
	return s.TraceID()
}

func (s *Scenario) Close() error {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// Pool builds a fresh case pool over the scenario's cases.
func (s *Scenario) Pool(rnd *rand.Rand) *cases.Pool {
	return cases.NewPool(s.Cases, s.Query, rnd)
}

// Resolve validates cfg, loads its cases and opens the backend connection.
func Resolve(cfg *Config, logger *zap.Logger) (*Scenario, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := variants[cfg.Kind]

	s := &Scenario{
		Kind:          cfg.Kind,
		Title:         cfg.Title,
		Parent:        cfg.Parent,
		Method:        cfg.Method,
		Thresholds:    measure.Thresholds{FirstMs: cfg.FirstLine, TotalMs: cfg.AllLine},
		RecordAll:     cfg.RecordAll,
		Template:      cfg.RequestPayload,
		TraceID:       v.traceID,
		UseSession:    v.session,
		UseVoices:     v.voices,
		Voices:        cfg.VoiceOptions,
		SourceEvent:   v.sourceEvent,
		AudioField:    cfg.AudioField,
		AudioDir:      cfg.dir,
		FrameSize:     cfg.FrameSize,
		FrameInterval: time.Duration(cfg.FrameIntervalMs) * time.Millisecond,
		Timeout:       time.Duration(cfg.TimeoutSec) * time.Second,
		ThinkTime:     time.Duration(cfg.ThinkTimeMs) * time.Millisecond,
	}

	var err error
	for _, e := range cfg.JSONPathExpression {
		c, err := pathexpr.Compile(e)
		if err != nil {
			return nil, invalid("jsonpath_expression: %v", err)
		}
		s.Query = append(s.Query, c)
	}

	exprs := []struct {
		dst      **pathexpr.Expr
		name     string
		value    string
		fallback string
	}{
		{&s.Countable, "countable_expression", cfg.CountableExpression, v.countable},
		{&s.Source, "source_expression", cfg.SourceExpression, v.source},
		{&s.Answer, "answer_expression", cfg.AnswerExpression, v.answer},
		{&s.ServerFirst, "server_first_chunk_expression", cfg.ServerFirstChunkExpression, ""},
		{&s.ModelFirst, "model_first_chunk_expression", cfg.ModelFirstChunkExpression, ""},
		{&s.FirstSentence, "first_sentence_expression", cfg.FirstSentenceExpression, ""},
	}
	for _, e := range exprs {
		text := e.value
		if text == "" {
			text = e.fallback
		}
		if text == "" {
			continue
		}
		if *e.dst, err = pathexpr.Compile(text); err != nil {
			return nil, invalid("%s: %v", e.name, err)
		}
	}

	if s.Shape, err = shape.New(cfg.Shape); err != nil {
		return nil, invalid("shape: %v", err)
	}

	if len(cfg.TestCaseList) > 0 {
		for _, c := range cfg.TestCaseList {
			s.Cases = append(s.Cases, cases.Case(c))
		}
	} else if s.Cases, err = cases.Load(cfg.Resolve(cfg.TestCaseFile), cfg.SheetName); err != nil {
		return nil, invalid("test cases: %v", err)
	}
	if len(s.Cases) == 0 {
		return nil, invalid("no test cases in %s", cfg.TestCaseFile)
	}

	if s.Conn, err = connect(cfg, v, s); err != nil {
		return nil, err
	}
	logger.Info("scenario resolved",
		zap.String("kind", string(s.Kind)),
		zap.String("name", s.EventName("*")),
		zap.String("host", cfg.Host),
		zap.Int("cases", len(s.Cases)),
		zap.Duration("duration", s.Shape.Duration()),
	)
	return s, nil
}

func connect(cfg *Config, v variant, s *Scenario) (backend.Connection, error) {
	switch {
	case cfg.Kind.IsGRPC():
		call := v.call
		if cfg.CallType != "" {
			call = backend.StreamKind(cfg.CallType)
		}
		conn, err := backend.NewGRPC(backend.GRPCOptions{
			Target:   cfg.Host,
			Insecure: cfg.Insecure,
			Method:   cfg.RPC,
			Kind:     call,
		})
		if err != nil {
			return nil, invalid("%v", err)
		}
		return conn, nil

	case cfg.Kind == WSStream:
		var end *pathexpr.Expr
		if cfg.EndExpression != "" {
			var err error
			if end, err = pathexpr.Compile(cfg.EndExpression); err != nil {
				return nil, invalid("end_expression: %v", err)
			}
		}
		return backend.NewWebSocket(backend.WebSocketOptions{
			URL:     cfg.Host,
			Headers: cfg.RequestHeaders,
			End:     end,
			Timeout: s.Timeout,
		}), nil
	}

	method := "POST"
	if m := cfg.Method; m != "" && m != "GRPC" {
		method = m
	}
	return backend.NewHTTP(backend.HTTPOptions{
		URL:     cfg.Host,
		Method:  method,
		Headers: cfg.RequestHeaders,
		Timeout: s.Timeout,
	}), nil
}
