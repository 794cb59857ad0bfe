// Package dummy is a local streaming backend for trying scenarios without a
// real speech service. It answers every kind streamq can drive.
package dummy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const answer = "Hello, this is the streamq dummy backend. It streams one word at a time! Is that fast enough?"

type ServerConfig struct {
	HTTPPort int
	GRPCPort int
	// Delay is the mean pause between chunks; each pause is jittered by ±50%.
	Delay  time.Duration
	Logger *zap.Logger
}

type Server struct {
	cfg      ServerConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
	grpc     *grpc.Server
}

func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.grpc = grpc.NewServer(grpc.UnknownServiceHandler(s.handleGRPC))
	return s
}

// Handler serves the HTTP and WebSocket endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWS)

	// Error Endpoint (Random failures)
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		rnd := rand.Float32()
		if rnd < 0.2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 Internal Server Error"))
		} else if rnd < 0.4 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("429 Too Many Requests"))
		} else {
			s.handleStream(w, r)
		}
	})
	return mux
}

// GRPC is the server behind every gRPC method name.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Start listens on both ports and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.GRPCPort))
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	srv := &http.Server{Handler: s.Handler()}
	errc := make(chan error, 2)
	go func() {
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		if err := s.grpc.Serve(grpcLis); err != nil {
			errc <- fmt.Errorf("serve grpc: %w", err)
		}
	}()

	s.logger.Info("dummy backend running",
		zap.String("http", httpLis.Addr().String()),
		zap.String("grpc", grpcLis.Addr().String()),
	)

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	s.grpc.GracefulStop()
	return err
}

func (s *Server) pause() {
	if s.cfg.Delay <= 0 {
		return
	}
	half := int64(s.cfg.Delay) / 2
	time.Sleep(time.Duration(half + rand.Int63n(2*half+1)))
}

func words() []string { return strings.Fields(answer) }

// question picks the text a request asks about.
func question(req map[string]any) string {
	for _, k := range []string{"question", "query", "text"} {
		if v, ok := req[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// handleStream answers with server-sent events, one word per event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	for _, word := range words() {
		s.pause()
		if _, err := fmt.Fprintf(w, "data: %s\n\n", word); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.logger.Debug("http stream done", zap.String("question", question(req)))
}

// handleWS reads the first request, then streams the answer as JSON frames.
// The last frame carries is_final.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	var req map[string]any
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	// audio frames may keep coming; nobody listens to them
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ws := words()
	for i, word := range ws {
		s.pause()
		msg := map[string]any{"text": word, "seq": i, "is_final": i == len(ws)-1}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// handleGRPC serves any method with google.protobuf.Struct messages. Methods
// whose name contains TTS synthesize, Talk answers with sources, and
// everything else behaves like recognition: one partial per request message
// and a final result when the client closes its side.
func (s *Server) handleGRPC(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	start := time.Now()

	var reqs []map[string]any
	recognize := !strings.Contains(method, "TTS") && !strings.Contains(method, "Talk")
	for {
		in := &structpb.Struct{}
		err := stream.RecvMsg(in)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		reqs = append(reqs, in.AsMap())
		if recognize {
			if err := s.send(stream, map[string]any{
				"text":     fmt.Sprintf("partial %d", len(reqs)),
				"is_final": false,
			}); err != nil {
				return err
			}
		}
	}

	var q string
	if len(reqs) > 0 {
		q = question(reqs[0])
	}
	s.logger.Debug("grpc call", zap.String("method", method), zap.Int("requests", len(reqs)))

	switch {
	case recognize:
		return s.send(stream, map[string]any{"text": fmt.Sprintf("recognized %d frames", len(reqs)), "is_final": true})
	case strings.Contains(method, "TTS"):
		return s.synthesize(stream, q, start)
	default:
		return s.talk(stream, q, start)
	}
}

func (s *Server) synthesize(stream grpc.ServerStream, text string, start time.Time) error {
	if text == "" {
		text = answer
	}
	for i, word := range strings.Fields(text) {
		s.pause()
		msg := map[string]any{
			"status": "ok",
			"body":   map[string]any{"speech": base64.StdEncoding.EncodeToString([]byte(word)), "seq": i},
		}
		if i == 0 {
			msg["latency"] = firstChunk(start)
		}
		if err := s.send(stream, msg); err != nil {
			return err
		}
	}
	// the closing message carries no audio
	return s.send(stream, map[string]any{"status": "end", "body": map[string]any{"speech": ""}})
}

func (s *Server) talk(stream grpc.ServerStream, q string, start time.Time) error {
	source := "chitchat"
	if strings.HasSuffix(strings.TrimSpace(q), "?") {
		source = "knowledge"
	}
	for i, word := range words() {
		s.pause()
		msg := map[string]any{"source": source, "tts": map[string]any{"text": word}}
		if i == 0 {
			msg["latency"] = firstChunk(start)
		}
		if err := s.send(stream, msg); err != nil {
			return err
		}
	}
	return nil
}

// firstChunk is the latency block a real service reports with its first
// chunk; the model is assumed to take most of it.
func firstChunk(start time.Time) map[string]any {
	ms := float64(time.Since(start).Microseconds()) / 1000
	return map[string]any{"first_chunk_ms": ms, "model_first_chunk_ms": ms * 0.8}
}

func (s *Server) send(stream grpc.ServerStream, msg map[string]any) error {
	out, err := structpb.NewStruct(msg)
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}
