package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"streamq/internal/pathexpr"
)

// WebSocketOptions configure a WebSocket backend. The server may close the
// socket to end a response, or End may name a field that marks the last
// message (for example "is_final").
type WebSocketOptions struct {
	URL     string
	Headers map[string]string
	End     *pathexpr.Expr
	Timeout time.Duration
}

// WebSocket dials one socket per exchange and writes every request as a
// JSON text message.
type WebSocket struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
}

func NewWebSocket(opts WebSocketOptions) *WebSocket {
	d := *websocket.DefaultDialer
	if opts.Timeout > 0 {
		d.HandshakeTimeout = opts.Timeout
	}
	return &WebSocket{opts: opts, dialer: &d}
}

func (w *WebSocket) Open(ctx context.Context, reqs Requests) (Stream, error) {
	h := http.Header{}
	for k, v := range w.opts.Headers {
		h.Set(k, v)
	}
	conn, _, err := w.dialer.DialContext(ctx, w.opts.URL, h)
	if err != nil {
		return nil, transportErr("dial", err)
	}
	for req := range reqs {
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			return nil, transportErr("write", err)
		}
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else if w.opts.Timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(w.opts.Timeout))
	}
	return &wsStream{conn: conn, end: w.opts.End}, nil
}

func (w *WebSocket) Close() error { return nil }

type wsStream struct {
	conn *websocket.Conn
	end  *pathexpr.Expr
	done bool
}

func (s *wsStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
			s.done = true
			return Chunk{}, io.EOF
		}
		return Chunk{}, transportErr("read", err)
	}

	var msg any
	if err := json.Unmarshal(data, &msg); err != nil {
		msg = string(data)
	}
	if s.end != nil && IsTruthy(s.end.Evaluate(msg)) {
		s.done = true
	}
	return Chunk{Message: msg, Size: len(data)}, nil
}

func (s *wsStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// IsTruthy reports whether any match is a non-empty, non-false value. It is
// also the countable test for chunks such as synthesized audio.
func IsTruthy(matches []any) bool {
	for _, m := range matches {
		switch v := m.(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if v != "" && v != "false" {
				return true
			}
		case float64:
			if v != 0 {
				return true
			}
		default:
			return true
		}
	}
	return false
}
