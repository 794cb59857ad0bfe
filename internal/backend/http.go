package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const httpReadSize = 10240

// HTTPOptions configure a streaming HTTP backend.
type HTTPOptions struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
}

// HTTP posts the request as JSON and streams the response body, one chunk
// per read.
type HTTP struct {
	opts   HTTPOptions
	client *http.Client
}

// NewHTTP builds a client tuned for many concurrent long-lived streams.
func NewHTTP(opts HTTPOptions) *HTTP {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxConnsPerHost = 2000
	t.MaxIdleConnsPerHost = 2000
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	return &HTTP{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout, Transport: t},
	}
}

func (h *HTTP) Open(ctx context.Context, reqs Requests) (Stream, error) {
	body, _ := first(reqs)
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(h.opts.Method), h.opts.URL, bytes.NewReader(b))
	if err != nil {
		return nil, transportErr("build request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range h.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, transportErr("send", err)
	}
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, transportErr("status", fmt.Errorf("%d %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	return &httpStream{body: resp.Body, buf: make([]byte, httpReadSize)}, nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

type httpStream struct {
	body    io.ReadCloser
	buf     []byte
	pending []byte // trailing bytes of an incomplete UTF-8 sequence
}

func (s *httpStream) Recv() (Chunk, error) {
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			data := append(s.pending, s.buf[:n]...)
			cut := validPrefix(data)
			s.pending = append([]byte(nil), data[cut:]...)
			return Chunk{Message: string(data[:cut]), Size: n}, nil
		}
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, transportErr("read", err)
		}
	}
}

func (s *httpStream) Close() error { return s.body.Close() }

// validPrefix returns the length of data without a trailing partial rune.
func validPrefix(data []byte) int {
	for back := 0; back < utf8.UTFMax && back < len(data); back++ {
		i := len(data) - back
		if utf8.Valid(data[:i]) {
			return i
		}
	}
	return len(data)
}
