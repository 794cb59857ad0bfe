// Package backend holds the transport side of an exchange: open a channel,
// send the request (or request sequence) and hand back a lazy sequence of
// response chunks.
package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ErrTransport wraps every connection-level failure, whether it happens while
// opening an exchange or in the middle of reading it.
var ErrTransport = errors.New("transport fault")

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// Chunk is one discrete unit of a streamed response.
type Chunk struct {
	// Message is the decoded form: map[string]any for structured backends,
	// string for text streams.
	Message any
	// Size is the number of payload bytes the chunk carried on the wire.
	Size int
}

// Stream is a lazily consumed response. Recv returns io.EOF once the
// response is exhausted; any other error is a transport fault.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Requests is the request side of an exchange: a single message for unary
// and server-streaming calls, several for client and bidirectional streams.
type Requests = iter.Seq[map[string]any]

// Single wraps one request.
func Single(req map[string]any) Requests {
	return func(yield func(map[string]any) bool) {
		yield(req)
	}
}

// Connection opens exchanges against one backend. Implementations are safe
// for concurrent use by many virtual users.
type Connection interface {
	Open(ctx context.Context, reqs Requests) (Stream, error)
	Close() error
}

func first(reqs Requests) (map[string]any, bool) {
	for r := range reqs {
		return r, true
	}
	return nil, false
}

// sliceStream replays already received chunks.
type sliceStream struct {
	chunks []Chunk
	err    error
}

func (s *sliceStream) Recv() (Chunk, error) {
	if len(s.chunks) == 0 {
		return Chunk{}, s.err
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error { return nil }
