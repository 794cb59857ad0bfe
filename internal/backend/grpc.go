package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamKind selects the gRPC call shape.
type StreamKind string

const (
	Unary        StreamKind = "unary"
	ServerStream StreamKind = "server_stream"
	ClientStream StreamKind = "client_stream"
	BidiStream   StreamKind = "bidi_stream"
)

const maxMessageSize = 100 * 1024 * 1024

// GRPCOptions configure a gRPC backend. Messages travel as
// google.protobuf.Struct, so any JSON-shaped payload can be sent without
// generated stubs.
type GRPCOptions struct {
	Target      string
	Insecure    bool
	Method      string // full method name, e.g. /svpb.Talk/StreamingTalk
	Kind        StreamKind
	DialOptions []grpc.DialOption
}

// GRPC is a Connection over one shared client channel.
type GRPC struct {
	opts GRPCOptions
	conn *grpc.ClientConn
}

// NewGRPC creates the channel. Dialing is lazy; connection problems surface
// on the first Open.
func NewGRPC(opts GRPCOptions) (*GRPC, error) {
	if opts.Method == "" {
		return nil, errors.New("grpc method is required")
	}
	if opts.Kind == "" {
		opts.Kind = ServerStream
	}
	creds := credentials.NewTLS(&tls.Config{})
	if opts.Insecure {
		creds = insecure.NewCredentials()
	}
	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Target, dial...)
	if err != nil {
		return nil, fmt.Errorf("dial grpc %s: %w", opts.Target, err)
	}
	return &GRPC{opts: opts, conn: conn}, nil
}

func (g *GRPC) Close() error { return g.conn.Close() }

func (g *GRPC) Open(ctx context.Context, reqs Requests) (Stream, error) {
	switch g.opts.Kind {
	case Unary:
		req, _ := first(reqs)
		in, err := structpb.NewStruct(req)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		out := &structpb.Struct{}
		if err := g.conn.Invoke(ctx, g.opts.Method, in, out); err != nil {
			return nil, transportErr("invoke", err)
		}
		return &sliceStream{chunks: []Chunk{structChunk(out)}, err: io.EOF}, nil

	case ServerStream, ClientStream, BidiStream:
		desc := &grpc.StreamDesc{
			StreamName:    g.opts.Method,
			ServerStreams: g.opts.Kind != ClientStream,
			ClientStreams: g.opts.Kind != ServerStream,
		}
		ctx, cancel := context.WithCancel(ctx)
		cs, err := g.conn.NewStream(ctx, desc, g.opts.Method)
		if err != nil {
			cancel()
			return nil, transportErr("open stream", err)
		}
		s := &grpcStream{cs: cs, cancel: cancel, sendErr: make(chan error, 1)}
		if desc.ClientStreams {
			// Requests may be paced, so they are sent while responses are read.
			go s.send(reqs)
		} else {
			s.send(reqs)
			if err := <-s.sendErr; err != nil {
				cancel()
				return nil, err
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown grpc stream kind %q", g.opts.Kind)
}

type grpcStream struct {
	cs      grpc.ClientStream
	cancel  context.CancelFunc
	sendErr chan error
	once    sync.Once
}

func (s *grpcStream) send(reqs Requests) {
	var err error
	for req := range reqs {
		var msg *structpb.Struct
		msg, err = structpb.NewStruct(req)
		if err != nil {
			err = fmt.Errorf("encode request: %w", err)
			break
		}
		if err = s.cs.SendMsg(msg); err != nil {
			// the real cause is reported by RecvMsg
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				err = transportErr("send", err)
			}
			break
		}
	}
	if cerr := s.cs.CloseSend(); err == nil && cerr != nil {
		err = transportErr("close send", cerr)
	}
	s.sendErr <- err
}

func (s *grpcStream) Recv() (Chunk, error) {
	out := &structpb.Struct{}
	if err := s.cs.RecvMsg(out); err != nil {
		if errors.Is(err, io.EOF) {
			select {
			case serr := <-s.sendErr:
				if serr != nil {
					return Chunk{}, serr
				}
			default:
			}
			return Chunk{}, io.EOF
		}
		return Chunk{}, transportErr("recv", err)
	}
	return structChunk(out), nil
}

func (s *grpcStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func structChunk(m *structpb.Struct) Chunk {
	return Chunk{Message: m.AsMap(), Size: proto.Size(m)}
}
