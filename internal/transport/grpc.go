// ABOUTME: gRPC carrier: one bidirectional stream of protobuf Structs per session.
// ABOUTME: The service descriptor is written by hand, so no generated code is needed.

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-agentd/internal/auth"
	"github.com/2389/coven-agentd/internal/message"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "coven.agentd.v1.Control"

const sessionMethod = "/" + ServiceName + "/Session"

// ServerStream is the controller's end of a session.
type ServerStream interface {
	Stream
	Context() context.Context
}

// ControlServer is implemented by controllers.
type ControlServer interface {
	Session(stream ServerStream) error
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "coven/agentd/v1/control.proto",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlServer).Session(&grpcServerStream{ServerStream: stream})
}

// RegisterControlServer attaches srv to a gRPC server.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// NewServer builds a gRPC server with the keepalive policy agents expect
// and the given authenticator in front of every stream.
func NewServer(a *auth.Authenticator, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if a != nil {
		base = append(base, grpc.ChainStreamInterceptor(auth.StreamInterceptor(a, logger)))
	}
	return grpc.NewServer(append(base, opts...)...)
}

type grpcServerStream struct {
	grpc.ServerStream
	mu sync.Mutex
}

func (s *grpcServerStream) Send(doc *message.Doc) error {
	st, err := message.ToStruct(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SendMsg(st)
}

func (s *grpcServerStream) Recv() (map[string]any, error) {
	st := new(structpb.Struct)
	if err := s.RecvMsg(st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

// Close is a no-op; the session ends when the handler returns.
func (s *grpcServerStream) Close() error { return nil }

// GRPC dials a controller's Control service.
type GRPC struct {
	Target      string
	TLS         bool
	Credentials auth.Credentials
	DialOptions []grpc.DialOption
}

func (g *GRPC) Dial(ctx context.Context) (Stream, error) {
	creds := insecure.NewCredentials()
	if g.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if g.Credentials != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.PerRPC(g.Credentials, g.TLS)))
	}
	opts = append(opts, g.DialOptions...)

	conn, err := grpc.NewClient(g.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", g.Target, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(sctx, &controlServiceDesc.Streams[0], sessionMethod)
	if err != nil {
		cancel()
		conn.Close()
		if status.Code(err) == codes.Unauthenticated {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("opening session: %w", err)
	}
	return &grpcClientStream{conn: conn, cs: cs, cancel: cancel}, nil
}

type grpcClientStream struct {
	conn   *grpc.ClientConn
	cs     grpc.ClientStream
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *grpcClientStream) Send(doc *message.Doc) error {
	st, err := message.ToStruct(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	return s.cs.SendMsg(st)
}

func (s *grpcClientStream) Recv() (map[string]any, error) {
	st := new(structpb.Struct)
	if err := s.cs.RecvMsg(st); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	return st.AsMap(), nil
}

func (s *grpcClientStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.cs.CloseSend()
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close()
}
