// ABOUTME: gRPC transport: a bidirectional Connect stream carrying JSON envelopes.
// ABOUTME: Handshake values come from stream metadata; the health service shares the server.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/codeboltai/codebolt-router/internal/auth"
	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "codebolt.router.v1.Router"

// ConnectMethod is the full method name of the duplex stream.
const ConnectMethod = "/" + ServiceName + "/Connect"

// Metadata keys read during the handshake.
const (
	MetaRole       = "role"
	MetaID         = "id"
	MetaInstanceID = "instance-id"
	MetaParentID   = "parent-id"
	MetaThreadID   = "thread-id"
	MetaAgentType  = "agent-type"
)

// RouterServer is the service implemented by GRPCServer.
type RouterServer interface {
	Connect(stream grpc.ServerStream) error
}

var routerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RouterServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "codebolt_router",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RouterServer).Connect(stream)
}

// ConnectStreamDesc describes the Connect stream for clients calling
// grpc.ClientConn.NewStream directly.
var ConnectStreamDesc = &grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCServer serves the Connect stream and the standard health service.
type GRPCServer struct {
	hub    *Hub
	server *grpc.Server
	health *health.Server
}

// NewGRPCServer creates the gRPC transport. authn, when set, authenticates
// every stream except health checks.
func NewGRPCServer(hub *Hub, authn *auth.Authenticator) *GRPCServer {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(hub.cfg.MaxMessageBytes)),
		grpc.MaxSendMsgSize(int(hub.cfg.MaxMessageBytes)),
	}
	if authn != nil {
		opts = append(opts, grpc.StreamInterceptor(authn.StreamInterceptor()))
	}

	s := &GRPCServer{
		hub:    hub,
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	s.server.RegisterService(&routerServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks the service not serving and stops gracefully until ctx is done.
func (s *GRPCServer) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}

// Connect serves one peer for the life of the stream.
func (s *GRPCServer) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()

	role, err := parseHandshakeRole(auth.MetadataValue(ctx, MetaRole))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	hs := Handshake{
		Role:       role,
		ID:         auth.MetadataValue(ctx, MetaID),
		InstanceID: auth.MetadataValue(ctx, MetaInstanceID),
		ParentID:   auth.MetadataValue(ctx, MetaParentID),
		ThreadID:   auth.MetadataValue(ctx, MetaThreadID),
		AgentType:  auth.MetadataValue(ctx, MetaAgentType),
		Token:      auth.BearerToken(auth.MetadataValue(ctx, "authorization")),
	}
	if auth.FromContext(ctx) == nil {
		if _, err := s.hub.authenticate(&hs); err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
	}

	c, err := s.hub.attach(hs, &grpcSender{stream: stream})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			return status.Error(codes.AlreadyExists, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	defer s.hub.detach(ctx, c)

	limiter := s.hub.newLimiter()
	for {
		var f Frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			s.hub.logger.Info("grpc receive failed", "id", c.ID, "error", err)
			return err
		}
		if err := s.hub.receive(ctx, c, limiter, f.Data); err != nil {
			return status.FromContextError(err).Err()
		}
	}
}

// grpcSender serializes SendMsg, which is not safe for concurrent use.
type grpcSender struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (s *grpcSender) Send(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(&Frame{Data: data})
}
