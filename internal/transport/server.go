package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	grpcproxy "github.com/siderolabs/grpc-proxy/proxy"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// Server is a gRPC server with a context-bound lifecycle.
type Server struct {
	grpc *grpc.Server
	log  *slog.Logger
}

type serverConfig struct {
	director grpcproxy.StreamDirector
}

type ServerOption func(*serverConfig)

// WithDirector proxies calls to services the server does not implement
// through director.
func WithDirector(director grpcproxy.StreamDirector) ServerOption {
	return func(c *serverConfig) { c.director = director }
}

func NewServer(opts ...ServerOption) *Server {
	var cfg serverConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if cfg.director != nil {
		grpcOpts = append(grpcOpts,
			grpc.ForceServerCodecV2(grpcproxy.Codec()),
			grpc.UnknownServiceHandler(grpcproxy.TransparentHandler(cfg.director)),
		)
	}
	return &Server{
		grpc: grpc.NewServer(grpcOpts...),
		log:  slog.With("component", "transport-server"),
	}
}

// Registrar is where services are registered before serving.
func (s *Server) Registrar() grpc.ServiceRegistrar { return s.grpc }

// Serve accepts calls on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	log := s.log.With("addr", lis.Addr().String())
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.grpc.Serve(lis) }()
	log.Info("listening")

	select {
	case <-ctx.Done():
		log.Info("shutting down listener")
		s.grpc.GracefulStop()
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		log.Error("listener exited", "err", err)
		return err
	}
}

// ListenAndServe listens on the TCP address addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Stop stops the server immediately.
func (s *Server) Stop() { s.grpc.Stop() }
