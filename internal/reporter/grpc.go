package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubeadapt/node-reporter/internal/export"
)

// maxRecvMsgSize bounds a single OTLP export request.
const maxRecvMsgSize = 16 << 20

// GRPCServer serves OTLP metric export and the standard gRPC health service.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
	logger *slog.Logger
}

// NewGRPCServer creates a server on port. The OTLP service is registered
// only when receiver is non-nil. Pass port=0 to let the OS pick a port.
func NewGRPCServer(port int, receiver *export.Receiver, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &GRPCServer{
		server: grpc.NewServer(grpc.MaxRecvMsgSize(maxRecvMsgSize)),
		health: health.NewServer(),
		addr:   fmt.Sprintf(":%d", port),
		logger: logger.With("component", "reporter.grpc"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	if receiver != nil {
		pmetricotlp.RegisterGRPCServer(s.server, receiver)
	}
	return s
}

// Start listens and serves in a background goroutine.
func (s *GRPCServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc server listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln in a background goroutine.
func (s *GRPCServer) Serve(ln net.Listener) error {
	s.addr = ln.Addr().String()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("grpc server exited", "error", err)
		}
	}()
	s.logger.Info("grpc server listening", "addr", s.addr)
	return nil
}

// Addr returns the listen address.
func (s *GRPCServer) Addr() string {
	return s.addr
}

// Stop gracefully stops the server, forcing it closed when ctx expires.
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
