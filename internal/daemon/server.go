package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chatindex"
	"github.com/matheus3301/chatmirror/internal/session"
	"github.com/matheus3301/chatmirror/internal/status"
)

// ServiceName is the health service reported by the daemon. The empty
// service name reports the same status.
const ServiceName = "chatmirror.Archive"

// probeInterval is how often the store is pinged between status changes.
const probeInterval = 30 * time.Second

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	machine    *status.Machine
	index      *chatindex.Index
	bus        *bus.Bus
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	last   healthpb.HealthCheckResponse_ServingStatus
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	index *chatindex.Index,
	b *bus.Bus,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		machine:    machine,
		index:      index,
		bus:        b,
		logger:     logger,
	}, nil
}

// Watch keeps the health status in line with the daemon state and store
// reachability until Stop.
func (s *Server) Watch(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	changes, unsubscribe := s.bus.Subscribe(bus.KindStatusChanged, 8)

	go func() {
		defer close(s.done)
		defer unsubscribe()
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()

		s.refresh(ctx)
		for {
			select {
			case <-changes:
				s.refresh(ctx)
			case <-ticker.C:
				s.refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// refresh reports SERVING while the daemon runs and the store answers.
func (s *Server) refresh(ctx context.Context) {
	serving := s.machine.Serving()
	if serving {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		serving = s.index.CanAccessStore(pingCtx)
		cancel()
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	if st != s.last {
		snap := s.machine.Snapshot()
		s.logger.Info("health changed",
			zap.Stringer("health", st),
			zap.String("state", string(snap.State)),
			zap.String("reason", snap.Reason),
		)
		s.last = st
	}
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
