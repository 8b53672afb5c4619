package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"kvimport/pkg/engine"
	"kvimport/pkg/importer"
	"kvimport/pkg/importpb"
	"kvimport/pkg/kverrors"
	"kvimport/pkg/metrics"
	"kvimport/pkg/registry"
	"kvimport/pkg/types"

	"google.golang.org/grpc"
)

type iRegistry interface {
	Open(id types.EngineID) error
	Acquire(id types.EngineID) (*registry.Handle, error)
	Close(id types.EngineID) (engine.Artifact, error)
	Shutdown()
}

// Server exposes the engine registry as the ImportKV gRPC service.
type Server struct {
	registry iRegistry
	handler  *importer.Handler
	logger   *slog.Logger

	grpcServer *grpc.Server
	addr       string

	mu       sync.Mutex
	lis      net.Listener
	serveErr chan error
}

var _ importpb.ImportKVServer = (*Server)(nil)

// NewServer creates a server for addr. Port 0 binds a free port, see Addr.
func NewServer(reg iRegistry, addr string, logger *slog.Logger, m *metrics.Metrics, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:   reg,
		handler:    importer.NewHandler(reg, logger, m),
		logger:     logger,
		grpcServer: grpc.NewServer(opts...),
		addr:       addr,
		serveErr:   make(chan error, 1),
	}
	importpb.RegisterImportKVServer(s.grpcServer, s)
	return s
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.Serve(lis)
	return nil
}

// Serve serves on an existing listener in the background.
func (s *Server) Serve(lis net.Listener) {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.logger.Info("import server listening", "addr", lis.Addr().String())
	go func() {
		err := s.grpcServer.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		s.serveErr <- err
	}()
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

// Done receives the serve error once the server stops.
func (s *Server) Done() <-chan error {
	return s.serveErr
}

// Shutdown stops accepting calls, waits for running ones until ctx expires
// and then abandons every engine that is still open.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, cutting open streams")
		s.grpcServer.Stop()
		<-stopped
		err = ctx.Err()
	}

	s.registry.Shutdown()
	s.logger.Info("import server stopped")
	return err
}

func (s *Server) Open(_ context.Context, req *importpb.OpenRequest) (*importpb.OpenResponse, error) {
	id, err := types.ParseEngineID(req.UUID)
	if err == nil {
		err = s.registry.Open(id)
	} else {
		err = fmt.Errorf("%w: %w", kverrors.ErrProtocolViolation, err)
	}
	s.logResult("open", id, err)

	return &importpb.OpenResponse{Error: importpb.NewError(err)}, nil
}

func (s *Server) Close(_ context.Context, req *importpb.CloseRequest) (*importpb.CloseResponse, error) {
	id, err := types.ParseEngineID(req.UUID)
	if err == nil {
		_, err = s.registry.Close(id)
	} else {
		err = fmt.Errorf("%w: %w", kverrors.ErrProtocolViolation, err)
	}
	s.logResult("close", id, err)

	return &importpb.CloseResponse{Error: importpb.NewError(err)}, nil
}

func (s *Server) Write(stream importpb.WriteServerStream) error {
	return s.handler.Serve(stream)
}

// logResult logs client sequencing errors at debug and faults at error.
func (s *Server) logResult(op string, id types.EngineID, err error) {
	switch kverrors.KindOf(err) {
	case kverrors.KindNone:
		s.logger.Debug("engine request served", "op", op, "uuid", id)
	case kverrors.KindEngineNotFound, kverrors.KindEngineAlreadyExists, kverrors.KindProtocolViolation:
		s.logger.Debug("engine request rejected", "op", op, "uuid", id, "error", err)
	default:
		s.logger.Error("engine request failed", "op", op, "uuid", id, "error", err)
	}
}
