// Package rpcapi exposes the SAGE serving core over gRPC for internal
// service-to-service callers.
//
// The service carries no generated protobuf stubs: messages are JSON-tagged
// structs encoded with a registered JSON codec, and the service descriptor
// is declared by hand. Domain failures are reported in-band (success=false
// plus an error message) so callers never have to distinguish transport
// errors from pipeline errors.
package rpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/sage-edu/sage/internal/core"
)

// stopBudget bounds how long a graceful stop may drain in-flight calls
// before the server is torn down hard.
const stopBudget = 5 * time.Second

// reclaimWait is how long to wait after killing a stale port holder before
// retrying the bind.
const reclaimWait = 2 * time.Second

// Server is the gRPC transport over the coordinator.
type Server struct {
	grpc *grpc.Server
	log  *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates a gRPC server with the Sage service registered.
func New(coord *core.Coordinator, opts ...Option) *Server {
	s := &Server{
		grpc: grpc.NewServer(grpc.ForceServerCodec(jsonCodec{})),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grpc.RegisterService(&serviceDesc, &service{core: coord, log: s.log})
	return s
}

// Serve blocks serving connections on lis until [Server.Stop] is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("rpc server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls gracefully within [stopBudget], then forces
// the remaining connections closed.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopBudget):
		s.log.Warn("graceful stop exceeded budget, forcing close")
		s.grpc.Stop()
	}
}

// Listen binds the RPC port. When the port is held by a stale process the
// holder is killed once, the bind retried once after [reclaimWait], and any
// further failure returned so the caller can disable RPC for the process
// lifetime.
func Listen(ctx context.Context, host string, port int, log *slog.Logger) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	lis, err := net.Listen("tcp", addr)
	if err == nil {
		return lis, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("rpcapi: bind %s: %w", addr, err)
	}

	log.Warn("rpc port in use, attempting to reclaim it", "addr", addr)
	if killErr := killPortHolder(ctx, port); killErr != nil {
		return nil, fmt.Errorf("rpcapi: bind %s: %w (reclaim failed: %v)", addr, err, killErr)
	}

	select {
	case <-time.After(reclaimWait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lis, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: bind %s after reclaim: %w", addr, err)
	}
	return lis, nil
}

// killPortHolder terminates whatever process is listening on port.
func killPortHolder(ctx context.Context, port int) error {
	out, err := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return fmt.Errorf("lsof: %w", err)
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("kill %d: %w", pid, err)
		}
	}
	return nil
}
