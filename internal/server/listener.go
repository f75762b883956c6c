// ============================================================================
// RPC listener - gRPC and HTTP on one port
// ============================================================================
//
// Package: internal/server
// File: listener.go
//
// Each process listens on a single TCP port. cmux splits incoming
// connections:
//   - HTTP/1.x requests go to the HTTP handler (/metrics)
//   - everything else is HTTP/2 and goes to the gRPC server
//
// Serve blocks until ctx is cancelled or one of the servers fails. On
// cancellation the gRPC server drains in-flight calls before returning.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// Server is a gRPC server sharing its listener with an optional HTTP
// handler.
type Server struct {
	lis     net.Listener
	grpc    *grpc.Server
	http    *http.Server
	logger  *slog.Logger
	closing atomic.Bool
}

// New creates a server on lis. handler may be nil.
func New(lis net.Listener, handler http.Handler, opts ...grpc.ServerOption) *Server {
	s := &Server{
		lis:    lis,
		grpc:   grpc.NewServer(opts...),
		logger: slog.With("component", "server", "addr", lis.Addr().String()),
	}
	if handler != nil {
		s.http = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	}
	return s
}

// GRPC returns the gRPC server services are registered on.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Addr is the address the server listens on.
func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Serve runs until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	mux := cmux.New(s.lis)
	var httpL net.Listener
	if s.http != nil {
		httpL = mux.Match(cmux.HTTP1Fast())
	}
	grpcL := mux.Match(cmux.Any())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.filter(mux.Serve())
	})
	g.Go(func() error {
		return s.filter(s.grpc.Serve(grpcL))
	})
	if s.http != nil {
		g.Go(func() error {
			err := s.http.Serve(httpL)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return s.filter(err)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})
	s.logger.Info("Listening")
	return g.Wait()
}

func (s *Server) shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("Shutting down")
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown failed", "error", err)
		}
	}
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		s.grpc.Stop()
	}
	s.lis.Close()
}

// filter drops the errors servers return once shutdown closed their
// listeners.
func (s *Server) filter(err error) error {
	if err == nil || s.closing.Load() {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
