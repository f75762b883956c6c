// ============================================================================
// Sync server - hosts the coordination namespace and the barrier coordinator
// ============================================================================
//
// Package: internal/syncserver
// File: syncserver.go
//
// Lifecycle:
//   Init   resolve the listen address and publish it into the config
//   Start  open the store, listen, serve the namespace over gRPC
//   Stop   drain RPCs, stop the coordinator, close the store
//
// Address resolution: the host is the first entry of the configured quorum
// (a comma separated list), else the canonical host name. The port is the
// configured one, else DefaultPort.
//
// ============================================================================

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/internal/metrics"
	"github.com/ChuLiYu/groombsp/internal/server"
)

const (
	DefaultPort       = 15600
	DefaultSessionTTL = 10 * time.Second

	StoreMemory = "memory"
	StoreWAL    = "wal"
	StoreBadger = "badger"

	walCompactEvery = 1000
)

var ErrAlreadyStarted = errors.New("sync server already started")

// Config configures a sync server.
type Config struct {
	Quorum      string // comma separated host list; the first entry is ours
	Port        int
	SessionTTL  time.Duration
	Store       string // memory, wal or badger
	DataDir     string
	Coordinator bool // also run a barrier coordinator

	// Address is set by Init to host:port.
	Address string

	Metrics *metrics.Collector // may be nil
	Handler http.Handler       // served next to gRPC; may be nil
}

// Server is a sync server.
type Server struct {
	cfg    *Config
	host   string
	port   int
	logger *slog.Logger

	mu     sync.Mutex
	tree   *coord.Tree
	srv    *server.Server
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Init resolves the address of the server and writes it to cfg.Address.
func Init(cfg *Config) (*Server, error) {
	host := ""
	if q := strings.TrimSpace(cfg.Quorum); q != "" {
		host = strings.TrimSpace(strings.Split(q, ",")[0])
	}
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve host name: %w", err)
		}
		host = h
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 0 {
		return nil, fmt.Errorf("sync server port %d out of range", port)
	}
	switch cfg.Store {
	case "", StoreMemory:
	case StoreWAL, StoreBadger:
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("store %q needs a data dir", cfg.Store)
		}
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	cfg.Address = net.JoinHostPort(host, strconv.Itoa(port))
	return &Server{
		cfg:    cfg,
		host:   host,
		port:   port,
		logger: slog.With("component", "syncserver", "addr", cfg.Address),
	}, nil
}

func (s *Server) openStore() (coord.Store, error) {
	switch s.cfg.Store {
	case StoreWAL:
		return coord.NewWALStore(s.cfg.DataDir, walCompactEvery)
	case StoreBadger:
		return coord.NewBadgerStore(s.cfg.DataDir)
	}
	return nil, nil
}

// Start opens the namespace and serves it in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree != nil {
		return ErrAlreadyStarted
	}
	store, err := s.openStore()
	if err != nil {
		return fmt.Errorf("open %s store: %w", s.cfg.Store, err)
	}
	tree, err := coord.NewTree(store)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return err
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		tree.Close()
		return fmt.Errorf("listen: %w", err)
	}
	// Port 0 picks a free port; publish the one we got.
	s.cfg.Address = lis.Addr().String()
	s.logger = slog.With("component", "syncserver", "addr", s.cfg.Address)

	srv := server.New(lis, s.cfg.Handler)
	bspv1.RegisterCoordServer(srv.GRPC(), coord.NewGRPCServer(tree, s.cfg.SessionTTL))

	runCtx, cancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return srv.Serve(runCtx) })
	eg.Go(func() error {
		tree.RunReaper(runCtx, s.cfg.SessionTTL/4)
		return nil
	})
	if s.cfg.Coordinator {
		c := barrier.NewCoordinator(tree.NewSession(0), s.cfg.Address)
		c.OnRelease = func(_ string, rel barrier.Release) {
			s.cfg.Metrics.RecordRelease(rel.Halt, rel.Cancelled)
		}
		eg.Go(func() error {
			if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("coordinator: %w", err)
			}
			return nil
		})
	}

	s.tree, s.srv, s.cancel, s.eg = tree, srv, cancel, eg
	s.logger.Info("Sync server started",
		"store", s.cfg.Store, "session_ttl", s.cfg.SessionTTL, "coordinator", s.cfg.Coordinator)
	return nil
}

// Addr is the address the server listens on once started.
func (s *Server) Addr() string { return s.cfg.Address }

// Tree returns the served namespace, nil before Start.
func (s *Server) Tree() *coord.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Wait blocks until the server stops and returns the first serving error.
func (s *Server) Wait() error {
	s.mu.Lock()
	eg := s.eg
	s.mu.Unlock()
	if eg == nil {
		return nil
	}
	return eg.Wait()
}

// Stop stops serving and closes the store. Stop is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return nil
	}
	s.cancel()
	err := s.eg.Wait()
	if cerr := s.tree.Close(); err == nil {
		err = cerr
	}
	s.tree = nil
	s.logger.Info("Sync server stopped")
	return err
}
