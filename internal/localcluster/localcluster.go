// ============================================================================
// Local cluster - master, grooms and coordination in one process
// ============================================================================
//
// Package: internal/localcluster
// File: localcluster.go
//
// Layout:
//   - one in-memory coordination tree
//   - one barrier coordinator on its own session
//   - one master on its own session
//   - N grooms, each with its own session, calling the master directly
//
// Grooms are named groom_0 .. groom_<N-1> and registered in that order, so
// placement is deterministic. KillGroom stops a groom and ends its session,
// which is what a crashed groom process looks like to the rest of the
// cluster.
//
// ============================================================================

package localcluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/internal/groom"
	"github.com/ChuLiYu/groombsp/internal/master"
	"github.com/ChuLiYu/groombsp/internal/metrics"
	"github.com/ChuLiYu/groombsp/internal/payload"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

const (
	DefaultGrooms        = 3
	DefaultTasksPerGroom = 2
	DefaultPeerPort      = 61000
)

var ErrUnknownGroom = errors.New("no such local groom")

// Config configures a local cluster.
type Config struct {
	Grooms         int
	TasksPerGroom  int
	PeerPortBase   int
	BarrierTimeout time.Duration
	Master         master.Config
	Payloads       *payload.Registry  // payload.Builtin() when nil
	Metrics        *metrics.Collector // may be nil
}

func (c Config) withDefaults() Config {
	if c.Grooms <= 0 {
		c.Grooms = DefaultGrooms
	}
	if c.TasksPerGroom <= 0 {
		c.TasksPerGroom = DefaultTasksPerGroom
	}
	if c.PeerPortBase <= 0 {
		c.PeerPortBase = DefaultPeerPort
	}
	if c.Payloads == nil {
		c.Payloads = payload.Builtin()
	}
	return c
}

type localGroom struct {
	g       *groom.Groom
	session *coord.Session
	cancel  context.CancelFunc
	done    chan error
}

// Cluster is a running local cluster.
type Cluster struct {
	cfg    Config
	tree   *coord.Tree
	master *master.Master
	logger *slog.Logger

	mu     sync.Mutex
	grooms map[string]*localGroom
	names  []string

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Start brings a cluster up and returns once every groom is registered.
func Start(ctx context.Context, cfg Config) (*Cluster, error) {
	cfg = cfg.withDefaults()
	tree, err := coord.NewTree(nil)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	eg, runCtx := errgroup.WithContext(runCtx)
	c := &Cluster{
		cfg:    cfg,
		tree:   tree,
		logger: slog.With("component", "localcluster"),
		grooms: make(map[string]*localGroom),
		cancel: cancel,
		eg:     eg,
	}

	coordinator := barrier.NewCoordinator(tree.NewSession(0), "local")
	coordinator.OnRelease = func(_ string, rel barrier.Release) {
		cfg.Metrics.RecordRelease(rel.Halt, rel.Cancelled)
	}
	eg.Go(func() error {
		err := coordinator.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	c.master = master.New(cfg.Master, tree.NewSession(0), c.dial, cfg.Metrics)
	if err := c.master.Start(ctx); err != nil {
		c.Stop()
		return nil, fmt.Errorf("start master: %w", err)
	}

	for i := 0; i < cfg.Grooms; i++ {
		if err := c.startGroom(i); err != nil {
			c.Stop()
			return nil, err
		}
		// Wait for each registration so grooms register in name order.
		if err := c.waitGrooms(ctx, i+1); err != nil {
			c.Stop()
			return nil, err
		}
	}
	c.logger.Info("Local cluster started", "grooms", cfg.Grooms, "tasks_per_groom", cfg.TasksPerGroom)
	return c, nil
}

func (c *Cluster) startGroom(i int) error {
	id := types.GroomIdentity{
		Name:     fmt.Sprintf("groom_%d", i),
		Host:     "localhost",
		PeerPort: c.cfg.PeerPortBase + i,
	}
	session := c.tree.NewSession(0)
	g, err := groom.New(groom.Config{
		Identity:          id,
		MaxTasks:          c.cfg.TasksPerGroom,
		HeartbeatInterval: c.cfg.Master.HeartbeatInterval,
	}, c.master, barrier.NewClient(session, c.cfg.BarrierTimeout), c.cfg.Payloads)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	lg := &localGroom{g: g, session: session, cancel: cancel, done: make(chan error, 1)}
	c.mu.Lock()
	c.grooms[id.Name] = lg
	c.names = append(c.names, id.Name)
	c.mu.Unlock()
	go func() {
		lg.done <- g.Run(ctx)
	}()
	return nil
}

func (c *Cluster) waitGrooms(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for len(c.master.ClusterStatus().GroomServers) < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d grooms: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// dial hands the master an in-process client for a registering groom.
func (c *Cluster) dial(_ context.Context, id types.GroomIdentity) (master.GroomClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lg, ok := c.grooms[id.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroom, id.Name)
	}
	return localClient{lg.g}, nil
}

type localClient struct{ g *groom.Groom }

func (l localClient) AssignTask(ctx context.Context, a types.Assignment) error {
	return l.g.AssignTask(ctx, a)
}

func (l localClient) KillJob(ctx context.Context, id types.JobID) error {
	l.g.KillJob(ctx, id)
	return nil
}

func (localClient) Close() error { return nil }

// Master returns the cluster's master.
func (c *Cluster) Master() *master.Master { return c.master }

// Grooms returns the names of the grooms still running.
func (c *Cluster) Grooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

// Groom returns a running groom by name.
func (c *Cluster) Groom(name string) (*groom.Groom, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lg, ok := c.grooms[name]
	if !ok {
		return nil, false
	}
	return lg.g, true
}

// KillGroom stops a groom as if its process crashed: it stops
// heartbeating, its tasks die and its coordination session ends.
func (c *Cluster) KillGroom(name string) error {
	c.mu.Lock()
	lg, ok := c.grooms[name]
	if ok {
		delete(c.grooms, name)
		for i, n := range c.names {
			if n == name {
				c.names = append(c.names[:i:i], c.names[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroom, name)
	}
	lg.cancel()
	err := <-lg.done
	lg.session.Close()
	c.logger.Info("Groom killed", "groom", name)
	return err
}

// WaitJob polls until the job reaches a terminal state.
func (c *Cluster) WaitJob(ctx context.Context, id types.JobID) (types.JobStatus, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := c.master.JobStatus(ctx, id)
		if err != nil {
			return st, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop shuts every component down.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	grooms := make([]*localGroom, 0, len(c.grooms))
	for _, name := range c.names {
		grooms = append(grooms, c.grooms[name])
	}
	c.grooms = make(map[string]*localGroom)
	c.names = nil
	c.mu.Unlock()

	for _, lg := range grooms {
		lg.cancel()
		<-lg.done
	}
	if c.master != nil {
		c.master.Stop()
	}
	c.cancel()
	err := c.eg.Wait()
	if cerr := c.tree.Close(); err == nil {
		err = cerr
	}
	c.logger.Info("Local cluster stopped")
	return err
}
