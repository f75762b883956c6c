// ============================================================================
// Groom server - BSP worker daemon
// ============================================================================
//
// Package: internal/groom
// File: groom.go
//
// Lifecycle:
//  1. New() - build the groom with its slot table
//  2. Run(ctx) - register with the master, then heartbeat on the interval
//     the master returned until ctx is done
//  3. AssignTask / KillJob - called by the master, any time while running
//  4. on return from Run every task is cancelled and awaited
//
// Heartbeats:
//   - Seq grows by one per heartbeat; the master drops anything not newer
//   - finished task reports stay in the heartbeat until the master applies
//     one carrying them
//   - a finished task triggers an immediate heartbeat
//   - ReRegister in the response makes the groom register again
//   - KillJobs in the response cancels those jobs' tasks
//
// ============================================================================

package groom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grailbio/base/retry"

	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/payload"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

var ErrNotRunning = errors.New("groom is not running")

// DefaultHeartbeatInterval is used until the master says otherwise.
const DefaultHeartbeatInterval = time.Second

var registerPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 2)

// Config configures a groom.
type Config struct {
	Identity          types.GroomIdentity
	MaxTasks          int
	HeartbeatInterval time.Duration
	// RPCTimeout bounds each call to the master.
	RPCTimeout time.Duration
}

// Groom hosts task slots and runs BSP tasks in them.
type Groom struct {
	identity types.GroomIdentity
	rpcTO    time.Duration
	master   MasterClient
	barrier  *barrier.Client
	payloads *payload.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	slots    []*slot
	finished []types.TaskReport
	seq      uint64
	interval time.Duration
	running  bool
	stopped  bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a groom. bc synchronises its tasks; payloads resolves job
// kinds.
func New(cfg Config, master MasterClient, bc *barrier.Client, payloads *payload.Registry) (*Groom, error) {
	if cfg.Identity.Name == "" {
		return nil, fmt.Errorf("groom name is required")
	}
	if cfg.MaxTasks <= 0 {
		return nil, fmt.Errorf("groom %s: max tasks must be positive", cfg.Identity.Name)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Groom{
		identity: cfg.Identity,
		rpcTO:    cfg.RPCTimeout,
		master:   master,
		barrier:  bc,
		payloads: payloads,
		logger:   slog.With("component", "groom", "groom", cfg.Identity.Name),
		slots:    make([]*slot, cfg.MaxTasks),
		interval: cfg.HeartbeatInterval,
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Identity returns the groom's identity.
func (g *Groom) Identity() types.GroomIdentity { return g.identity }

// MaxTasks returns the number of slots.
func (g *Groom) MaxTasks() int { return len(g.slots) }

// ============================================================================
// Master-facing operations
// ============================================================================

// AssignTask starts a task attempt in the lowest free slot. Assigning an
// attempt the groom already runs, or finished without the master applying
// the result, is a no-op. It fails with
// types.ErrNoFreeSlot when every slot is busy.
func (g *Groom) AssignTask(_ context.Context, a types.Assignment) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return ErrNotRunning
	}
	if g.findLocked(a.Task) != nil {
		return nil
	}
	for _, r := range g.finished {
		if r.Task == a.Task {
			// Ran already; the master retried after losing the reply.
			return nil
		}
	}
	i := g.freeSlotLocked()
	if i < 0 {
		return fmt.Errorf("groom %s: %w", g.identity.Name, types.ErrNoFreeSlot)
	}
	ctx, cancel := context.WithCancel(g.ctx)
	s := &slot{
		index:  i,
		task:   a.Task,
		desc:   a.Descriptor,
		state:  types.TaskRunning,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	g.slots[i] = s
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		g.runTask(ctx, s)
	}()
	g.logger.Info("Task assigned", "task", a.Task, "slot", i, "kind", a.Descriptor.Kind)
	return nil
}

// KillJob cancels every task of the job running on this groom.
func (g *Groom) KillJob(_ context.Context, id types.JobID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.slots {
		if s != nil && s.task.Job == id && !s.killed {
			s.killed = true
			s.cancel()
			n++
		}
	}
	if n > 0 {
		g.logger.Info("Killing job tasks", "job", id, "tasks", n)
	}
	return n
}

// Status returns a report for every occupied slot plus finished tasks the
// master has not acknowledged yet.
func (g *Groom) Status() []types.TaskReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reportsLocked()
}

// ============================================================================
// Heartbeat loop
// ============================================================================

// Run registers the groom and heartbeats until ctx is done. Running tasks
// are cancelled and awaited before Run returns.
func (g *Groom) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.running || g.stopped {
		g.mu.Unlock()
		return errors.New("groom already started")
	}
	g.running = true
	g.mu.Unlock()
	defer g.shutdown()

	if err := g.register(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(g.heartbeatInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-g.kick:
		}
		if err := g.heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Warn("Heartbeat failed", "error", err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(g.heartbeatInterval())
	}
}

func (g *Groom) heartbeatInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

func (g *Groom) register(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, g.rpcTO)
		interval, err := g.master.RegisterGroom(rctx, g.identity, len(g.slots))
		cancel()
		if err == nil {
			g.mu.Lock()
			if interval > 0 {
				g.interval = interval
			}
			g.mu.Unlock()
			g.logger.Info("Registered with master", "max_tasks", len(g.slots), "heartbeat_interval", interval)
			return nil
		}
		if errors.Is(err, types.ErrDuplicateGroom) {
			return err
		}
		g.logger.Warn("Registration failed", "attempt", attempt, "error", err)
		if werr := retry.Wait(ctx, registerPolicy, attempt); werr != nil {
			return fmt.Errorf("register groom %s: %w", g.identity.Name, err)
		}
	}
}

// heartbeat sends one heartbeat and applies the response.
func (g *Groom) heartbeat(ctx context.Context) error {
	g.mu.Lock()
	g.seq++
	hb := &types.Heartbeat{
		Groom:    g.identity,
		Seq:      g.seq,
		MaxTasks: len(g.slots),
		Running:  g.runningLocked(),
		Tasks:    g.reportsLocked(),
	}
	sent := len(g.finished)
	g.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, g.rpcTO)
	resp, err := g.master.Heartbeat(hctx, hb)
	cancel()
	if err != nil {
		return err
	}
	if resp.Applied && sent > 0 {
		g.mu.Lock()
		g.finished = append([]types.TaskReport(nil), g.finished[sent:]...)
		g.mu.Unlock()
	}
	for _, id := range resp.KillJobs {
		g.KillJob(ctx, id)
	}
	if resp.ReRegister {
		g.logger.Info("Master asked to register again")
		if err := g.register(ctx); err != nil {
			return err
		}
		g.kickHeartbeat()
	}
	return nil
}

func (g *Groom) kickHeartbeat() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

func (g *Groom) shutdown() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
	g.logger.Info("Groom stopped")
}
