// ============================================================================
// BSP master - cluster coordinator
// ============================================================================
//
// Package: internal/master
// File: master.go
//
// The master ties the cluster together:
//   - groom registry: registration, heartbeats, failure detection (grooms.go)
//   - job lifecycle: submission, kill, status, completion, restart (jobs.go)
//   - placement: greedy most-free-slots-first scheduling (scheduler.go)
//   - cluster status: an immutable snapshot swapped atomically on change
//
// Background loops (started by Start, stopped by Stop):
//  1. Failure loop - declares grooms DEAD after K missed heartbeats and
//     fails jobs that were not re-adopted after a restart
//  2. Event loop - evaluates jobs whose tasks changed state: finishes,
//     fails or restarts them
//  3. Janitor loop - archives terminal jobs after the retention period
//  4. Session watch - a lost coordination session stops the master
//
// Recovery:
//   Start loads every job record under /bsp/jobs. Tables are a cache of
//   records, registrations and heartbeats; running jobs are re-adopted from
//   the heartbeats of their grooms within one failure-detection window.
//
// State machine:
//
//	INITIALIZING ──Start──► RUNNING ──Stop / session lost──► STOPPED
//
// STOPPED is terminal and every call except ClusterStatus then fails with
// types.ErrMasterStopped.
//
// ============================================================================

package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/internal/jobmanager"
	"github.com/ChuLiYu/groombsp/internal/metrics"
	"github.com/ChuLiYu/groombsp/pkg/clusterstatus"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

var ErrNotReady = errors.New("master is initializing")

// Config configures the master.
type Config struct {
	HeartbeatInterval time.Duration // interval grooms are told to use
	MissedHeartbeats  int           // K; a groom silent for K intervals is dead
	// FailureCheckInterval is how often the failure detector runs.
	FailureCheckInterval time.Duration
	JobRetention         time.Duration // terminal jobs are archived after this
	RetentionInterval    time.Duration // how often the janitor runs
	MaxAssignRetries     int           // per partition
	MaxAttempts          int           // attempts of a retryable job
	RPCTimeout           time.Duration // bound on each groom RPC
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    time.Second,
		MissedHeartbeats:     3,
		FailureCheckInterval: 500 * time.Millisecond,
		JobRetention:         10 * time.Minute,
		RetentionInterval:    30 * time.Second,
		MaxAssignRetries:     3,
		MaxAttempts:          3,
		RPCTimeout:           5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = d.MissedHeartbeats
	}
	if c.FailureCheckInterval <= 0 {
		c.FailureCheckInterval = c.HeartbeatInterval / 2
	}
	if c.JobRetention <= 0 {
		c.JobRetention = d.JobRetention
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = d.RetentionInterval
	}
	if c.MaxAssignRetries <= 0 {
		c.MaxAssignRetries = d.MaxAssignRetries
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	return c
}

// deadAfter is the silence after which a groom is declared dead.
func (c Config) deadAfter() time.Duration {
	return time.Duration(c.MissedHeartbeats) * c.HeartbeatInterval
}

// Master is the BSP master.
type Master struct {
	cfg     Config
	svc     coord.Service
	dial    Dialer
	metrics *metrics.Collector
	jobs    *jobmanager.JobManager
	logger  *slog.Logger
	now     func() time.Time

	state  atomic.Int32
	status atomic.Pointer[clusterstatus.ClusterStatus]

	mu       sync.Mutex // groom table and adoption set
	grooms   map[string]*groomEntry
	order    []string // registration order
	regSeq   uint64
	adopting map[types.JobID]*adoption

	lifecycle sync.Mutex // serialises placement, restarts and terminal transitions

	evalMu  sync.Mutex
	pending map[types.JobID]struct{}
	evalCh  chan struct{}

	idMu    sync.Mutex
	idStamp string
	idSeq   int

	stopCh    chan struct{}
	stopOnce  sync.Once
	loopWg    sync.WaitGroup
	startTime time.Time
}

// New creates a master in INITIALIZING. svc is the master's coordination
// session; dial connects to grooms as they register. m may be nil.
func New(cfg Config, svc coord.Service, dial Dialer, m *metrics.Collector) *Master {
	ms := &Master{
		cfg:      cfg.withDefaults(),
		svc:      svc,
		dial:     dial,
		metrics:  m,
		jobs:     jobmanager.NewJobManager(),
		logger:   slog.With("component", "master"),
		now:      time.Now,
		grooms:   make(map[string]*groomEntry),
		adopting: make(map[types.JobID]*adoption),
		pending:  make(map[types.JobID]struct{}),
		evalCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	ms.state.Store(int32(types.MasterInitializing))
	ms.refreshStatusLocked()
	return ms
}

// State returns the lifecycle state.
func (m *Master) State() types.MasterState {
	return types.MasterState(m.state.Load())
}

// ClusterStatus returns the latest snapshot. It never blocks.
func (m *Master) ClusterStatus() *clusterstatus.ClusterStatus {
	return m.status.Load()
}

func (m *Master) checkRunning() error {
	switch m.State() {
	case types.MasterRunning:
		return nil
	case types.MasterInitializing:
		return ErrNotReady
	default:
		return types.ErrMasterStopped
	}
}

// Start recovers job records and starts the background loops. The master
// is RUNNING when Start returns without error.
func (m *Master) Start(ctx context.Context) error {
	if m.State() != types.MasterInitializing {
		return fmt.Errorf("master already started")
	}
	m.startTime = m.now()
	for _, p := range []string{jobsPath, groomsPath} {
		if err := coord.CreateAll(ctx, m.svc, p); err != nil {
			return fmt.Errorf("prepare namespace: %w", err)
		}
	}
	if err := m.recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	m.loopWg.Add(4)
	go m.failureLoop()
	go m.eventLoop()
	go m.janitorLoop()
	go m.sessionWatch()

	m.mu.Lock()
	m.state.Store(int32(types.MasterRunning))
	m.refreshStatusLocked()
	m.mu.Unlock()
	m.logger.Info("Master started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"missed_heartbeats", m.cfg.MissedHeartbeats)
	return nil
}

// recover loads job records and schedules re-adoption of running jobs.
func (m *Master) recover(ctx context.Context) error {
	start := m.now()
	ids, err := m.svc.Children(ctx, jobsPath)
	if err != nil {
		return err
	}
	var jobs []*jobmanager.Job
	for _, id := range ids {
		data, _, err := m.svc.Get(ctx, jobRecordPath(types.JobID(id)))
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return err
		}
		job, err := jobmanager.UnmarshalJob(data)
		if err != nil {
			m.logger.Warn("Skipping unreadable job record", "job", id, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	m.jobs.Restore(jobs)

	deadline := start.Add(m.cfg.deadAfter() + m.cfg.HeartbeatInterval)
	m.mu.Lock()
	for _, job := range jobs {
		if !job.State.Terminal() {
			m.adopting[job.ID] = &adoption{deadline: deadline, reported: make(map[int]bool)}
		}
	}
	adopting := len(m.adopting)
	m.mu.Unlock()

	took := m.now().Sub(start)
	m.metrics.SetRecoveryTime(took.Seconds())
	if len(jobs) > 0 {
		m.logger.Info("Job records recovered", "jobs", len(jobs), "running", adopting, "duration", took)
	}
	return nil
}

// Stop moves the master to STOPPED and waits for its loops. Stop is
// idempotent.
func (m *Master) Stop() {
	m.stop("stopped")
	m.loopWg.Wait()
}

func (m *Master) stop(reason string) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.state.Store(int32(types.MasterStopped))
		m.refreshStatusLocked()
		clients := make([]GroomClient, 0, len(m.grooms))
		for _, g := range m.grooms {
			clients = append(clients, g.client)
		}
		m.mu.Unlock()
		close(m.stopCh)
		for _, c := range clients {
			if c != nil {
				c.Close()
			}
		}
		m.logger.Info("Master stopped", "reason", reason)
	})
}

// sessionWatch stops the master when its coordination session ends.
func (m *Master) sessionWatch() {
	defer m.loopWg.Done()
	select {
	case <-m.svc.Done():
		m.logger.Error("Coordination session lost")
		m.stop("coordination session lost")
	case <-m.stopCh:
	}
}

// loopContext returns a context cancelled when the master stops.
func (m *Master) loopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// refreshStatusLocked publishes a new cluster snapshot. Called with m.mu held.
func (m *Master) refreshStatusLocked() {
	grooms := make([]types.GroomIdentity, 0, len(m.order))
	active, capacity := 0, 0
	for _, name := range m.order {
		g := m.grooms[name]
		grooms = append(grooms, g.identity)
		active += len(g.tasks)
		capacity += g.maxTasks
	}
	m.status.Store(clusterstatus.New(grooms, active, capacity, m.State()))
	m.metrics.UpdateCluster(len(grooms), active, capacity)
}
