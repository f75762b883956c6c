package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/internal/metrics"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

var groomsPath = coord.Join(barrier.Root, "grooms")

func groomNodePath(name string) string { return coord.Join(groomsPath, name) }

// groomEntry is the master's view of a live groom.
type groomEntry struct {
	identity types.GroomIdentity
	maxTasks int
	client   GroomClient
	regOrder uint64
	lastSeen time.Time
	lastSeq  uint64
	// tasks holds the non-terminal task attempts occupying the groom's
	// slots, whether assigned by the master or reported by the groom.
	tasks map[types.TaskAttemptID]types.TaskReport
}

func (g *groomEntry) free() int { return g.maxTasks - len(g.tasks) }

// adoption tracks a running job recovered from its record until its tasks
// show up in heartbeats.
type adoption struct {
	deadline time.Time
	reported map[int]bool
}

// RegisterGroom adds a groom to the cluster and returns the heartbeat
// interval it must use. A name already registered fails with
// types.ErrDuplicateGroom.
func (m *Master) RegisterGroom(ctx context.Context, id types.GroomIdentity, maxTasks int) (time.Duration, error) {
	if err := m.checkRunning(); err != nil {
		return 0, err
	}
	if id.Name == "" || maxTasks <= 0 {
		return 0, fmt.Errorf("register groom %q with %d slots: invalid registration", id.Name, maxTasks)
	}
	m.mu.Lock()
	_, dup := m.grooms[id.Name]
	m.mu.Unlock()
	if dup {
		return 0, fmt.Errorf("groom %s: %w", id.Name, types.ErrDuplicateGroom)
	}

	client, err := m.dial(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("dial groom %s: %w", id.Name, err)
	}

	m.mu.Lock()
	if _, dup := m.grooms[id.Name]; dup {
		m.mu.Unlock()
		client.Close()
		return 0, fmt.Errorf("groom %s: %w", id.Name, types.ErrDuplicateGroom)
	}
	m.regSeq++
	m.grooms[id.Name] = &groomEntry{
		identity: id,
		maxTasks: maxTasks,
		client:   client,
		regOrder: m.regSeq,
		lastSeen: m.now(),
		tasks:    make(map[types.TaskAttemptID]types.TaskReport),
	}
	m.order = append(m.order, id.Name)
	m.refreshStatusLocked()
	m.mu.Unlock()

	data, _ := json.Marshal(id)
	if err := m.svc.Create(ctx, groomNodePath(id.Name), data, coord.Ephemeral); err != nil && !errors.Is(err, coord.ErrNodeExists) {
		m.logger.Warn("Failed to publish groom", "groom", id.Name, "error", err)
	}
	m.logger.Info("Groom registered", "groom", id.Name, "addr", id.RPCAddr(), "max_tasks", maxTasks)
	return m.cfg.HeartbeatInterval, nil
}

// Heartbeat applies a groom heartbeat. Heartbeats not newer than the last
// applied one are discarded; unknown grooms are asked to register again.
func (m *Master) Heartbeat(_ context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	g, ok := m.grooms[hb.Groom.Name]
	if !ok {
		m.mu.Unlock()
		m.metrics.RecordHeartbeat(metrics.HeartbeatUnknown)
		return &types.HeartbeatResponse{ReRegister: true}, nil
	}
	if hb.Seq <= g.lastSeq {
		m.mu.Unlock()
		m.metrics.RecordHeartbeat(metrics.HeartbeatDiscarded)
		return &types.HeartbeatResponse{Applied: false}, nil
	}
	g.lastSeq = hb.Seq
	g.lastSeen = m.now()
	if hb.MaxTasks > 0 {
		g.maxTasks = hb.MaxTasks
	}

	resp := &types.HeartbeatResponse{Applied: true}
	kill := make(map[types.JobID]bool)
	var changed []types.JobID
	for _, r := range hb.Tasks {
		if r.State.Terminal() {
			delete(g.tasks, r.Task)
		} else {
			g.tasks[r.Task] = r
		}

		job, ok := m.jobs.Get(r.Task.Job)
		if !ok || job.State.Terminal() {
			if !r.State.Terminal() && !kill[r.Task.Job] {
				kill[r.Task.Job] = true
				resp.KillJobs = append(resp.KillJobs, r.Task.Job)
			}
			continue
		}
		if r.Task.Attempt != job.Attempt {
			// A previous attempt; its run carries a kill marker.
			continue
		}
		if a := m.adopting[job.ID]; a != nil {
			a.reported[r.Task.Partition] = true
		}
		if m.jobs.UpdateTask(g.identity.Name, r) && r.State.Terminal() {
			if r.State == types.TaskFailed {
				m.metrics.RecordTaskFailure()
			}
			changed = append(changed, job.ID)
		}
	}
	m.refreshStatusLocked()
	m.mu.Unlock()

	m.metrics.RecordHeartbeat(metrics.HeartbeatApplied)
	for _, id := range changed {
		m.queueEval(id)
	}
	return resp, nil
}

// failureLoop runs the failure detector.
func (m *Master) failureLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.FailureCheckInterval)
	defer ticker.Stop()
	ctx, cancel := m.loopContext()
	defer cancel()

	for {
		select {
		case <-m.stopCh:
			m.logger.Debug("Failure loop stopped")
			return
		case <-ticker.C:
			now := m.now()
			m.detectFailures(ctx, now)
			m.checkAdoption(now)
		}
	}
}

// detectFailures declares grooms silent for K heartbeat intervals dead,
// fails their tasks and shrinks the barriers of the affected runs.
func (m *Master) detectFailures(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var lost []*groomEntry
	for name, g := range m.grooms {
		if now.Sub(g.lastSeen) > m.cfg.deadAfter() {
			lost = append(lost, g)
			delete(m.grooms, name)
		}
	}
	if len(lost) == 0 {
		m.mu.Unlock()
		return
	}
	order := m.order[:0]
	for _, name := range m.order {
		if _, ok := m.grooms[name]; ok {
			order = append(order, name)
		}
	}
	m.order = order
	m.refreshStatusLocked()
	m.mu.Unlock()

	sort.Slice(lost, func(i, j int) bool { return lost[i].regOrder < lost[j].regOrder })
	for _, g := range lost {
		m.groomLost(ctx, g, now)
	}
}

func (m *Master) groomLost(ctx context.Context, g *groomEntry, now time.Time) {
	name := g.identity.Name
	m.logger.Warn("Groom lost", "groom", name, "silent_for", now.Sub(g.lastSeen), "tasks", len(g.tasks))
	m.metrics.RecordGroomLost()
	if g.client != nil {
		g.client.Close()
	}
	if err := m.svc.Delete(ctx, groomNodePath(name), coord.AnyVersion); err != nil && !errors.Is(err, coord.ErrNoNode) {
		m.logger.Warn("Failed to remove groom node", "groom", name, "error", err)
	}

	reason := fmt.Sprintf("groom %s lost", name)
	dead := make(map[types.RunID][]int)
	for task := range g.tasks {
		job, ok := m.jobs.Get(task.Job)
		if !ok || job.State.Terminal() || job.Attempt != task.Attempt {
			continue
		}
		if m.jobs.FailTask(task.Job, task.Partition, reason) {
			m.metrics.RecordTaskFailure()
		}
		dead[task.Run()] = append(dead[task.Run()], task.Partition)
	}
	for run, partitions := range dead {
		if _, err := barrier.RemoveMembers(ctx, m.svc, run, partitions...); err != nil && !errors.Is(err, coord.ErrNoNode) {
			m.logger.Warn("Failed to shrink barrier", "run", run, "error", err)
		}
		m.queueEval(run.Job)
	}
}

// checkAdoption fails the tasks of recovered jobs that no groom reported
// within the adoption window.
func (m *Master) checkAdoption(now time.Time) {
	m.mu.Lock()
	var expired []types.JobID
	missing := make(map[types.JobID][]int)
	for id, a := range m.adopting {
		if now.Before(a.deadline) {
			continue
		}
		delete(m.adopting, id)
		job, ok := m.jobs.Get(id)
		if !ok || job.State.Terminal() {
			continue
		}
		expired = append(expired, id)
		for _, t := range job.Tasks {
			if !a.reported[t.Partition] && !t.State.Terminal() {
				missing[id] = append(missing[id], t.Partition)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		parts := missing[id]
		if len(parts) == 0 {
			m.logger.Info("Job re-adopted", "job", id)
			continue
		}
		m.logger.Warn("Job not re-adopted after restart", "job", id, "missing_partitions", parts)
		for _, p := range parts {
			m.jobs.FailTask(id, p, "not reported after master restart")
		}
		m.queueEval(id)
	}
}
