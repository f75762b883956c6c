package master

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/internal/jobmanager"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

var jobsPath = coord.Join(barrier.Root, "jobs")

func jobRecordPath(id types.JobID) string { return coord.Join(jobsPath, string(id)) }

// nextJobID returns job_<start time>_<seq>, unique within the table.
func (m *Master) nextJobID() types.JobID {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	if m.idStamp == "" {
		m.idStamp = m.startTime.UTC().Format("20060102150405")
	}
	for {
		m.idSeq++
		id := types.JobID(fmt.Sprintf("job_%s_%04d", m.idStamp, m.idSeq))
		if _, exists := m.jobs.Get(id); !exists {
			return id
		}
	}
}

func validateDescriptor(desc types.JobDescriptor) error {
	if desc.Kind == "" {
		return fmt.Errorf("%w: missing kind", types.ErrInvalidJob)
	}
	if desc.Partitions <= 0 {
		return fmt.Errorf("%w: %d partitions", types.ErrInvalidJob, desc.Partitions)
	}
	return nil
}

// SubmitJob accepts a job, creates its barrier run and assigns every
// partition. It fails with types.ErrInsufficientCapacity when the free slots
// of the cluster cannot hold all partitions at once.
func (m *Master) SubmitJob(ctx context.Context, desc types.JobDescriptor) (types.JobID, error) {
	if err := m.checkRunning(); err != nil {
		return "", err
	}
	if err := validateDescriptor(desc); err != nil {
		return "", err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	free := m.totalFreeLocked()
	m.mu.Unlock()
	if desc.Partitions > free {
		return "", fmt.Errorf("%d partitions, %d free slots: %w", desc.Partitions, free, types.ErrInsufficientCapacity)
	}

	id := m.nextJobID()
	job, err := m.jobs.Add(id, desc)
	if err != nil {
		return "", err
	}
	if err := m.writeRecord(ctx, id); err != nil {
		m.jobs.Remove(id)
		return "", fmt.Errorf("write record of %s: %w", id, err)
	}
	m.metrics.RecordSubmit()

	run := types.RunID{Job: id, Attempt: job.Attempt}
	if err := barrier.InitRun(ctx, m.svc, run, desc.Partitions); err != nil {
		m.terminateLocked(ctx, id, types.JobFailed, "barrier init: "+err.Error())
		return "", fmt.Errorf("init barrier of %s: %w", run, err)
	}
	if job, err = m.jobs.Transition(id, types.JobRunning, ""); err != nil {
		return "", err
	}
	m.logger.Info("Job submitted", "job", id, "kind", desc.Kind, "partitions", desc.Partitions)

	if err := m.place(ctx, job); err != nil {
		m.terminateLocked(ctx, id, types.JobFailed, err.Error())
		return "", err
	}
	m.writeRecord(ctx, id)
	return id, nil
}

// KillJob stops a job. Killing a job that already ended does nothing.
func (m *Master) KillJob(ctx context.Context, id types.JobID) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	job, ok := m.jobs.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if job.State.Terminal() {
		return nil
	}
	m.terminateLocked(ctx, id, types.JobKilled, "killed by client")
	return nil
}

// JobStatus returns the state of one job.
func (m *Master) JobStatus(_ context.Context, id types.JobID) (types.JobStatus, error) {
	if err := m.checkRunning(); err != nil {
		return types.JobStatus{}, err
	}
	job, ok := m.jobs.Get(id)
	if !ok {
		return types.JobStatus{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return job.Status(), nil
}

// ListJobs returns every job still retained, oldest first.
func (m *Master) ListJobs(context.Context) ([]types.JobStatus, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	jobs := m.jobs.List()
	out := make([]types.JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = j.Status()
	}
	return out, nil
}

// writeRecord stores the current table entry of a job under /bsp/jobs.
func (m *Master) writeRecord(ctx context.Context, id types.JobID) error {
	job, ok := m.jobs.Get(id)
	if !ok {
		return nil
	}
	data, err := job.Marshal()
	if err != nil {
		return err
	}
	p := jobRecordPath(id)
	_, err = coord.Update(ctx, m.svc, p, func([]byte) ([]byte, error) { return data, nil })
	if errors.Is(err, coord.ErrNoNode) {
		err = m.svc.Create(ctx, p, data, coord.Persistent)
	}
	if err != nil {
		m.logger.Warn("Failed to write job record", "job", id, "error", err)
	}
	return err
}

// ============================================================================
// Evaluation
// ============================================================================

// queueEval schedules a job for evaluation by the event loop.
func (m *Master) queueEval(id types.JobID) {
	m.evalMu.Lock()
	m.pending[id] = struct{}{}
	m.evalMu.Unlock()
	select {
	case m.evalCh <- struct{}{}:
	default:
	}
}

func (m *Master) eventLoop() {
	defer m.loopWg.Done()
	ctx, cancel := m.loopContext()
	defer cancel()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.evalCh:
		}
		m.evalMu.Lock()
		ids := make([]types.JobID, 0, len(m.pending))
		for id := range m.pending {
			ids = append(ids, id)
		}
		m.pending = make(map[types.JobID]struct{})
		m.evalMu.Unlock()

		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			m.evaluateJob(ctx, id)
		}
	}
}

// evaluateJob finishes, fails or restarts a job from the states of its
// tasks.
func (m *Master) evaluateJob(ctx context.Context, id types.JobID) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	job, ok := m.jobs.Get(id)
	if !ok || job.State.Terminal() {
		return
	}
	var failed *types.TaskStatus
	succeeded := 0
	for i := range job.Tasks {
		switch t := &job.Tasks[i]; t.State {
		case types.TaskFailed, types.TaskKilled:
			if failed == nil {
				failed = t
			}
		case types.TaskSucceeded:
			succeeded++
		}
	}

	switch {
	case failed != nil:
		reason := fmt.Sprintf("partition %d %s: %s", failed.Partition, failed.State, failed.Reason)
		if job.State == types.JobRunning && job.Descriptor.Retryable && job.Attempt < m.cfg.MaxAttempts {
			m.restartLocked(ctx, job, reason)
			return
		}
		m.terminateLocked(ctx, id, types.JobFailed, reason)
	case succeeded == len(job.Tasks):
		m.terminateLocked(ctx, id, types.JobSucceeded, "")
	default:
		m.writeRecord(ctx, id)
	}
}

// restartLocked cancels the current attempt of a job and places the next
// one on a fresh barrier run.
func (m *Master) restartLocked(ctx context.Context, job *jobmanager.Job, reason string) {
	old := types.RunID{Job: job.ID, Attempt: job.Attempt}
	if err := barrier.Kill(ctx, m.svc, old, reason); err != nil {
		m.logger.Warn("Failed to cancel run", "run", old, "error", err)
	}
	m.killOnGrooms(ctx, job.ID)

	next, err := m.jobs.Restart(job.ID, reason)
	if err != nil {
		m.logger.Error("Restart rejected", "job", job.ID, "error", err)
		return
	}
	m.metrics.RecordRestart()
	m.mu.Lock()
	delete(m.adopting, job.ID)
	m.mu.Unlock()
	m.logger.Warn("Restarting job", "job", job.ID, "attempt", next.Attempt, "reason", reason)

	run := types.RunID{Job: next.ID, Attempt: next.Attempt}
	if err := barrier.InitRun(ctx, m.svc, run, next.Descriptor.Partitions); err != nil {
		m.terminateLocked(ctx, job.ID, types.JobFailed, "barrier init: "+err.Error())
		return
	}
	m.writeRecord(ctx, job.ID)
	if err := m.place(ctx, next); err != nil {
		m.terminateLocked(ctx, job.ID, types.JobFailed, err.Error())
		return
	}
	m.writeRecord(ctx, job.ID)
}

// terminateLocked moves a job to a terminal state. A job that did not
// succeed has its run cancelled and its tasks killed; the barrier state of
// a successful run is removed right away.
func (m *Master) terminateLocked(ctx context.Context, id types.JobID, state types.JobState, reason string) {
	job, ok := m.jobs.Get(id)
	if !ok || job.State.Terminal() {
		return
	}
	run := types.RunID{Job: id, Attempt: job.Attempt}
	if state != types.JobSucceeded {
		if err := barrier.Kill(ctx, m.svc, run, reason); err != nil {
			m.logger.Warn("Failed to cancel run", "run", run, "error", err)
		}
	}
	job, err := m.jobs.Transition(id, state, reason)
	if err != nil {
		m.logger.Error("Terminal transition rejected", "job", id, "state", state, "error", err)
		return
	}
	m.writeRecord(ctx, id)

	if state == types.JobSucceeded {
		if err := barrier.CleanupRun(ctx, m.svc, run); err != nil {
			m.logger.Warn("Failed to clean up run", "run", run, "error", err)
		}
	} else {
		m.killOnGrooms(ctx, id)
	}
	m.mu.Lock()
	delete(m.adopting, id)
	m.mu.Unlock()

	took := time.Duration(job.FinishedAt-job.CreatedAt) * time.Millisecond
	m.metrics.RecordFinished(string(state), took.Seconds())
	if state == types.JobSucceeded {
		m.logger.Info("Job finished", "job", id, "state", state, "attempt", job.Attempt, "duration", took)
	} else {
		m.logger.Warn("Job finished", "job", id, "state", state, "attempt", job.Attempt, "reason", reason)
	}
}

// killOnGrooms asks every groom hosting a task of the job to stop it.
func (m *Master) killOnGrooms(ctx context.Context, id types.JobID) {
	type target struct {
		name   string
		client GroomClient
	}
	var targets []target
	m.mu.Lock()
	for _, name := range m.order {
		g := m.grooms[name]
		for task := range g.tasks {
			if task.Job == id {
				targets = append(targets, target{name, g.client})
				break
			}
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
			defer cancel()
			if err := t.client.KillJob(kctx, id); err != nil {
				m.logger.Warn("Failed to kill tasks", "job", id, "groom", t.name, "error", err)
			}
		}()
	}
	wg.Wait()
}

// ============================================================================
// Retention
// ============================================================================

func (m *Master) janitorLoop() {
	defer m.loopWg.Done()
	ctx, cancel := m.loopContext()
	defer cancel()
	ticker := time.NewTicker(m.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.archiveExpired(ctx, m.now())
		}
	}
}

// archiveExpired removes terminal jobs older than the retention period
// together with their records and barrier runs.
func (m *Master) archiveExpired(ctx context.Context, now time.Time) int {
	n := 0
	for _, id := range m.jobs.Expired(now, m.cfg.JobRetention) {
		job, ok := m.jobs.Get(id)
		if !ok {
			continue
		}
		for a := 1; a <= job.Attempt; a++ {
			run := types.RunID{Job: id, Attempt: a}
			if err := barrier.CleanupRun(ctx, m.svc, run); err != nil {
				m.logger.Warn("Failed to clean up run", "run", run, "error", err)
			}
		}
		err := m.svc.Delete(ctx, jobRecordPath(id), coord.AnyVersion)
		if err != nil && !errors.Is(err, coord.ErrNoNode) {
			m.logger.Warn("Failed to delete job record", "job", id, "error", err)
			continue
		}
		m.jobs.Remove(id)
		n++
		m.logger.Debug("Job archived", "job", id, "state", job.State)
	}
	return n
}
