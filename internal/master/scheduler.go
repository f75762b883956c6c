package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grailbio/base/retry"

	"github.com/ChuLiYu/groombsp/internal/jobmanager"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

var assignPolicy = retry.Backoff(50*time.Millisecond, time.Second, 2)

// totalFreeLocked sums the free slots of live grooms.
func (m *Master) totalFreeLocked() int {
	n := 0
	for _, g := range m.grooms {
		if f := g.free(); f > 0 {
			n += f
		}
	}
	return n
}

// pickGroomLocked returns the live groom with the most free slots, the
// earliest registered one on ties. Grooms in exclude are skipped.
func (m *Master) pickGroomLocked(exclude map[string]bool) *groomEntry {
	var best *groomEntry
	for _, name := range m.order {
		g := m.grooms[name]
		if exclude[name] || g.free() <= 0 {
			continue
		}
		if best == nil || g.free() > best.free() {
			best = g
		}
	}
	return best
}

// place assigns every partition of the job's current attempt, in partition
// order, recomputing the choice of groom for each one.
func (m *Master) place(ctx context.Context, job *jobmanager.Job) error {
	for p := 0; p < job.Descriptor.Partitions; p++ {
		if err := m.assignPartition(ctx, job, p); err != nil {
			return err
		}
	}
	return nil
}

// assignPartition places one task. A groom that answers with
// types.ErrNoFreeSlot did not take the task, so the next attempt tries
// another groom. Any other error leaves the outcome unknown: the groom may
// have started the task and lost the reply. The reservation then stays and
// the same groom is asked again, since assignment is idempotent per attempt.
func (m *Master) assignPartition(ctx context.Context, job *jobmanager.Job, partition int) error {
	task := types.TaskAttemptID{TaskID: types.TaskID{Job: job.ID, Partition: partition}, Attempt: job.Attempt}
	tried := make(map[string]bool)
	var (
		lastErr error
		unsure  *groomEntry
	)
	for attempt := 0; attempt < m.cfg.MaxAssignRetries; attempt++ {
		if attempt > 0 {
			if err := retry.Wait(ctx, assignPolicy, attempt-1); err != nil {
				m.abandonAssignment(ctx, unsure, task)
				return err
			}
		}

		m.mu.Lock()
		g := unsure
		if g != nil && m.grooms[g.identity.Name] != g {
			// The groom was lost, and its tasks with it.
			g, unsure = nil, nil
		}
		if g == nil {
			g = m.pickGroomLocked(tried)
			if g == nil && len(tried) > 0 {
				g = m.pickGroomLocked(nil)
			}
		}
		if g == nil {
			m.mu.Unlock()
			continue
		}
		// Reserve the slot until the groom reports the task.
		if _, ok := g.tasks[task]; !ok {
			g.tasks[task] = types.TaskReport{Task: task, State: types.TaskRunning}
		}
		name, client := g.identity.Name, g.client
		m.refreshStatusLocked()
		m.mu.Unlock()

		actx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		err := client.AssignTask(actx, types.Assignment{Task: task, Descriptor: job.Descriptor})
		cancel()
		if err == nil {
			if err := m.jobs.AssignTask(job.ID, partition, name); err != nil {
				return err
			}
			m.logger.Debug("Task assigned", "task", task, "groom", name)
			return nil
		}

		lastErr = err
		if !errors.Is(err, types.ErrNoFreeSlot) {
			unsure = g
			m.logger.Warn("Assignment outcome unknown, asking the same groom again", "task", task, "groom", name, "attempt", attempt, "error", err)
			continue
		}
		unsure = nil
		tried[name] = true
		m.releaseReservation(g, task)
		m.logger.Warn("Assignment rejected", "task", task, "groom", name, "attempt", attempt, "error", err)
	}
	m.abandonAssignment(ctx, unsure, task)
	if lastErr == nil {
		return fmt.Errorf("place %s: no groom with a free slot: %w", task, types.ErrInsufficientCapacity)
	}
	if errors.Is(lastErr, types.ErrNoFreeSlot) {
		return fmt.Errorf("place %s: %w: %v", task, types.ErrInsufficientCapacity, lastErr)
	}
	return fmt.Errorf("place %s: %w", task, lastErr)
}

func (m *Master) releaseReservation(g *groomEntry, task types.TaskAttemptID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.grooms[g.identity.Name]; ok && cur == g {
		delete(g.tasks, task)
		m.refreshStatusLocked()
	}
}

// abandonAssignment gives up on a groom that may be running task: the
// groom is told to kill the job before the reservation is dropped. A task
// that did start reports its end through the heartbeat.
func (m *Master) abandonAssignment(ctx context.Context, g *groomEntry, task types.TaskAttemptID) {
	if g == nil {
		return
	}
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RPCTimeout)
	defer cancel()
	if err := g.client.KillJob(kctx, task.Job); err != nil {
		m.logger.Warn("Failed to kill unconfirmed task", "task", task, "groom", g.identity.Name, "error", err)
	}
	m.releaseReservation(g, task)
}
