// ============================================================================
// Job manager - BSP job state machine
// ============================================================================
//
// Package: internal/jobmanager
//
// The job table is the master's in-memory view of every job it knows about.
// It is a cache: each change is also written to the job's coordination record
// by the master, and Restore rebuilds the table from those records.
//
// Job state transitions:
//
//	SUBMITTED ──► RUNNING ──► SUCCEEDED
//	    │            ├──────► FAILED
//	    │            └──────► KILLED
//	    └──────────► FAILED | KILLED
//
// Terminal states never change again. A retryable job restarts as a new
// attempt without leaving RUNNING.
//
// Concurrency:
//   - sync.RWMutex protects all structures
//   - readers get copies, never pointers into the table
//
// ============================================================================

package jobmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrDuplicateJob      = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

var transitions = map[types.JobState][]types.JobState{
	types.JobSubmitted: {types.JobRunning, types.JobFailed, types.JobKilled},
	types.JobRunning:   {types.JobSucceeded, types.JobFailed, types.JobKilled},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to types.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ============================================================================
// Data
// ============================================================================

// Job is one entry of the table. It doubles as the coordination record of
// the job, hence the JSON tags.
type Job struct {
	ID         types.JobID         `json:"id"`
	Descriptor types.JobDescriptor `json:"descriptor"`
	State      types.JobState      `json:"state"`
	Attempt    int                 `json:"attempt"`
	Reason     string              `json:"reason,omitempty"`
	Tasks      []types.TaskStatus  `json:"tasks"`
	CreatedAt  int64               `json:"created_at"`
	UpdatedAt  int64               `json:"updated_at"`
	FinishedAt int64               `json:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Tasks = append([]types.TaskStatus(nil), j.Tasks...)
	return &cp
}

// Status converts the job to its wire form.
func (j *Job) Status() types.JobStatus {
	return types.JobStatus{
		ID:         j.ID,
		Descriptor: j.Descriptor,
		State:      j.State,
		Attempt:    j.Attempt,
		Reason:     j.Reason,
		Tasks:      append([]types.TaskStatus(nil), j.Tasks...),
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

// Marshal encodes the job as its coordination record.
func (j *Job) Marshal() ([]byte, error) { return json.Marshal(j) }

// UnmarshalJob decodes a coordination record.
func UnmarshalJob(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// JobManager is the job table.
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*Job
	running map[types.JobID]*Job // non-terminal jobs
	now     func() time.Time
}

// NewJobManager returns an empty table.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.JobID]*Job),
		running: make(map[types.JobID]*Job),
		now:     time.Now,
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Add records a newly submitted job at attempt 1 with every partition
// PENDING.
func (jm *JobManager) Add(id types.JobID, desc types.JobDescriptor) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	now := jm.now().UnixMilli()
	job := &Job{
		ID:         id,
		Descriptor: desc,
		State:      types.JobSubmitted,
		Attempt:    1,
		Tasks:      pendingTasks(desc.Partitions, 1),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	jm.jobs[id] = job
	jm.running[id] = job
	return job.clone(), nil
}

func pendingTasks(n, attempt int) []types.TaskStatus {
	tasks := make([]types.TaskStatus, n)
	for i := range tasks {
		tasks[i] = types.TaskStatus{Partition: i, Attempt: attempt, State: types.TaskPending}
	}
	return tasks
}

// Transition moves a job to state, recording reason for terminal states.
func (jm *JobManager) Transition(id types.JobID, to types.JobState, reason string) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if !CanTransition(job.State, to) {
		return nil, fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, id, job.State, to)
	}
	now := jm.now().UnixMilli()
	job.State = to
	job.UpdatedAt = now
	if to.Terminal() {
		job.Reason = reason
		job.FinishedAt = now
		delete(jm.running, id)
		// Tasks still running when the job ends are cancelled.
		for i := range job.Tasks {
			if t := &job.Tasks[i]; !t.State.Terminal() && to != types.JobSucceeded {
				t.State = types.TaskKilled
			}
		}
	}
	return job.clone(), nil
}

// Restart begins attempt+1 of a RUNNING job: every task goes back to
// PENDING with the new attempt number.
func (jm *JobManager) Restart(id types.JobID, reason string) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if job.State != types.JobRunning {
		return nil, fmt.Errorf("%w: restart %s in %s", ErrInvalidTransition, id, job.State)
	}
	job.Attempt++
	job.Reason = reason
	job.Tasks = pendingTasks(job.Descriptor.Partitions, job.Attempt)
	job.UpdatedAt = jm.now().UnixMilli()
	return job.clone(), nil
}

// AssignTask records that a partition of the current attempt runs on groom.
func (jm *JobManager) AssignTask(id types.JobID, partition int, groom string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if partition < 0 || partition >= len(job.Tasks) {
		return fmt.Errorf("%w: %s has no partition %d", types.ErrInvalidJob, id, partition)
	}
	t := &job.Tasks[partition]
	t.Groom = groom
	// A fast task may already have reported progress.
	if t.State == types.TaskPending {
		t.State = types.TaskRunning
	}
	job.UpdatedAt = jm.now().UnixMilli()
	return nil
}

// UpdateTask applies a task report. Reports of another attempt, reports
// for jobs that already ended and reports from a groom other than the
// task's assigned groom are ignored. It returns whether anything
// changed.
func (jm *JobManager) UpdateTask(groom string, r types.TaskReport) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.running[r.Task.Job]
	if !ok || r.Task.Attempt != job.Attempt {
		return false
	}
	if r.Task.Partition < 0 || r.Task.Partition >= len(job.Tasks) {
		return false
	}
	t := &job.Tasks[r.Task.Partition]
	if t.State.Terminal() {
		return false
	}
	if t.Groom != "" && t.Groom != groom {
		// Only the groom the task was assigned to speaks for it.
		return false
	}
	if t.State == r.State && t.Superstep == r.Superstep && t.Groom == groom {
		return false
	}
	t.Groom = groom
	t.State = r.State
	t.Superstep = r.Superstep
	t.Reason = r.Reason
	job.UpdatedAt = jm.now().UnixMilli()
	return true
}

// FailTask marks one task of the current attempt FAILED.
func (jm *JobManager) FailTask(id types.JobID, partition int, reason string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.running[id]
	if !ok || partition < 0 || partition >= len(job.Tasks) {
		return false
	}
	t := &job.Tasks[partition]
	if t.State.Terminal() {
		return false
	}
	t.State = types.TaskFailed
	t.Reason = reason
	job.UpdatedAt = jm.now().UnixMilli()
	return true
}

// Remove drops a job from the table.
func (jm *JobManager) Remove(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.jobs, id)
	delete(jm.running, id)
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of the job.
func (jm *JobManager) Get(id types.JobID) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// List returns copies of all jobs ordered by creation time, then id.
func (jm *JobManager) List() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Running returns the ids of non-terminal jobs, sorted.
func (jm *JobManager) Running() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	ids := make([]types.JobID, 0, len(jm.running))
	for id := range jm.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Expired returns terminal jobs that finished more than retention ago.
func (jm *JobManager) Expired(now time.Time, retention time.Duration) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	cutoff := now.Add(-retention).UnixMilli()
	var ids []types.JobID
	for id, job := range jm.jobs {
		if job.State.Terminal() && job.FinishedAt <= cutoff {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats counts jobs per state.
func (jm *JobManager) Stats() map[types.JobState]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	stats := make(map[types.JobState]int)
	for _, job := range jm.jobs {
		stats[job.State]++
	}
	return stats
}

// ============================================================================
// Recovery
// ============================================================================

// Restore replaces the table with the given jobs, typically decoded from
// coordination records after a master restart.
func (jm *JobManager) Restore(jobs []*Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = make(map[types.JobID]*Job, len(jobs))
	jm.running = make(map[types.JobID]*Job)
	for _, j := range jobs {
		job := j.clone()
		jm.jobs[job.ID] = job
		if !job.State.Terminal() {
			jm.running[job.ID] = job
		}
	}
}
