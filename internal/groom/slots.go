// ============================================================================
// Slot table - the groom's task slots
// ============================================================================
//
// Package: internal/groom
// File: slots.go
//
// A groom offers MaxTasks slots. Each slot runs at most one task attempt in
// its own goroutine:
//
//	┌──────────────────────────────┐
//	│ Groom                        │
//	│  slot 0 ── task j1/p00000@1  │
//	│  slot 1 ── (free)            │
//	│  slot 2 ── task j2/p00003@2  │
//	└──────────────────────────────┘
//
// Concurrency:
//   - the table is only read or written under the groom's mutex
//   - a slot is freed by its own task goroutine when the task ends, and the
//     final report moves to the finished set until a heartbeat delivers it
//
// ============================================================================

package groom

import (
	"context"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

type slot struct {
	index     int
	task      types.TaskAttemptID
	desc      types.JobDescriptor
	state     types.TaskState
	superstep int64
	reason    string
	killed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *slot) report() types.TaskReport {
	return types.TaskReport{
		Task:      s.task,
		Slot:      s.index,
		State:     s.state,
		Superstep: s.superstep,
		Reason:    s.reason,
	}
}

// findLocked returns the slot running task, if any.
func (g *Groom) findLocked(task types.TaskAttemptID) *slot {
	for _, s := range g.slots {
		if s != nil && s.task == task {
			return s
		}
	}
	return nil
}

// freeSlotLocked returns the lowest free slot index, or -1.
func (g *Groom) freeSlotLocked() int {
	for i, s := range g.slots {
		if s == nil {
			return i
		}
	}
	return -1
}

func (g *Groom) runningLocked() int {
	n := 0
	for _, s := range g.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// reportsLocked returns the reports of occupied slots followed by the
// finished reports not yet applied by the master.
func (g *Groom) reportsLocked() []types.TaskReport {
	var out []types.TaskReport
	for _, s := range g.slots {
		if s != nil {
			out = append(out, s.report())
		}
	}
	return append(out, g.finished...)
}

// releaseLocked frees the slot of s and keeps its final report.
func (g *Groom) releaseLocked(s *slot) {
	if g.slots[s.index] == s {
		g.slots[s.index] = nil
	}
	g.finished = append(g.finished, s.report())
}
