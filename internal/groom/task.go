// ============================================================================
// Task runner - one BSP task attempt
// ============================================================================
//
// Package: internal/groom
// File: task.go
//
// Each task runs this loop in its slot's goroutine:
//
//	LoadPartition → RegisterPeer
//	for superstep s = 0, 1, ...:
//	    voteToHalt = Compute(s)
//	    release    = Enter(s, voteToHalt)
//	    Leave(s)
//	    if release.Halt: SUCCEEDED
//
// Any error ends the task: a kill (local or via the barrier) is KILLED,
// everything else FAILED. The final state is reported by the next
// heartbeat, which is sent at once.
//
// ============================================================================

package groom

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/payload"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

func (g *Groom) runTask(ctx context.Context, s *slot) {
	defer close(s.done)
	logger := g.logger.With("task", s.task, "slot", s.index)

	err := g.execute(ctx, s)

	g.mu.Lock()
	switch {
	case err == nil:
		s.state = types.TaskSucceeded
	case s.killed || errors.Is(err, types.ErrJobKilled):
		s.state = types.TaskKilled
		s.reason = err.Error()
	default:
		s.state = types.TaskFailed
		s.reason = err.Error()
	}
	g.releaseLocked(s)
	state := s.state
	g.mu.Unlock()

	if err != nil && state == types.TaskFailed {
		logger.Warn("Task failed", "superstep", s.superstep, "error", err)
	} else {
		logger.Info("Task finished", "state", state, "superstep", s.superstep)
	}
	g.kickHeartbeat()
}

func (g *Groom) execute(ctx context.Context, s *slot) error {
	p, err := g.payloads.Lookup(s.desc.Kind)
	if err != nil {
		return err
	}
	task, err := p.LoadPartition(ctx, s.desc, s.task.Partition)
	if err != nil {
		return fmt.Errorf("load partition: %w", err)
	}
	peerAddr := g.identity.PeerAddr() + "/" + strconv.Itoa(s.task.Partition)
	if err := g.barrier.RegisterPeer(ctx, s.task, peerAddr); err != nil {
		return fmt.Errorf("register peer: %w", err)
	}

	sc := &payload.Context{Task: s.task, Logger: g.logger}
	for step := int64(0); ; step++ {
		if len(sc.Peers) < s.desc.Partitions {
			peers, err := g.barrier.GetAllPeerNames(ctx, s.task.Run())
			if err != nil {
				return fmt.Errorf("peers: %w", err)
			}
			sc.Peers = peers
		}
		sc.Superstep = step
		g.setProgress(s, step)

		halt, err := task.Compute(ctx, sc)
		if err != nil {
			return fmt.Errorf("superstep %d: %w", step, err)
		}
		rel, err := g.barrier.Enter(ctx, s.task, step, barrier.Arrival{Groom: g.identity.Name, VoteToHalt: halt})
		if err != nil {
			return err
		}
		if err := g.barrier.Leave(ctx, s.task, step); err != nil {
			g.logger.Debug("Leave failed", "task", s.task, "superstep", step, "error", err)
		}
		if rel.Halt {
			return nil
		}
	}
}

func (g *Groom) setProgress(s *slot, step int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.superstep = step
}
