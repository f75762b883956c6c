// Package barrier implements superstep synchronisation on top of a
// coordination service. Tasks use a Client to arrive at and leave a
// superstep; a single Coordinator per cluster releases a superstep once
// every expected member has arrived.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// Client is the task side of the barrier. It is safe for concurrent use by
// the tasks of one groom.
type Client struct {
	svc     coord.Service
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient returns a client. A positive timeout bounds how long Enter
// waits for a release.
func NewClient(svc coord.Service, timeout time.Duration) *Client {
	return &Client{
		svc:     svc,
		timeout: timeout,
		logger:  slog.With("component", "barrier"),
	}
}

// Enter records the arrival of task at superstep and blocks until the
// superstep is released, the run is killed or the timeout passes.
//
// Entering a superstep that was already released returns at once, and
// entering twice before the release counts once.
func (c *Client) Enter(ctx context.Context, task types.TaskAttemptID, superstep int64, arrival Arrival) (Release, error) {
	run := runPath(task.Run())

	rel, err := readReleased(ctx, c.svc, run)
	if err != nil {
		return Release{}, c.runGone(task, err)
	}
	if rel.Superstep >= superstep {
		return Release{Superstep: superstep, Halt: rel.Superstep == superstep && rel.Halt}, nil
	}
	if killed, _, err := c.svc.Exists(ctx, killPath(run)); err != nil {
		return Release{}, err
	} else if killed {
		return Release{}, fmt.Errorf("task %s: %w", task, types.ErrJobKilled)
	}

	for _, p := range []string{stepPath(run, superstep), arrivalsPath(run, superstep)} {
		if err := c.svc.Create(ctx, p, nil, coord.Persistent); err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return Release{}, c.runGone(task, err)
		}
	}
	me := coord.Join(arrivalsPath(run, superstep), memberName(task.Partition))
	if err := c.svc.Create(ctx, me, encode(arrival), coord.Ephemeral); err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return Release{}, c.runGone(task, err)
	}
	c.logger.Debug("Arrived", "task", task, "superstep", superstep, "vote_to_halt", arrival.VoteToHalt)

	var deadline <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		wctx, cancel := context.WithCancel(ctx)
		wake, err := watchAny(wctx, c.svc, readyPath(run, superstep), killPath(run))
		if err != nil {
			cancel()
			return Release{}, err
		}
		if r, ok, err := c.checkRelease(ctx, task, run, superstep); ok || err != nil {
			cancel()
			return r, err
		}
		select {
		case <-wake:
			cancel()
		case <-deadline:
			cancel()
			return c.timedOut(task, run, superstep, me)
		case <-ctx.Done():
			cancel()
			return Release{}, ctx.Err()
		case <-c.svc.Done():
			cancel()
			return Release{}, coord.ErrSessionExpired
		}
	}
}

// checkRelease reports whether superstep was released or the run killed.
func (c *Client) checkRelease(ctx context.Context, task types.TaskAttemptID, run string, superstep int64) (Release, bool, error) {
	data, _, err := c.svc.Get(ctx, readyPath(run, superstep))
	switch {
	case err == nil:
		var r Release
		if err := decode(data, &r); err != nil {
			return Release{}, true, fmt.Errorf("decode release: %w", err)
		}
		if r.Cancelled {
			return r, true, fmt.Errorf("task %s: %s: %w", task, r.Reason, types.ErrJobKilled)
		}
		return r, true, nil
	case !errors.Is(err, coord.ErrNoNode):
		return Release{}, true, err
	}
	if killed, _, err := c.svc.Exists(ctx, killPath(run)); err != nil {
		return Release{}, true, err
	} else if killed {
		return Release{}, true, fmt.Errorf("task %s: %w", task, types.ErrJobKilled)
	}
	return Release{}, false, nil
}

func (c *Client) timedOut(task types.TaskAttemptID, run string, superstep int64, me string) (Release, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.svc.Delete(ctx, me, coord.AnyVersion); err != nil && !errors.Is(err, coord.ErrNoNode) {
		c.logger.Warn("Failed to retract arrival", "task", task, "error", err)
	}
	// The release may have landed while the arrival was being retracted.
	if r, ok, err := c.checkRelease(ctx, task, run, superstep); ok {
		return r, err
	}
	c.logger.Warn("Barrier timed out", "task", task, "superstep", superstep, "timeout", c.timeout)
	return Release{}, fmt.Errorf("task %s superstep %d after %s: %w", task, superstep, c.timeout, types.ErrBarrierTimeout)
}

func (c *Client) runGone(task types.TaskAttemptID, err error) error {
	if errors.Is(err, coord.ErrNoNode) {
		return fmt.Errorf("task %s: run removed: %w", task, types.ErrJobKilled)
	}
	return err
}

// Leave acknowledges the release of superstep. The last member to leave
// removes the superstep's records.
func (c *Client) Leave(ctx context.Context, task types.TaskAttemptID, superstep int64) error {
	run := runPath(task.Run())
	arrivals := arrivalsPath(run, superstep)
	err := c.svc.Delete(ctx, coord.Join(arrivals, memberName(task.Partition)), coord.AnyVersion)
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return err
	}

	// The ready marker is written before the released counter moves, so it
	// is the proof of release. Advance the counter before the marker goes.
	data, _, err := c.svc.Get(ctx, readyPath(run, superstep))
	if err != nil {
		return nil
	}
	var rel Release
	if err := decode(data, &rel); err != nil || rel.Cancelled {
		return nil
	}
	if err := advanceReleased(ctx, c.svc, run, rel); err != nil {
		return nil
	}
	left, err := c.svc.Children(ctx, arrivals)
	if err != nil || len(left) > 0 {
		return nil
	}
	for _, p := range []string{readyPath(run, superstep), arrivals, stepPath(run, superstep)} {
		if err := c.svc.Delete(ctx, p, coord.AnyVersion); err != nil && !errors.Is(err, coord.ErrNoNode) {
			// Another member is still cleaning up, or a late arrival landed.
			return nil
		}
	}
	return nil
}

// RegisterPeer publishes the endpoint of a task for the run. The entry
// disappears with the task's session.
func (c *Client) RegisterPeer(ctx context.Context, task types.TaskAttemptID, addr string) error {
	p := coord.Join(peersPath(runPath(task.Run())), memberName(task.Partition))
	err := c.svc.Create(ctx, p, encode(Peer{Partition: task.Partition, Addr: addr}), coord.Ephemeral)
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return c.runGone(task, err)
	}
	return nil
}

// GetAllPeerNames returns the registered peer endpoints of a run ordered by
// partition.
func (c *Client) GetAllPeerNames(ctx context.Context, run types.RunID) ([]string, error) {
	dir := peersPath(runPath(run))
	names, err := c.svc.Children(ctx, dir)
	if err != nil {
		return nil, err
	}
	peers := make([]string, 0, len(names))
	for _, name := range names {
		data, _, err := c.svc.Get(ctx, coord.Join(dir, name))
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var p Peer
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		peers = append(peers, p.Addr)
	}
	return peers, nil
}

// watchAny watches every path and returns a channel that is closed on the
// first event. The watches are dropped when ctx is cancelled.
func watchAny(ctx context.Context, svc coord.Service, paths ...string) (<-chan struct{}, error) {
	wake := make(chan struct{})
	fire := make(chan struct{}, len(paths))
	for _, p := range paths {
		ch, err := svc.Watch(ctx, p)
		if err != nil {
			return nil, err
		}
		go func() {
			select {
			case <-ch:
				fire <- struct{}{}
			case <-ctx.Done():
			}
		}()
	}
	go func() {
		select {
		case <-fire:
			close(wake)
		case <-ctx.Done():
		}
	}()
	return wake, nil
}
