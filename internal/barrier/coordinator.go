package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grailbio/base/retry"

	"github.com/ChuLiYu/groombsp/internal/coord"
)

var stepRetryPolicy = retry.Backoff(10*time.Millisecond, time.Second, 2)

// Coordinator releases supersteps. Only one coordinator is active per
// namespace: it holds the ephemeral CoordinatorPath node, and a standby
// takes over when that node disappears.
type Coordinator struct {
	svc    coord.Service
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*runDriver
	wg   sync.WaitGroup
	// kick wakes Run when a driver exits, in case its run was re-created.
	kick chan struct{}

	// OnRelease, if set, is called after each release. Used by metrics.
	OnRelease func(run string, rel Release)
}

// NewCoordinator returns a coordinator identified by name in the namespace.
func NewCoordinator(svc coord.Service, name string) *Coordinator {
	return &Coordinator{
		svc:    svc,
		name:   name,
		logger: slog.With("component", "coordinator", "name", name),
		runs:   make(map[string]*runDriver),
		kick:   make(chan struct{}, 1),
	}
}

type runDriver struct {
	cancel context.CancelFunc
}

// Run becomes the active coordinator and drives every run until ctx is done
// or the coordination session ends.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := coord.CreateAll(ctx, c.svc, RunsPath); err != nil {
		return err
	}
	if err := c.elect(ctx); err != nil {
		return err
	}
	c.logger.Info("Barrier coordinator active")
	defer func() {
		c.mu.Lock()
		for _, d := range c.runs {
			d.cancel()
		}
		c.mu.Unlock()
		c.wg.Wait()
	}()

	for {
		wctx, cancel := context.WithCancel(ctx)
		ch, err := c.svc.Watch(wctx, RunsPath)
		if err != nil {
			cancel()
			return err
		}
		names, err := c.svc.Children(ctx, RunsPath)
		if err != nil {
			cancel()
			return err
		}
		c.sync(ctx, names)
		select {
		case <-ch:
			cancel()
		case <-c.kick:
			cancel()
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-c.svc.Done():
			cancel()
			return coord.ErrSessionExpired
		}
	}
}

func (c *Coordinator) elect(ctx context.Context) error {
	for {
		err := c.svc.Create(ctx, CoordinatorPath, []byte(c.name), coord.Ephemeral)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coord.ErrNodeExists) {
			return fmt.Errorf("elect coordinator: %w", err)
		}
		c.logger.Info("Another coordinator is active, standing by")
		wctx, cancel := context.WithCancel(ctx)
		ch, err := c.svc.Watch(wctx, CoordinatorPath)
		if err != nil {
			cancel()
			return err
		}
		if ok, _, err := c.svc.Exists(ctx, CoordinatorPath); err != nil || !ok {
			cancel()
			if err != nil {
				return err
			}
			continue
		}
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-c.svc.Done():
			cancel()
			return coord.ErrSessionExpired
		}
	}
}

// sync starts a driver for every run without one and stops drivers of
// removed runs. A driver that exits on its own leaves the map, so a later
// sync starts a fresh one.
func (c *Coordinator) sync(ctx context.Context, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
		if _, ok := c.runs[name]; ok {
			continue
		}
		rctx, cancel := context.WithCancel(ctx)
		d := &runDriver{cancel: cancel}
		c.runs[name] = d
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.driveRun(rctx, coord.Join(RunsPath, name))
			cancel()
			c.mu.Lock()
			if c.runs[name] == d {
				delete(c.runs, name)
			}
			c.mu.Unlock()
			select {
			case c.kick <- struct{}{}:
			default:
			}
		}()
	}
	for name, d := range c.runs {
		if !present[name] {
			d.cancel()
			delete(c.runs, name)
		}
	}
}

var errRunDone = errors.New("run done")

func (c *Coordinator) driveRun(ctx context.Context, run string) {
	logger := c.logger.With("run", run)
	for attempt := 0; ; {
		rel, err := readReleased(ctx, c.svc, run)
		if err == nil {
			err = c.driveStep(ctx, run, rel.Superstep+1)
		}
		if errors.Is(err, coord.ErrNoNode) && ctx.Err() == nil {
			// The run node appears before its children.
			err = c.awaitInit(ctx, run)
			if err == nil {
				continue
			}
		}
		switch {
		case err == nil:
			attempt = 0
			continue
		case errors.Is(err, errRunDone):
			// A killed run keeps its driver until the run is removed.
			if err := c.awaitKillRemoved(ctx, run); err != nil {
				return
			}
			logger.Debug("Stopped driving run", "reason", errRunDone)
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, coord.ErrSessionExpired):
			return
		}
		logger.Warn("Barrier step failed, retrying", "error", err)
		if retry.Wait(ctx, stepRetryPolicy, attempt) != nil {
			return
		}
		attempt++
	}
}

// awaitInit blocks until the expected and released nodes of run exist. It
// returns errRunDone if the run itself is gone.
func (c *Coordinator) awaitInit(ctx context.Context, run string) error {
	for {
		wctx, cancel := context.WithCancel(ctx)
		wake, err := watchAny(wctx, c.svc, run, expectedPath(run), releasedPath(run))
		if err != nil {
			cancel()
			return err
		}
		ready := true
		for _, p := range []string{run, expectedPath(run), releasedPath(run)} {
			ok, _, err := c.svc.Exists(ctx, p)
			if err != nil {
				cancel()
				return err
			}
			if !ok && p == run {
				cancel()
				return errRunDone
			}
			ready = ready && ok
		}
		if ready {
			cancel()
			return nil
		}
		select {
		case <-wake:
			cancel()
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-c.svc.Done():
			cancel()
			return coord.ErrSessionExpired
		}
	}
}

func (c *Coordinator) awaitKillRemoved(ctx context.Context, run string) error {
	for {
		wctx, cancel := context.WithCancel(ctx)
		ch, err := c.svc.Watch(wctx, killPath(run))
		if err != nil {
			cancel()
			return err
		}
		if ok, _, err := c.svc.Exists(ctx, killPath(run)); err != nil || !ok {
			cancel()
			return err
		}
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-c.svc.Done():
			cancel()
			return coord.ErrSessionExpired
		}
	}
}

// driveStep waits until every expected member arrived at superstep s, then
// writes the ready marker and advances the released counter. A kill marker
// produces a cancelled release instead.
func (c *Coordinator) driveStep(ctx context.Context, run string, s int64) error {
	for {
		wctx, cancel := context.WithCancel(ctx)
		wake, err := watchAny(wctx, c.svc, arrivalsPath(run, s), expectedPath(run), killPath(run), run)
		if err != nil {
			cancel()
			return err
		}
		done, err := c.evaluate(ctx, run, s)
		if done || err != nil {
			cancel()
			return err
		}
		select {
		case <-wake:
			cancel()
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
}

func (c *Coordinator) evaluate(ctx context.Context, run string, s int64) (bool, error) {
	if ok, _, err := c.svc.Exists(ctx, run); err != nil {
		return false, err
	} else if !ok {
		return false, errRunDone
	}

	if reason, _, err := c.svc.Get(ctx, killPath(run)); err == nil {
		rel := Release{Superstep: s, Cancelled: true, Reason: string(reason)}
		if err := c.writeReady(ctx, run, rel); err != nil {
			return false, err
		}
		c.logger.Info("Run cancelled", "run", run, "superstep", s)
		return false, errRunDone
	} else if !errors.Is(err, coord.ErrNoNode) {
		return false, err
	}

	// A ready marker without a matching released counter means an earlier
	// coordinator stopped between the two writes.
	if data, _, err := c.svc.Get(ctx, readyPath(run, s)); err == nil {
		var rel Release
		if err := decode(data, &rel); err != nil {
			return false, err
		}
		return true, c.advance(ctx, run, rel)
	} else if !errors.Is(err, coord.ErrNoNode) {
		return false, err
	}

	data, _, err := c.svc.Get(ctx, expectedPath(run))
	if err != nil {
		return false, err
	}
	var members Members
	if err := decode(data, &members); err != nil {
		return false, err
	}
	if len(members.Partitions) == 0 {
		return false, nil
	}
	names, err := c.svc.Children(ctx, arrivalsPath(run, s))
	if errors.Is(err, coord.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	arrived := make(map[int]string, len(names))
	for _, name := range names {
		if p, ok := parseMember(name); ok {
			arrived[p] = name
		}
	}
	halt := true
	for _, p := range members.Partitions {
		name, ok := arrived[p]
		if !ok {
			return false, nil
		}
		data, _, err := c.svc.Get(ctx, coord.Join(arrivalsPath(run, s), name))
		if errors.Is(err, coord.ErrNoNode) {
			// Retracted between listing and reading.
			return false, nil
		}
		if err != nil {
			return false, err
		}
		var a Arrival
		if err := decode(data, &a); err != nil {
			return false, err
		}
		halt = halt && a.VoteToHalt
	}

	rel := Release{Superstep: s, Halt: halt}
	if err := c.writeReady(ctx, run, rel); err != nil {
		return false, err
	}
	c.logger.Debug("Released superstep", "run", run, "superstep", s, "members", len(members.Partitions), "halt", halt)
	return true, c.advance(ctx, run, rel)
}

func (c *Coordinator) writeReady(ctx context.Context, run string, rel Release) error {
	if err := c.svc.Create(ctx, stepPath(run, rel.Superstep), nil, coord.Persistent); err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return err
	}
	err := c.svc.Create(ctx, readyPath(run, rel.Superstep), encode(rel), coord.Persistent)
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return err
	}
	return nil
}

func (c *Coordinator) advance(ctx context.Context, run string, rel Release) error {
	if err := advanceReleased(ctx, c.svc, run, rel); err != nil {
		return err
	}
	if c.OnRelease != nil {
		c.OnRelease(run, rel)
	}
	return nil
}

// advanceReleased moves the released counter of run up to rel. It never
// moves the counter back, so any party holding a ready marker may call it.
func advanceReleased(ctx context.Context, svc coord.Service, run string, rel Release) error {
	_, err := coord.Update(ctx, svc, releasedPath(run), func(old []byte) ([]byte, error) {
		var cur Released
		if err := decode(old, &cur); err != nil {
			return nil, err
		}
		if cur.Superstep >= rel.Superstep {
			return old, nil
		}
		return encode(Released{Superstep: rel.Superstep, Halt: rel.Halt}), nil
	})
	return err
}
