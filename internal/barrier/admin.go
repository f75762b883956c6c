package barrier

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// InitRun creates the barrier state of a run with partitions 0..n-1 as
// members. Calling it again for an existing run changes nothing.
func InitRun(ctx context.Context, svc coord.Service, run types.RunID, partitions int) error {
	p := runPath(run)
	if err := coord.CreateAll(ctx, svc, p); err != nil {
		return err
	}
	members := Members{Partitions: make([]int, partitions)}
	for i := range members.Partitions {
		members.Partitions[i] = i
	}
	nodes := []struct {
		path string
		data []byte
	}{
		{expectedPath(p), encode(members)},
		{releasedPath(p), encode(Released{Superstep: -1})},
		{peersPath(p), nil},
		{stepsPath(p), nil},
	}
	for _, n := range nodes {
		err := svc.Create(ctx, n.path, n.data, coord.Persistent)
		if err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return fmt.Errorf("init run %s: %w", run, err)
		}
	}
	return nil
}

// RemoveMembers shrinks the expected set of a run. The write is a versioned
// compare-and-set, so it never loses a concurrent change.
func RemoveMembers(ctx context.Context, svc coord.Service, run types.RunID, partitions ...int) (Members, error) {
	var out Members
	_, err := coord.Update(ctx, svc, expectedPath(runPath(run)), func(old []byte) ([]byte, error) {
		var m Members
		if err := decode(old, &m); err != nil {
			return nil, err
		}
		out = m.Without(partitions...)
		return encode(out), nil
	})
	if err != nil {
		return Members{}, fmt.Errorf("remove members of %s: %w", run, err)
	}
	return out, nil
}

// Expected returns the current member set of a run.
func Expected(ctx context.Context, svc coord.Service, run types.RunID) (Members, error) {
	data, _, err := svc.Get(ctx, expectedPath(runPath(run)))
	if err != nil {
		return Members{}, err
	}
	var m Members
	if err := decode(data, &m); err != nil {
		return Members{}, err
	}
	return m, nil
}

// LastReleased returns the last released superstep of a run, -1 if none.
func LastReleased(ctx context.Context, svc coord.Service, run types.RunID) (Released, error) {
	return readReleased(ctx, svc, runPath(run))
}

func readReleased(ctx context.Context, svc coord.Service, p string) (Released, error) {
	data, _, err := svc.Get(ctx, releasedPath(p))
	if err != nil {
		return Released{}, err
	}
	var r Released
	if err := decode(data, &r); err != nil {
		return Released{}, err
	}
	return r, nil
}

// Kill marks a run cancelled. Blocked and future barrier calls of the run
// return types.ErrJobKilled.
func Kill(ctx context.Context, svc coord.Service, run types.RunID, reason string) error {
	err := svc.Create(ctx, killPath(runPath(run)), []byte(reason), coord.Persistent)
	if err != nil && !errors.Is(err, coord.ErrNodeExists) && !errors.Is(err, coord.ErrNoNode) {
		return fmt.Errorf("kill run %s: %w", run, err)
	}
	return nil
}

// CleanupRun removes all barrier state of a run.
func CleanupRun(ctx context.Context, svc coord.Service, run types.RunID) error {
	return coord.DeleteAll(ctx, svc, runPath(run))
}

// Runs lists the runs that have barrier state.
func Runs(ctx context.Context, svc coord.Service) ([]string, error) {
	names, err := svc.Children(ctx, RunsPath)
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	return names, err
}
