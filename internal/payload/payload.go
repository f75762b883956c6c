// Package payload defines the user computation run by BSP tasks and a
// registry of the payload kinds a groom can execute.
package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

var ErrUnknownKind = errors.New("payload: unknown kind")

// Context is handed to every Compute call.
type Context struct {
	Task      types.TaskAttemptID
	Superstep int64
	// Peers holds the endpoints of all tasks of the run, ordered by partition.
	Peers  []string
	Logger *slog.Logger
}

// Task is the loaded state of one partition.
type Task interface {
	// Compute runs one superstep and votes whether the task is done. The job
	// halts after the first superstep in which every task votes to halt.
	Compute(ctx context.Context, sc *Context) (voteToHalt bool, err error)
}

// Payload creates tasks for one kind of job.
type Payload interface {
	LoadPartition(ctx context.Context, desc types.JobDescriptor, partition int) (Task, error)
}

// Func adapts a function to Payload.
type Func func(ctx context.Context, desc types.JobDescriptor, partition int) (Task, error)

func (f Func) LoadPartition(ctx context.Context, desc types.JobDescriptor, partition int) (Task, error) {
	return f(ctx, desc, partition)
}

// Registry maps job kinds to payloads.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Payload
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Payload)}
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = p
}

func (r *Registry) Lookup(kind string) (Payload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Builtin returns a registry with the payloads shipped with groombsp.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(KindSupersteps, Func(loadSupersteps))
	r.Register(KindSum, Func(loadSum))
	return r
}
