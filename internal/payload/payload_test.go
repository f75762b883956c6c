package payload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groombsp/internal/input"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

func descriptor(t *testing.T, kind string, partitions int, in any) types.JobDescriptor {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	return types.JobDescriptor{Kind: kind, Partitions: partitions, Input: raw}
}

func sc(partition, attempt int, step int64) *Context {
	return &Context{
		Task:      types.TaskAttemptID{TaskID: types.TaskID{Job: "j", Partition: partition}, Attempt: attempt},
		Superstep: step,
	}
}

func TestRegistry(t *testing.T) {
	r := Builtin()
	assert.Equal(t, []string{KindSum, KindSupersteps}, r.Kinds())

	_, err := r.Lookup("pagerank")
	assert.ErrorIs(t, err, ErrUnknownKind)

	r.Register("noop", Func(func(context.Context, types.JobDescriptor, int) (Task, error) { return nil, nil }))
	_, err = r.Lookup("noop")
	assert.NoError(t, err)
}

func TestSupersteps(t *testing.T) {
	ctx := context.Background()
	p, err := Builtin().Lookup(KindSupersteps)
	require.NoError(t, err)

	task, err := p.LoadPartition(ctx, descriptor(t, KindSupersteps, 2, SuperstepsInput{Supersteps: 3}), 0)
	require.NoError(t, err)
	for step, want := range []bool{false, false, true, true} {
		halt, err := task.Compute(ctx, sc(0, 1, int64(step)))
		require.NoError(t, err)
		assert.Equal(t, want, halt, "superstep %d", step)
	}

	_, err = p.LoadPartition(ctx, descriptor(t, KindSupersteps, 2, SuperstepsInput{Supersteps: -1}), 0)
	assert.ErrorIs(t, err, types.ErrInvalidJob)
	_, err = p.LoadPartition(ctx, types.JobDescriptor{Kind: KindSupersteps, Input: json.RawMessage("[")}, 0)
	assert.ErrorIs(t, err, types.ErrInvalidJob)
}

func TestSuperstepsInjectedFailure(t *testing.T) {
	ctx := context.Background()
	one := 1
	desc := descriptor(t, KindSupersteps, 2, SuperstepsInput{Supersteps: 5, FailPartition: &one, FailAt: 2, FailAttempt: 1})

	other, err := loadSupersteps(ctx, desc, 0)
	require.NoError(t, err)
	_, err = other.Compute(ctx, sc(0, 1, 2))
	assert.NoError(t, err)

	task, err := loadSupersteps(ctx, desc, 1)
	require.NoError(t, err)
	_, err = task.Compute(ctx, sc(1, 1, 1))
	assert.NoError(t, err)
	_, err = task.Compute(ctx, sc(1, 1, 2))
	assert.Error(t, err)
	_, err = task.Compute(ctx, sc(1, 2, 2))
	assert.NoError(t, err, "only the first attempt fails")
}

func TestSuperstepsDelayHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task, err := loadSupersteps(ctx, descriptor(t, KindSupersteps, 1, SuperstepsInput{Supersteps: 1, DelayMs: 60000}), 0)
	require.NoError(t, err)
	_, err = task.Compute(ctx, sc(0, 1, 0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSum(t *testing.T) {
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "out")
	desc := descriptor(t, KindSum, 2, SumInput{
		Spec:   input.Spec{Values: []string{"1", "2", "3", " 4 ", ""}},
		Output: out,
	})

	var total int64
	for p := 0; p < 2; p++ {
		task, err := loadSum(ctx, desc, p)
		require.NoError(t, err)
		halt, err := task.Compute(ctx, sc(p, 1, 0))
		require.NoError(t, err)
		assert.True(t, halt)
		total += task.(*sumTask).Sum
	}
	assert.Equal(t, int64(10), total)

	b, err := os.ReadFile(filepath.Join(out, "part-00001"))
	require.NoError(t, err)
	assert.Equal(t, "7", strings.TrimSpace(string(b)))

	bad := descriptor(t, KindSum, 1, SumInput{Spec: input.Spec{Values: []string{"x"}}})
	task, err := loadSum(ctx, bad, 0)
	require.NoError(t, err)
	_, err = task.Compute(ctx, sc(0, 1, 0))
	assert.Error(t, err)
}
