package localcluster

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groombsp/internal/input"
	"github.com/ChuLiYu/groombsp/internal/master"
	"github.com/ChuLiYu/groombsp/internal/payload"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

func startCluster(t *testing.T, cfg Config) (*Cluster, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	if cfg.Master.HeartbeatInterval == 0 {
		cfg.Master.HeartbeatInterval = 50 * time.Millisecond
	}
	if cfg.Master.MissedHeartbeats == 0 {
		cfg.Master.MissedHeartbeats = 10
	}
	c, err := Start(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return c, ctx
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func placement(st types.JobStatus) map[string][]int {
	out := make(map[string][]int)
	for _, task := range st.Tasks {
		out[task.Groom] = append(out[task.Groom], task.Partition)
	}
	return out
}

func TestStartRegistersGroomsInOrder(t *testing.T) {
	c, _ := startCluster(t, Config{})

	st := c.Master().ClusterStatus()
	assert.Equal(t, []string{"groom_0", "groom_1", "groom_2"}, st.ActiveGroomNames())
	assert.Equal(t, 6, st.MaxTasks)
	assert.Equal(t, types.MasterRunning, st.MasterState)
	assert.Equal(t, []string{"groom_0", "groom_1", "groom_2"}, c.Grooms())
}

func TestJobRunsToCompletion(t *testing.T) {
	c, ctx := startCluster(t, Config{})

	id, err := c.Master().SubmitJob(ctx, types.JobDescriptor{
		Name:       "steps",
		Kind:       payload.KindSupersteps,
		Partitions: 4,
		Input:      mustJSON(t, payload.SuperstepsInput{Supersteps: 3}),
	})
	require.NoError(t, err)

	st, err := c.WaitJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.JobSucceeded, st.State, st.Reason)
	assert.Equal(t, map[string][]int{"groom_0": {0, 3}, "groom_1": {1}, "groom_2": {2}}, placement(st))
	for _, task := range st.Tasks {
		assert.Equal(t, types.TaskSucceeded, task.State)
		assert.Equal(t, int64(2), task.Superstep)
	}
	require.Eventually(t, func() bool {
		return c.Master().ClusterStatus().ActiveTasks == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSumJobWritesPartials(t *testing.T) {
	c, ctx := startCluster(t, Config{})
	out := t.TempDir()

	id, err := c.Master().SubmitJob(ctx, types.JobDescriptor{
		Kind:       payload.KindSum,
		Partitions: 2,
		Input: mustJSON(t, payload.SumInput{
			Spec:   input.Spec{Values: []string{"1", "2", "3", "4", "5", "6"}},
			Output: out,
		}),
	})
	require.NoError(t, err)

	st, err := c.WaitJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.JobSucceeded, st.State, st.Reason)

	var parts []string
	for _, name := range []string{"part-00000", "part-00001"} {
		b, err := os.ReadFile(filepath.Join(out, name))
		require.NoError(t, err)
		parts = append(parts, strings.TrimSpace(string(b)))
	}
	assert.Equal(t, []string{"6", "15"}, parts)
}

func TestRetryableJobRecovers(t *testing.T) {
	c, ctx := startCluster(t, Config{Master: master.Config{MaxAttempts: 2}})
	fail := 1

	id, err := c.Master().SubmitJob(ctx, types.JobDescriptor{
		Kind:       payload.KindSupersteps,
		Partitions: 3,
		Retryable:  true,
		Input: mustJSON(t, payload.SuperstepsInput{
			Supersteps:    3,
			FailPartition: &fail,
			FailAt:        1,
			FailAttempt:   1,
		}),
	})
	require.NoError(t, err)

	st, err := c.WaitJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, st.State, st.Reason)
	assert.Equal(t, 2, st.Attempt)
}

func TestFailingJobWithoutRetry(t *testing.T) {
	c, ctx := startCluster(t, Config{})
	fail := 0

	id, err := c.Master().SubmitJob(ctx, types.JobDescriptor{
		Kind:       payload.KindSupersteps,
		Partitions: 2,
		Input:      mustJSON(t, payload.SuperstepsInput{Supersteps: 5, FailPartition: &fail, FailAt: 2}),
	})
	require.NoError(t, err)

	st, err := c.WaitJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, st.State)
	assert.Contains(t, st.Reason, "injected failure at superstep 2")
	assert.Equal(t, types.TaskFailed, st.Tasks[0].State)
}

func TestKillJob(t *testing.T) {
	c, ctx := startCluster(t, Config{})

	id, err := c.Master().SubmitJob(ctx, types.JobDescriptor{
		Kind:       payload.KindSupersteps,
		Partitions: 2,
		Input:      mustJSON(t, payload.SuperstepsInput{Supersteps: 1 << 20, DelayMs: 5}),
	})
	require.NoError(t, err)
	require.NoError(t, c.Master().KillJob(ctx, id))

	st, err := c.WaitJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobKilled, st.State)
	require.Eventually(t, func() bool {
		return c.Master().ClusterStatus().ActiveTasks == 0
	}, 5*time.Second, 10*time.Millisecond, "killed tasks must free their slots")
}

func TestGroomFailureMidSuperstep(t *testing.T) {
	c, ctx := startCluster(t, Config{Master: master.Config{MissedHeartbeats: 4}})

	id, err := c.Master().SubmitJob(ctx, types.JobDescriptor{
		Kind:       payload.KindSupersteps,
		Partitions: 4,
		Input:      mustJSON(t, payload.SuperstepsInput{Supersteps: 1 << 20, DelayMs: 5}),
	})
	require.NoError(t, err)

	st, err := c.Master().JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"groom_0": {0, 3}, "groom_1": {1}, "groom_2": {2}}, placement(st))

	require.Eventually(t, func() bool {
		st, err := c.Master().JobStatus(ctx, id)
		return err == nil && st.Tasks[1].Superstep >= 2
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, c.KillGroom("groom_0"))
	assert.ErrorIs(t, c.KillGroom("groom_0"), ErrUnknownGroom)

	st, err = c.WaitJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, st.State)
	assert.Contains(t, st.Reason, "groom groom_0 lost")
	assert.Equal(t, types.TaskFailed, st.Tasks[0].State)
	assert.Equal(t, types.TaskFailed, st.Tasks[3].State)

	cs := c.Master().ClusterStatus()
	assert.Len(t, cs.GroomServers, 2)
	assert.Equal(t, []string{"groom_1", "groom_2"}, cs.ActiveGroomNames())
}
