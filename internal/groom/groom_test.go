package groom

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/internal/payload"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeMaster struct {
	mu         sync.Mutex
	registered int
	interval   time.Duration
	beats      []*types.Heartbeat
	respond    func(hb *types.Heartbeat) *types.HeartbeatResponse
	beatCh     chan *types.Heartbeat
}

func newFakeMaster(interval time.Duration) *fakeMaster {
	return &fakeMaster{interval: interval, beatCh: make(chan *types.Heartbeat, 1024)}
}

func (m *fakeMaster) RegisterGroom(context.Context, types.GroomIdentity, int) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered++
	return m.interval, nil
}

func (m *fakeMaster) Heartbeat(_ context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
	m.mu.Lock()
	m.beats = append(m.beats, hb)
	respond := m.respond
	m.mu.Unlock()
	select {
	case m.beatCh <- hb:
	default:
	}
	if respond != nil {
		return respond(hb), nil
	}
	return &types.HeartbeatResponse{Applied: true}, nil
}

func (m *fakeMaster) registrations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

type harness struct {
	tree     *coord.Tree
	admin    coord.Service
	ctx      context.Context
	payloads *payload.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tree, err := coord.NewTree(nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)

	c := barrier.NewCoordinator(tree.NewSession(0), "test")
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		tree.Close()
	})

	payloads := payload.Builtin()
	payloads.Register("block", payload.Func(func(context.Context, types.JobDescriptor, int) (payload.Task, error) {
		return blockTask{}, nil
	}))
	return &harness{tree: tree, admin: tree.NewSession(0), ctx: ctx, payloads: payloads}
}

type blockTask struct{}

func (blockTask) Compute(ctx context.Context, _ *payload.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (h *harness) groom(t *testing.T, name string, slots int, m MasterClient) *Groom {
	t.Helper()
	g, err := New(Config{
		Identity: types.GroomIdentity{Name: name, Host: "localhost", RPCPort: 50000, PeerPort: 61000},
		MaxTasks: slots,
	}, m, barrier.NewClient(h.tree.NewSession(0), 0), h.payloads)
	require.NoError(t, err)
	return g
}

func (h *harness) start(t *testing.T, g *Groom) {
	t.Helper()
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, g.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func assignment(t *testing.T, job string, attempt, partition int, desc types.JobDescriptor) types.Assignment {
	t.Helper()
	return types.Assignment{
		Task:       types.TaskAttemptID{TaskID: types.TaskID{Job: types.JobID(job), Partition: partition}, Attempt: attempt},
		Descriptor: desc,
	}
}

func supersteps(t *testing.T, partitions int, in payload.SuperstepsInput) types.JobDescriptor {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	return types.JobDescriptor{Kind: payload.KindSupersteps, Partitions: partitions, Input: raw}
}

// waitFor reads heartbeats until one satisfies ok.
func waitFor(t *testing.T, m *fakeMaster, ok func(*types.Heartbeat) bool) *types.Heartbeat {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case hb := <-m.beatCh:
			if ok(hb) {
				return hb
			}
		case <-timeout:
			t.Fatal("no matching heartbeat")
			return nil
		}
	}
}

// collect reads heartbeats and keeps the latest report of every partition
// until ok accepts them. Finished reports are dropped once applied, so one
// heartbeat rarely carries every task.
func collect(t *testing.T, m *fakeMaster, ok func(map[int]types.TaskReport) bool) (map[int]types.TaskReport, *types.Heartbeat) {
	t.Helper()
	latest := make(map[int]types.TaskReport)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case hb := <-m.beatCh:
			for _, r := range hb.Tasks {
				latest[r.Task.Partition] = r
			}
			if ok(latest) {
				return latest, hb
			}
		case <-timeout:
			t.Fatalf("no matching heartbeats, latest reports: %v", latest)
			return nil, nil
		}
	}
}

func states(hb *types.Heartbeat) map[int]types.TaskState {
	out := make(map[int]types.TaskState)
	for _, r := range hb.Tasks {
		out[r.Task.Partition] = r.State
	}
	return out
}

// ============================================================================
// Tests
// ============================================================================

func TestNewValidates(t *testing.T) {
	_, err := New(Config{MaxTasks: 1}, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Identity: types.GroomIdentity{Name: "g"}}, nil, nil, nil)
	assert.Error(t, err)
}

func TestAssignTaskSlots(t *testing.T) {
	h := newHarness(t)
	run := types.RunID{Job: "slots", Attempt: 1}
	require.NoError(t, barrier.InitRun(h.ctx, h.admin, run, 3))
	g := h.groom(t, "g0", 2, newFakeMaster(time.Hour))
	t.Cleanup(g.shutdown)

	desc := types.JobDescriptor{Kind: "block", Partitions: 3}
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "slots", 1, 0, desc)))
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "slots", 1, 0, desc)), "idempotent")
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "slots", 1, 1, desc)))

	err := g.AssignTask(h.ctx, assignment(t, "slots", 1, 2, desc))
	assert.ErrorIs(t, err, types.ErrNoFreeSlot)

	reports := g.Status()
	require.Len(t, reports, 2)
	assert.Equal(t, 0, reports[0].Slot)
	assert.Equal(t, 1, reports[1].Slot)
	assert.Equal(t, types.TaskRunning, reports[0].State)

	assert.Equal(t, 2, g.KillJob(h.ctx, "slots"))
	assert.Eventually(t, func() bool {
		r := g.Status()
		return len(r) == 2 && r[0].State == types.TaskKilled && r[1].State == types.TaskKilled
	}, 2*time.Second, 10*time.Millisecond)

	// Freed slots are reused.
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "slots", 1, 2, desc)))
}

func TestTasksRunToCompletion(t *testing.T) {
	h := newHarness(t)
	run := types.RunID{Job: "job", Attempt: 1}
	require.NoError(t, barrier.InitRun(h.ctx, h.admin, run, 2))
	m := newFakeMaster(20 * time.Millisecond)
	g := h.groom(t, "g0", 2, m)
	h.start(t, g)

	desc := supersteps(t, 2, payload.SuperstepsInput{Supersteps: 3})
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "job", 1, 0, desc)))
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "job", 1, 1, desc)))

	reports, hb := collect(t, m, func(latest map[int]types.TaskReport) bool {
		return latest[0].State == types.TaskSucceeded && latest[1].State == types.TaskSucceeded
	})
	for _, r := range reports {
		assert.Equal(t, int64(2), r.Superstep)
	}
	assert.Zero(t, hb.Running)

	peers, err := barrier.NewClient(h.admin, 0).GetAllPeerNames(h.ctx, run)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:61000/0", "localhost:61000/1"}, peers)

	// Once applied, finished reports are no longer sent.
	waitFor(t, m, func(hb *types.Heartbeat) bool { return len(hb.Tasks) == 0 })
	assert.Equal(t, 1, m.registrations())
}

func TestHeartbeatSequenceIncreases(t *testing.T) {
	h := newHarness(t)
	m := newFakeMaster(5 * time.Millisecond)
	g := h.groom(t, "g0", 1, m)
	h.start(t, g)

	var last uint64
	for i := 0; i < 5; i++ {
		hb := waitFor(t, m, func(*types.Heartbeat) bool { return true })
		assert.Greater(t, hb.Seq, last)
		assert.Equal(t, 1, hb.MaxTasks)
		assert.Equal(t, "g0", hb.Groom.Name)
		last = hb.Seq
	}
}

func TestFinishedReportsKeptUntilApplied(t *testing.T) {
	h := newHarness(t)
	run := types.RunID{Job: "retain", Attempt: 1}
	require.NoError(t, barrier.InitRun(h.ctx, h.admin, run, 1))
	m := newFakeMaster(10 * time.Millisecond)
	var mu sync.Mutex
	applied := false
	m.respond = func(*types.Heartbeat) *types.HeartbeatResponse {
		mu.Lock()
		defer mu.Unlock()
		return &types.HeartbeatResponse{Applied: applied}
	}
	g := h.groom(t, "g0", 1, m)
	h.start(t, g)

	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "retain", 1, 0, supersteps(t, 1, payload.SuperstepsInput{Supersteps: 1}))))
	for i := 0; i < 3; i++ {
		waitFor(t, m, func(hb *types.Heartbeat) bool { return states(hb)[0] == types.TaskSucceeded })
	}

	// Assigning the finished attempt again must not run it a second time.
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "retain", 1, 0, supersteps(t, 1, payload.SuperstepsInput{Supersteps: 1}))))
	reports := g.Status()
	require.Len(t, reports, 1)
	assert.Equal(t, types.TaskSucceeded, reports[0].State)
	mu.Lock()
	applied = true
	mu.Unlock()
	waitFor(t, m, func(hb *types.Heartbeat) bool { return len(hb.Tasks) == 0 })
}

func TestFailureTriggersImmediateHeartbeat(t *testing.T) {
	h := newHarness(t)
	run := types.RunID{Job: "fail", Attempt: 1}
	require.NoError(t, barrier.InitRun(h.ctx, h.admin, run, 2))
	m := newFakeMaster(time.Hour)
	g := h.groom(t, "g0", 2, m)
	h.start(t, g)

	one := 1
	desc := supersteps(t, 2, payload.SuperstepsInput{Supersteps: 5, FailPartition: &one, FailAt: 1})
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "fail", 1, 0, desc)))
	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "fail", 1, 1, desc)))

	hb := waitFor(t, m, func(hb *types.Heartbeat) bool { return states(hb)[1] == types.TaskFailed })
	for _, r := range hb.Tasks {
		if r.Task.Partition == 1 {
			assert.Contains(t, r.Reason, "injected failure")
			assert.Equal(t, int64(1), r.Superstep)
		}
	}
	g.KillJob(h.ctx, "fail")
}

func TestUnknownKindFails(t *testing.T) {
	h := newHarness(t)
	m := newFakeMaster(time.Hour)
	g := h.groom(t, "g0", 1, m)
	h.start(t, g)

	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "odd", 1, 0, types.JobDescriptor{Kind: "pagerank", Partitions: 1})))
	hb := waitFor(t, m, func(hb *types.Heartbeat) bool { return states(hb)[0] == types.TaskFailed })
	assert.Contains(t, hb.Tasks[0].Reason, "unknown kind")
}

func TestHeartbeatResponseActions(t *testing.T) {
	h := newHarness(t)
	run := types.RunID{Job: "victim", Attempt: 1}
	require.NoError(t, barrier.InitRun(h.ctx, h.admin, run, 1))
	m := newFakeMaster(10 * time.Millisecond)
	var once sync.Once
	m.respond = func(hb *types.Heartbeat) *types.HeartbeatResponse {
		resp := &types.HeartbeatResponse{Applied: true}
		if len(hb.Tasks) > 0 && hb.Tasks[0].State == types.TaskRunning {
			once.Do(func() {
				resp.ReRegister = true
				resp.KillJobs = []types.JobID{"victim"}
			})
		}
		return resp
	}
	g := h.groom(t, "g0", 1, m)
	h.start(t, g)

	require.NoError(t, g.AssignTask(h.ctx, assignment(t, "victim", 1, 0, types.JobDescriptor{Kind: "block", Partitions: 1})))
	waitFor(t, m, func(hb *types.Heartbeat) bool { return states(hb)[0] == types.TaskKilled })
	assert.Equal(t, 2, m.registrations())
}

func TestAssignAfterStop(t *testing.T) {
	h := newHarness(t)
	g := h.groom(t, "g0", 1, newFakeMaster(time.Hour))
	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	require.NoError(t, g.Run(ctx))

	err := g.AssignTask(h.ctx, assignment(t, "late", 1, 0, types.JobDescriptor{Kind: "block", Partitions: 1}))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Error(t, g.Run(h.ctx), "a groom runs once")
}
