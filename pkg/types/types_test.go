package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskNames(t *testing.T) {
	id := TaskAttemptID{TaskID: TaskID{Job: "job-1", Partition: 3}, Attempt: 2}
	assert.Equal(t, "job-1/p00003@2", id.String())
	assert.Equal(t, RunID{Job: "job-1", Attempt: 2}, id.Run())
	assert.Equal(t, "job-1@2", id.Run().String())
}

func TestGroomAddrs(t *testing.T) {
	g := GroomIdentity{Name: "g1", Host: "10.0.0.1", RPCPort: 50000, PeerPort: 61000}
	assert.Equal(t, "10.0.0.1:50000", g.RPCAddr())
	assert.Equal(t, "10.0.0.1:61000", g.PeerAddr())
}

func TestStates(t *testing.T) {
	assert.Equal(t, "RUNNING", MasterRunning.String())
	assert.Equal(t, "MasterState(9)", MasterState(9).String())
	assert.False(t, MasterState(-1).Valid())

	for _, s := range []JobState{JobSucceeded, JobFailed, JobKilled} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, JobRunning.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskKilled.Terminal())
}

func TestTaskFailureUnwrap(t *testing.T) {
	id := TaskAttemptID{TaskID: TaskID{Job: "j", Partition: 0}}
	err := fmt.Errorf("run: %w", &TaskFailure{Task: id, Reason: "barrier", Err: ErrBarrierTimeout})
	assert.True(t, errors.Is(err, ErrBarrierTimeout))

	var tf *TaskFailure
	assert.True(t, errors.As(err, &tf))
	assert.Equal(t, "barrier", tf.Reason)
}
