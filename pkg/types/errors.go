package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across process boundaries. Callers test with
// errors.Is; the RPC layer maps each of these to a status code and back.
var (
	ErrDuplicateGroom       = errors.New("duplicate groom")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrNoFreeSlot           = errors.New("no free slot")
	ErrMasterStopped        = errors.New("master stopped")
	ErrBarrierTimeout       = errors.New("barrier timeout")
	ErrJobKilled            = errors.New("job killed")
	ErrJobNotFound          = errors.New("job not found")
	ErrUnknownGroom         = errors.New("unknown groom")
	ErrInvalidJob           = errors.New("invalid job")
)

// TaskFailure records why a task attempt stopped without succeeding.
type TaskFailure struct {
	Task   TaskAttemptID
	Reason string
	Err    error
}

func (e *TaskFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s failed: %s: %v", e.Task, e.Reason, e.Err)
	}
	return fmt.Sprintf("task %s failed: %s", e.Task, e.Reason)
}

func (e *TaskFailure) Unwrap() error { return e.Err }
