package bspv1

import (
	"context"
	"errors"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

type registered struct {
	code codes.Code
	err  error
}

var (
	regMu    sync.RWMutex
	registry []registered
)

// RegisterError maps a sentinel error to a status code. Errors matching the
// sentinel (errors.Is) leave a server with that code, and clients get back an
// error that matches the sentinel again.
func RegisterError(code codes.Code, sentinel error) {
	regMu.Lock()
	defer regMu.Unlock()
	registry = append(registry, registered{code: code, err: sentinel})
}

func init() {
	RegisterError(codes.AlreadyExists, types.ErrDuplicateGroom)
	RegisterError(codes.ResourceExhausted, types.ErrInsufficientCapacity)
	RegisterError(codes.ResourceExhausted, types.ErrNoFreeSlot)
	RegisterError(codes.Unavailable, types.ErrMasterStopped)
	RegisterError(codes.DeadlineExceeded, types.ErrBarrierTimeout)
	RegisterError(codes.Aborted, types.ErrJobKilled)
	RegisterError(codes.NotFound, types.ErrJobNotFound)
	RegisterError(codes.NotFound, types.ErrUnknownGroom)
	RegisterError(codes.InvalidArgument, types.ErrInvalidJob)
}

// ToStatus converts a handler error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	regMu.RLock()
	defer regMu.RUnlock()
	for _, r := range registry {
		if errors.Is(err, r.err) {
			return status.Error(r.code, err.Error())
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// RemoteError is an error received over RPC. It unwraps to the registered
// sentinel found in its message, if any.
type RemoteError struct {
	Code     codes.Code
	Message  string
	sentinel error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.sentinel }

// FromStatus restores a sentinel-matching error from a status error. Errors
// that are not status errors are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	re := &RemoteError{Code: st.Code(), Message: st.Message()}
	regMu.RLock()
	for _, r := range registry {
		if r.code == st.Code() && strings.Contains(st.Message(), r.err.Error()) {
			re.sentinel = r.err
			break
		}
	}
	regMu.RUnlock()
	if re.sentinel == nil {
		switch st.Code() {
		case codes.Canceled:
			re.sentinel = context.Canceled
		case codes.DeadlineExceeded:
			re.sentinel = context.DeadlineExceeded
		}
	}
	return re
}
