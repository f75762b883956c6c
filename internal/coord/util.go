package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/retry"
)

// casPolicy paces retries of a compare-and-set that lost a race.
var casPolicy = retry.MaxTries(retry.Backoff(time.Millisecond, 50*time.Millisecond, 2), 64)

// CreateAll creates p and any missing ancestors as persistent nodes with
// empty data. Existing nodes are left untouched.
func CreateAll(ctx context.Context, svc Service, p string) error {
	if err := validate(p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(p[1:], "/") {
		cur += "/" + part
		err := svc.Create(ctx, cur, nil, Persistent)
		if err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("create %s: %w", cur, err)
		}
	}
	return nil
}

// Update applies fn to the data of p and writes the result back with a
// version check, retrying when a concurrent writer got there first. When fn
// returns an error the node is left alone and that error is returned.
func Update(ctx context.Context, svc Service, p string, fn func(old []byte) ([]byte, error)) (Stat, error) {
	for attempt := 0; ; attempt++ {
		old, st, err := svc.Get(ctx, p)
		if err != nil {
			return Stat{}, err
		}
		data, err := fn(old)
		if err != nil {
			return Stat{}, err
		}
		st, err = svc.Set(ctx, p, data, st.Version)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrVersionMismatch) {
			return Stat{}, err
		}
		if err := retry.Wait(ctx, casPolicy, attempt); err != nil {
			return Stat{}, fmt.Errorf("update %s: %w", p, err)
		}
	}
}

// DeleteAll removes p and everything below it. Missing nodes are ignored.
func DeleteAll(ctx context.Context, svc Service, p string) error {
	children, err := svc.Children(ctx, p)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := DeleteAll(ctx, svc, Join(p, c)); err != nil {
			return err
		}
	}
	err = svc.Delete(ctx, p, AnyVersion)
	if err != nil && !errors.Is(err, ErrNoNode) {
		return err
	}
	return nil
}

// WaitExists blocks until p exists or ctx is done.
func WaitExists(ctx context.Context, svc Service, p string) error {
	for {
		wctx, cancel := context.WithCancel(ctx)
		ch, err := svc.Watch(wctx, p)
		if err != nil {
			cancel()
			return err
		}
		ok, _, err := svc.Exists(ctx, p)
		if err != nil || ok {
			cancel()
			return err
		}
		select {
		case ev := <-ch:
			cancel()
			if ev.Type == EventSessionExpired {
				return ErrSessionExpired
			}
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-svc.Done():
			cancel()
			return ErrSessionExpired
		}
	}
}
