package coord

import (
	"context"
	"errors"
	"time"
)

// Session is a client of a Tree. It implements Service.
type Session struct {
	id   int64
	tree *Tree
	ttl  time.Duration

	// guarded by tree.mu
	lastSeen   time.Time
	ephemerals map[string]struct{}
	watches    map[*watcher]struct{}
	expired    bool

	done chan struct{}
}

var _ Service = (*Session)(nil)

// ID returns the session id, which is also the owner of its ephemeral nodes.
func (s *Session) ID() int64 { return s.id }

func (s *Session) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tree.mu.Lock()
	if s.expired {
		s.tree.mu.Unlock()
		return ErrSessionExpired
	}
	return nil
}

func (s *Session) end() { s.tree.mu.Unlock() }

func (s *Session) Create(ctx context.Context, path string, data []byte, mode CreateMode) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.end()
	return s.tree.create(s, path, data, mode)
}

func (s *Session) Get(ctx context.Context, path string) ([]byte, Stat, error) {
	if err := s.begin(ctx); err != nil {
		return nil, Stat{}, err
	}
	defer s.end()
	return s.tree.get(path)
}

func (s *Session) Exists(ctx context.Context, path string) (bool, Stat, error) {
	_, st, err := s.Get(ctx, path)
	if errors.Is(err, ErrNoNode) {
		return false, Stat{}, nil
	}
	if err != nil {
		return false, Stat{}, err
	}
	return true, st, nil
}

func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.end()
	return s.tree.children(path)
}

func (s *Session) Set(ctx context.Context, path string, data []byte, expectedVersion int64) (Stat, error) {
	if err := s.begin(ctx); err != nil {
		return Stat{}, err
	}
	defer s.end()
	return s.tree.set(path, data, expectedVersion)
}

func (s *Session) Delete(ctx context.Context, path string, expectedVersion int64) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.end()
	return s.tree.delete(path, expectedVersion)
}

func (s *Session) Watch(ctx context.Context, path string) (<-chan Event, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.end()
	return s.tree.watch(ctx, s, path)
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() error {
	s.tree.ExpireSession(s.id)
	return nil
}
