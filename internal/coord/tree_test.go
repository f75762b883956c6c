package coord

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewTree(nil)
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })
	return tree
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestCreateGetSet(t *testing.T) {
	ctx := context.Background()
	s := newTree(t).NewSession(0)

	require.NoError(t, s.Create(ctx, "/a", []byte("1"), Persistent))
	assert.ErrorIs(t, s.Create(ctx, "/a", nil, Persistent), ErrNodeExists)
	assert.ErrorIs(t, s.Create(ctx, "/x/y", nil, Persistent), ErrNoNode)

	data, st, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)
	assert.Equal(t, int64(0), st.Version)

	st, err = s.Set(ctx, "/a", []byte("2"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	_, err = s.Set(ctx, "/a", []byte("3"), 0)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	assert.ErrorIs(t, s.Delete(ctx, "/a", 0), ErrVersionMismatch)
	require.NoError(t, s.Delete(ctx, "/a", 1))
	ok, _, err := s.Exists(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadPaths(t *testing.T) {
	ctx := context.Background()
	s := newTree(t).NewSession(0)
	for _, p := range []string{"", "a", "/a/", "//a", "/a/../b", "/"} {
		assert.ErrorIs(t, s.Create(ctx, p, nil, Persistent), ErrBadPath, p)
	}
}

func TestChildrenSortedAndNotEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTree(t).NewSession(0)
	require.NoError(t, CreateAll(ctx, s, "/r/c"))
	require.NoError(t, s.Create(ctx, "/r/a", nil, Persistent))
	require.NoError(t, s.Create(ctx, "/r/b", nil, Ephemeral))

	names, err := s.Children(ctx, "/r")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	assert.ErrorIs(t, s.Delete(ctx, "/r", AnyVersion), ErrNotEmpty)
	assert.ErrorIs(t, s.Create(ctx, "/r/b/x", nil, Persistent), ErrNoChildrenForEphemerals)
}

func TestEphemeralRemovedWithSession(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	owner := tree.NewSession(0)
	observer := tree.NewSession(0)

	require.NoError(t, owner.Create(ctx, "/e", []byte("x"), Ephemeral))
	_, st, err := observer.Get(ctx, "/e")
	require.NoError(t, err)
	assert.True(t, st.Ephemeral)
	assert.Equal(t, owner.ID(), st.Owner)

	ch, err := observer.Watch(ctx, "/e")
	require.NoError(t, err)
	require.NoError(t, owner.Close())

	assert.Equal(t, Event{Type: EventDeleted, Path: "/e"}, recv(t, ch))
	ok, _, err := observer.Exists(ctx, "/e")
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case <-owner.Done():
	default:
		t.Fatal("closed session must be done")
	}
	assert.ErrorIs(t, owner.Create(ctx, "/f", nil, Persistent), ErrSessionExpired)
}

func TestWatchIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := newTree(t).NewSession(0)

	ch, err := s.Watch(ctx, "/w")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "/w", nil, Persistent))
	assert.Equal(t, EventCreated, recv(t, ch).Type)

	_, err = s.Set(ctx, "/w", []byte("a"), 0)
	require.NoError(t, err)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %v", ev)
	default:
	}
}

func TestWatchChildren(t *testing.T) {
	ctx := context.Background()
	s := newTree(t).NewSession(0)
	require.NoError(t, s.Create(ctx, "/p", nil, Persistent))

	ch, err := s.Watch(ctx, "/p")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "/p/c", nil, Persistent))
	assert.Equal(t, Event{Type: EventChildrenChanged, Path: "/p"}, recv(t, ch))
}

func TestCancelledWatchIsDropped(t *testing.T) {
	tree := newTree(t)
	s := tree.NewSession(0)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Watch(ctx, "/gone")
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		tree.mu.Lock()
		defer tree.mu.Unlock()
		return len(tree.watches) == 0 && len(s.watches) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSessionExpiryNotifiesWatches(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	s := tree.NewSession(10 * time.Millisecond)

	ch, err := s.Watch(ctx, "/never")
	require.NoError(t, err)
	assert.Zero(t, tree.Reap(time.Now()))
	assert.Equal(t, 1, tree.Reap(time.Now().Add(time.Second)))
	assert.Equal(t, EventSessionExpired, recv(t, ch).Type)
	assert.ErrorIs(t, tree.KeepAlive(s.ID()), ErrSessionExpired)
}

func TestKeepAlivePostponesExpiry(t *testing.T) {
	tree := newTree(t)
	s := tree.NewSession(time.Hour)
	require.NoError(t, tree.KeepAlive(s.ID()))
	assert.Zero(t, tree.Reap(time.Now().Add(30*time.Minute)))
	_, ok := tree.Session(s.ID())
	assert.True(t, ok)
}

func TestConcurrentCreateExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := tree.NewSession(0)
			if err := s.Create(ctx, "/leader", nil, Ephemeral); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrNodeExists)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	require.NoError(t, tree.NewSession(0).Create(ctx, "/counter", []byte("0"), Persistent))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := tree.NewSession(0)
			_, err := Update(ctx, s, "/counter", func(old []byte) ([]byte, error) {
				var n int
				fmt.Sscan(string(old), &n)
				return []byte(fmt.Sprint(n + 1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	data, st, err := tree.NewSession(0).Get(ctx, "/counter")
	require.NoError(t, err)
	assert.Equal(t, "8", string(data))
	assert.Equal(t, int64(8), st.Version)
}

func TestDeleteAllAndWaitExists(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tree := newTree(t)
	s := tree.NewSession(0)

	require.NoError(t, CreateAll(ctx, s, "/a/b/c"))
	require.NoError(t, DeleteAll(ctx, s, "/a"))
	ok, _, err := s.Exists(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, DeleteAll(ctx, s, "/a"))

	done := make(chan error, 1)
	go func() { done <- WaitExists(ctx, s, "/late") }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tree.NewSession(0).Create(ctx, "/late", nil, Persistent))
	require.NoError(t, <-done)
}

func testStoreReload(t *testing.T, open func() Store) {
	ctx := context.Background()
	tree, err := NewTree(open())
	require.NoError(t, err)
	s := tree.NewSession(0)
	require.NoError(t, CreateAll(ctx, s, "/bsp/jobs"))
	require.NoError(t, s.Create(ctx, "/bsp/jobs/j1", []byte("a"), Persistent))
	_, err = s.Set(ctx, "/bsp/jobs/j1", []byte("b"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "/bsp/jobs/tmp", nil, Persistent))
	require.NoError(t, s.Delete(ctx, "/bsp/jobs/tmp", AnyVersion))
	require.NoError(t, s.Create(ctx, "/bsp/live", nil, Ephemeral))
	require.NoError(t, tree.Close())

	tree, err = NewTree(open())
	require.NoError(t, err)
	defer tree.Close()
	s = tree.NewSession(0)
	data, st, err := s.Get(ctx, "/bsp/jobs/j1")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
	assert.Equal(t, int64(1), st.Version)
	names, err := s.Children(ctx, "/bsp")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs"}, names, "ephemeral nodes are never persisted")
	names, err = s.Children(ctx, "/bsp/jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, names)
}

func TestWALStoreReload(t *testing.T) {
	dir := t.TempDir()
	testStoreReload(t, func() Store {
		st, err := NewWALStore(dir, 0)
		require.NoError(t, err)
		return st
	})
}

func TestWALStoreReloadAfterCompaction(t *testing.T) {
	dir := t.TempDir()
	testStoreReload(t, func() Store {
		st, err := NewWALStore(dir, 2)
		require.NoError(t, err)
		return st
	})
	assert.FileExists(t, filepath.Join(dir, "coord.snapshot"))
}

func TestBadgerStoreReload(t *testing.T) {
	dir := t.TempDir()
	testStoreReload(t, func() Store {
		st, err := NewBadgerStore(dir)
		require.NoError(t, err)
		return st
	})
}

func TestBadgerStoreInMemory(t *testing.T) {
	st, err := NewBadgerStore("")
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Put(Record{Path: "/a", Data: []byte("x"), Version: 2}))
	require.NoError(t, st.Put(Record{Path: "/b"}))
	require.NoError(t, st.Delete("/b"))
	recs, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, []Record{{Path: "/a", Data: []byte("x"), Version: 2}}, recs)
}
