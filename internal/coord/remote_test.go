package coord

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
)

func serveTree(t *testing.T, tree *Tree) func(ctx context.Context, ttl time.Duration) *RemoteSession {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	bspv1.RegisterCoordServer(srv, NewGRPCServer(tree, time.Minute))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return func(ctx context.Context, ttl time.Duration) *RemoteSession {
		s, err := Dial(ctx, "passthrough:///coord", ttl, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
}

func TestRemoteSessionOperations(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	open := serveTree(t, tree)
	s := open(ctx, time.Minute)

	require.NoError(t, CreateAll(ctx, s, "/bsp/runs"))
	assert.ErrorIs(t, s.Create(ctx, "/bsp", nil, Persistent), ErrNodeExists)
	assert.ErrorIs(t, s.Create(ctx, "/nope/x", nil, Persistent), ErrNoNode)

	require.NoError(t, s.Create(ctx, "/bsp/runs/r", []byte("v0"), Persistent))
	st, err := s.Set(ctx, "/bsp/runs/r", []byte("v1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	_, err = s.Set(ctx, "/bsp/runs/r", []byte("v2"), 0)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	data, _, err := s.Get(ctx, "/bsp/runs/r")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	names, err := s.Children(ctx, "/bsp")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs"}, names)

	assert.ErrorIs(t, s.Delete(ctx, "/bsp", AnyVersion), ErrNotEmpty)
}

func TestRemoteWatchAndEphemerals(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	open := serveTree(t, tree)
	a := open(ctx, time.Minute)
	b := open(ctx, time.Minute)

	require.NoError(t, a.Create(ctx, "/e", nil, Ephemeral))
	ch, err := b.Watch(ctx, "/e")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.Equal(t, Event{Type: EventDeleted, Path: "/e"}, recv(t, ch))
	ok, _, err := b.Exists(ctx, "/e")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteSessionExpiry(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	open := serveTree(t, tree)
	s := open(ctx, 300*time.Millisecond)

	ch, err := s.Watch(ctx, "/x")
	require.NoError(t, err)
	tree.ExpireSession(s.ID())

	assert.Equal(t, EventSessionExpired, recv(t, ch).Type)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session should report expiry")
	}
	assert.ErrorIs(t, s.Create(ctx, "/y", nil, Persistent), ErrSessionExpired)
}
