package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grailbio/base/retry"
	"google.golang.org/grpc"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
)

// DefaultSessionTTL is used by Dial when no ttl is given.
const DefaultSessionTTL = 10 * time.Second

var openPolicy = retry.MaxTries(retry.Backoff(50*time.Millisecond, time.Second, 2), 8)

// RemoteSession is a Service backed by a coordination server. It keeps its
// session alive in the background and closes Done when the server reports
// the session gone or no keepalive succeeded within the ttl.
type RemoteSession struct {
	client *bspv1.CoordClient
	conn   *grpc.ClientConn // owned when opened with Dial
	id     int64
	ttl    time.Duration
	logger *slog.Logger

	done     chan struct{}
	expire   sync.Once
	stopLoop context.CancelFunc
}

var _ Service = (*RemoteSession)(nil)

// Dial connects to a coordination server at target and opens a session.
func Dial(ctx context.Context, target string, ttl time.Duration, opts ...grpc.DialOption) (*RemoteSession, error) {
	conn, err := bspv1.Dial(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial coordination server %s: %w", target, err)
	}
	s, err := NewRemoteSession(ctx, conn, ttl)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// NewRemoteSession opens a session over an existing connection.
func NewRemoteSession(ctx context.Context, cc grpc.ClientConnInterface, ttl time.Duration) (*RemoteSession, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	client := bspv1.NewCoordClient(cc)
	var (
		resp *bspv1.OpenSessionResponse
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = client.OpenSession(ctx, &bspv1.OpenSessionRequest{TTLMs: ttl.Milliseconds()})
		if err == nil {
			break
		}
		if werr := retry.Wait(ctx, openPolicy, attempt); werr != nil {
			return nil, fmt.Errorf("open coordination session: %w", err)
		}
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &RemoteSession{
		client:   client,
		id:       resp.SessionID,
		ttl:      ttl,
		logger:   slog.With("component", "coord-client", "session", resp.SessionID),
		done:     make(chan struct{}),
		stopLoop: cancel,
	}
	go s.keepAliveLoop(loopCtx)
	return s, nil
}

// ID returns the server-side session id.
func (s *RemoteSession) ID() int64 { return s.id }

func (s *RemoteSession) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		callCtx, cancel := context.WithTimeout(ctx, s.ttl/3)
		_, err := s.client.KeepAlive(callCtx, &bspv1.SessionRequest{SessionID: s.id})
		cancel()
		switch {
		case err == nil:
			lastOK = time.Now()
		case errors.Is(err, ErrSessionExpired):
			s.logger.Warn("Coordination session expired on server")
			s.markExpired()
			return
		case time.Since(lastOK) > s.ttl:
			s.logger.Warn("Coordination session lost", "error", err)
			s.markExpired()
			return
		default:
			s.logger.Debug("Keepalive failed", "error", err)
		}
	}
}

func (s *RemoteSession) markExpired() {
	s.expire.Do(func() { close(s.done) })
}

func (s *RemoteSession) check(err error) error {
	if errors.Is(err, ErrSessionExpired) {
		s.markExpired()
	}
	return err
}

func (s *RemoteSession) Create(ctx context.Context, path string, data []byte, mode CreateMode) error {
	_, err := s.client.Create(ctx, &bspv1.CreateRequest{SessionID: s.id, Path: path, Data: data, Ephemeral: mode == Ephemeral})
	return s.check(err)
}

func (s *RemoteSession) Get(ctx context.Context, path string) ([]byte, Stat, error) {
	resp, err := s.client.Get(ctx, &bspv1.PathRequest{SessionID: s.id, Path: path})
	if err != nil {
		return nil, Stat{}, s.check(err)
	}
	return resp.Data, fromWireStat(resp.Stat), nil
}

func (s *RemoteSession) Exists(ctx context.Context, path string) (bool, Stat, error) {
	_, st, err := s.Get(ctx, path)
	if errors.Is(err, ErrNoNode) {
		return false, Stat{}, nil
	}
	if err != nil {
		return false, Stat{}, err
	}
	return true, st, nil
}

func (s *RemoteSession) Children(ctx context.Context, path string) ([]string, error) {
	resp, err := s.client.Children(ctx, &bspv1.PathRequest{SessionID: s.id, Path: path})
	if err != nil {
		return nil, s.check(err)
	}
	return resp.Names, nil
}

func (s *RemoteSession) Set(ctx context.Context, path string, data []byte, expectedVersion int64) (Stat, error) {
	resp, err := s.client.Set(ctx, &bspv1.SetRequest{SessionID: s.id, Path: path, Data: data, Version: expectedVersion})
	if err != nil {
		return Stat{}, s.check(err)
	}
	return fromWireStat(resp.Stat), nil
}

func (s *RemoteSession) Delete(ctx context.Context, path string, expectedVersion int64) error {
	_, err := s.client.Delete(ctx, &bspv1.DeleteRequest{SessionID: s.id, Path: path, Version: expectedVersion})
	return s.check(err)
}

// Watch returns once the server confirmed the watch, so a change made after
// Watch returns is never missed.
func (s *RemoteSession) Watch(ctx context.Context, path string) (<-chan Event, error) {
	stream, err := s.client.Watch(ctx, &bspv1.PathRequest{SessionID: s.id, Path: path})
	if err != nil {
		return nil, s.check(err)
	}
	if _, err := stream.Recv(); err != nil {
		return nil, s.check(err)
	}
	ch := make(chan Event, 1)
	go func() {
		ev, err := stream.Recv()
		switch {
		case err == nil:
			ch <- Event{Type: EventType(ev.Type), Path: ev.Path}
		case ctx.Err() != nil:
		case errors.Is(s.check(err), ErrSessionExpired):
			ch <- Event{Type: EventSessionExpired, Path: path}
		default:
			ch <- Event{Type: EventWatchLost, Path: path}
		}
	}()
	return ch, nil
}

func (s *RemoteSession) Done() <-chan struct{} { return s.done }

// Close ends the session on the server and releases the connection if
// Dial opened it.
func (s *RemoteSession) Close() error {
	s.stopLoop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.client.CloseSession(ctx, &bspv1.SessionRequest{SessionID: s.id})
	s.markExpired()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
