package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type node struct {
	data     []byte
	version  int64
	owner    int64 // session id for ephemeral nodes, 0 otherwise
	children map[string]*node
}

func (n *node) stat() Stat {
	return Stat{
		Version:     n.version,
		NumChildren: len(n.children),
		Ephemeral:   n.owner != 0,
		Owner:       n.owner,
	}
}

type watcher struct {
	path    string
	ch      chan Event
	session *Session
	stop    func() bool
}

// Tree is the shared namespace. All mutation happens under one lock; every
// client talks to it through a Session.
type Tree struct {
	mu       sync.Mutex
	root     *node
	watches  map[string]map[*watcher]struct{}
	sessions map[int64]*Session
	lastID   int64
	store    Store
	logger   *slog.Logger
}

// NewTree builds a namespace. Persistent nodes found in store are loaded;
// a nil store keeps everything in memory.
func NewTree(store Store) (*Tree, error) {
	t := &Tree{
		root:     &node{children: make(map[string]*node)},
		watches:  make(map[string]map[*watcher]struct{}),
		sessions: make(map[int64]*Session),
		store:    store,
		logger:   slog.With("component", "coord"),
	}
	if store == nil {
		return t, nil
	}
	recs, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load coordination store: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		di, dj := strings.Count(recs[i].Path, "/"), strings.Count(recs[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return recs[i].Path < recs[j].Path
	})
	for _, r := range recs {
		parentPath, name, err := split(r.Path)
		if err != nil {
			t.logger.Warn("Skipping stored node with bad path", "path", r.Path)
			continue
		}
		parent := t.lookup(parentPath)
		if parent == nil {
			t.logger.Warn("Skipping orphaned stored node", "path", r.Path)
			continue
		}
		parent.children[name] = &node{data: r.Data, version: r.Version, children: make(map[string]*node)}
	}
	t.logger.Info("Coordination namespace loaded", "nodes", len(recs))
	return t, nil
}

// NewSession opens a session. A positive ttl makes the session expire when
// it is not kept alive within ttl (see KeepAlive and Reap).
func (t *Tree) NewSession(ttl time.Duration) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastID++
	s := &Session{
		id:         t.lastID,
		tree:       t,
		ttl:        ttl,
		lastSeen:   time.Now(),
		ephemerals: make(map[string]struct{}),
		watches:    make(map[*watcher]struct{}),
		done:       make(chan struct{}),
	}
	t.sessions[s.id] = s
	return s
}

// Session returns the open session with the given id.
func (t *Tree) Session(id int64) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// KeepAlive refreshes a session's deadline.
func (t *Tree) KeepAlive(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return ErrSessionExpired
	}
	s.lastSeen = time.Now()
	return nil
}

// ExpireSession ends a session as if it had timed out.
func (t *Tree) ExpireSession(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		t.expireLocked(s)
	}
}

// Reap expires every session whose ttl elapsed before now.
func (t *Tree) Reap(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sessions {
		if s.ttl > 0 && now.Sub(s.lastSeen) > s.ttl {
			t.logger.Info("Session expired", "session", s.id, "idle", now.Sub(s.lastSeen))
			t.expireLocked(s)
			n++
		}
	}
	return n
}

// RunReaper calls Reap every interval until ctx is done.
func (t *Tree) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Reap(now)
		}
	}
}

// Close expires all sessions and closes the store.
func (t *Tree) Close() error {
	t.mu.Lock()
	for _, s := range t.sessions {
		t.expireLocked(s)
	}
	t.mu.Unlock()
	if t.store != nil {
		return t.store.Close()
	}
	return nil
}

func (t *Tree) expireLocked(s *Session) {
	if s.expired {
		return
	}
	s.expired = true
	delete(t.sessions, s.id)

	paths := make([]string, 0, len(s.ephemerals))
	for p := range s.ephemerals {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		parentPath, name, _ := split(p)
		if parent := t.lookup(parentPath); parent != nil {
			delete(parent.children, name)
			t.fireLocked(p, EventDeleted)
			t.fireLocked(parentPath, EventChildrenChanged)
		}
	}
	s.ephemerals = nil

	for w := range s.watches {
		t.dropWatchLocked(w)
		w.ch <- Event{Type: EventSessionExpired, Path: w.path}
	}
	close(s.done)
}

func (t *Tree) lookup(p string) *node {
	if p == "/" {
		return t.root
	}
	n := t.root
	for _, part := range strings.Split(p[1:], "/") {
		n = n.children[part]
		if n == nil {
			return nil
		}
	}
	return n
}

func (t *Tree) create(s *Session, p string, data []byte, mode CreateMode) error {
	parentPath, name, err := split(p)
	if err != nil {
		return err
	}
	parent := t.lookup(parentPath)
	if parent == nil {
		return fmt.Errorf("%w: %s", ErrNoNode, parentPath)
	}
	if parent.owner != 0 {
		return ErrNoChildrenForEphemerals
	}
	if _, ok := parent.children[name]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, p)
	}
	n := &node{data: clone(data), children: make(map[string]*node)}
	if mode == Ephemeral {
		n.owner = s.id
		s.ephemerals[p] = struct{}{}
	} else if t.store != nil {
		if err := t.store.Put(Record{Path: p, Data: n.data, Version: 0}); err != nil {
			return fmt.Errorf("persist %s: %w", p, err)
		}
	}
	parent.children[name] = n
	t.fireLocked(p, EventCreated)
	t.fireLocked(parentPath, EventChildrenChanged)
	return nil
}

func (t *Tree) get(p string) ([]byte, Stat, error) {
	if err := validate(p); err != nil {
		return nil, Stat{}, err
	}
	n := t.lookup(p)
	if n == nil {
		return nil, Stat{}, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	return clone(n.data), n.stat(), nil
}

func (t *Tree) children(p string) ([]string, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	n := t.lookup(p)
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (t *Tree) set(p string, data []byte, version int64) (Stat, error) {
	if err := validate(p); err != nil {
		return Stat{}, err
	}
	n := t.lookup(p)
	if n == nil {
		return Stat{}, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	if n.version != version {
		return Stat{}, fmt.Errorf("%w: %s at %d, expected %d", ErrVersionMismatch, p, n.version, version)
	}
	data = clone(data)
	if n.owner == 0 && t.store != nil {
		if err := t.store.Put(Record{Path: p, Data: data, Version: n.version + 1}); err != nil {
			return Stat{}, fmt.Errorf("persist %s: %w", p, err)
		}
	}
	n.data = data
	n.version++
	t.fireLocked(p, EventDataChanged)
	return n.stat(), nil
}

func (t *Tree) delete(p string, version int64) error {
	parentPath, name, err := split(p)
	if err != nil {
		return err
	}
	parent := t.lookup(parentPath)
	if parent == nil {
		return fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	n := parent.children[name]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	if version != AnyVersion && n.version != version {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionMismatch, p, n.version, version)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", ErrNotEmpty, p)
	}
	if n.owner != 0 {
		if owner, ok := t.sessions[n.owner]; ok {
			delete(owner.ephemerals, p)
		}
	} else if t.store != nil {
		if err := t.store.Delete(p); err != nil {
			return fmt.Errorf("persist delete %s: %w", p, err)
		}
	}
	delete(parent.children, name)
	t.fireLocked(p, EventDeleted)
	t.fireLocked(parentPath, EventChildrenChanged)
	return nil
}

func (t *Tree) watch(ctx context.Context, s *Session, p string) (<-chan Event, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	w := &watcher{path: p, ch: make(chan Event, 1), session: s}
	set := t.watches[p]
	if set == nil {
		set = make(map[*watcher]struct{})
		t.watches[p] = set
	}
	set[w] = struct{}{}
	s.watches[w] = struct{}{}
	w.stop = context.AfterFunc(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.dropWatchLocked(w)
	})
	return w.ch, nil
}

// fireLocked delivers ev to every watch on p. Watches are one-shot.
func (t *Tree) fireLocked(p string, typ EventType) {
	for w := range t.watches[p] {
		t.dropWatchLocked(w)
		w.ch <- Event{Type: typ, Path: p}
	}
}

func (t *Tree) dropWatchLocked(w *watcher) {
	set, ok := t.watches[w.path]
	if !ok {
		return
	}
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(t.watches, w.path)
	}
	delete(w.session.watches, w)
	if w.stop != nil {
		w.stop()
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
