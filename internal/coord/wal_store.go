package coord

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/groombsp/internal/snapshot"
	"github.com/ChuLiYu/groombsp/internal/storage/wal"
)

// DefaultCompactEvery is the number of WAL events between snapshots.
const DefaultCompactEvery = 1024

// WALStore keeps the namespace in an append-only log and compacts it into a
// snapshot every compactEvery events.
type WALStore struct {
	mu           sync.Mutex
	wal          *wal.WAL
	snap         *snapshot.Manager
	nodes        map[string]snapshot.Node
	compactEvery int
	sinceCompact int
}

var _ Store = (*WALStore)(nil)

// NewWALStore opens (or creates) coord.wal and coord.snapshot under dir.
func NewWALStore(dir string, compactEvery int) (*WALStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if compactEvery <= 0 {
		compactEvery = DefaultCompactEvery
	}
	w, err := wal.NewWAL(filepath.Join(dir, "coord.wal"), true)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &WALStore{
		wal:          w,
		snap:         snapshot.NewManager(filepath.Join(dir, "coord.snapshot")),
		compactEvery: compactEvery,
	}, nil
}

func (s *WALStore) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.snap.Load()
	if err != nil {
		return nil, err
	}
	nodes := data.Nodes
	err = s.wal.Replay(func(e wal.Event) error {
		if e.Seq <= data.LastSeq {
			return nil
		}
		switch e.Op {
		case wal.OpPut:
			nodes[e.Path] = snapshot.Node{Data: e.Data, Version: e.Version}
		case wal.OpDelete:
			delete(nodes, e.Path)
		default:
			return fmt.Errorf("unknown wal op %q at seq %d", e.Op, e.Seq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.wal.Advance(data.LastSeq)
	s.nodes = nodes

	recs := make([]Record, 0, len(nodes))
	for p, n := range nodes {
		recs = append(recs, Record{Path: p, Data: n.Data, Version: n.Version})
	}
	return recs, nil
}

func (s *WALStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.wal.Append(wal.OpPut, rec.Path, rec.Data, rec.Version, true); err != nil {
		return err
	}
	s.mirror()[rec.Path] = snapshot.Node{Data: rec.Data, Version: rec.Version}
	return s.maybeCompactLocked()
}

func (s *WALStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.wal.Append(wal.OpDelete, path, nil, 0, true); err != nil {
		return err
	}
	delete(s.mirror(), path)
	return s.maybeCompactLocked()
}

// Compact writes a snapshot of the current nodes and truncates the log.
func (s *WALStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *WALStore) Close() error {
	return s.wal.Close()
}

func (s *WALStore) mirror() map[string]snapshot.Node {
	if s.nodes == nil {
		s.nodes = make(map[string]snapshot.Node)
	}
	return s.nodes
}

func (s *WALStore) maybeCompactLocked() error {
	s.sinceCompact++
	if s.sinceCompact < s.compactEvery {
		return nil
	}
	return s.compactLocked()
}

func (s *WALStore) compactLocked() error {
	data := snapshot.Data{LastSeq: s.wal.GetLastSeq(), Nodes: s.mirror()}
	if err := s.snap.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	s.sinceCompact = 0
	return nil
}
