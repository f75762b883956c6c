// Package snapshot writes and loads point-in-time images of the persistent
// coordination namespace. Together with the WAL it bounds recovery time:
// load the latest image, then replay the events after its LastSeq.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion is the snapshot format written by this package.
const SchemaVersion = 1

// ============================================================================
// Data
// ============================================================================

// Node is one persistent node of the namespace.
type Node struct {
	Data    []byte `json:"data,omitempty"`
	Version int64  `json:"version"`
}

// Data is a full snapshot.
type Data struct {
	SchemaVer int             `json:"schema_version"`
	LastSeq   uint64          `json:"last_seq"` // last WAL sequence covered
	TakenAt   time.Time       `json:"taken_at"`
	Nodes     map[string]Node `json:"nodes"`
}

// Manager owns one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write stores the snapshot atomically: write a temp file, then rename.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data Data) error {
	data.SchemaVer = SchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot so a
// first start needs no special casing.
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: SchemaVersion, Nodes: make(map[string]Node)}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Nodes == nil {
		data.Nodes = make(map[string]Node)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot path.
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup moves the current snapshot aside before writing a new one
// and keeps at most keepBackups of the moved copies.
func (m *Manager) WriteWithBackup(data Data, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneBackupsLocked(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if p != m.path+".tmp" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}
