package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() Data {
	return Data{
		LastSeq: 100,
		Nodes: map[string]Node{
			"/bsp":              {Version: 0},
			"/bsp/jobs":         {Version: 0},
			"/bsp/jobs/job-001": {Data: []byte(`{"state":"RUNNING"}`), Version: 3},
		},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "coord.snapshot"))

	original := sampleData()
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.LastSeq, loaded.LastSeq)
	assert.Equal(t, original.Nodes, loaded.Nodes)
	assert.False(t, loaded.TakenAt.IsZero())
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.snapshot")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleData()))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.snapshot"))
	assert.False(t, manager.Exists())

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Nodes)
	assert.Empty(t, data.Nodes)
	assert.Zero(t, data.LastSeq)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.snapshot")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 2, "nodes": {}}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.snapshot")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 1, "nodes": {`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no", "such", "dir", "coord.snapshot"))
	assert.Error(t, manager.Write(sampleData()))
}

func TestWriteWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.snapshot")
	manager := NewManager(path)

	for i := 0; i < 4; i++ {
		d := sampleData()
		d.LastSeq = uint64(i)
		require.NoError(t, manager.WriteWithBackup(d, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.LastSeq)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "coord.snapshot"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Data{LastSeq: uint64(i), Nodes: map[string]Node{fmt.Sprintf("/n%d", i): {}}}
			assert.NoError(t, manager.Write(d))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Nodes, 1)
	assert.Contains(t, loaded.Nodes, fmt.Sprintf("/n%d", loaded.LastSeq))
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "coord.snapshot"))
	d := Data{Nodes: make(map[string]Node)}
	for i := 0; i < 1000; i++ {
		d.Nodes[fmt.Sprintf("/bsp/jobs/job-%04d", i)] = Node{Data: []byte(`{"state":"SUCCEEDED"}`), Version: 2}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(d); err != nil {
			b.Fatal(err)
		}
	}
}
