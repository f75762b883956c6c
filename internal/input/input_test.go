package input

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\n\nc\n\n"), 0o644))

	recs, err := LineFile{Path: path}.Records(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "", "c"}, recs)

	_, err = LineFile{Path: filepath.Join(t.TempDir(), "missing")}.Records(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRangeSplitter(t *testing.T) {
	tests := []struct {
		total, n int
		want     []int
	}{
		{10, 3, []int{0, 3, 6, 10}},
		{4, 4, []int{0, 1, 2, 3, 4}},
		{2, 4, []int{0, 0, 1, 1, 2}},
		{0, 2, []int{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.total, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, RangeSplitter{}.Bounds(tt.total, tt.n))
		})
	}

	recs := []string{"0", "1", "2", "3", "4", "5", "6"}
	var all []string
	for p := 0; p < 3; p++ {
		all = append(all, RangeSplitter{}.Split(recs, 3, p)...)
	}
	assert.Equal(t, recs, all, "ranges cover the input in order")
}

func TestHashSplitter(t *testing.T) {
	var recs []string
	for i := 0; i < 200; i++ {
		recs = append(recs, fmt.Sprintf("record-%d", i))
	}
	s := HashSplitter{Seed: 7}
	seen := make(map[string]int)
	for p := 0; p < 4; p++ {
		part := s.Split(recs, 4, p)
		assert.NotEmpty(t, part)
		for _, r := range part {
			seen[r]++
			assert.Equal(t, p, s.Partition(r, 4))
		}
	}
	assert.Len(t, seen, len(recs))
	for r, n := range seen {
		assert.Equal(t, 1, n, r)
	}
	assert.Equal(t, s.Partition("x", 4), s.Partition("x", 4))
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	raw, err := json.Marshal(Spec{Values: []string{"1", "2", "3", "4"}})
	require.NoError(t, err)

	part, err := Load(ctx, raw, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, part)

	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\ny\nz\n"), 0o644))
	raw, err = json.Marshal(Spec{Path: path, Split: "hash"})
	require.NoError(t, err)
	var total int
	for p := 0; p < 3; p++ {
		part, err := Load(ctx, raw, 3, p)
		require.NoError(t, err)
		total += len(part)
	}
	assert.Equal(t, 3, total)

	_, err = Load(ctx, json.RawMessage(`{"split":"zigzag"}`), 2, 0)
	assert.ErrorIs(t, err, ErrUnknownSplit)

	part, err = Load(ctx, nil, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, part)
}
