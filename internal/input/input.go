// Package input turns a job's data reference into the ordered records of
// one partition. The BSP core never looks at records; it only needs the
// partition boundaries a Splitter computes.
package input

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spaolacci/murmur3"
)

var ErrUnknownSplit = errors.New("input: unknown split")

// Source is an ordered sequence of records.
type Source interface {
	Records(ctx context.Context) ([]string, error)
}

// LineFile reads one record per line of a text file. Trailing empty lines
// are ignored.
type LineFile struct {
	Path string
}

func (f LineFile) Records(ctx context.Context) ([]string, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer fh.Close()

	var recs []string
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs = append(recs, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input %s: %w", f.Path, err)
	}
	for len(recs) > 0 && strings.TrimSpace(recs[len(recs)-1]) == "" {
		recs = recs[:len(recs)-1]
	}
	return recs, nil
}

// Inline is a source whose records travel inside the job descriptor.
type Inline []string

func (in Inline) Records(context.Context) ([]string, error) {
	return append([]string(nil), in...), nil
}

// Splitter picks the records of one partition out of n.
type Splitter interface {
	Split(records []string, n, partition int) []string
}

// RangeSplitter cuts the sequence into n contiguous ranges whose sizes
// differ by at most one. Record order is preserved.
type RangeSplitter struct{}

// Bounds returns n+1 offsets; partition i owns records [b[i], b[i+1]).
func (RangeSplitter) Bounds(total, n int) []int {
	b := make([]int, n+1)
	for i := 0; i <= n; i++ {
		b[i] = i * total / n
	}
	return b
}

func (s RangeSplitter) Split(records []string, n, partition int) []string {
	b := s.Bounds(len(records), n)
	return records[b[partition]:b[partition+1]]
}

// HashSplitter assigns each record to murmur3(record, Seed) mod n. Records of
// a partition keep their relative order.
type HashSplitter struct {
	Seed uint32
}

func (s HashSplitter) Partition(record string, n int) int {
	return int(murmur3.Sum32WithSeed([]byte(record), s.Seed) % uint32(n))
}

func (s HashSplitter) Split(records []string, n, partition int) []string {
	var out []string
	for _, r := range records {
		if s.Partition(r, n) == partition {
			out = append(out, r)
		}
	}
	return out
}

// Spec is the JSON form of an input reference inside a job descriptor.
type Spec struct {
	Path   string   `json:"path,omitempty"`
	Values []string `json:"values,omitempty"`
	// Split is "range" (default) or "hash".
	Split string `json:"split,omitempty"`
	Seed  uint32 `json:"seed,omitempty"`
}

// Open resolves s into a source and a splitter.
func (s Spec) Open() (Source, Splitter, error) {
	var src Source = Inline(s.Values)
	if s.Path != "" {
		src = LineFile{Path: s.Path}
	}
	switch s.Split {
	case "", "range":
		return src, RangeSplitter{}, nil
	case "hash":
		return src, HashSplitter{Seed: s.Seed}, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSplit, s.Split)
}

// Load reads the records of one partition described by raw, a JSON Spec.
func Load(ctx context.Context, raw json.RawMessage, n, partition int) ([]string, error) {
	var spec Spec
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	src, split, err := spec.Open()
	if err != nil {
		return nil, err
	}
	recs, err := src.Records(ctx)
	if err != nil {
		return nil, err
	}
	return split.Split(recs, n, partition), nil
}
