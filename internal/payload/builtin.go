package payload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/groombsp/internal/input"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

const (
	KindSupersteps = "supersteps"
	KindSum        = "sum"
)

// SuperstepsInput configures the supersteps payload.
type SuperstepsInput struct {
	// Supersteps is the number of supersteps to run; each task votes to halt
	// in superstep Supersteps-1.
	Supersteps int64 `json:"supersteps"`
	DelayMs    int64 `json:"delay_ms,omitempty"`
	// FailPartition and FailAt make one task fail, for exercising recovery.
	// FailAttempt limits the failure to one job attempt when set.
	FailPartition *int  `json:"fail_partition,omitempty"`
	FailAt        int64 `json:"fail_at,omitempty"`
	FailAttempt   int   `json:"fail_attempt,omitempty"`
}

type superstepsTask struct {
	in        SuperstepsInput
	partition int
}

func loadSupersteps(_ context.Context, desc types.JobDescriptor, partition int) (Task, error) {
	in := SuperstepsInput{Supersteps: 1}
	if len(desc.Input) > 0 {
		if err := json.Unmarshal(desc.Input, &in); err != nil {
			return nil, fmt.Errorf("%w: supersteps input: %v", types.ErrInvalidJob, err)
		}
	}
	if in.Supersteps < 1 {
		return nil, fmt.Errorf("%w: supersteps must be positive", types.ErrInvalidJob)
	}
	return &superstepsTask{in: in, partition: partition}, nil
}

func (t *superstepsTask) Compute(ctx context.Context, sc *Context) (bool, error) {
	if t.in.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(t.in.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if t.in.FailPartition != nil && *t.in.FailPartition == t.partition && sc.Superstep == t.in.FailAt &&
		(t.in.FailAttempt == 0 || t.in.FailAttempt == sc.Task.Attempt) {
		return false, fmt.Errorf("injected failure at superstep %d", sc.Superstep)
	}
	return sc.Superstep >= t.in.Supersteps-1, nil
}

// SumInput configures the sum payload.
type SumInput struct {
	input.Spec
	// Output, when set, is a directory that receives one part-NNNNN file
	// with the partial sum of each partition.
	Output string `json:"output,omitempty"`
}

type sumTask struct {
	records []string
	output  string
	Sum     int64
}

func loadSum(ctx context.Context, desc types.JobDescriptor, partition int) (Task, error) {
	var in SumInput
	if len(desc.Input) > 0 {
		if err := json.Unmarshal(desc.Input, &in); err != nil {
			return nil, fmt.Errorf("%w: sum input: %v", types.ErrInvalidJob, err)
		}
	}
	raw, err := json.Marshal(in.Spec)
	if err != nil {
		return nil, err
	}
	recs, err := input.Load(ctx, raw, desc.Partitions, partition)
	if err != nil {
		return nil, err
	}
	return &sumTask{records: recs, output: in.Output}, nil
}

func (t *sumTask) Compute(_ context.Context, sc *Context) (bool, error) {
	var sum int64
	for _, r := range t.records {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		v, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return false, fmt.Errorf("record %q: %w", r, err)
		}
		sum += v
	}
	t.Sum = sum
	if sc.Logger != nil {
		sc.Logger.Info("Partial sum", "task", sc.Task, "records", len(t.records), "sum", sum)
	}
	if t.output != "" {
		if err := os.MkdirAll(t.output, 0o755); err != nil {
			return false, err
		}
		name := filepath.Join(t.output, fmt.Sprintf("part-%05d", sc.Task.Partition))
		if err := os.WriteFile(name, []byte(strconv.FormatInt(sum, 10)+"\n"), 0o644); err != nil {
			return false, err
		}
	}
	return true, nil
}
