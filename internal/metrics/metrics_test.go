package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, _ := newTestCollector(t)
	assert.NotNil(t, c.jobsSubmitted)
	assert.NotNil(t, c.jobsFinished)
	assert.NotNil(t, c.releases)
	assert.NotNil(t, c.jobDuration)
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) }, "double registration on one registry")

	assert.NotPanics(t, func() { NewCollector(prometheus.NewRegistry()) })
}

func TestCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordSubmit()
	c.RecordSubmit()
	c.RecordRestart()
	c.RecordGroomLost()
	c.RecordTaskFailure()
	c.RecordTaskFailure()
	c.RecordHeartbeat(HeartbeatApplied)
	c.RecordHeartbeat(HeartbeatApplied)
	c.RecordHeartbeat(HeartbeatDiscarded)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobRestarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.groomsLost))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.taskFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.heartbeats.WithLabelValues(HeartbeatApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeats.WithLabelValues(HeartbeatDiscarded)))
}

func TestRecordRelease(t *testing.T) {
	tests := []struct {
		name            string
		halt, cancelled bool
		outcome         string
	}{
		{"advance", false, false, ReleaseAdvance},
		{"halt", true, false, ReleaseHalt},
		{"cancelled", false, true, ReleaseCancelled},
		{"cancelled wins", true, true, ReleaseCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(t)
			c.RecordRelease(tt.halt, tt.cancelled)
			assert.Equal(t, 1.0, testutil.ToFloat64(c.releases.WithLabelValues(tt.outcome)))
		})
	}
}

func TestFinishedAndCluster(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordFinished("SUCCEEDED", 1.5)
	c.RecordFinished("FAILED", 0.2)
	c.UpdateCluster(3, 4, 6)
	c.SetRecoveryTime(0.25)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("SUCCEEDED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.grooms))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.slotsBusy))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.slotsTotal))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.recoverySecond))

	n, err := testutil.GatherAndCount(reg, "bsp_job_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSubmit()
		c.RecordFinished("KILLED", 1)
		c.RecordRestart()
		c.RecordGroomLost()
		c.RecordHeartbeat(HeartbeatUnknown)
		c.RecordTaskFailure()
		c.RecordRelease(true, false)
		c.UpdateCluster(1, 1, 1)
		c.SetRecoveryTime(1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordSubmit()
				c.RecordRelease(false, false)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.releases.WithLabelValues(ReleaseAdvance)))
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordSubmit()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "bsp_jobs_submitted_total 1"), string(body))
}
