package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(ctx context.Context, args ...string) (string, error) {
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "groombsp", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"sync-server", "master", "groom", "local", "submit", "status", "job", "kill"}, names)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
master:
  host: master.example
  port: 41000
  heartbeat_interval: 2s
  missed_heartbeats: 5
  max_attempts: 4
groom:
  name: g7
  max_tasks: 8
  barrier_timeout: 30s
sync:
  quorum: zk1,zk2
  store: badger
  data_dir: /var/lib/groombsp
log:
  level: debug
  format: json
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "master.example:41000", cfg.MasterAddr())
	assert.Equal(t, 2*time.Second, cfg.Master.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Master.MissedHeartbeats)
	assert.Equal(t, 4, cfg.MasterConfig().MaxAttempts)
	assert.Equal(t, "g7", cfg.Groom.Name)
	assert.Equal(t, 8, cfg.Groom.MaxTasks)
	assert.Equal(t, 30*time.Second, cfg.Groom.BarrierTimeout)
	assert.Equal(t, DefaultPeerPort, cfg.Groom.PeerPort)
	assert.True(t, cfg.Sync.Coordinator, "coordinator defaults to on")

	addr, err := cfg.SyncAddr()
	require.NoError(t, err)
	assert.Equal(t, "zk1:15600", addr)
}

func TestLoadConfig_Defaults(t *testing.T) {
	empty := writeFile(t, "empty.yaml", "")
	for _, path := range []string{"", empty} {
		cfg, err := loadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultMasterPort, cfg.Master.Port)
		assert.Equal(t, DefaultPeerPort, cfg.Groom.PeerPort)
		assert.Equal(t, 15600, cfg.Sync.Port)
		assert.Equal(t, 3, cfg.Local.Grooms)
		assert.Equal(t, 3, cfg.Master.MissedHeartbeats)
		assert.True(t, cfg.Metrics.Enabled)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")
	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, "invalid.yaml", `
master:
  port: "not a number"
  invalid yaml structure
    broken indentation
`)
	cfg, err := loadConfig(path)
	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "failed to parse config YAML")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port range", func(c *Config) { c.Master.Port = 70000 }, "master.port"},
		{"missed heartbeats", func(c *Config) { c.Master.MissedHeartbeats = -1 }, "missed_heartbeats"},
		{"max tasks", func(c *Config) { c.Groom.MaxTasks = -2 }, "max_tasks"},
		{"store without dir", func(c *Config) { c.Sync.Store = "wal" }, "data_dir"},
		{"unknown store", func(c *Config) { c.Sync.Store = "etcd" }, "unknown store"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoadJobFile(t *testing.T) {
	path := writeFile(t, "job.yaml", `
name: steps
kind: supersteps
partitions: 4
retryable: true
input:
  supersteps: 3
  delay_ms: 1
`)
	desc, err := loadJobFile(path)
	require.NoError(t, err)
	assert.Equal(t, "steps", desc.Name)
	assert.Equal(t, "supersteps", desc.Kind)
	assert.Equal(t, 4, desc.Partitions)
	assert.True(t, desc.Retryable)
	assert.JSONEq(t, `{"supersteps": 3, "delay_ms": 1}`, string(desc.Input))

	_, err = loadJobFile("/nonexistent/job.yaml")
	assert.ErrorContains(t, err, "failed to read job file")
}

func TestLocalCommandRunsJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	config := writeFile(t, "config.yaml", fmt.Sprintf(`
master:
  port: %d
  heartbeat_interval: 50ms
  missed_heartbeats: 20
log:
  level: error
`, freePort(t)))
	job := writeFile(t, "job.yaml", `
kind: supersteps
partitions: 4
input: {supersteps: 3}
`)

	out, err := execute(ctx, "local", "-c", config, "-f", job)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Submitted job job_")
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "groom_0")

	failing := writeFile(t, "fail.yaml", `
kind: supersteps
partitions: 2
input: {supersteps: 3, fail_partition: 0, fail_at: 1}
`)
	out, err = execute(ctx, "local", "-c", config, "-f", failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILED")
	assert.Contains(t, out, "injected failure")
}

type daemon struct {
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, args ...string) *daemon {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{cancel: cancel, done: make(chan error, 1)}
	go func() {
		_, err := execute(ctx, args...)
		d.done <- err
	}()
	return d
}

func (d *daemon) stop(t *testing.T) {
	t.Helper()
	d.cancel()
	select {
	case err := <-d.done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Error("daemon did not stop")
	}
}

func TestDistributedCluster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	syncPort, masterPort, groomPort := freePort(t), freePort(t), freePort(t)
	config := writeFile(t, "config.yaml", fmt.Sprintf(`
master:
  host: 127.0.0.1
  port: %d
  heartbeat_interval: 50ms
  missed_heartbeats: 20
groom:
  name: g0
  host: 127.0.0.1
  port: %d
  max_tasks: 2
sync:
  quorum: 127.0.0.1
  port: %d
  session_ttl: 5s
log:
  level: error
`, masterPort, groomPort, syncPort))

	sync := startDaemon(t, "sync-server", "-c", config)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", syncPort))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 10*time.Second, 20*time.Millisecond)

	master := startDaemon(t, "master", "-c", config)
	groom := startDaemon(t, "groom", "-c", config)
	defer sync.stop(t)
	defer master.stop(t)
	defer groom.stop(t)

	require.Eventually(t, func() bool {
		out, err := execute(ctx, "status", "-c", config)
		return err == nil && strings.Contains(out, "g0")
	}, 20*time.Second, 50*time.Millisecond)

	job := writeFile(t, "job.yaml", `
name: steps
kind: supersteps
partitions: 2
input: {supersteps: 3}
`)
	out, err := execute(ctx, "submit", "-c", config, "-f", job, "--wait")
	require.NoError(t, err, out)
	assert.Contains(t, out, "SUCCEEDED")

	out, err = execute(ctx, "job", "-c", config)
	require.NoError(t, err)
	assert.Contains(t, out, "steps")
	assert.Contains(t, out, "SUCCEEDED")

	require.Eventually(t, func() bool {
		out, err := execute(ctx, "status", "-c", config)
		return err == nil && strings.Contains(out, "Master:  RUNNING") && strings.Contains(out, "Tasks:   0/2")
	}, 10*time.Second, 50*time.Millisecond)

	_, err = execute(ctx, "kill", "-c", config, "job_missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := loadConfig("../../configs/default.yaml")
	require.NoError(t, err)
	assert.Equal(t, "localhost:40000", cfg.MasterAddr())
	assert.Equal(t, "memory", cfg.Sync.Store)
	assert.False(t, cfg.Master.Coordinator)
	assert.True(t, cfg.Sync.Coordinator)
}
