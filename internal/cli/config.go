package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/groombsp/internal/master"
	"github.com/ChuLiYu/groombsp/internal/syncserver"
)

const (
	DefaultMasterPort = 40000
	DefaultGroomPort  = 50000
	DefaultPeerPort   = 61000
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Master struct {
		Host              string        `yaml:"host"`
		Port              int           `yaml:"port"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MissedHeartbeats  int           `yaml:"missed_heartbeats"`
		JobRetention      time.Duration `yaml:"job_retention"`
		MaxAttempts       int           `yaml:"max_attempts"`
		MaxAssignRetries  int           `yaml:"max_assign_retries"`
		RPCTimeout        time.Duration `yaml:"rpc_timeout"`
		Coordinator       bool          `yaml:"coordinator"` // run a barrier coordinator in the master
	} `yaml:"master"`

	Groom struct {
		Name           string        `yaml:"name"`
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		PeerPort       int           `yaml:"peer_port"`
		MaxTasks       int           `yaml:"max_tasks"`
		BarrierTimeout time.Duration `yaml:"barrier_timeout"`
	} `yaml:"groom"`

	Sync struct {
		Quorum      string        `yaml:"quorum"`
		Port        int           `yaml:"port"`
		SessionTTL  time.Duration `yaml:"session_ttl"`
		Store       string        `yaml:"store"`
		DataDir     string        `yaml:"data_dir"`
		Coordinator bool          `yaml:"coordinator"`
	} `yaml:"sync"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Local struct {
		Grooms        int `yaml:"grooms"`
		TasksPerGroom int `yaml:"tasks_per_groom"`
	} `yaml:"local"`
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Sync.Coordinator = true
	cfg.Metrics.Enabled = true
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	d := master.DefaultConfig()
	if c.Master.Host == "" {
		c.Master.Host = "localhost"
	}
	if c.Master.Port == 0 {
		c.Master.Port = DefaultMasterPort
	}
	if c.Master.HeartbeatInterval == 0 {
		c.Master.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Master.MissedHeartbeats == 0 {
		c.Master.MissedHeartbeats = d.MissedHeartbeats
	}
	if c.Master.JobRetention == 0 {
		c.Master.JobRetention = d.JobRetention
	}
	if c.Master.MaxAttempts == 0 {
		c.Master.MaxAttempts = d.MaxAttempts
	}
	if c.Master.MaxAssignRetries == 0 {
		c.Master.MaxAssignRetries = d.MaxAssignRetries
	}
	if c.Master.RPCTimeout == 0 {
		c.Master.RPCTimeout = d.RPCTimeout
	}

	if c.Groom.Name == "" {
		if h, err := os.Hostname(); err == nil {
			c.Groom.Name = h
		}
	}
	if c.Groom.Host == "" {
		c.Groom.Host = "localhost"
	}
	if c.Groom.Port == 0 {
		c.Groom.Port = DefaultGroomPort
	}
	if c.Groom.PeerPort == 0 {
		c.Groom.PeerPort = DefaultPeerPort
	}
	if c.Groom.MaxTasks == 0 {
		c.Groom.MaxTasks = 2
	}

	if c.Sync.Port == 0 {
		c.Sync.Port = syncserver.DefaultPort
	}
	if c.Sync.SessionTTL == 0 {
		c.Sync.SessionTTL = syncserver.DefaultSessionTTL
	}
	if c.Sync.Store == "" {
		c.Sync.Store = syncserver.StoreMemory
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Local.Grooms == 0 {
		c.Local.Grooms = 3
	}
	if c.Local.TasksPerGroom == 0 {
		c.Local.TasksPerGroom = 2
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"master.port":     c.Master.Port,
		"groom.port":      c.Groom.Port,
		"groom.peer_port": c.Groom.PeerPort,
		"sync.port":       c.Sync.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s: %d out of range", name, port)
		}
	}
	switch {
	case c.Master.HeartbeatInterval < 0:
		return fmt.Errorf("master.heartbeat_interval must be positive")
	case c.Master.MissedHeartbeats < 1:
		return fmt.Errorf("master.missed_heartbeats must be at least 1")
	case c.Master.MaxAttempts < 1:
		return fmt.Errorf("master.max_attempts must be at least 1")
	case c.Groom.MaxTasks < 1:
		return fmt.Errorf("groom.max_tasks must be at least 1")
	case c.Groom.BarrierTimeout < 0:
		return fmt.Errorf("groom.barrier_timeout must not be negative")
	case c.Local.Grooms < 1 || c.Local.TasksPerGroom < 1:
		return fmt.Errorf("local cluster needs at least one groom with one slot")
	}
	switch c.Sync.Store {
	case syncserver.StoreMemory:
	case syncserver.StoreWAL, syncserver.StoreBadger:
		if c.Sync.DataDir == "" {
			return fmt.Errorf("sync.store %s needs sync.data_dir", c.Sync.Store)
		}
	default:
		return fmt.Errorf("sync.store: unknown store %q", c.Sync.Store)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format: %q is neither text nor json", c.Log.Format)
	}
	return nil
}

// MasterAddr is where grooms and clients reach the master.
func (c *Config) MasterAddr() string {
	return net.JoinHostPort(c.Master.Host, strconv.Itoa(c.Master.Port))
}

// MasterConfig converts the master section.
func (c *Config) MasterConfig() master.Config {
	return master.Config{
		HeartbeatInterval: c.Master.HeartbeatInterval,
		MissedHeartbeats:  c.Master.MissedHeartbeats,
		JobRetention:      c.Master.JobRetention,
		MaxAssignRetries:  c.Master.MaxAssignRetries,
		MaxAttempts:       c.Master.MaxAttempts,
		RPCTimeout:        c.Master.RPCTimeout,
	}
}

// SyncConfig converts the sync section. Address is resolved by
// syncserver.Init.
func (c *Config) SyncConfig() *syncserver.Config {
	return &syncserver.Config{
		Quorum:      c.Sync.Quorum,
		Port:        c.Sync.Port,
		SessionTTL:  c.Sync.SessionTTL,
		Store:       c.Sync.Store,
		DataDir:     c.Sync.DataDir,
		Coordinator: c.Sync.Coordinator,
	}
}

// SyncAddr resolves the sync server address the way the sync server itself
// does.
func (c *Config) SyncAddr() (string, error) {
	sc := c.SyncConfig()
	if _, err := syncserver.Init(sc); err != nil {
		return "", err
	}
	return sc.Address, nil
}

func loadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	cfg.Sync.Coordinator = true
	cfg.Metrics.Enabled = true
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// setupLogging installs the default slog handler.
func setupLogging(c *Config, w io.Writer) error {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
