// Copyright 2025 OpsConductor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the OpsConductor core configuration:
// persistence, dispatch queue, scheduler, live-status fan-out, step
// executors, credentials resolver, target registry, auth, metrics, and
// tracing. Configuration is loaded from an optional YAML file and then
// overridden by OPSCONDUCTOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for opsconductord and opsctl.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Queue       QueueConfig       `yaml:"queue"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Fanout      FanoutConfig      `yaml:"fanout"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Targets     TargetsConfig     `yaml:"targets"`
	Notification NotificationConfig `yaml:"notification"`
	Auth        AuthConfig        `yaml:"auth"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// LogConfig mirrors internal/log.Config in YAML-serializable form.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// StoreConfig selects and configures the persistence backend (C1).
type StoreConfig struct {
	// Type is "sqlite" or "postgres".
	Type string `yaml:"type,omitempty"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`

	// ConnectTimeout bounds acquiring a connection from the pool (spec §5).
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	// MaxRetries bounds retrying a transient connection loss (spec §4.1).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// SQLiteConfig configures the embedded single-node backend.
type SQLiteConfig struct {
	Path string `yaml:"path,omitempty"`
}

// PostgresConfig configures the production pooled backend.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn,omitempty"`
	MinConns        int32         `yaml:"min_conns,omitempty"`
	MaxConns        int32         `yaml:"max_conns,omitempty"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime,omitempty"`
}

// QueueConfig configures the dispatch queue (C4).
type QueueConfig struct {
	// PollInterval is how often an idle worker polls for leasable steps.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// WorkerPrefetch bounds how many steps a single worker leases concurrently.
	WorkerPrefetch int `yaml:"worker_prefetch,omitempty"`

	// LeaseGrace is added to a step's own timeout before the janitor (C9)
	// considers the lease abandoned.
	LeaseGrace time.Duration `yaml:"lease_grace,omitempty"`

	// LivenessWindow is how long since last_heartbeat a worker is still
	// considered alive.
	LivenessWindow time.Duration `yaml:"liveness_window,omitempty"`

	// JanitorInterval is how often the orphan-lease janitor sweeps.
	JanitorInterval time.Duration `yaml:"janitor_interval,omitempty"`
}

// SchedulerConfig configures schedule evaluation (C5).
type SchedulerConfig struct {
	// TickInterval is how often the scheduler evaluates due schedules.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`

	// LeaderElection enables the single-writer lock when multiple scheduler
	// instances run.
	LeaderElection bool `yaml:"leader_election"`

	// InstanceID identifies this scheduler instance in the leader-election
	// row. Defaults to the hostname.
	InstanceID string `yaml:"instance_id,omitempty"`
}

// FanoutConfig configures the live-status fan-out (C8).
type FanoutConfig struct {
	// RunPollInterval, QueuePollInterval, WorkerPollInterval, and
	// AggregatePollInterval are the diff-emit polling cadences for each
	// topic, per spec §4.8 (defaults: 2s, 5s, 10s, 15s).
	RunPollInterval       time.Duration `yaml:"run_poll_interval,omitempty"`
	QueuePollInterval     time.Duration `yaml:"queue_poll_interval,omitempty"`
	WorkerPollInterval    time.Duration `yaml:"worker_poll_interval,omitempty"`
	AggregatePollInterval time.Duration `yaml:"aggregate_poll_interval,omitempty"`

	// SendBacklog bounds the number of unsent frames queued to a single
	// subscriber before it is disconnected as slow.
	SendBacklog int `yaml:"send_backlog,omitempty"`

	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// ExecutorConfig configures step executors (C6).
type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`

	SSH   SSHExecutorConfig   `yaml:"ssh,omitempty"`
	WinRM WinRMExecutorConfig `yaml:"winrm,omitempty"`

	// CommandMaxBytes is the hard cap on rendered command length (spec §4.6).
	CommandMaxBytes int `yaml:"command_max_bytes,omitempty"`

	// DangerousCommandCheck toggles the blocklist guard. It must not be
	// disabled in production; exposed for test harnesses only.
	DangerousCommandCheck bool `yaml:"dangerous_command_check"`
}

// SSHExecutorConfig configures ssh.exec / ssh.copy / sftp.* executors.
type SSHExecutorConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	DefaultPort    int           `yaml:"default_port,omitempty"`
}

// WinRMExecutorConfig configures winrm.* / windows.command executors.
type WinRMExecutorConfig struct {
	HTTPPort      int           `yaml:"http_port,omitempty"`
	HTTPSPort     int           `yaml:"https_port,omitempty"`
	UseHTTPS      bool          `yaml:"use_https"`
	SkipTLSVerify bool          `yaml:"skip_tls_verify"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// CredentialsConfig configures the credentials resolver (C7).
type CredentialsConfig struct {
	VaultEndpoint string        `yaml:"vault_endpoint,omitempty"`
	CacheTTL      time.Duration `yaml:"cache_ttl,omitempty"`
}

// TargetsConfig configures the read-only target registry client.
type TargetsConfig struct {
	RegistryEndpoint string        `yaml:"registry_endpoint,omitempty"`
	CacheTTL         time.Duration `yaml:"cache_ttl,omitempty"`
}

// NotificationConfig configures the shared delivery client both the
// notify.* executors and the orchestrator's run-completion notification
// use to reach the external notification service (spec §6).
type NotificationConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

// AuthConfig configures bearer-token verification (spec §6 auth contract).
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens directly. Mutually exclusive
	// with TrustIngressHeaders in practice, though both may be configured
	// for a staged rollout.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// TrustIngressHeaders accepts X-User-ID/X-Username/X-User-Role from a
	// trusted ingress instead of verifying a token locally.
	TrustIngressHeaders bool `yaml:"trust_ingress_headers"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name,omitempty"`
	Exporter       string  `yaml:"exporter,omitempty"` // "stdout" or "otlp"
	OTLPEndpoint   string  `yaml:"otlp_endpoint,omitempty"`
	SampleFraction float64 `yaml:"sample_fraction,omitempty"`
}

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	Hostname        string        `yaml:"hostname,omitempty"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period,omitempty"`
	DrainTimeout    time.Duration `yaml:"drain_timeout,omitempty"`
}

// Default returns a Config with sensible production defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Type:           "sqlite",
			SQLite:         SQLiteConfig{Path: "opsconductor.db"},
			Postgres:       PostgresConfig{MinConns: 2, MaxConns: 20, MaxConnLifetime: time.Hour},
			ConnectTimeout: 30 * time.Second,
			MaxRetries:     5,
		},
		Queue: QueueConfig{
			PollInterval:    2 * time.Second,
			WorkerPrefetch:  1,
			LeaseGrace:      30 * time.Second,
			LivenessWindow:  60 * time.Second,
			JanitorInterval: 15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   30 * time.Second,
			LeaderElection: false,
			InstanceID:     hostname,
		},
		Fanout: FanoutConfig{
			RunPollInterval:       2 * time.Second,
			QueuePollInterval:     5 * time.Second,
			WorkerPollInterval:    10 * time.Second,
			AggregatePollInterval: 15 * time.Second,
			SendBacklog:           64,
			ListenAddr:            ":8089",
		},
		Executor: ExecutorConfig{
			DefaultTimeout:        5 * time.Minute,
			SSH:                   SSHExecutorConfig{ConnectTimeout: 10 * time.Second, DefaultPort: 22},
			WinRM:                 WinRMExecutorConfig{HTTPPort: 5985, HTTPSPort: 5986, Timeout: 5 * time.Minute},
			CommandMaxBytes:       10 * 1024,
			DangerousCommandCheck: true,
		},
		Credentials:  CredentialsConfig{CacheTTL: 10 * time.Second},
		Targets:      TargetsConfig{CacheTTL: 5 * time.Minute},
		Notification: NotificationConfig{},
		Auth:         AuthConfig{},
		Metrics:     MetricsConfig{Enabled: true, ListenAddr: ":9090"},
		Tracing:     TracingConfig{Enabled: false, ServiceName: "opsconductor", Exporter: "stdout", SampleFraction: 1.0},
		Worker: WorkerConfig{
			Hostname:        hostname,
			HeartbeatPeriod: 10 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
	}
}

// Load loads configuration from environment variables and optionally from a
// YAML file. Environment variables take precedence over file contents. If
// configPath is empty, the default XDG config file is used when present.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &opserrors.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to load from %s", configPath), Cause: err}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &opserrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued fields so a minimal config file (or none
// at all) still produces a fully usable Config.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Store.Type == "" {
		c.Store.Type = d.Store.Type
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = d.Store.SQLite.Path
	}
	if c.Store.Postgres.MinConns == 0 {
		c.Store.Postgres.MinConns = d.Store.Postgres.MinConns
	}
	if c.Store.Postgres.MaxConns == 0 {
		c.Store.Postgres.MaxConns = d.Store.Postgres.MaxConns
	}
	if c.Store.Postgres.MaxConnLifetime == 0 {
		c.Store.Postgres.MaxConnLifetime = d.Store.Postgres.MaxConnLifetime
	}
	if c.Store.ConnectTimeout == 0 {
		c.Store.ConnectTimeout = d.Store.ConnectTimeout
	}
	if c.Store.MaxRetries == 0 {
		c.Store.MaxRetries = d.Store.MaxRetries
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = d.Queue.PollInterval
	}
	if c.Queue.WorkerPrefetch == 0 {
		c.Queue.WorkerPrefetch = d.Queue.WorkerPrefetch
	}
	if c.Queue.LeaseGrace == 0 {
		c.Queue.LeaseGrace = d.Queue.LeaseGrace
	}
	if c.Queue.LivenessWindow == 0 {
		c.Queue.LivenessWindow = d.Queue.LivenessWindow
	}
	if c.Queue.JanitorInterval == 0 {
		c.Queue.JanitorInterval = d.Queue.JanitorInterval
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = d.Scheduler.TickInterval
	}
	if c.Scheduler.InstanceID == "" {
		c.Scheduler.InstanceID = d.Scheduler.InstanceID
	}
	if c.Fanout.RunPollInterval == 0 {
		c.Fanout.RunPollInterval = d.Fanout.RunPollInterval
	}
	if c.Fanout.QueuePollInterval == 0 {
		c.Fanout.QueuePollInterval = d.Fanout.QueuePollInterval
	}
	if c.Fanout.WorkerPollInterval == 0 {
		c.Fanout.WorkerPollInterval = d.Fanout.WorkerPollInterval
	}
	if c.Fanout.AggregatePollInterval == 0 {
		c.Fanout.AggregatePollInterval = d.Fanout.AggregatePollInterval
	}
	if c.Fanout.SendBacklog == 0 {
		c.Fanout.SendBacklog = d.Fanout.SendBacklog
	}
	if c.Fanout.ListenAddr == "" {
		c.Fanout.ListenAddr = d.Fanout.ListenAddr
	}
	if c.Executor.DefaultTimeout == 0 {
		c.Executor.DefaultTimeout = d.Executor.DefaultTimeout
	}
	if c.Executor.SSH.ConnectTimeout == 0 {
		c.Executor.SSH.ConnectTimeout = d.Executor.SSH.ConnectTimeout
	}
	if c.Executor.SSH.DefaultPort == 0 {
		c.Executor.SSH.DefaultPort = d.Executor.SSH.DefaultPort
	}
	if c.Executor.WinRM.HTTPPort == 0 {
		c.Executor.WinRM.HTTPPort = d.Executor.WinRM.HTTPPort
	}
	if c.Executor.WinRM.HTTPSPort == 0 {
		c.Executor.WinRM.HTTPSPort = d.Executor.WinRM.HTTPSPort
	}
	if c.Executor.WinRM.Timeout == 0 {
		c.Executor.WinRM.Timeout = d.Executor.WinRM.Timeout
	}
	if c.Executor.CommandMaxBytes == 0 {
		c.Executor.CommandMaxBytes = d.Executor.CommandMaxBytes
	}
	if c.Credentials.CacheTTL == 0 {
		c.Credentials.CacheTTL = d.Credentials.CacheTTL
	}
	if c.Targets.CacheTTL == 0 {
		c.Targets.CacheTTL = d.Targets.CacheTTL
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = d.Metrics.ListenAddr
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.SampleFraction == 0 {
		c.Tracing.SampleFraction = d.Tracing.SampleFraction
	}
	if c.Worker.Hostname == "" {
		c.Worker.Hostname = d.Worker.Hostname
	}
	if c.Worker.HeartbeatPeriod == 0 {
		c.Worker.HeartbeatPeriod = d.Worker.HeartbeatPeriod
	}
	if c.Worker.DrainTimeout == 0 {
		c.Worker.DrainTimeout = d.Worker.DrainTimeout
	}
}

// loadFromEnv overrides config fields from OPSCONDUCTOR_* environment
// variables, plus the conventional LOG_LEVEL/LOG_FORMAT/LOG_SOURCE.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_SOURCE"); v != "" {
		c.Log.AddSource = v == "1" || strings.ToLower(v) == "true"
	}

	if v := os.Getenv("OPSCONDUCTOR_STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("OPSCONDUCTOR_SQLITE_PATH"); v != "" {
		c.Store.SQLite.Path = v
	}
	if v := os.Getenv("OPSCONDUCTOR_POSTGRES_DSN"); v != "" {
		c.Store.Postgres.DSN = v
	}
	if v := os.Getenv("OPSCONDUCTOR_SCHEDULER_LEADER_ELECTION"); v != "" {
		c.Scheduler.LeaderElection = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("OPSCONDUCTOR_FANOUT_LISTEN_ADDR"); v != "" {
		c.Fanout.ListenAddr = v
	}
	if v := os.Getenv("OPSCONDUCTOR_NOTIFICATION_ENDPOINT"); v != "" {
		c.Notification.Endpoint = v
	}
	if v := os.Getenv("OPSCONDUCTOR_AUTH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("OPSCONDUCTOR_AUTH_TRUST_INGRESS_HEADERS"); v != "" {
		c.Auth.TrustIngressHeaders = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("OPSCONDUCTOR_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("OPSCONDUCTOR_METRICS_LISTEN_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("OPSCONDUCTOR_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("OPSCONDUCTOR_TRACING_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
		c.Tracing.Exporter = "otlp"
	}
	if v := os.Getenv("OPSCONDUCTOR_WORKER_HOSTNAME"); v != "" {
		c.Worker.Hostname = v
	}
	if v := os.Getenv("OPSCONDUCTOR_WORKER_PREFETCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.WorkerPrefetch = n
		}
	}
	if v := os.Getenv("OPSCONDUCTOR_SCHEDULER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.TickInterval = d
		}
	}
}
