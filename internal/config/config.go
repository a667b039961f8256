// Copyright 2025 Tom Barlow
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

// Package config loads and validates the engine's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete engine configuration.
type Config struct {
	// Version indicates the config format version.
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	Log        LogConfig        `yaml:"log"`
	Controller ControllerConfig `yaml:"controller"`
}

// LogConfig configures the CLI-facing logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// ControllerConfig configures the orchestration engine process: how it
// executes steps, where it persists state, and how it listens for API
// traffic.
type ControllerConfig struct {
	// Executor selects the step-execution strategy: "threadpool" runs
	// steps in-process, "queue" dispatches them to a distributed Queue.
	Executor string `yaml:"executor"`

	// MaxWorkers bounds the in-process thread pool's concurrency.
	MaxWorkers int `yaml:"max_workers"`

	// WorkerStatusIntervalSeconds is loaded and defaults to 30, but no
	// component of the controller reads it; no worker status is sampled.
	WorkerStatusIntervalSeconds int `yaml:"worker_status_interval_seconds"`

	// CacheURI selects the change-broadcast fabric: "memory" for an
	// in-process pub/sub, or a redis:// URL for the distributed backend.
	CacheURI string `yaml:"cache_uri,omitempty"`

	// WebsocketBroadcasterURL is loaded but not read by the controller:
	// the broadcast backend is chosen from CacheURI alone, and the
	// websocket endpoint is served on the main HTTP listener.
	WebsocketBroadcasterURL string `yaml:"websocket_broadcaster_url,omitempty"`

	// EnableDistlock activates the cluster-wide resume-all coordination
	// lock; DistlockBackend selects "memory" or "redis".
	EnableDistlock   bool   `yaml:"enable_distlock"`
	DistlockBackend  string `yaml:"distlock_backend,omitempty"`

	// EnableWebsockets is loaded but not read: the HTTP transport serves
	// the GET /ws process-update websocket whatever its value.
	EnableWebsockets bool `yaml:"enable_websockets"`

	// Testing makes step execution synchronous: the controller uses a
	// SyncExecutor in place of the threadpool or queue executor. Timers
	// and background sweepers are unaffected.
	Testing bool `yaml:"testing"`

	// Listen configures the controller's HTTP listener.
	Listen ControllerListenConfig `yaml:"listen,omitempty"`

	// Backend configures the durable process store.
	Backend BackendConfig `yaml:"backend,omitempty"`

	// ControllerAuth configures bearer-token authentication and rate
	// limiting for the HTTP transport.
	ControllerAuth ControllerAuthConfig `yaml:"controller_auth,omitempty"`

	// ShutdownTimeout bounds how long the engine waits for in-flight
	// steps to drain on SIGTERM before forcing shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DataDir is the directory for local state (e.g. the sqlite file).
	DataDir string `yaml:"data_dir,omitempty"`

	// WorkflowsDir is the directory to search for workflow definitions.
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`
}

// ControllerListenConfig configures how the controller listens for
// connections.
type ControllerListenConfig struct {
	// SocketPath is the Unix socket path (default).
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr is an optional TCP address to listen on (e.g., ":9000").
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote must be true to bind to non-localhost TCP addresses.
	AllowRemote bool `yaml:"allow_remote"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
}

// ControllerAuthConfig configures HTTP transport authentication.
type ControllerAuthConfig struct {
	// Enabled controls whether bearer-token authentication is required.
	Enabled bool `yaml:"enabled"`

	// Token is the static operator bearer token.
	Token string `yaml:"token,omitempty"`

	// RateLimitPerSecond and RateLimitBurst configure per-token
	// throttling of authenticated requests on every route; it applies only
	// when Enabled is true, and a RateLimitPerSecond of zero disables it.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second,omitempty"`
	RateLimitBurst     int     `yaml:"rate_limit_burst,omitempty"`
}

// BackendConfig configures the durable process store.
type BackendConfig struct {
	// Type selects the store implementation: "memory", "sqlite", or
	// "postgres".
	Type string `yaml:"type,omitempty"`

	// DSN is the connection string for sqlite (file path) or postgres
	// (postgres://...) backends.
	DSN string `yaml:"dsn,omitempty"`

	// MaxOpenConns bounds the postgres connection pool; ignored by
	// other backends.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// Default returns a Config populated with the engine's default values:
// an in-process thread pool executor, an in-memory store, and no auth.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Controller: ControllerConfig{
			Executor:                    "threadpool",
			MaxWorkers:                  10,
			WorkerStatusIntervalSeconds: 30,
			CacheURI:                    "memory",
			EnableDistlock:              false,
			DistlockBackend:             "memory",
			EnableWebsockets:            false,
			ShutdownTimeout:             30 * time.Second,
			Listen: ControllerListenConfig{
				SocketPath: defaultSocketPath(),
			},
			Backend: BackendConfig{
				Type: "memory",
			},
		},
	}
}

// Load reads and validates configuration from configPath, applying
// defaults for any unset fields and then environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Controller.Executor == "" {
		c.Controller.Executor = d.Controller.Executor
	}
	if c.Controller.MaxWorkers == 0 {
		c.Controller.MaxWorkers = d.Controller.MaxWorkers
	}
	if c.Controller.WorkerStatusIntervalSeconds == 0 {
		c.Controller.WorkerStatusIntervalSeconds = d.Controller.WorkerStatusIntervalSeconds
	}
	if c.Controller.CacheURI == "" {
		c.Controller.CacheURI = d.Controller.CacheURI
	}
	if c.Controller.DistlockBackend == "" {
		c.Controller.DistlockBackend = d.Controller.DistlockBackend
	}
	if c.Controller.ShutdownTimeout == 0 {
		c.Controller.ShutdownTimeout = d.Controller.ShutdownTimeout
	}
	if c.Controller.Listen.SocketPath == "" && c.Controller.Listen.TCPAddr == "" {
		c.Controller.Listen.SocketPath = d.Controller.Listen.SocketPath
	}
	if c.Controller.Backend.Type == "" {
		c.Controller.Backend.Type = d.Controller.Backend.Type
	}
}

// loadFromEnv applies CONDUCTOR_*-prefixed environment overrides, the
// same precedence order the CLI config layer has always used: file,
// then environment, then flags (flags are applied by callers after Load).
func (c *Config) loadFromEnv() {
	if v := os.Getenv("CONDUCTOR_EXECUTOR"); v != "" {
		c.Controller.Executor = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Controller.MaxWorkers = n
		}
	}
	if v := os.Getenv("CONDUCTOR_CACHE_URI"); v != "" {
		c.Controller.CacheURI = v
	}
	if v := os.Getenv("CONDUCTOR_BACKEND_TYPE"); v != "" {
		c.Controller.Backend.Type = v
	}
	if v := os.Getenv("CONDUCTOR_BACKEND_DSN"); v != "" {
		c.Controller.Backend.DSN = v
	}
	if v := os.Getenv("CONDUCTOR_SOCKET"); v != "" {
		c.Controller.Listen.SocketPath = v
	}
	if v := os.Getenv("CONDUCTOR_LISTEN_ADDR"); v != "" {
		c.Controller.Listen.TCPAddr = v
	}
	if v := os.Getenv("CONDUCTOR_AUTH_TOKEN"); v != "" {
		c.Controller.ControllerAuth.Enabled = true
		c.Controller.ControllerAuth.Token = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Controller.Executor {
	case "threadpool", "queue":
	default:
		return fmt.Errorf("%w: controller.executor must be \"threadpool\" or \"queue\", got %q", ErrInvalidConfig, c.Controller.Executor)
	}
	if c.Controller.MaxWorkers < 1 {
		return fmt.Errorf("%w: controller.max_workers must be >= 1", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Controller.Backend.Type) {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: controller.backend.type must be one of memory, sqlite, postgres, got %q", ErrInvalidConfig, c.Controller.Backend.Type)
	}
	if c.Controller.Backend.Type != "memory" && c.Controller.Backend.DSN == "" {
		return fmt.Errorf("%w: controller.backend.dsn is required for backend %q", ErrInvalidConfig, c.Controller.Backend.Type)
	}
	if c.Controller.EnableDistlock {
		switch c.Controller.DistlockBackend {
		case "memory", "redis":
		default:
			return fmt.Errorf("%w: controller.distlock_backend must be \"memory\" or \"redis\", got %q", ErrInvalidConfig, c.Controller.DistlockBackend)
		}
	}
	if c.Controller.Listen.SocketPath == "" && c.Controller.Listen.TCPAddr == "" {
		return fmt.Errorf("%w: controller.listen requires socket_path or tcp_addr", ErrInvalidConfig)
	}
	if (c.Controller.Listen.TLSCert == "") != (c.Controller.Listen.TLSKey == "") {
		return fmt.Errorf("%w: controller.listen.tls_cert and tls_key must both be set or both be empty", ErrInvalidConfig)
	}
	return nil
}

func defaultSocketPath() string {
	dir, err := ConfigDir()
	if err != nil {
		return "/tmp/conductor.sock"
	}
	return dir + "/conductor.sock"
}
