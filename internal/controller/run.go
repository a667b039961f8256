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

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/controller/auth"
	"github.com/tombee/conductor/internal/controller/broadcast"
	"github.com/tombee/conductor/internal/controller/distlock"
	"github.com/tombee/conductor/internal/controller/httpapi"
	"github.com/tombee/conductor/internal/controller/listener"
	"github.com/tombee/conductor/internal/controller/middleware"
	"github.com/tombee/conductor/internal/controller/queue"
	"github.com/tombee/conductor/internal/controller/store/memory"
	"github.com/tombee/conductor/internal/controller/store/postgres"
	"github.com/tombee/conductor/internal/controller/store/sqlite"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/tracing/audit"
	"github.com/tombee/conductor/pkg/engine"
	"github.com/tombee/conductor/pkg/engine/schema"
)

// storeCloser is the subset of each wired backend's API Shutdown needs
// to release its connection; engine.Store itself has no Close method
// since the in-memory implementation needs none.
type storeCloser interface {
	Close() error
}

// Controller is the lifecycle owner described in doc.go: it builds an
// *engine.Engine from the configured backends and serves it over HTTP.
type Controller struct {
	cfg    *config.Config
	logger *slog.Logger
	Engine *engine.Engine
	store  storeCloser
	ln     net.Listener
	srv    *http.Server
	cancel context.CancelFunc
}

// New builds a Controller wired from cfg. registry supplies the
// workflow definitions the engine will serve; the engine itself has no
// opinion about where they come from, so callers register them before
// calling New.
func New(cfg *config.Config, registry *engine.Registry) (*Controller, error) {
	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})

	st, err := buildStore(cfg.Controller.Backend)
	if err != nil {
		return nil, fmt.Errorf("controller: build store: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())

	var redisClient *redis.Client
	if isRedisURL(cfg.Controller.CacheURI) {
		opts, err := redis.ParseURL(cfg.Controller.CacheURI)
		if err != nil {
			cancel()
			st.Close()
			return nil, fmt.Errorf("controller: parse cache_uri: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	var bcast engine.Broadcaster
	if redisClient != nil {
		bcast = broadcast.NewRedisBroadcaster(bgCtx, redisClient)
	} else {
		bcast = engine.NewMemoryBroadcaster()
	}

	// A DistLock always exists: MemoryDistLock is a correct single-
	// instance default even when EnableDistlock is false, since
	// AsyncResumeProcesses/MarshallProcesses always serialize through one.
	// EnableDistlock + distlock_backend=="redis" only changes whether that
	// serialization holds across a cluster of controller instances.
	var lock engine.DistLock
	if cfg.Controller.EnableDistlock && cfg.Controller.DistlockBackend == "redis" {
		if redisClient == nil {
			cancel()
			st.Close()
			return nil, fmt.Errorf("controller: distlock_backend=redis requires a redis:// cache_uri")
		}
		lock = distlock.NewRedisDistLock(redisClient)
	} else {
		lock = engine.NewMemoryDistLock(bgCtx)
	}

	rt := engine.NewRuntime(st, registry, bcast, logger)

	var exec engine.Executor
	switch {
	case cfg.Controller.Testing:
		exec = engine.NewSyncExecutor(rt)
	case cfg.Controller.Executor == "queue":
		if redisClient == nil {
			cancel()
			st.Close()
			return nil, fmt.Errorf("controller: executor=queue requires a redis:// cache_uri")
		}
		exec = engine.NewQueueExecutor(queue.NewRedisQueue(redisClient), nil)
	default:
		exec = engine.NewThreadPoolExecutor(rt, cfg.Controller.MaxWorkers, logger)
	}

	eng := engine.NewEngine(rt, exec, lock, bcast, schema.NewValidator())

	ln, err := listener.New(cfg.Controller.Listen)
	if err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("controller: build listener: %w", err)
	}

	h := &httpapi.Handler{
		Engine:      eng,
		Auth:        auth.NewBearerAuthenticator(),
		AuthToken:   cfg.Controller.ControllerAuth.Token,
		AuthEnabled: cfg.Controller.ControllerAuth.Enabled,
		Logger:      logger,
		CORS:        middleware.CORSConfig{},
		AuditLogger: audit.NewStdoutLogger(),
	}
	if cfg.Controller.ControllerAuth.RateLimitPerSecond > 0 {
		h.RateLimiter = auth.NewRateLimiter(auth.RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: cfg.Controller.ControllerAuth.RateLimitPerSecond,
			BurstSize:         cfg.Controller.ControllerAuth.RateLimitBurst,
		})
	}

	return &Controller{
		cfg:    cfg,
		logger: logger,
		Engine: eng,
		store:  st,
		ln:     ln,
		srv:    &http.Server{Handler: httpapi.NewMux(h)},
		cancel: cancel,
	}, nil
}

func isRedisURL(uri string) bool {
	return strings.HasPrefix(uri, "redis://") || strings.HasPrefix(uri, "rediss://")
}

// Start resumes any processes a prior crash left Running, then serves
// the HTTP/websocket transport until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Engine.MarshallProcesses(ctx, false); err != nil {
		c.logger.Warn("resume on boot failed", slog.Any("error", err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.srv.Serve(c.ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown stops accepting new connections, drains the executor, and
// releases the store and background sweepers within cfg.ShutdownTimeout.
func (c *Controller) Shutdown(ctx context.Context) error {
	timeout := c.cfg.Controller.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var firstErr error
	if err := c.srv.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := c.Engine.Executor.Drain(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	c.cancel()
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func buildStore(cfg config.BackendConfig) (storeCloser, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
	case "postgres":
		return postgres.New(postgres.Config{DSN: cfg.DSN, MaxOpenConns: cfg.MaxOpenConns})
	default:
		return memory.New(), nil
	}
}

// RunOptions configures the `conductor serve` CLI entry point.
type RunOptions struct {
	ConfigPath string
	Registry   *engine.Registry
}

// Run loads configuration, builds a Controller, and blocks until a
// shutdown signal arrives.
func Run(opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
	slog.SetDefault(logger)

	registry := opts.Registry
	if registry == nil {
		registry = engine.NewRegistry()
	}

	c, err := New(cfg, registry)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		return c.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("controller error: %w", err)
		}
		return nil
	}
}
