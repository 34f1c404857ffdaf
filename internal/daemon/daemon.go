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

// Package daemon assembles and supervises the runwayd services: store,
// queue, controller, worker, cleanup, and the HTTP API. All wiring is
// explicit construction; nothing registers itself through package-level
// state.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/runway/internal/api"
	"github.com/tombee/runway/internal/cleanup"
	"github.com/tombee/runway/internal/config"
	"github.com/tombee/runway/internal/connector"
	"github.com/tombee/runway/internal/controller"
	"github.com/tombee/runway/internal/events"
	"github.com/tombee/runway/internal/log"
	"github.com/tombee/runway/internal/queue"
	"github.com/tombee/runway/internal/store"
	"github.com/tombee/runway/internal/store/memory"
	"github.com/tombee/runway/internal/store/sqlite"
	"github.com/tombee/runway/internal/webhook"
	"github.com/tombee/runway/internal/worker"
)

// BuildInfo identifies the binary, injected via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
}

// Daemon is the assembled runwayd process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	queue      queue.Queue
	registry   *connector.Registry
	bus        *events.Bus
	controller *controller.Controller
	worker     *worker.Worker
	cleanup    *cleanup.Manager
	server     *http.Server
}

// New constructs the full dependency graph from configuration.
func New(ctx context.Context, cfg *config.Config, build BuildInfo, logger *slog.Logger) (*Daemon, error) {
	st, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	q, err := newQueue(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	bus := events.NewBus()

	registry := connector.NewRegistry(logger)
	registry.Register(connector.NewHTTPHandler())

	executor := NewConnectorExecutor(registry, bus)
	notifier := webhook.New(cfg.Webhook.Secret, logger)

	ctrl := controller.New(
		controller.Config{DefaultTimeout: cfg.Runs.DefaultTimeout},
		st, q, executor, notifier, bus, logger,
	)

	w := worker.New(q, ctrl, logger)

	cl := cleanup.New(cleanup.Config{
		Retention:      cfg.Cleanup.Retention,
		Interval:       cfg.Cleanup.Interval,
		StaleThreshold: cfg.Cleanup.StaleThreshold,
		OnStartup:      cfg.Cleanup.OnStartup,
	}, st, logger)

	router := api.NewRouter(api.RouterConfig{
		Version: build.Version,
		Commit:  build.Commit,
	}, logger)
	if hc, ok := st.(api.HealthChecker); ok {
		router.SetStoreCheck(hc)
	}
	if hc, ok := q.(api.HealthChecker); ok {
		router.SetQueueCheck(hc)
	}
	api.NewRunsHandler(ctrl).RegisterRoutes(router.Mux())
	api.NewEventsHandler(bus).RegisterRoutes(router.Mux())
	api.NewSchemaHandler().RegisterRoutes(router.Mux())

	return &Daemon{
		cfg:        cfg,
		logger:     log.WithComponent(logger, "daemon"),
		store:      st,
		queue:      q,
		registry:   registry,
		bus:        bus,
		controller: ctrl,
		worker:     w,
		cleanup:    cl,
		server: &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: router,
		},
	}, nil
}

// Registry exposes the connector registry so embedders can add handlers
// before Run.
func (d *Daemon) Registry() *connector.Registry {
	return d.registry
}

// Run starts all services and blocks until the context is cancelled or
// a service fails. Shutdown drains the HTTP server, stops the worker
// and cleanup loop, then closes the queue and store.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("http server listening", "addr", d.cfg.Server.ListenAddr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return d.worker.Run(gctx)
	})

	g.Go(func() error {
		return d.cleanup.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	if cerr := d.queue.Close(); cerr != nil && !errors.Is(cerr, queue.ErrQueueClosed) {
		d.logger.Error("failed to close queue", "error", cerr)
	}
	if cerr := d.store.Close(); cerr != nil {
		d.logger.Error("failed to close store", "error", cerr)
	}

	d.logger.Info("daemon stopped")
	return err
}

// newStore builds the configured persistence backend.
func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newQueue builds the configured broker backend.
func newQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "nats":
		return queue.NewNATSQueue(ctx, queue.NATSConfig{URL: cfg.Queue.URL}, logger)
	case "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
