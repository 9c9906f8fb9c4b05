// Package layer ties the coordination services together: a two-tier
// content cache, a cross-process lock manager, an idempotency store, an
// atomic publisher and a lifecycle garbage collector, all rooted at one
// storage directory.
package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wolfeidau/resource-coordinator/backend"
	"github.com/wolfeidau/resource-coordinator/cache"
	"github.com/wolfeidau/resource-coordinator/idempotency"
	"github.com/wolfeidau/resource-coordinator/lifecycle"
	"github.com/wolfeidau/resource-coordinator/locks"
	"github.com/wolfeidau/resource-coordinator/publish"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

// Config configures a Layer. The zero value is not usable; start from
// DefaultConfig and override what you need.
type Config struct {
	// Root is the storage directory all services live under.
	Root string

	Cache       cache.Config
	Locks       locks.Config
	Idempotency idempotency.Config
	Publish     publish.Config
	Lifecycle   lifecycle.Config
	Metrics     telemetry.MetricsConfig

	// Logger is the base logger; services derive component loggers
	// from it.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Root:        dir,
		Cache:       cache.DefaultConfig(),
		Locks:       locks.DefaultConfig(),
		Idempotency: idempotency.DefaultConfig(),
		Publish:     publish.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultConfig(filepath.Join(dir, "tmp")),
		Metrics: telemetry.MetricsConfig{
			ServiceName: "resource-coordinator",
		},
		Logger: slog.Default(),
	}
}

// Layer is the assembled coordination layer. Construct it with New,
// call Init before use and Shutdown when done. All services share one
// filesystem backend rooted at Config.Root.
type Layer struct {
	Cache       *cache.Cache
	Locks       *locks.Manager
	Idempotency *idempotency.Store
	Publisher   *publish.Publisher
	Lifecycle   *lifecycle.Manager

	backend         *backend.InstrumentedBackend
	logger          *slog.Logger
	metricsShutdown func(context.Context) error
	initialized     bool
}

// New constructs all services without starting any background work.
func New(cfg Config) (*Layer, error) {
	if cfg.Root == "" {
		return nil, errors.New("coordinator: root directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fs, err := backend.NewFilesystem(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("creating storage backend: %w", err)
	}
	b := backend.NewInstrumentedBackend(fs, "filesystem")

	if cfg.Cache.Logger == nil {
		cfg.Cache.Logger = cfg.Logger.With("component", "cache")
	}
	if cfg.Locks.Logger == nil {
		cfg.Locks.Logger = cfg.Logger.With("component", "locks")
	}
	if cfg.Idempotency.Logger == nil {
		cfg.Idempotency.Logger = cfg.Logger.With("component", "idempotency")
	}
	if cfg.Publish.Logger == nil {
		cfg.Publish.Logger = cfg.Logger.With("component", "publish")
	}
	if cfg.Lifecycle.Logger == nil {
		cfg.Lifecycle.Logger = cfg.Logger.With("component", "lifecycle")
	}
	if len(cfg.Lifecycle.Directories) == 0 {
		cfg.Lifecycle.Directories = []string{filepath.Join(cfg.Root, "tmp")}
	}

	store, err := idempotency.New(b, filepath.Join(cfg.Root, "idempotency", "index.db"), cfg.Idempotency)
	if err != nil {
		return nil, fmt.Errorf("creating idempotency store: %w", err)
	}

	gc, err := lifecycle.NewManager(cfg.Lifecycle)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating lifecycle manager: %w", err)
	}

	l := &Layer{
		Cache:       cache.New(b, cfg.Cache),
		Locks:       locks.NewManager(b, cfg.Locks),
		Idempotency: store,
		Publisher:   publish.New(cfg.Publish),
		Lifecycle:   gc,
		backend:     b,
		logger:      cfg.Logger,
	}

	shutdown, err := telemetry.InitMetrics(context.Background(), cfg.Metrics)
	if err != nil {
		cfg.Logger.Warn("metrics initialisation failed, continuing without", "error", err)
	} else {
		l.metricsShutdown = shutdown
	}
	return l, nil
}

// Init starts the background sweeps. It is safe to use the services
// before Init; only periodic maintenance is deferred.
func (l *Layer) Init(ctx context.Context) error {
	if l.initialized {
		return nil
	}
	l.Locks.Start(ctx)
	l.Lifecycle.Start(ctx)
	l.initialized = true
	l.logger.Info("coordination layer started")
	return nil
}

// Shutdown stops background work, closes the idempotency index and
// flushes metrics. The Layer must not be used afterwards.
func (l *Layer) Shutdown(ctx context.Context) error {
	if l.initialized {
		l.Locks.Stop()
		l.Lifecycle.Stop()
		l.initialized = false
	}

	var errs []error
	if err := l.Idempotency.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing idempotency store: %w", err))
	}
	if l.metricsShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := l.metricsShutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down metrics: %w", err))
		}
	}

	l.logger.Info("coordination layer stopped")
	return errors.Join(errs...)
}
