// Command resource-coordinator manages a filesystem coordination root:
// content cache, cross-process locks, idempotency records, atomic
// publishing and temp file garbage collection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/resource-coordinator/layer"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Root        string `help:"Storage root directory." default:"./coordinator-data" env:"COORDINATOR_ROOT"`
	Config      string `help:"Path to a YAML config file." env:"COORDINATOR_CONFIG" optional:""`
	LogLevel    string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat   string `help:"Log format." enum:"text,json" default:"text"`
	MetricsAddr string `help:"Address to serve Prometheus metrics on, e.g. :9090. Empty disables the listener." optional:""`
}

var cli struct {
	Globals

	GC          GCCmd          `cmd:"" help:"Run or schedule temp file garbage collection."`
	Locks       LocksCmd       `cmd:"" help:"Inspect and clean cross-process locks."`
	Cache       CacheCmd       `cmd:"" help:"Inspect and clear the content cache."`
	Idempotency IdempotencyCmd `cmd:"" help:"Inspect the idempotency store."`
	Publish     PublishCmd     `cmd:"" help:"Atomically publish a file to a target path."`
	Version     VersionCmd     `cmd:"" help:"Print the version."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("resource-coordinator"),
		kong.Description("Filesystem resource coordination: caching, locking, idempotency, publishing and cleanup."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return slog.New(handler), nil
}

// buildConfig assembles the layer config from defaults, the optional
// config file and the global flags, in that order.
func (g *Globals) buildConfig() (layer.Config, error) {
	cfg := layer.DefaultConfig(g.Root)

	if g.Config != "" {
		fc, err := LoadFileConfig(g.Config)
		if err != nil {
			return cfg, err
		}
		fc.Apply(&cfg)
	}

	logger, err := g.logger()
	if err != nil {
		return cfg, err
	}
	cfg.Logger = logger
	cfg.Metrics.ServiceVersion = version
	cfg.Metrics.EnablePrometheus = g.MetricsAddr != ""
	return cfg, nil
}

func (g *Globals) openLayer() (*layer.Layer, error) {
	cfg, err := g.buildConfig()
	if err != nil {
		return nil, err
	}
	return layer.New(cfg)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// GCCmd groups the garbage collection subcommands.
type GCCmd struct {
	Run    GCRunCmd    `cmd:"" help:"Run one cleanup pass and exit."`
	Daemon GCDaemonCmd `cmd:"" help:"Run all background maintenance until interrupted."`
	Stats  GCStatsCmd  `cmd:"" help:"Show cleanup and directory statistics."`
}

type GCRunCmd struct {
	Aggressive bool `help:"Also remove files older than half the maximum file age."`
}

func (c *GCRunCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	result, err := layer.Lifecycle.RunCleanup(context.Background(), c.Aggressive)
	if err != nil {
		return err
	}
	return printJSON(result)
}

type GCDaemonCmd struct{}

func (c *GCDaemonCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := layer.Init(ctx); err != nil {
		return err
	}

	logger, _ := g.logger()

	var metricsSrv *http.Server
	if g.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		metricsSrv = &http.Server{Addr: g.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listener started", "addr", g.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return layer.Shutdown(shutdownCtx)
}

type GCStatsCmd struct{}

func (c *GCStatsCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	cfg, err := g.buildConfig()
	if err != nil {
		return err
	}

	out := struct {
		Cleanup     any   `json:"cleanup"`
		Directories []any `json:"directories"`
	}{Cleanup: layer.Lifecycle.GetCleanupStats()}

	for _, dir := range cfg.Lifecycle.Directories {
		stats, err := layer.Lifecycle.GetDirectoryStats(dir)
		if err != nil {
			return err
		}
		out.Directories = append(out.Directories, stats)
	}
	return printJSON(out)
}

// LocksCmd groups the lock subcommands.
type LocksCmd struct {
	List      LocksListCmd      `cmd:"" help:"List active locks."`
	Cleanup   LocksCleanupCmd   `cmd:"" help:"Remove expired lock files."`
	Deadlocks LocksDeadlocksCmd `cmd:"" help:"Report suspiciously old locks."`
}

type LocksListCmd struct{}

func (c *LocksListCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	active, err := layer.Locks.ActiveLocks(context.Background())
	if err != nil {
		return err
	}
	return printJSON(active)
}

type LocksCleanupCmd struct{}

func (c *LocksCleanupCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	removed, err := layer.Locks.Cleanup(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired locks\n", removed)
	return nil
}

type LocksDeadlocksCmd struct{}

func (c *LocksDeadlocksCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	report, err := layer.Locks.DetectDeadlocks(context.Background())
	if err != nil {
		return err
	}
	return printJSON(report)
}

// CacheCmd groups the cache subcommands.
type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Show cache statistics."`
	Clear CacheClearCmd `cmd:"" help:"Remove all cache entries from both tiers."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	return printJSON(layer.Cache.Stats(context.Background()))
}

type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	if err := layer.Cache.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("cache cleared")
	return nil
}

// IdempotencyCmd groups the idempotency subcommands.
type IdempotencyCmd struct {
	Stats IdempotencyStatsCmd `cmd:"" help:"Show idempotency store statistics."`
	Purge IdempotencyPurgeCmd `cmd:"" help:"Remove expired idempotency records."`
}

type IdempotencyStatsCmd struct{}

func (c *IdempotencyStatsCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	stats, err := layer.Idempotency.GetStats(context.Background())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type IdempotencyPurgeCmd struct{}

func (c *IdempotencyPurgeCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	purged, err := layer.Idempotency.PurgeExpired(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("purged %d expired records\n", purged)
	return nil
}

// PublishCmd publishes one file.
type PublishCmd struct {
	Source        string `arg:"" help:"File to publish." type:"existingfile"`
	Target        string `arg:"" help:"Destination path."`
	CorrelationID string `help:"Correlation ID to stamp on the publish." optional:""`
}

func (c *PublishCmd) Run(g *Globals) error {
	layer, err := g.openLayer()
	if err != nil {
		return err
	}
	defer func() { _ = layer.Shutdown(context.Background()) }()

	content, err := os.ReadFile(c.Source)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	result := layer.Publisher.PublishFile(context.Background(), content, c.Target, c.CorrelationID)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return result.Err
	}
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(_ *Globals) error {
	fmt.Println(version)
	return nil
}
