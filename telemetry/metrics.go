// Package telemetry provides OpenTelemetry metrics for the coordination
// layer. Components record through package-level helpers that no-op until
// InitMetrics has been called, so library users who do not care about
// metrics pay nothing.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/resource-coordinator"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	// Cache
	cacheRequestsTotal   metric.Int64Counter
	cacheEvictionsTotal  metric.Int64Counter
	cacheEvictedBytes    metric.Int64Counter
	cachePromotionsTotal metric.Int64Counter

	// Locks
	lockAcquireTotal       metric.Int64Counter
	lockWaitDuration       metric.Float64Histogram
	lockStaleReclaimsTotal metric.Int64Counter
	lockSweepRemovedTotal  metric.Int64Counter

	// Idempotency
	idempotencyRequestsTotal metric.Int64Counter
	attachmentDedupTotal     metric.Int64Counter
	attachmentDedupBytes     metric.Int64Counter

	// Publisher
	publishTotal        metric.Int64Counter
	publishRetriesTotal metric.Int64Counter
	publishBytesTotal   metric.Int64Counter
	publishDuration     metric.Float64Histogram

	// Backend
	backendOpsTotal  metric.Int64Counter
	backendOpSeconds metric.Float64Histogram
	backendOpBytes   metric.Int64Counter

	// Lifecycle GC
	gcRunsTotal         metric.Int64Counter
	gcFilesRemovedTotal metric.Int64Counter
	gcBytesReclaimed    metric.Int64Counter
	gcRunDuration       metric.Float64Histogram
	gcRejectedRunsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "resource-coordinator"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(meterName)

	m := &Metrics{meterProvider: provider, promHandler: promHandler}

	if m.cacheRequestsTotal, err = meter.Int64Counter("coordinator_cache_requests_total",
		metric.WithDescription("Cache lookups by tier and result")); err != nil {
		return err
	}
	if m.cacheEvictionsTotal, err = meter.Int64Counter("coordinator_cache_evictions_total",
		metric.WithDescription("Cache entries evicted by tier")); err != nil {
		return err
	}
	if m.cacheEvictedBytes, err = meter.Int64Counter("coordinator_cache_evicted_bytes_total",
		metric.WithDescription("Bytes freed by cache eviction")); err != nil {
		return err
	}
	if m.cachePromotionsTotal, err = meter.Int64Counter("coordinator_cache_promotions_total",
		metric.WithDescription("Disk entries promoted to the memory tier")); err != nil {
		return err
	}

	if m.lockAcquireTotal, err = meter.Int64Counter("coordinator_lock_acquire_total",
		metric.WithDescription("Lock acquisition attempts by outcome")); err != nil {
		return err
	}
	if m.lockWaitDuration, err = meter.Float64Histogram("coordinator_lock_wait_seconds",
		metric.WithDescription("Time spent waiting to acquire a lock")); err != nil {
		return err
	}
	if m.lockStaleReclaimsTotal, err = meter.Int64Counter("coordinator_lock_stale_reclaims_total",
		metric.WithDescription("Expired locks forcibly reclaimed during acquisition")); err != nil {
		return err
	}
	if m.lockSweepRemovedTotal, err = meter.Int64Counter("coordinator_lock_sweep_removed_total",
		metric.WithDescription("Expired locks removed by the background sweep")); err != nil {
		return err
	}

	if m.idempotencyRequestsTotal, err = meter.Int64Counter("coordinator_idempotency_requests_total",
		metric.WithDescription("Idempotency registrations by result")); err != nil {
		return err
	}
	if m.attachmentDedupTotal, err = meter.Int64Counter("coordinator_attachment_dedup_total",
		metric.WithDescription("Attachment stores collapsed onto an existing checksum")); err != nil {
		return err
	}
	if m.attachmentDedupBytes, err = meter.Int64Counter("coordinator_attachment_dedup_bytes_total",
		metric.WithDescription("Bytes not written thanks to attachment dedup")); err != nil {
		return err
	}

	if m.publishTotal, err = meter.Int64Counter("coordinator_publish_total",
		metric.WithDescription("Publish attempts by outcome")); err != nil {
		return err
	}
	if m.publishRetriesTotal, err = meter.Int64Counter("coordinator_publish_retries_total",
		metric.WithDescription("Publish retry attempts")); err != nil {
		return err
	}
	if m.publishBytesTotal, err = meter.Int64Counter("coordinator_publish_bytes_total",
		metric.WithDescription("Bytes published")); err != nil {
		return err
	}
	if m.publishDuration, err = meter.Float64Histogram("coordinator_publish_seconds",
		metric.WithDescription("Publish duration including retries")); err != nil {
		return err
	}

	if m.backendOpsTotal, err = meter.Int64Counter("coordinator_backend_ops_total",
		metric.WithDescription("Backend operations by backend, op and outcome")); err != nil {
		return err
	}
	if m.backendOpSeconds, err = meter.Float64Histogram("coordinator_backend_op_seconds",
		metric.WithDescription("Backend operation duration")); err != nil {
		return err
	}
	if m.backendOpBytes, err = meter.Int64Counter("coordinator_backend_op_bytes_total",
		metric.WithDescription("Bytes moved through backend writes")); err != nil {
		return err
	}

	if m.gcRunsTotal, err = meter.Int64Counter("coordinator_gc_runs_total",
		metric.WithDescription("Lifecycle cleanup runs")); err != nil {
		return err
	}
	if m.gcFilesRemovedTotal, err = meter.Int64Counter("coordinator_gc_files_removed_total",
		metric.WithDescription("Files removed by lifecycle cleanup")); err != nil {
		return err
	}
	if m.gcBytesReclaimed, err = meter.Int64Counter("coordinator_gc_bytes_reclaimed_total",
		metric.WithDescription("Bytes reclaimed by lifecycle cleanup")); err != nil {
		return err
	}
	if m.gcRunDuration, err = meter.Float64Histogram("coordinator_gc_run_seconds",
		metric.WithDescription("Lifecycle cleanup run duration")); err != nil {
		return err
	}
	if m.gcRejectedRunsTotal, err = meter.Int64Counter("coordinator_gc_rejected_runs_total",
		metric.WithDescription("Cleanup requests rejected because a run was in progress")); err != nil {
		return err
	}

	globalMetrics = m
	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCacheRequest records a cache lookup. tier is "memory" or "disk",
// result is "hit", "miss" or "expired".
func RecordCacheRequest(ctx context.Context, tier, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// RecordCacheEviction records an evicted cache entry.
func RecordCacheEviction(ctx context.Context, tier string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.cacheEvictedBytes.Add(ctx, bytes, attrs)
}

// RecordCachePromotion records a disk entry promoted to the memory tier.
func RecordCachePromotion(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cachePromotionsTotal.Add(ctx, 1)
}

// RecordLockAcquire records a lock acquisition attempt.
// outcome is "acquired", "contended" or "error".
func RecordLockAcquire(ctx context.Context, outcome string, wait time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockAcquireTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	globalMetrics.lockWaitDuration.Record(ctx, wait.Seconds())
}

// RecordLockStaleReclaim records an expired lock reclaimed during acquisition.
func RecordLockStaleReclaim(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockStaleReclaimsTotal.Add(ctx, 1)
}

// RecordLockSweep records locks removed by the background sweep.
func RecordLockSweep(ctx context.Context, removed int) {
	if globalMetrics == nil || removed == 0 {
		return
	}
	globalMetrics.lockSweepRemovedTotal.Add(ctx, int64(removed))
}

// RecordIdempotencyRequest records a registration. result is "new",
// "duplicate" or "rejected".
func RecordIdempotencyRequest(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.idempotencyRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordAttachmentDedup records an attachment store collapsed onto an
// existing checksum.
func RecordAttachmentDedup(ctx context.Context, bytesSaved int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.attachmentDedupTotal.Add(ctx, 1)
	globalMetrics.attachmentDedupBytes.Add(ctx, bytesSaved)
}

// RecordPublish records a publish attempt. outcome is "success" or "failure".
func RecordPublish(ctx context.Context, outcome string, retries int, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.publishTotal.Add(ctx, 1, attrs)
	globalMetrics.publishDuration.Record(ctx, duration.Seconds(), attrs)
	if retries > 0 {
		globalMetrics.publishRetriesTotal.Add(ctx, int64(retries))
	}
	if bytes > 0 {
		globalMetrics.publishBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordBackendOp records one backend operation. outcome is "success",
// "not_found", "exists" or "error".
func RecordBackendOp(ctx context.Context, name, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", name),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendOpSeconds.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendOpBytes.Add(ctx, bytes, attrs)
	}
}

// RecordGCRun records a completed lifecycle cleanup run.
func RecordGCRun(ctx context.Context, filesRemoved int, bytesReclaimed int64, duration time.Duration, aggressive bool) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("aggressive", aggressive))
	globalMetrics.gcRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.gcFilesRemovedTotal.Add(ctx, int64(filesRemoved), attrs)
	globalMetrics.gcBytesReclaimed.Add(ctx, bytesReclaimed, attrs)
	globalMetrics.gcRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGCRejected records a cleanup request rejected because a run was
// already in progress.
func RecordGCRejected(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gcRejectedRunsTotal.Add(ctx, 1)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
