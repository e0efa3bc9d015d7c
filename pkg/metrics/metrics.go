// Package metrics defines the OpenTelemetry instruments recorded around
// the build/sync/publish/GC boundaries named throughout spec §4, wired to
// the Prometheus bridge set up by pkg/prometheus.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelMeterName = "github.com/kalbasit/repodata-tools/pkg/metrics"

// Recorder holds every counter/histogram this module emits. A nil
// *Recorder is not valid; use New.
type Recorder struct {
	shardsBuilt    metric.Int64Counter
	shardBuildErrs metric.Int64Counter
	syncPasses     metric.Int64Counter
	publishes      metric.Int64Counter
	releasesGCed   metric.Int64Counter
	iterationTime  metric.Float64Histogram
}

// New creates a Recorder against the global MeterProvider. Call this once
// after the MeterProvider is configured (e.g. by
// prometheus.SetupPrometheusMetrics).
func New() (*Recorder, error) {
	meter := otel.Meter(otelMeterName)

	shardsBuilt, err := meter.Int64Counter(
		"repodata_shards_built_total",
		metric.WithDescription("Shards produced by the Shard Builder, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	shardBuildErrs, err := meter.Int64Counter(
		"repodata_shard_build_errors_total",
		metric.WithDescription("Shard Builder failures, by error kind"),
	)
	if err != nil {
		return nil, err
	}

	syncPasses, err := meter.Int64Counter(
		"repodata_sync_passes_total",
		metric.WithDescription("Upstream Sync passes completed, by (label,subdir) and outcome"),
	)
	if err != nil {
		return nil, err
	}

	publishes, err := meter.Int64Counter(
		"repodata_publishes_total",
		metric.WithDescription("Worker Loop release publications"),
	)
	if err != nil {
		return nil, err
	}

	releasesGCed, err := meter.Int64Counter(
		"repodata_releases_gc_total",
		metric.WithDescription("Releases deleted by Release Store GC"),
	)
	if err != nil {
		return nil, err
	}

	iterationTime, err := meter.Float64Histogram(
		"repodata_worker_iteration_seconds",
		metric.WithDescription("Wall-clock duration of a single Worker Loop iteration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		shardsBuilt:    shardsBuilt,
		shardBuildErrs: shardBuildErrs,
		syncPasses:     syncPasses,
		publishes:      publishes,
		releasesGCed:   releasesGCed,
		iterationTime:  iterationTime,
	}, nil
}

// ShardBuilt records one successfully built shard for subdir.
func (r *Recorder) ShardBuilt(ctx context.Context, subdir string) {
	if r == nil {
		return
	}

	r.shardsBuilt.Add(ctx, 1, metric.WithAttributes(attribute.String("subdir", subdir)))
}

// ShardBuildFailed records one failed shard build, classified by kind
// (spec §7 taxonomy name, e.g. "transient", "checksum_mismatch").
func (r *Recorder) ShardBuildFailed(ctx context.Context, subdir, kind string) {
	if r == nil {
		return
	}

	r.shardBuildErrs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subdir", subdir),
		attribute.String("kind", kind),
	))
}

// SyncPass records the completion of an Upstream Sync pass for
// (label, subdir), with outcome "ok", "not_available", or "aborted".
func (r *Recorder) SyncPass(ctx context.Context, label, subdir, outcome string) {
	if r == nil {
		return
	}

	r.syncPasses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("label", label),
		attribute.String("subdir", subdir),
		attribute.String("outcome", outcome),
	))
}

// Published records one Worker Loop release publication.
func (r *Recorder) Published(ctx context.Context) {
	if r == nil {
		return
	}

	r.publishes.Add(ctx, 1)
}

// ReleasesGCed records n releases deleted by a single GC pass.
func (r *Recorder) ReleasesGCed(ctx context.Context, n int) {
	if r == nil || n <= 0 {
		return
	}

	r.releasesGCed.Add(ctx, int64(n))
}

// IterationDuration records the wall-clock duration (seconds) of one
// Worker Loop iteration.
func (r *Recorder) IterationDuration(ctx context.Context, seconds float64) {
	if r == nil {
		return
	}

	r.iterationTime.Record(ctx, seconds)
}
