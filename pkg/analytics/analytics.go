// Package analytics reports anonymous, aggregate usage metrics about a
// running repodata-tools process to the project maintainers. It is always
// opt-in: callers that never call New get the no-op Reporter returned by
// Ctx.
package analytics

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	nooplog "go.opentelemetry.io/otel/log/noop"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	// DefaultEndpoint is the default address of the maintainers' analytics collector.
	DefaultEndpoint = "otlp.repodata-tools.dev:443"

	metricInterval = 1 * time.Hour

	instrumentationName = "github.com/kalbasit/repodata-tools/pkg/analytics"
)

//nolint:gochecknoglobals
var ctxKey = &struct{}{}

type shutdownFn func(context.Context) error

// Reporter emits anonymous telemetry for the running process.
type Reporter interface {
	GetLogger() log.Logger
	GetMeter() metric.Meter
	LogPanic(context.Context, any, []byte)
	Shutdown(context.Context) error
	WithContext(context.Context) context.Context
}

type nopReporter struct{}

func (nopReporter) GetLogger() log.Logger {
	return nooplog.NewLoggerProvider().Logger("noop")
}

func (nopReporter) GetMeter() metric.Meter {
	return noopmetric.NewMeterProvider().Meter("noop")
}

func (nopReporter) LogPanic(context.Context, any, []byte) {}

func (nopReporter) Shutdown(context.Context) error { return nil }

func (nopReporter) WithContext(ctx context.Context) context.Context { return ctx }

type reporter struct {
	storeRoot string
	res       *resource.Resource

	logger log.Logger
	meter  metric.Meter

	shutdownFns map[string]shutdownFn
}

// New initializes the anonymous usage-reporting pipeline for a shard store
// rooted at storeRoot. It returns a Reporter whose Shutdown must be called
// when the process exits.
func New(ctx context.Context, storeRoot string, res *resource.Resource) (Reporter, error) {
	r := &reporter{
		storeRoot:   storeRoot,
		res:         res,
		shutdownFns: make(map[string]shutdownFn),
	}

	if err := r.newLogger(ctx); err != nil {
		return nil, err
	}

	if err := r.newMeter(ctx); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).
		Info().
		Str("endpoint", DefaultEndpoint).
		Msg("reporting anonymous metrics to the project maintainers")

	return r, nil
}

// Ctx returns the Reporter stashed in ctx, or a no-op Reporter if none was.
func Ctx(ctx context.Context) Reporter {
	r, ok := ctx.Value(ctxKey).(*reporter)
	if !ok || r == nil {
		return nopReporter{}
	}

	return r
}

// SafeGo runs fn in a goroutine, routing any panic to the Reporter in ctx
// instead of crashing the process.
func SafeGo(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				Ctx(ctx).LogPanic(ctx, rec, debug.Stack())
			}
		}()

		fn()
	}()
}

func (r *reporter) GetLogger() log.Logger  { return r.logger }
func (r *reporter) GetMeter() metric.Meter { return r.meter }

func (r *reporter) LogPanic(ctx context.Context, rvr any, stack []byte) {
	record := log.Record{}
	record.SetTimestamp(time.Now())
	record.SetSeverity(log.SeverityFatal)
	record.SetSeverityText("FATAL")
	record.SetBody(log.StringValue("application panic recovered"))
	record.AddAttributes(
		log.String("panic.value", fmt.Sprintf("%v", rvr)),
		log.String("panic.stack", string(stack)),
	)

	r.logger.Emit(ctx, record)
}

func (r *reporter) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for name, sfn := range r.shutdownFns {
		name, sfn := name, sfn

		g.Go(func() error {
			if err := sfn(ctx); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("shutdown_name", name).Msg("error shutting down analytics exporter")

				return err
			}

			return nil
		})
	}

	return g.Wait()
}

func (r *reporter) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey, r)
}

func (r *reporter) newLogger(ctx context.Context) error {
	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(DefaultEndpoint),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
	if err != nil {
		return fmt.Errorf("analytics: creating log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(r.res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	r.shutdownFns["logger"] = provider.Shutdown
	r.logger = provider.Logger(instrumentationName)

	return nil
}

func (r *reporter) newMeter(ctx context.Context) error {
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(DefaultEndpoint),
		otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression),
	)
	if err != nil {
		return fmt.Errorf("analytics: creating metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(r.res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricInterval))),
	)

	r.shutdownFns["meter"] = provider.Shutdown

	meter := provider.Meter(instrumentationName)
	if err := r.registerShardStoreSizeCallback(meter); err != nil {
		return err
	}

	r.meter = meter

	return nil
}

// registerShardStoreSizeCallback reports the on-disk size of the shard
// store working copy, the one aggregate signal this process can produce
// without reading any package or channel names.
func (r *reporter) registerShardStoreSizeCallback(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge(
		"repodata_tools_shard_store_total_size_bytes",
		metric.WithDescription("Total size on disk of the shard store working copy"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("analytics: creating gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		size, err := dirSize(r.storeRoot)
		if err != nil {
			return nil // skip this observation, don't crash the reader
		}

		o.ObserveInt64(gauge, size)

		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("analytics: registering callback: %w", err)
	}

	return nil
}

func dirSize(root string) (int64, error) {
	var total int64

	err := filepath.Walk(root, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			total += info.Size()
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}
