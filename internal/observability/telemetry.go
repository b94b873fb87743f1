// Package observability wires OpenTelemetry tracing and metrics.
package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
)

// shutdownTimeout bounds Cleanup.
const shutdownTimeout = 5 * time.Second

// Telemetry holds the OTel providers.
type Telemetry struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	conn           *grpc.ClientConn
	metrics        *Metrics
	shutdownOnce   sync.Once
	shutdownErr    error
}

// Init sets up the providers described by cfg and installs them globally.
// A disabled config returns a Telemetry backed by no-op providers.
func Init(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tel := &Telemetry{config: cfg}
	if !cfg.ShouldEnable() {
		return tel, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Exporter == "otlp" {
		if tel.conn, err = dialCollector(cfg.Endpoint); err != nil {
			return nil, err
		}
	}

	if cfg.TracesEnabled {
		tp, err := initTracerProvider(ctx, cfg, res, tel.conn)
		if err != nil {
			tel.Shutdown(ctx)
			return nil, err
		}
		tel.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := initMeterProvider(ctx, cfg, res, tel.conn)
		if err != nil {
			tel.Shutdown(ctx)
			return nil, err
		}
		tel.meterProvider = mp
		otel.SetMeterProvider(mp)

		if tel.metrics, err = InitMetrics(mp); err != nil {
			tel.Shutdown(ctx)
			return nil, err
		}
	}

	return tel, nil
}

// TracerProvider returns the tracer provider, or a no-op one.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return tracenoop.NewTracerProvider()
}

// MeterProvider returns the meter provider, or a no-op one.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return metricnoop.NewMeterProvider()
}

// Meter returns a named meter, or nil when metrics are disabled.
func (t *Telemetry) Meter(name string) metric.Meter {
	if t.meterProvider == nil {
		return nil
	}
	return t.meterProvider.Meter(name)
}

// Metrics returns the HTTP instruments, or nil when metrics are disabled.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}

// Shutdown flushes and closes the providers. Later calls return the first
// result.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		var errs []error
		if t.tracerProvider != nil {
			errs = append(errs, t.tracerProvider.Shutdown(ctx))
		}
		if t.meterProvider != nil {
			errs = append(errs, t.meterProvider.Shutdown(ctx))
		}
		if t.conn != nil {
			errs = append(errs, t.conn.Close())
		}
		t.shutdownErr = errors.Join(errs...)
	})
	return t.shutdownErr
}

// Cleanup shuts down with a bounded timeout, for use with defer.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}
