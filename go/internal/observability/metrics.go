package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/planningpoker/go/internal/estimation"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "planningpoker"

// MetricsConfig controls OTLP export
type MetricsConfig struct {
	ServiceName    string
	Environment    string
	OTLPEndpoint   string // empty disables export
	OTLPInsecure   bool
	ExportInterval time.Duration
}

// InitMetrics installs the global meter provider. Without an endpoint the
// provider records but never exports.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*sdkmetric.MeterProvider, error) {
	if cfg.OTLPEndpoint == "" {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		log.Info().Msg("otel metrics export disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otel metrics initialized")
	return mp, nil
}

// SessionMetrics records coordinator activity as OTel instruments
type SessionMetrics struct {
	operations metric.Int64Counter
	latency    metric.Float64Histogram
	publishes  metric.Int64Counter
	expired    metric.Int64Counter
}

var _ estimation.MetricsCollector = (*SessionMetrics)(nil)

// NewSessionMetrics creates the instruments on provider's meter
func NewSessionMetrics(provider metric.MeterProvider) (*SessionMetrics, error) {
	meter := provider.Meter(meterName)

	operations, err := meter.Int64Counter("estimation.operations",
		metric.WithDescription("Coordinator operations by name and outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("estimation.operation.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Coordinator operation latency including lock wait"))
	if err != nil {
		return nil, err
	}
	publishes, err := meter.Int64Counter("estimation.snapshots.published",
		metric.WithDescription("Snapshots handed to the gateway by event type"))
	if err != nil {
		return nil, err
	}
	expired, err := meter.Int64Counter("estimation.sessions.expired",
		metric.WithDescription("Sessions closed by the idle sweeper"))
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{
		operations: operations,
		latency:    latency,
		publishes:  publishes,
		expired:    expired,
	}, nil
}

func (m *SessionMetrics) RecordOperation(operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	ctx := context.Background()
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

func (m *SessionMetrics) RecordPublish(event estimation.EventType) {
	m.publishes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event_type", string(event)),
	))
}

func (m *SessionMetrics) RecordSessionsExpired(count int) {
	if count == 0 {
		return
	}
	m.expired.Add(context.Background(), int64(count))
}
