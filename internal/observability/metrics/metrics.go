package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents      metric.Int64Counter
	duplicateEvents    metric.Int64Counter
	limitAllowed       metric.Int64Counter
	limitDenied        metric.Int64Counter
	graceNotifications metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "subtrack"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("subtrack_webhook_events_total")
	if err != nil {
		return nil, err
	}
	duplicateEvents, err := meter.Int64Counter("subtrack_webhook_duplicates_total")
	if err != nil {
		return nil, err
	}
	limitAllowed, err := meter.Int64Counter("subtrack_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	limitDenied, err := meter.Int64Counter("subtrack_limit_denied_total")
	if err != nil {
		return nil, err
	}
	graceNotifications, err := meter.Int64Counter("subtrack_grace_notifications_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("subtrack_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:      webhookEvents,
		duplicateEvents:    duplicateEvents,
		limitAllowed:       limitAllowed,
		limitDenied:        limitDenied,
		graceNotifications: graceNotifications,
		rateLimitDenied:    rateLimitDenied,
	}, nil
}

// RecordWebhookEvent increments processed webhook event counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDuplicateEvent increments deduplicated webhook event counts.
func (m *Metrics) RecordDuplicateEvent(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.duplicateEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLimitAllowed increments limit check allow counts.
func (m *Metrics) RecordLimitAllowed(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.limitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLimitDenied increments limit check deny counts.
func (m *Metrics) RecordLimitDenied(ctx context.Context, feature, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.limitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGraceNotification increments grace period notification counts.
func (m *Metrics) RecordGraceNotification(ctx context.Context, dayThreshold int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("day_threshold", strconv.Itoa(dayThreshold)))
	m.graceNotifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments webhook rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":      {},
	"status_code":   {},
	"provider":      {},
	"event_type":    {},
	"feature":       {},
	"reason":        {},
	"day_threshold": {},
	"plan":          {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
