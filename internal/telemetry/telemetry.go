// Package telemetry wires OpenTelemetry metrics for the synthesis pipeline and
// exposes them in Prometheus format.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const meterName = "github.com/book-expert/audiobook-tts"

// Outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics records pipeline counters. The zero value is not usable; use NewMetrics
// or Noop.
type Metrics struct {
	utterances   metric.Int64Counter
	retries      metric.Int64Counter
	latency      metric.Float64Histogram
	chapters     metric.Int64Counter
	audioSeconds metric.Float64Counter
}

// NewMetrics registers the pipeline instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	utterances, err := meter.Int64Counter("audiobook.utterances",
		metric.WithDescription("Utterances synthesized, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create utterance counter: %w", err)
	}

	retries, err := meter.Int64Counter("audiobook.synthesis.retries",
		metric.WithDescription("Synthesis attempts that were retried"))
	if err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}

	latency, err := meter.Float64Histogram("audiobook.synthesis.duration",
		metric.WithDescription("Wall time of one utterance synthesis including retries"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	chapters, err := meter.Int64Counter("audiobook.chapters",
		metric.WithDescription("Chapters processed, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create chapter counter: %w", err)
	}

	audioSeconds, err := meter.Float64Counter("audiobook.audio.duration",
		metric.WithDescription("Seconds of audio assembled"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create audio counter: %w", err)
	}

	return &Metrics{
		utterances:   utterances,
		retries:      retries,
		latency:      latency,
		chapters:     chapters,
		audioSeconds: audioSeconds,
	}, nil
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	metrics, _ := NewMetrics(noop.NewMeterProvider().Meter(meterName))

	return metrics
}

// RecordUtterance counts one finished utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.utterances.Add(ctx, 1, attrs)
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRetry counts one retried attempt.
func (m *Metrics) RecordRetry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}

// RecordChapter counts one finished chapter and the audio it produced.
func (m *Metrics) RecordChapter(ctx context.Context, outcome string, audio time.Duration) {
	m.chapters.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	if audio > 0 {
		m.audioSeconds.Add(ctx, audio.Seconds())
	}
}

// Telemetry owns the meter provider and the Prometheus scrape handler.
type Telemetry struct {
	Metrics  *Metrics
	Handler  http.Handler
	provider *sdkmetric.MeterProvider
}

// Setup builds a meter provider backed by a private Prometheus registry.
func Setup(ctx context.Context, serviceName string) (*Telemetry, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	metrics, err := NewMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Metrics:  metrics,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		provider: provider,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.provider.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}

	return nil
}
