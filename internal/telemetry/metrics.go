// Package telemetry is the Observability Hooks component (spec.md
// §4.6, C6): a fixed-schema trace span per request and the two metric
// series the worker records on every evaluation.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	meterName = "github.com/kubewarden/policy-server"

	latencyMetricName = "policy_evaluation_latency"
	totalMetricName    = "policy_evaluations_total"
)

// Metrics holds the two series spec.md §4.6 names: a latency
// histogram and an evaluation counter, both labeled identically.
type Metrics struct {
	provider  *sdkmetric.MeterProvider
	latency   metric.Float64Histogram
	evaluations metric.Int64Counter
}

// NewMetrics builds a MeterProvider exporting to otlpEndpoint over
// gRPC and registers the two series. With an empty otlpEndpoint no
// reader is attached, so recorded measurements are neither exported
// nor collected anywhere.
func NewMetrics(ctx context.Context, otlpEndpoint string) (*Metrics, error) {
	var opts []sdkmetric.Option

	if otlpEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(otlpEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(2*time.Second))))
	}

	opts = append(opts, sdkmetric.WithResource(Resource()))
	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter(meterName)

	latency, err := meter.Float64Histogram(
		latencyMetricName,
		metric.WithDescription("Policy evaluation duration, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s histogram: %w", latencyMetricName, err)
	}

	evaluations, err := meter.Int64Counter(
		totalMetricName,
		metric.WithDescription("Number of policy evaluations performed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", totalMetricName, err)
	}

	return &Metrics{provider: provider, latency: latency, evaluations: evaluations}, nil
}

// Shutdown flushes and stops the metric provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// Evaluation is the set of labels recorded with every policy
// evaluation, matching the label set of spec.md §4.6.
type Evaluation struct {
	PolicyID          string
	Mode              string
	ResourceNamespace string
	ResourceKind      string
	Operation         string
	Accepted          bool
	Mutated           bool
	ErrorCode         int32
	HasErrorCode      bool
}

func (e Evaluation) attributes() []attributeKV {
	attrs := []attributeKV{
		{"policy_name", e.PolicyID},
		{"mode", e.Mode},
		{"resource_namespace", e.ResourceNamespace},
		{"resource_kind", e.ResourceKind},
		{"operation", e.Operation},
		{"accepted", e.Accepted},
		{"mutated", e.Mutated},
	}
	if e.HasErrorCode {
		attrs = append(attrs, attributeKV{"error_code", int64(e.ErrorCode)})
	}
	return attrs
}

// RecordLatency records duration against the policy_evaluation_latency
// histogram with eval's labels.
func (m *Metrics) RecordLatency(ctx context.Context, duration time.Duration, eval Evaluation) {
	m.latency.Record(ctx, duration.Seconds(), metric.WithAttributes(toAttributes(eval.attributes())...))
}

// RecordEvaluation increments the policy_evaluations_total counter
// with eval's labels.
func (m *Metrics) RecordEvaluation(ctx context.Context, eval Evaluation) {
	m.evaluations.Add(ctx, 1, metric.WithAttributes(toAttributes(eval.attributes())...))
}
