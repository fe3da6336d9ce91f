package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubewarden/policy-server/internal/admissionreview"
)

const tracerName = "github.com/kubewarden/policy-server"

// Hostname is captured once at process start and attached to every
// "validation" span, per spec.md §6 ("Environment/host info").
var Hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}()

// NewTracerProvider builds a trace.TracerProvider, tagged with the
// same per-process Resource (service name + InstanceID) the metrics
// provider carries. Distributed-trace exporters are an out-of-scope
// external collaborator (spec.md §1); no span processor is attached
// here, so spans are created (and their fields are recorded and
// inspectable by anything instrumented against the same provider, e.g.
// tests) but nothing ships them off-process unless the caller adds its
// own processor later. The caller is responsible for installing the
// returned provider globally via otel.SetTracerProvider.
func NewTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithResource(Resource()))
}

// Tracer is the package-wide tracer used to open the "validation" and
// "policy_eval" spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartValidationSpan opens the "validation" span carrying only the
// host and policy_id fields; the other fields are not declared up front.
// They are added as data becomes available via the setters below,
// never by reopening the span.
func StartValidationSpan(ctx context.Context, policyID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "validation", trace.WithAttributes(
		attribute.String("host", Hostname),
		attribute.String("policy_id", policyID),
	))
}

// StartPolicyEvalSpan opens the "policy_eval" span as a child of
// whatever span ctx carries (spec.md §4.3 step 1).
func StartPolicyEvalSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "policy_eval")
}

// SetRequestFields populates the request-derived fields of the
// "validation" span (spec.md §4.6's request_uid, name, namespace,
// operation, subresource, kind_*, resource_* fields). Values are
// recorded as plain strings, never pre-quoted, so they remain easy to
// search on in a trace backend.
func SetRequestFields(span trace.Span, req admissionreview.Request) {
	span.SetAttributes(
		attribute.String("request_uid", req.UID),
		attribute.String("name", req.Name),
		attribute.String("namespace", req.Namespace),
		attribute.String("operation", req.Operation),
		attribute.String("subresource", req.SubResource),
		attribute.String("kind_group", req.Kind.Group),
		attribute.String("kind_version", req.Kind.Version),
		attribute.String("kind", req.Kind.Kind),
		attribute.String("resource_group", req.Resource.Group),
		attribute.String("resource_version", req.Resource.Version),
		attribute.String("resource", req.Resource.Resource),
	)
}

// SetResponseFields populates the verdict-derived fields of the
// "validation" span once the shaped response is known.
func SetResponseFields(span trace.Span, resp admissionreview.Response) {
	span.SetAttributes(
		attribute.Bool("allowed", resp.Allowed),
		attribute.Bool("mutated", resp.Patch != nil),
	)
	if resp.Status != nil {
		if resp.Status.Code != nil {
			span.SetAttributes(attribute.Int64("response_code", int64(*resp.Status.Code)))
		}
		if resp.Status.Message != "" {
			span.SetAttributes(attribute.String("response_message", resp.Status.Message))
		}
	}
}
