package telemetry

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
)

// InstanceID identifies this process uniquely for as long as it runs.
// It is generated once at package init and attached as a resource
// attribute to both the metric and trace providers, so series and
// spans from one replica can be told apart from another's without
// relying on pod name/IP alone.
var InstanceID = uuid.NewString()

// Resource returns the otel Resource shared by the metric and trace
// providers: the service name plus the per-process InstanceID.
func Resource() *resource.Resource {
	return resource.NewSchemaless(
		attribute.String("service.name", "policy-server"),
		attribute.String("service.instance.id", InstanceID),
	)
}
