package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cirrusops/cirrus/pkg/engine"

// Span attribute keys.
const (
	attrDeploymentID   = "deployment.id"
	attrDeploymentType = "deployment.type"
	attrMachineID      = "machine.id"
	attrTenantID       = "tenant.id"
	attrAttempt        = "apply.attempt"
)

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
