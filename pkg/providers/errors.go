// Package providers holds the cloud provider adapters and the helpers they share.
//
// Each subpackage implements engine.ProviderAdapter for one provider and
// exposes a New function with the engine.AdapterFactory signature. Adapters
// map provider states onto engine.MachineStatus and return every error as a
// classified *engine.DeploymentError.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// ClassifyStatus builds the deployment error for a failed provider API call
// from its HTTP status code. Rate limits, server errors and timeouts are
// transient; any other 4xx is permanent.
func ClassifyStatus(provider engine.ProviderType, operation string, status int, message string, err error) *engine.DeploymentError {
	msg := fmt.Sprintf("%d %s", status, message)
	var derr *engine.DeploymentError
	switch {
	case status == http.StatusTooManyRequests:
		derr = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		derr = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeTimeout)
	case status >= 500:
		derr = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeProviderFailed)
	case status == http.StatusNotFound:
		derr = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		derr = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeAccountInvalid)
	default:
		derr = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeProviderFailed)
	}
	return derr.WithProvider(provider).WithOperation(operation).WithDetail("status", status)
}

// ClassifyTransport builds the deployment error for a call that never got an
// HTTP response. Network failures and deadlines are transient.
func ClassifyTransport(provider engine.ProviderType, operation string, err error) *engine.DeploymentError {
	var derr *engine.DeploymentError
	if errors.As(err, &derr) {
		return derr
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		derr = engine.NewTransientError("provider call timed out", err).WithCode(engine.ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		derr = engine.NewCancelledError("provider call cancelled")
		derr.Err = err
	case errors.As(err, &netErr):
		derr = engine.NewTransientError("provider unreachable", err).WithCode(engine.ErrCodeProviderFailed)
	default:
		derr = engine.NewPermanentError("provider call failed", err).WithCode(engine.ErrCodeProviderFailed)
	}
	return derr.WithProvider(provider).WithOperation(operation)
}

// IsNotFound reports whether err is a classified provider 404.
func IsNotFound(err error) bool {
	var derr *engine.DeploymentError
	return errors.As(err, &derr) && derr.Code == engine.ErrCodeNotFound
}
