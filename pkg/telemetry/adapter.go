package telemetry

import (
	"context"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// InstrumentedAdapter wraps a provider adapter with a span, call metrics and
// a debug log line per provider call.
type InstrumentedAdapter struct {
	next    engine.ProviderAdapter
	metrics *Metrics
	logger  *Logger
}

// NewInstrumentedAdapter wraps next. A nil metrics or logger disables that part.
func NewInstrumentedAdapter(next engine.ProviderAdapter, metrics *Metrics, logger *Logger) *InstrumentedAdapter {
	if metrics == nil {
		metrics = &Metrics{}
	}
	if logger == nil {
		logger = FromContext(context.Background())
	}
	return &InstrumentedAdapter{
		next:    next,
		metrics: metrics,
		logger:  logger.NewComponentLogger("provider").WithProvider(string(next.Type())),
	}
}

// Unwrap returns the wrapped adapter.
func (a *InstrumentedAdapter) Unwrap() engine.ProviderAdapter { return a.next }

// Type returns the wrapped adapter's provider type.
func (a *InstrumentedAdapter) Type() engine.ProviderType { return a.next.Type() }

// CreateMachine instruments the wrapped CreateMachine.
func (a *InstrumentedAdapter) CreateMachine(ctx context.Context, spec engine.MachineSpec) (string, string, error) {
	var id, ip string
	err := a.observe(ctx, "create", func(ctx context.Context) error {
		var err error
		id, ip, err = a.next.CreateMachine(ctx, spec)
		return err
	})
	return id, ip, err
}

// Reboot instruments the wrapped Reboot.
func (a *InstrumentedAdapter) Reboot(ctx context.Context, providerMachineID string) error {
	return a.observe(ctx, "reboot", func(ctx context.Context) error {
		return a.next.Reboot(ctx, providerMachineID)
	})
}

// Destroy instruments the wrapped Destroy.
func (a *InstrumentedAdapter) Destroy(ctx context.Context, providerMachineID string) error {
	return a.observe(ctx, "destroy", func(ctx context.Context) error {
		return a.next.Destroy(ctx, providerMachineID)
	})
}

// FetchStatus instruments the wrapped FetchStatus.
func (a *InstrumentedAdapter) FetchStatus(ctx context.Context, providerMachineID string) (engine.MachineState, error) {
	var state engine.MachineState
	err := a.observe(ctx, "status", func(ctx context.Context) error {
		var err error
		state, err = a.next.FetchStatus(ctx, providerMachineID)
		return err
	})
	return state, err
}

func (a *InstrumentedAdapter) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	provider := string(a.next.Type())
	ctx, span := StartProviderSpan(ctx, provider, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	duration := timer.Duration()
	a.metrics.RecordProviderCall(provider, operation, duration)

	if err != nil {
		class := engine.ClassOf(err)
		a.metrics.RecordProviderError(provider, operation, string(class))
		span.SetAttributes(AttrErrorClass.String(string(class)))
		if derr := engine.AsDeploymentError(err); derr.Code != "" {
			span.SetAttributes(AttrErrorCode.String(derr.Code))
		}
		RecordError(span, err)
		a.logger.zlog.Debug().Err(err).Str("operation", operation).Str("trace_id", TraceID(ctx)).Dur("duration", duration).Msg("Provider call failed")
		return err
	}

	RecordSuccess(span)
	a.logger.zlog.Debug().Str("operation", operation).Dur("duration", duration).Msg("Provider call succeeded")
	return nil
}
