package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoProviderInstance is returned when reconciling a machine that was never created at the provider.
var ErrNoProviderInstance = errors.New("machine has no provider instance")

// Reconciler converges a machine record with the provider's view of it. It
// serialises every read-modify-write of machine records made by the
// orchestrator.
type Reconciler struct {
	mu       sync.Mutex
	machines MachineStore
	adapters AdapterSource
	audit    AuditSink
	metrics  MetricsRecorder
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(machines MachineStore, adapters AdapterSource, audit AuditSink, metrics MetricsRecorder, logger zerolog.Logger) *Reconciler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Reconciler{
		machines: machines,
		adapters: adapters,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		tracer:   tracer(),
		now:      time.Now,
	}
}

// Reconcile reads the machine's live state from its provider and writes
// actual_status and addresses. If the provider read fails, the machine is
// left unchanged, a drift audit event is recorded and the error is returned.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID, machineID string) (*Machine, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile",
		trace.WithAttributes(attribute.String(attrMachineID, machineID)))
	defer span.End()

	machine, err := r.machines.GetMachine(ctx, tenantID, machineID)
	if err != nil {
		return nil, err
	}
	if machine.ProviderMachineID == "" {
		return machine, ErrNoProviderInstance
	}

	adapter, _, err := r.adapters.AdapterFor(ctx, machine.ProviderAccountID)
	if err != nil {
		r.flagFetchFailure(ctx, machine, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return machine, err
	}

	state, err := adapter.FetchStatus(ctx, machine.ProviderMachineID)
	if err != nil {
		r.flagFetchFailure(ctx, machine, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return machine, err
	}

	machine, err = r.update(ctx, tenantID, machineID, func(m *Machine) {
		m.ActualStatus = state.Status
		m.PublicIP = state.PublicIP
		m.PrivateIP = state.PrivateIP
	})
	if err != nil {
		r.metrics.Reconciled("store_error")
		return nil, fmt.Errorf("failed to store reconciled machine: %w", err)
	}

	r.metrics.Reconciled("success")
	r.logger.Debug().
		Str("machine_id", machine.ID).
		Str("actual_status", string(machine.ActualStatus)).
		Msg("Machine reconciled")
	return machine, nil
}

// SetDesiredStatus records the status an operator wants for a machine.
func (r *Reconciler) SetDesiredStatus(ctx context.Context, tenantID, machineID string, status MachineStatus) (*Machine, error) {
	if err := status.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return r.update(ctx, tenantID, machineID, func(m *Machine) {
		m.DesiredStatus = status
	})
}

// RecordCreated stores the provider identity of a newly created machine.
// The machine's status is left for Reconcile to read from the provider.
func (r *Reconciler) RecordCreated(ctx context.Context, tenantID, machineID, providerMachineID, publicIP string) (*Machine, error) {
	return r.update(ctx, tenantID, machineID, func(m *Machine) {
		m.ProviderMachineID = providerMachineID
		if publicIP != "" {
			m.PublicIP = publicIP
		}
	})
}

func (r *Reconciler) update(ctx context.Context, tenantID, machineID string, mutate func(*Machine)) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	machine, err := r.machines.GetMachine(ctx, tenantID, machineID)
	if err != nil {
		return nil, err
	}
	mutate(machine)
	machine.UpdatedAt = r.now().UTC()
	if err := r.machines.UpdateMachine(ctx, machine); err != nil {
		return nil, err
	}
	return machine, nil
}

// OnTick is the drift-detection hook. It reconciles the machine and records a
// drift event when the observed status differs from the desired one.
func (r *Reconciler) OnTick(ctx context.Context, tenantID, machineID string) {
	machine, err := r.Reconcile(ctx, tenantID, machineID)
	if err != nil || machine == nil {
		return
	}
	if machine.DesiredStatus == "" || machine.ActualStatus.IsTransitional() {
		return
	}
	if machine.ActualStatus != machine.DesiredStatus {
		r.record(ctx, AuditEvent{
			Action:    "machine.drift",
			Outcome:   "drifted",
			TenantID:  machine.TenantID,
			MachineID: machine.ID,
			Message: fmt.Sprintf("desired status %s, provider reports %s",
				machine.DesiredStatus, machine.ActualStatus),
		})
	}
}

// Run calls OnTick for every machine each interval until ctx is done. Machines
// for which busy returns true are skipped for that round.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, busy func(machineID string) bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			machines, err := r.machines.ListMachines(ctx, "")
			if err != nil {
				r.logger.Error().Err(err).Msg("Drift detection failed to list machines")
				continue
			}
			for _, m := range machines {
				if m.ProviderMachineID == "" || m.ActualStatus == MachineStatusTerminated {
					continue
				}
				if busy != nil && busy(m.ID) {
					continue
				}
				r.OnTick(ctx, m.TenantID, m.ID)
			}
		}
	}
}

func (r *Reconciler) flagFetchFailure(ctx context.Context, machine *Machine, err error) {
	r.metrics.Reconciled("fetch_failed")
	r.logger.Warn().Err(err).Str("machine_id", machine.ID).Msg("Failed to fetch machine status")
	r.record(ctx, AuditEvent{
		Action:    "machine.drift",
		Outcome:   "fetch_failed",
		TenantID:  machine.TenantID,
		MachineID: machine.ID,
		Message:   err.Error(),
	})
}

func (r *Reconciler) record(ctx context.Context, event AuditEvent) {
	if r.audit == nil {
		return
	}
	event.Timestamp = r.now().UTC()
	if err := r.audit.Record(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("action", event.Action).Msg("Failed to record audit event")
	}
}
