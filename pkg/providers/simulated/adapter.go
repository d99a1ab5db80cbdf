// Package simulated provides an in-memory provider adapter for local
// development and tests. Machines live only in process memory, and failures
// can be scripted per operation.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// Operation names accepted by Fail.
const (
	OpCreate  = "create"
	OpReboot  = "reboot"
	OpDestroy = "destroy"
	OpStatus  = "status"
)

type machine struct {
	spec   engine.MachineSpec
	status engine.MachineStatus
	ip     string
}

// Adapter is an engine.ProviderAdapter backed by a map.
type Adapter struct {
	provider engine.ProviderType
	latency  time.Duration

	mu       sync.Mutex
	machines map[string]*machine
	failures map[string][]error
	calls    []string
	nextID   int
}

// New creates an adapter that reports itself as the given provider type.
func New(provider engine.ProviderType) *Adapter {
	return &Adapter{
		provider: provider,
		machines: make(map[string]*machine),
		failures: make(map[string][]error),
	}
}

// Factory returns an engine.AdapterFactory that hands out one shared adapter
// per account.
func Factory(latency time.Duration) engine.AdapterFactory {
	var mu sync.Mutex
	adapters := make(map[string]*Adapter)
	return func(_ context.Context, account engine.ProviderAccount, _ engine.Credentials) (engine.ProviderAdapter, error) {
		mu.Lock()
		defer mu.Unlock()
		a, ok := adapters[account.ID]
		if !ok {
			a = New(account.ProviderType).WithLatency(latency)
			adapters[account.ID] = a
		}
		return a, nil
	}
}

// WithLatency makes every call sleep for d, honouring context cancellation.
func (a *Adapter) WithLatency(d time.Duration) *Adapter {
	a.latency = d
	return a
}

// Fail queues errors returned by the next calls of an operation, one per call.
func (a *Adapter) Fail(op string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = append(a.failures[op], errs...)
}

// FailTransient queues n rate-limit failures for an operation.
func (a *Adapter) FailTransient(op string, n int) {
	for i := 0; i < n; i++ {
		a.Fail(op, engine.NewTransientError("429 rate limited", nil).
			WithCode(engine.ErrCodeRateLimited).
			WithProvider(a.provider).
			WithOperation(op))
	}
}

// SetStatus overrides the status of a machine, simulating drift.
func (a *Adapter) SetStatus(providerMachineID string, status engine.MachineStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.machines[providerMachineID]; ok {
		m.status = status
	}
}

// Remove deletes a machine behind the orchestrator's back.
func (a *Adapter) Remove(providerMachineID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.machines, providerMachineID)
}

// Calls returns the operations performed so far, as "op:id".
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// Count returns the number of machines that currently exist.
func (a *Adapter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.machines)
}

// Type returns the provider type the adapter impersonates.
func (a *Adapter) Type() engine.ProviderType { return a.provider }

// CreateMachine records a new running machine.
func (a *Adapter) CreateMachine(ctx context.Context, spec engine.MachineSpec) (string, string, error) {
	if err := a.begin(ctx, OpCreate, spec.Name); err != nil {
		return "", "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := fmt.Sprintf("sim-%d", a.nextID)
	m := &machine{
		spec:   spec,
		status: engine.MachineStatusRunning,
		ip:     fmt.Sprintf("192.0.2.%d", a.nextID%254+1),
	}
	a.machines[id] = m
	return id, m.ip, nil
}

// Reboot fails with a not-found error for unknown machines.
func (a *Adapter) Reboot(ctx context.Context, providerMachineID string) error {
	if err := a.begin(ctx, OpReboot, providerMachineID); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.machines[providerMachineID]; !ok {
		return a.notFound(OpReboot, providerMachineID)
	}
	return nil
}

// Destroy removes a machine. Unknown machines are already destroyed.
func (a *Adapter) Destroy(ctx context.Context, providerMachineID string) error {
	if err := a.begin(ctx, OpDestroy, providerMachineID); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.machines, providerMachineID)
	return nil
}

// FetchStatus reports terminated for unknown machines.
func (a *Adapter) FetchStatus(ctx context.Context, providerMachineID string) (engine.MachineState, error) {
	if err := a.begin(ctx, OpStatus, providerMachineID); err != nil {
		return engine.MachineState{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.machines[providerMachineID]
	if !ok {
		return engine.MachineState{Status: engine.MachineStatusTerminated}, nil
	}
	return engine.MachineState{Status: m.status, PublicIP: m.ip}, nil
}

// begin records the call, waits out the latency and pops a scripted failure.
func (a *Adapter) begin(ctx context.Context, op, target string) error {
	a.mu.Lock()
	a.calls = append(a.calls, op+":"+target)
	a.mu.Unlock()

	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			return engine.NewTransientError("provider call interrupted", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithProvider(a.provider).
				WithOperation(op)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	queue := a.failures[op]
	if len(queue) == 0 {
		return nil
	}
	a.failures[op] = queue[1:]
	return queue[0]
}

func (a *Adapter) notFound(op, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("machine %s not found", id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithProvider(a.provider).
		WithOperation(op)
}
