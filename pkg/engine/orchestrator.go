package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Orchestrator defaults.
const (
	DefaultMaxWorkers      = 10
	DefaultPlanTimeout     = 5 * time.Minute
	DefaultApplyTimeout    = 30 * time.Minute
	DefaultAgentStaleAfter = 90 * time.Second
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	// Store persists machines, deployments and logs. Required.
	Store Store

	// Credentials resolves provider accounts. Required.
	Credentials CredentialProvider

	// Adapters builds provider adapters per account. Required.
	Adapters AdapterFactory

	// Executor runs plan and apply. Required.
	Executor Executor

	// Approval decides which plans need approval. Defaults to NewDefaultApprovalPolicy.
	Approval ApprovalPolicy

	// Specs validates create specs while validating. Optional.
	Specs SpecValidator

	// Audit receives one event per state transition. Optional.
	Audit AuditSink

	// Events receives state changes. Optional.
	Events EventPublisher

	// Heartbeats derives machine agent status. Optional.
	Heartbeats HeartbeatSource

	// Archiver stores finished deployment logs. Optional.
	Archiver LogArchiver

	// Metrics receives measurements. Optional.
	Metrics MetricsRecorder

	// Logger is the orchestrator's logger.
	Logger zerolog.Logger

	// Retry is the apply retry policy. The zero value means DefaultRetryPolicy.
	Retry RetryPolicy

	// MaxWorkers bounds the number of deployments executing at once.
	MaxWorkers int

	// PlanTimeout is the deadline for each plan call.
	PlanTimeout time.Duration

	// ApplyTimeout is the deadline for each apply attempt.
	ApplyTimeout time.Duration

	// LogBufferSize is the per-subscriber live log buffer.
	LogBufferSize int

	// AgentStaleAfter is how old a heartbeat may be for the agent to count as connected.
	AgentStaleAfter time.Duration

	// NewID generates identifiers. Defaults to random UUIDs.
	NewID func() string
}

// Orchestrator is the public entry point of the deployment engine. Every call
// takes the caller's tenant explicitly; resources of other tenants are
// reported as not found.
type Orchestrator struct {
	store      Store
	adapters   *AdapterCache
	creds      CredentialProvider
	executor   Executor
	approval   ApprovalPolicy
	specs      SpecValidator
	audit      AuditSink
	events     EventPublisher
	heartbeats HeartbeatSource
	archiver   LogArchiver
	metrics    MetricsRecorder
	logger     zerolog.Logger

	locks      *LockManager
	logs       *LogHub
	reconciler *Reconciler

	retry           RetryPolicy
	planTimeout     time.Duration
	applyTimeout    time.Duration
	agentStaleAfter time.Duration
	newID           func() string
	now             func() time.Time

	sem      *semaphore.Weighted
	readyMu  sync.Mutex
	ready    []string
	readySig chan struct{}

	mu     sync.Mutex
	active map[string]*activeDeployment

	workCtx  context.Context
	stopCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
	dispatch sync.WaitGroup
}

// activeDeployment is the in-memory record of a non-terminal deployment.
type activeDeployment struct {
	mu      sync.Mutex
	dep     *Deployment
	running bool
	rerun   bool
	mutated bool

	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}
	done            chan struct{}
}

func newActiveDeployment(d *Deployment) *activeDeployment {
	return &activeDeployment{
		dep:      d,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *activeDeployment) requestCancel() {
	a.cancelOnce.Do(func() {
		a.cancelRequested.Store(true)
		close(a.cancelCh)
	})
}

func (a *activeDeployment) cancelled() bool {
	return a.cancelRequested.Load()
}

// sleep waits for d unless cancellation is requested first.
func (a *activeDeployment) sleep(d time.Duration) bool {
	if d <= 0 {
		return !a.cancelled()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.cancelCh:
		return false
	}
}

// New creates an orchestrator. Call Start before enqueueing deployments.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a store")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("orchestrator requires a credential provider")
	}
	if cfg.Adapters == nil {
		return nil, fmt.Errorf("orchestrator requires an adapter factory")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("orchestrator requires an executor")
	}

	if cfg.Approval == nil {
		cfg.Approval = NewDefaultApprovalPolicy()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = DefaultPlanTimeout
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	if cfg.AgentStaleAfter <= 0 {
		cfg.AgentStaleAfter = DefaultAgentStaleAfter
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	o := &Orchestrator{
		store:           cfg.Store,
		creds:           cfg.Credentials,
		executor:        cfg.Executor,
		approval:        cfg.Approval,
		specs:           cfg.Specs,
		audit:           cfg.Audit,
		events:          cfg.Events,
		heartbeats:      cfg.Heartbeats,
		archiver:        cfg.Archiver,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		retry:           cfg.Retry,
		planTimeout:     cfg.PlanTimeout,
		applyTimeout:    cfg.ApplyTimeout,
		agentStaleAfter: cfg.AgentStaleAfter,
		newID:           cfg.NewID,
		now:             time.Now,
		sem:             semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		readySig:        make(chan struct{}, 1),
		active:          make(map[string]*activeDeployment),
	}
	o.adapters = NewAdapterCache(cfg.Credentials, cfg.Adapters)
	o.locks = NewLockManager(o.onGrant)
	o.logs = NewLogHub(cfg.Store, cfg.LogBufferSize, cfg.Logger, cfg.Metrics)
	o.reconciler = NewReconciler(cfg.Store, o.adapters, cfg.Audit, cfg.Metrics, cfg.Logger)
	return o, nil
}

// Start recovers deployments left unfinished by a previous process and starts
// the worker dispatcher. Work continues until Close, independent of ctx's
// cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already started")
	}
	o.workCtx = context.WithoutCancel(ctx)
	o.stopCtx, o.stop = context.WithCancel(context.Background())

	if err := o.recover(ctx); err != nil {
		return err
	}

	o.dispatch.Add(1)
	go o.dispatchLoop()

	o.logger.Info().Msg("Orchestrator started")
	return nil
}

// Close stops dispatching new work and waits for running deployments to reach
// a checkpoint, or for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if o.stop != nil {
		o.stop()
	}
	o.dispatch.Wait()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info().Msg("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// Reconciler returns the orchestrator's reconciler.
func (o *Orchestrator) Reconciler() *Reconciler {
	return o.reconciler
}

// Locks returns the orchestrator's lock manager.
func (o *Orchestrator) Locks() *LockManager {
	return o.locks
}

// EnqueueDeployment creates a deployment and queues it behind any deployment
// already holding the machine's lock. For create, a machine record is reserved
// so later deployments can target it immediately.
func (o *Orchestrator) EnqueueDeployment(ctx context.Context, tenantID string, req EnqueueRequest) (string, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	if !o.started.Load() {
		return "", fmt.Errorf("orchestrator not started")
	}
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if err := req.Type.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := o.now().UTC()
	d := &Deployment{
		ID:        o.newID(),
		TenantID:  tenantID,
		Type:      req.Type,
		State:     DeploymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch req.Type {
	case DeploymentCreate:
		machine, err := o.reserveMachine(ctx, tenantID, req.Spec, now)
		if err != nil {
			return "", err
		}
		d.MachineID = machine.ID
		spec := *req.Spec
		d.Payload.Spec = &spec
	default:
		if req.MachineID == "" {
			return "", fmt.Errorf("%w: machine_id is required for %s", ErrInvalidRequest, req.Type)
		}
		if req.Type == DeploymentServiceRestart && req.Service == "" {
			return "", fmt.Errorf("%w: service is required for service_restart", ErrInvalidRequest)
		}
		d.MachineID = req.MachineID
		d.Payload.Service = req.Service
		if status, ok := req.Type.DesiredStatus(); ok {
			if _, err := o.reconciler.SetDesiredStatus(ctx, tenantID, req.MachineID, status); err != nil && !errors.Is(err, ErrNotFound) {
				return "", fmt.Errorf("failed to record desired status: %w", err)
			}
		}
	}

	if err := o.store.CreateDeployment(ctx, d); err != nil {
		return "", fmt.Errorf("failed to store deployment: %w", err)
	}

	a := newActiveDeployment(d)
	o.mu.Lock()
	o.active[d.ID] = a
	n := len(o.active)
	o.mu.Unlock()

	o.logs.Open(d.ID, 0)
	o.metrics.DeploymentStarted(string(d.Type))
	o.metrics.ActiveDeployments(n)
	o.recordAudit(ctx, AuditEvent{
		Action:       "deployment.created",
		Outcome:      OutcomeSuccess,
		TenantID:     d.TenantID,
		DeploymentID: d.ID,
		MachineID:    d.MachineID,
		ToState:      DeploymentPending,
	})
	o.publish(ctx, d, "")

	result := o.locks.Acquire(d.MachineID, d.ID)
	o.metrics.LocksWaiting(o.locks.TotalWaiting())
	o.appendLog(ctx, d.ID, LogSystem, fmt.Sprintf("%s deployment enqueued for machine %s (lock %s)",
		d.Type, d.MachineID, result))

	o.logger.Info().
		Str("deployment_id", d.ID).
		Str("machine_id", d.MachineID).
		Str("tenant_id", tenantID).
		Str("type", string(d.Type)).
		Str("lock", result.String()).
		Msg("Deployment enqueued")

	if result == LockGranted {
		o.schedule(d.ID)
	}
	return d.ID, nil
}

func (o *Orchestrator) reserveMachine(ctx context.Context, tenantID string, spec *MachineSpec, now time.Time) (*Machine, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: spec is required for create", ErrInvalidRequest)
	}
	if err := spec.Provider.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if spec.ProviderAccountID == "" {
		return nil, fmt.Errorf("%w: provider_account_id is required", ErrInvalidRequest)
	}

	machine := &Machine{
		ID:                o.newID(),
		TenantID:          tenantID,
		Name:              spec.Name,
		Provider:          spec.Provider,
		ProviderAccountID: spec.ProviderAccountID,
		Region:            spec.Region,
		Size:              spec.Size,
		Image:             spec.Image,
		DesiredStatus:     MachineStatusRunning,
		ActualStatus:      MachineStatusPending,
		Tags:              spec.Tags,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.store.CreateMachine(ctx, machine); err != nil {
		return nil, fmt.Errorf("failed to reserve machine: %w", err)
	}
	return machine, nil
}

// Approve moves a deployment awaiting approval to in_progress. Approving a
// deployment that is already in progress or finished returns its current
// state without error.
func (o *Orchestrator) Approve(ctx context.Context, tenantID, deploymentID string) (*Deployment, error) {
	a, d, err := o.lookup(ctx, tenantID, deploymentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return d, nil
	}

	a.mu.Lock()
	switch a.dep.State {
	case DeploymentAwaitingApproval:
		if err := o.transitionLocked(ctx, a, DeploymentInProgress, nil); err != nil {
			a.mu.Unlock()
			return nil, err
		}
		snapshot := o.snapshotLocked(a)
		a.mu.Unlock()
		o.appendLog(ctx, deploymentID, LogSystem, "plan approved")
		o.schedule(deploymentID)
		return snapshot, nil
	case DeploymentInProgress, DeploymentCompleted, DeploymentFailed, DeploymentCancelled:
		snapshot := o.snapshotLocked(a)
		a.mu.Unlock()
		return snapshot, nil
	default:
		snapshot := o.snapshotLocked(a)
		a.mu.Unlock()
		return snapshot, fmt.Errorf("%w: deployment is %s", ErrNotAwaitingApproval, snapshot.State)
	}
}

// Cancel requests cancellation of a deployment. Deployments that have not
// started applying are cancelled immediately; an apply in progress stops at
// its next checkpoint. Cancelling a finished deployment returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, deploymentID string) (*Deployment, error) {
	a, d, err := o.lookup(ctx, tenantID, deploymentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return d, nil
	}

	a.requestCancel()

	a.mu.Lock()
	if a.running || a.dep.State.IsTerminal() {
		snapshot := o.snapshotLocked(a)
		a.mu.Unlock()
		return snapshot, nil
	}
	switch a.dep.State {
	case DeploymentPending, DeploymentAwaitingApproval:
		o.locks.Remove(a.dep.MachineID, a.dep.ID)
		if err := o.transitionLocked(ctx, a, DeploymentCancelled, nil); err != nil {
			a.mu.Unlock()
			return nil, err
		}
		snapshot := o.snapshotLocked(a)
		a.mu.Unlock()
		o.release(ctx, a, snapshot)
		return snapshot, nil
	default:
		// Scheduled but not yet picked up by a worker; the worker resolves it.
		snapshot := o.snapshotLocked(a)
		a.mu.Unlock()
		return snapshot, nil
	}
}

// GetDeployment returns the current state of a deployment.
func (o *Orchestrator) GetDeployment(ctx context.Context, tenantID, deploymentID string) (*Deployment, error) {
	a, d, err := o.lookup(ctx, tenantID, deploymentID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return o.snapshotLocked(a), nil
	}
	return d, nil
}

// ListDeployments returns the tenant's deployments, newest first, optionally
// restricted to one machine.
func (o *Orchestrator) ListDeployments(ctx context.Context, tenantID, machineID string) ([]*Deployment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	ds, err := o.store.ListDeployments(ctx, tenantID, DeploymentFilter{MachineID: machineID})
	if err != nil {
		return nil, err
	}
	for i, d := range ds {
		if a := o.activeByID(d.ID); a != nil {
			a.mu.Lock()
			ds[i] = o.snapshotLocked(a)
			a.mu.Unlock()
		}
	}
	return ds, nil
}

// StreamLogs returns an iterator over the deployment's log lines after the
// given cursor. Restarting with the last seen cursor never skips or repeats lines.
func (o *Orchestrator) StreamLogs(ctx context.Context, tenantID, deploymentID string, afterCursor int64) (*LogIterator, error) {
	if _, _, err := o.lookup(ctx, tenantID, deploymentID); err != nil {
		return nil, err
	}
	if afterCursor < 0 {
		afterCursor = 0
	}
	return o.logs.Stream(deploymentID, afterCursor), nil
}

// ReadLogs returns up to limit stored lines after the cursor without waiting
// for new ones.
func (o *Orchestrator) ReadLogs(ctx context.Context, tenantID, deploymentID string, afterCursor int64, limit int) ([]LogLine, error) {
	if _, _, err := o.lookup(ctx, tenantID, deploymentID); err != nil {
		return nil, err
	}
	if afterCursor < 0 {
		afterCursor = 0
	}
	return o.store.ReadLogs(ctx, deploymentID, afterCursor, limit)
}

// Wait blocks until the deployment reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, tenantID, deploymentID string) (*Deployment, error) {
	a, d, err := o.lookup(ctx, tenantID, deploymentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return d, nil
	}
	select {
	case <-a.done:
		return o.store.GetDeployment(ctx, tenantID, deploymentID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetMachine returns a machine with its agent status filled in.
func (o *Orchestrator) GetMachine(ctx context.Context, tenantID, machineID string) (*Machine, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	m, err := o.store.GetMachine(ctx, tenantID, machineID)
	if err != nil {
		return nil, err
	}
	m.AgentStatus = o.agentStatus(m.ID)
	return m, nil
}

// ListMachines returns the tenant's machines.
func (o *Orchestrator) ListMachines(ctx context.Context, tenantID string) ([]*Machine, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	ms, err := o.store.ListMachines(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		m.AgentStatus = o.agentStatus(m.ID)
	}
	return ms, nil
}

// SetDesiredStatus records the status an operator wants. It never touches
// actual_status and does not start a deployment.
func (o *Orchestrator) SetDesiredStatus(ctx context.Context, tenantID, machineID string, status MachineStatus) (*Machine, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	return o.reconciler.SetDesiredStatus(ctx, tenantID, machineID, status)
}

// ReconcileMachine reads the machine's state from its provider now.
func (o *Orchestrator) ReconcileMachine(ctx context.Context, tenantID, machineID string) (*Machine, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	m, err := o.reconciler.Reconcile(ctx, tenantID, machineID)
	if err != nil {
		return m, err
	}
	m.AgentStatus = o.agentStatus(m.ID)
	return m, nil
}

// RunDriftDetection runs the reconciler's periodic loop, skipping machines
// with an active deployment.
func (o *Orchestrator) RunDriftDetection(ctx context.Context, interval time.Duration) {
	o.reconciler.Run(ctx, interval, o.MachineBusy)
}

// MachineBusy reports whether a deployment currently holds the machine's lock.
func (o *Orchestrator) MachineBusy(machineID string) bool {
	_, held := o.locks.Holder(machineID)
	return held
}

func (o *Orchestrator) agentStatus(machineID string) AgentStatus {
	if o.heartbeats == nil {
		return AgentDisconnected
	}
	seen, ok := o.heartbeats.LastSeen(machineID)
	if !ok || o.now().Sub(seen) > o.agentStaleAfter {
		return AgentDisconnected
	}
	return AgentConnected
}

// lookup returns the active record of a deployment, or its stored terminal
// record when it is no longer active.
func (o *Orchestrator) lookup(ctx context.Context, tenantID, deploymentID string) (*activeDeployment, *Deployment, error) {
	if tenantID == "" {
		return nil, nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if a := o.activeByID(deploymentID); a != nil {
		a.mu.Lock()
		owner := a.dep.TenantID
		a.mu.Unlock()
		if owner != tenantID {
			return nil, nil, fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
		}
		return a, nil, nil
	}
	d, err := o.store.GetDeployment(ctx, tenantID, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	if a := o.activeByID(deploymentID); a != nil {
		return a, nil, nil
	}
	return nil, d, nil
}

func (o *Orchestrator) activeByID(id string) *activeDeployment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

func (o *Orchestrator) snapshotLocked(a *activeDeployment) *Deployment {
	d := a.dep.Clone()
	if cursor, ok := o.logs.Cursor(d.ID); ok {
		d.LogCursor = cursor
	}
	return d
}

// recover reloads non-terminal deployments after a restart. Deployments that
// were validating or applying cannot be resumed and are failed; deployments
// awaiting approval keep their lock; pending ones are queued again in
// creation order.
func (o *Orchestrator) recover(ctx context.Context) error {
	ds, err := o.store.ListDeployments(ctx, "", DeploymentFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("failed to load unfinished deployments: %w", err)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].CreatedAt.Before(ds[j].CreatedAt) })

	var pending []*activeDeployment
	for _, d := range ds {
		a := newActiveDeployment(d)
		o.mu.Lock()
		o.active[d.ID] = a
		o.mu.Unlock()
		o.logs.Open(d.ID, d.LogCursor)

		switch d.State {
		case DeploymentValidating:
			o.appendLog(ctx, d.ID, LogSystem, "orchestrator restarted during validation")
			o.finish(ctx, a, DeploymentFailed,
				NewPreconditionError("orchestrator restarted during validation", nil).WithCode(ErrCodeRestarted))
		case DeploymentInProgress:
			o.appendLog(ctx, d.ID, LogSystem, "orchestrator restarted during apply; provider state unknown")
			o.finish(ctx, a, DeploymentFailed,
				NewCancelledAfterPartialApply("orchestrator restarted during apply; provider state unknown").WithCode(ErrCodeRestarted))
		case DeploymentAwaitingApproval:
			o.locks.Acquire(d.MachineID, d.ID)
		case DeploymentPending:
			pending = append(pending, a)
		}
	}
	for _, a := range pending {
		if o.locks.Acquire(a.dep.MachineID, a.dep.ID) == LockGranted {
			o.schedule(a.dep.ID)
		}
	}

	if len(ds) > 0 {
		o.logger.Info().Int("count", len(ds)).Msg("Recovered unfinished deployments")
	}
	return nil
}
