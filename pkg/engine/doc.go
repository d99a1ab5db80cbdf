// Package engine provides the deployment orchestrator at the core of cirrus.
//
// # Overview
//
// Cirrus provisions and operates cloud machines on DigitalOcean, AWS, GCP and
// Hetzner on behalf of several tenants. Every change to a machine is a
// Deployment: a typed unit of work (create, reboot, destroy or
// service_restart) that moves through a fixed state machine:
//
//	pending -> validating -> [awaiting_approval] -> in_progress -> completed
//	                 \                \                  \
//	                  +-> failed       +-> cancelled      +-> failed | cancelled
//
// Pending deployments wait for their machine's lock. Validating checks
// preconditions and computes a dry-run plan; the ApprovalPolicy decides
// whether an operator must approve it. In progress runs the Executor's apply
// step under the RetryPolicy, then reconciles the machine with its provider
// before the deployment is marked completed.
//
// # Core Domain Types
//
//   - Machine: a cloud instance with desired and actual status
//   - Deployment: one unit of work against a machine
//   - LogLine: one line of a deployment's cursor-addressed log
//   - DeploymentError: a classified failure (precondition_failed, transient,
//     permanent, executor_crash, cancelled, cancelled_after_partial_apply)
//   - ProviderAccount: a tenant's provider credentials and their validity
//
// # Collaborators
//
// The Orchestrator is wired through interfaces so that storage, providers and
// the provisioning tool can be swapped:
//
//   - Store: machines, deployments and logs (MemoryStore, stores.SQLiteStore)
//   - ProviderAdapter and AdapterFactory: one adapter per provider account
//   - CredentialProvider: accounts and decrypted credentials
//   - Executor: plan and apply for a Job
//   - ApprovalPolicy: built-in DefaultApprovalPolicy or OPA policies
//   - AuditSink, EventPublisher, LogArchiver, HeartbeatSource: optional
//
// # Concurrency
//
// At most one deployment holds a machine's lock at a time; later deployments
// for the same machine queue in FIFO order in the LockManager. Deployments on
// different machines run in parallel, bounded by Config.MaxWorkers.
//
// Every read-modify-write of a machine record goes through the Reconciler, and
// only the Reconciler writes a machine's actual status.
//
// # Example Usage
//
//	orch, err := engine.New(engine.Config{
//	    Store:       store,
//	    Credentials: creds,
//	    Adapters:    registry.New,
//	    Executor:    exec,
//	    Logger:      logger,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := orch.Start(ctx); err != nil {
//	    return err
//	}
//	defer orch.Close(ctx)
//
//	id, err := orch.EnqueueDeployment(ctx, "team-a", engine.EnqueueRequest{
//	    Type:      engine.DeploymentReboot,
//	    MachineID: "m-1",
//	})
//	d, err := orch.Wait(ctx, "team-a", id)
//
// # Tenancy
//
// Every Orchestrator call takes the caller's tenant. Machines and deployments
// of other tenants are reported as ErrNotFound.
package engine
