package stores

import (
	"context"
	"time"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// AuditRecord is a stored audit event.
type AuditRecord struct {
	ID int64 `json:"id"`
	engine.AuditEvent
}

// AuditFilter narrows an audit query. Empty fields match everything.
type AuditFilter struct {
	TenantID     string
	DeploymentID string
	MachineID    string
	Action       string
	Since        time.Time
	Limit        int
	Offset       int
}

// AccountStore persists provider account records. Secrets are never stored.
type AccountStore interface {
	UpsertAccount(ctx context.Context, account *engine.ProviderAccount) error
	GetAccount(ctx context.Context, accountID string) (*engine.ProviderAccount, error)
	ListAccounts(ctx context.Context, tenantID string) ([]*engine.ProviderAccount, error)
	SetCredentialStatus(ctx context.Context, accountID string, status engine.CredentialStatus) error
}

// Store is everything the SQLite backend persists.
type Store interface {
	engine.Store
	AccountStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Audit
	Record(ctx context.Context, event engine.AuditEvent) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)

	// Log retention
	DeleteLogs(ctx context.Context, deploymentID string) error
}

var _ Store = (*SQLiteStore)(nil)
