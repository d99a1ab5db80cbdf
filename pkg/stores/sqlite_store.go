package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/cirrusops/cirrus/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" env:"PATH" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to ":memory:" opens its own empty database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Backup writes a consistent copy of the database to dest while the store
// stays online. dest must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, dest string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

const machineColumns = `id, tenant_id, name, provider, provider_account_id, provider_machine_id,
	region, size, image, desired_status, actual_status, public_ip, private_ip, tags,
	created_at, updated_at`

// CreateMachine inserts a new machine.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *engine.Machine) error {
	tags, err := marshalTags(m.Tags)
	if err != nil {
		return err
	}

	query := `INSERT INTO machines (` + machineColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.TenantID, m.Name, string(m.Provider), m.ProviderAccountID, m.ProviderMachineID,
		m.Region, m.Size, m.Image, string(m.DesiredStatus), string(m.ActualStatus),
		m.PublicIP, m.PrivateIP, tags,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	return nil
}

// GetMachine returns a machine owned by the tenant. An empty tenant matches any owner.
func (s *SQLiteStore) GetMachine(ctx context.Context, tenantID, machineID string) (*engine.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE id = ? AND (? = '' OR tenant_id = ?)`

	m, err := scanMachine(s.db.QueryRowContext(ctx, query, machineID, tenantID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine %s: %w", machineID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return m, nil
}

// UpdateMachine replaces a machine record.
func (s *SQLiteStore) UpdateMachine(ctx context.Context, m *engine.Machine) error {
	tags, err := marshalTags(m.Tags)
	if err != nil {
		return err
	}

	query := `
		UPDATE machines
		SET name = ?, provider = ?, provider_account_id = ?, provider_machine_id = ?,
		    region = ?, size = ?, image = ?, desired_status = ?, actual_status = ?,
		    public_ip = ?, private_ip = ?, tags = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		m.Name, string(m.Provider), m.ProviderAccountID, m.ProviderMachineID,
		m.Region, m.Size, m.Image, string(m.DesiredStatus), string(m.ActualStatus),
		m.PublicIP, m.PrivateIP, tags, formatTime(m.UpdatedAt),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update machine: %w", err)
	}
	return requireRow(result, "machine", m.ID)
}

// ListMachines returns the tenant's machines ordered by creation time.
func (s *SQLiteStore) ListMachines(ctx context.Context, tenantID string) ([]*engine.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE (? = '' OR tenant_id = ?) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	machines := []*engine.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating machines: %w", err)
	}

	return machines, nil
}

const deploymentColumns = `id, tenant_id, machine_id, type, state, payload, plan, error, error_class,
	log_cursor, attempts, created_at, updated_at, finished_at`

// CreateDeployment inserts a new deployment.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode deployment payload: %w", err)
	}

	query := `INSERT INTO deployments (` + deploymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.TenantID, d.MachineID, string(d.Type), string(d.State),
		string(payload), nullableJSON(d.Plan), d.Error, string(d.ErrorClass),
		d.LogCursor, d.Attempts,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt), nullableTime(d.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// GetDeployment returns a deployment owned by the tenant. An empty tenant matches any owner.
func (s *SQLiteStore) GetDeployment(ctx context.Context, tenantID, deploymentID string) (*engine.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ? AND (? = '' OR tenant_id = ?)`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, deploymentID, tenantID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", deploymentID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// UpdateDeployment replaces the mutable fields of a deployment record.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *engine.Deployment) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode deployment payload: %w", err)
	}

	query := `
		UPDATE deployments
		SET machine_id = ?, state = ?, payload = ?, plan = ?, error = ?, error_class = ?,
		    log_cursor = ?, attempts = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		d.MachineID, string(d.State), string(payload), nullableJSON(d.Plan), d.Error, string(d.ErrorClass),
		d.LogCursor, d.Attempts, formatTime(d.UpdatedAt), nullableTime(d.FinishedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	return requireRow(result, "deployment", d.ID)
}

// ListDeployments returns matching deployments, newest first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, tenantID string, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	var (
		where []string
		args  []interface{}
	)
	if tenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, tenantID)
	}
	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}
	if filter.ActiveOnly {
		where = append(where, "state NOT IN (?, ?, ?)")
		args = append(args,
			string(engine.DeploymentCompleted),
			string(engine.DeploymentFailed),
			string(engine.DeploymentCancelled),
		)
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// AppendLog stores one log line. Re-appending an existing cursor is a no-op.
func (s *SQLiteStore) AppendLog(ctx context.Context, deploymentID string, line engine.LogLine) error {
	query := `
		INSERT INTO deployment_logs (deployment_id, cursor, timestamp, stream, text, gap)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (deployment_id, cursor) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		deploymentID, line.Cursor, formatTime(line.Timestamp), string(line.Stream), line.Text, line.Gap,
	)
	if err != nil {
		return fmt.Errorf("failed to append log line: %w", err)
	}
	return nil
}

// ReadLogs returns up to limit lines after the cursor, in cursor order.
func (s *SQLiteStore) ReadLogs(ctx context.Context, deploymentID string, after int64, limit int) ([]engine.LogLine, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT cursor, timestamp, stream, text, gap
		FROM deployment_logs
		WHERE deployment_id = ? AND cursor > ?
		ORDER BY cursor ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	defer rows.Close()

	var lines []engine.LogLine
	for rows.Next() {
		var (
			line   engine.LogLine
			ts     string
			stream string
		)
		if err := rows.Scan(&line.Cursor, &ts, &stream, &line.Text, &line.Gap); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		if line.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		line.Stream = engine.LogStream(stream)
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log lines: %w", err)
	}

	return lines, nil
}

// DeleteLogs removes the stored log of a deployment, typically after it was archived.
func (s *SQLiteStore) DeleteLogs(ctx context.Context, deploymentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deployment_logs WHERE deployment_id = ?`, deploymentID); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	return nil
}

// UpsertAccount creates or replaces a provider account record.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, account *engine.ProviderAccount) error {
	status := account.CredentialStatus
	if status == "" {
		status = engine.CredentialStatusUnchecked
	}
	now := formatTime(time.Now())

	query := `
		INSERT INTO provider_accounts (id, tenant_id, provider_type, credential_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			provider_type = excluded.provider_type,
			credential_status = excluded.credential_status,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		account.ID, account.TenantID, string(account.ProviderType), string(status), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert provider account: %w", err)
	}
	return nil
}

// GetAccount returns a provider account record.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*engine.ProviderAccount, error) {
	query := `SELECT id, tenant_id, provider_type, credential_status FROM provider_accounts WHERE id = ?`

	account, err := scanAccount(s.db.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider account %s: %w", accountID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider account: %w", err)
	}
	return account, nil
}

// ListAccounts returns the tenant's provider accounts. An empty tenant lists all accounts.
func (s *SQLiteStore) ListAccounts(ctx context.Context, tenantID string) ([]*engine.ProviderAccount, error) {
	query := `
		SELECT id, tenant_id, provider_type, credential_status
		FROM provider_accounts
		WHERE (? = '' OR tenant_id = ?)
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider accounts: %w", err)
	}
	defer rows.Close()

	accounts := []*engine.ProviderAccount{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider accounts: %w", err)
	}

	return accounts, nil
}

// SetCredentialStatus records the result of a credential check.
func (s *SQLiteStore) SetCredentialStatus(ctx context.Context, accountID string, status engine.CredentialStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE provider_accounts SET credential_status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	return requireRow(result, "provider account", accountID)
}

// Record appends an audit event. It makes SQLiteStore an engine.AuditSink.
func (s *SQLiteStore) Record(ctx context.Context, event engine.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit_log (action, outcome, tenant_id, deployment_id, machine_id, from_state, to_state, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.Action, event.Outcome, event.TenantID, event.DeploymentID, event.MachineID,
		string(event.FromState), string(event.ToState), event.Message, formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAudit lists audit entries, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	since := ""
	if !filter.Since.IsZero() {
		since = formatTime(filter.Since)
	}

	query := `
		SELECT id, action, outcome, tenant_id, deployment_id, machine_id, from_state, to_state, message, timestamp
		FROM audit_log
		WHERE (? = '' OR tenant_id = ?)
		  AND (? = '' OR deployment_id = ?)
		  AND (? = '' OR machine_id = ?)
		  AND (? = '' OR action = ?)
		  AND (? = '' OR timestamp >= ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		filter.TenantID, filter.TenantID,
		filter.DeploymentID, filter.DeploymentID,
		filter.MachineID, filter.MachineID,
		filter.Action, filter.Action,
		since, since,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditRecord{}
	for rows.Next() {
		var (
			entry    AuditRecord
			from, to string
			ts       string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Outcome,
			&entry.TenantID,
			&entry.DeploymentID,
			&entry.MachineID,
			&from,
			&to,
			&entry.Message,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.FromState = engine.DeploymentState(from)
		entry.ToState = engine.DeploymentState(to)
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMachine(row rowScanner) (*engine.Machine, error) {
	var (
		m                    engine.Machine
		provider             string
		desired, actual      string
		tags                 string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&m.ID, &m.TenantID, &m.Name, &provider, &m.ProviderAccountID, &m.ProviderMachineID,
		&m.Region, &m.Size, &m.Image, &desired, &actual, &m.PublicIP, &m.PrivateIP, &tags,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Provider = engine.ProviderType(provider)
	m.DesiredStatus = engine.MachineStatus(desired)
	m.ActualStatus = engine.MachineStatus(actual)
	if tags != "" && tags != "{}" {
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode machine tags: %w", err)
		}
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanDeployment(row rowScanner) (*engine.Deployment, error) {
	var (
		d                    engine.Deployment
		typ, state, class    string
		payload              string
		plan                 sql.NullString
		createdAt, updatedAt string
		finishedAt           sql.NullString
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.MachineID, &typ, &state, &payload, &plan, &d.Error, &class,
		&d.LogCursor, &d.Attempts, &createdAt, &updatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Type = engine.DeploymentType(typ)
	d.State = engine.DeploymentState(state)
	d.ErrorClass = engine.ErrorClass(class)
	if err := json.Unmarshal([]byte(payload), &d.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode deployment payload: %w", err)
	}
	if plan.Valid && plan.String != "" {
		d.Plan = json.RawMessage(plan.String)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		d.FinishedAt = &t
	}
	return &d, nil
}

func scanAccount(row rowScanner) (*engine.ProviderAccount, error) {
	var (
		account          engine.ProviderAccount
		provider, status string
	)
	if err := row.Scan(&account.ID, &account.TenantID, &provider, &status); err != nil {
		return nil, err
	}
	account.ProviderType = engine.ProviderType(provider)
	account.CredentialStatus = engine.CredentialStatus(status)
	return &account, nil
}

func requireRow(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, engine.ErrNotFound)
	}
	return nil
}

func marshalTags(tags map[string]string) (string, error) {
	if len(tags) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode machine tags: %w", err)
	}
	return string(data), nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
