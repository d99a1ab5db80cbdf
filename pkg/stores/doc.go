// Package stores provides the persistent store for cirrus.
//
// SQLiteStore keeps machines, deployments, deployment log lines, provider
// account records and the audit trail in one SQLite database (WAL mode,
// pure-Go driver). It implements engine.Store, engine.AuditSink and
// AccountStore. Schema changes are embedded migrations applied by Migrate.
//
// Lookups scoped by tenant return an error wrapping engine.ErrNotFound when
// the record does not exist or belongs to another tenant.
package stores
