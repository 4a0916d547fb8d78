package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// RLSMode controls whether tenant row-level security is assumed present.
type RLSMode string

const (
	RLSAuto RLSMode = "auto"
	RLSOn   RLSMode = "on"
	RLSOff  RLSMode = "off"
)

// TenantDB wraps a pooled *sql.DB and enforces that every operation runs
// inside a transaction with the tenant bound to the session-local variable
// `app.tenant_id`, matching the RLS policies installed by the migrations in
// internal/platform/migrations. Per spec.md §4.1, an auto-detect probe
// checks whether policies exist; if the caller requests RLSOff but policies
// are detected, the stricter (on) setting wins.
type TenantDB struct {
	db  *sql.DB
	rls RLSMode
}

// OpenTenant wraps db, resolving the effective RLS mode.
func OpenTenant(ctx context.Context, db *sql.DB, requested RLSMode) (*TenantDB, error) {
	detected, err := policiesInstalled(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("probe row level security: %w", err)
	}

	effective := requested
	switch requested {
	case RLSAuto:
		if detected {
			effective = RLSOn
		} else {
			effective = RLSOff
		}
	case RLSOff:
		if detected {
			// Never silently weaken: policies exist, so enforce them.
			effective = RLSOn
		}
	case RLSOn:
		if !detected {
			return nil, fmt.Errorf("RLS_MODE=on requested but no row level security policies are installed; refusing to start")
		}
	}

	return &TenantDB{db: db, rls: effective}, nil
}

func (t *TenantDB) Mode() RLSMode { return t.rls }

// NewForTest wraps db with a fixed RLS mode, skipping the pg_policies probe
// in OpenTenant. Exported for use by other packages' sqlmock-based tests, which
// cannot satisfy that probe query without coupling to database internals.
func NewForTest(db *sql.DB, mode RLSMode) *TenantDB {
	return &TenantDB{db: db, rls: mode}
}

func policiesInstalled(ctx context.Context, db *sql.DB) (bool, error) {
	const q = `SELECT count(*) FROM pg_policies WHERE schemaname = current_schema() AND tablename = 'nodes'`
	var count int
	if err := db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return false, nil
		}
		return false, err
	}
	return count > 0, nil
}

// TenantTx is a transaction scoped to one tenant via SET LOCAL app.tenant_id.
type TenantTx struct {
	*sql.Tx
	TenantID string
}

// WithTenant begins a transaction, binds the tenant session variable (always,
// regardless of RLS mode, as defense in depth per spec.md §9), runs fn, and
// commits on success.
func (t *TenantDB) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, tx *TenantTx) error) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("bind tenant session variable: %w", err)
	}

	if err := fn(ctx, &TenantTx{Tx: tx, TenantID: tenantID}); err != nil {
		return err
	}

	return tx.Commit()
}

// DB exposes the underlying pool for operations that do not need a tenant
// binding (cross-tenant admin scans explicitly iterate per-tenant instead).
func (t *TenantDB) DB() *sql.DB { return t.db }

func (t *TenantDB) PingContext(ctx context.Context) error { return t.db.PingContext(ctx) }

func (t *TenantDB) Close() error { return t.db.Close() }

// Stats exposes the pool's database/sql statistics; /health does not
// report them.
func (t *TenantDB) Stats() sql.DBStats { return t.db.Stats() }
