package connectorconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/activekg/activekg/internal/platform/database"
	"github.com/activekg/activekg/internal/platform/svcerr"
)

// storedConfig is the row shape for connector_configs. ConfigJSON is the
// JSONB column verbatim: plain fields (bucket, region, folder_id, endpoint)
// alongside a base64 "credential_ciphertext" field holding the AES-GCM
// sealed credential, so non-secret fields stay queryable without a decrypt
// round trip.
type storedConfig struct {
	TenantID   string
	Provider   string
	ConfigJSON []byte
	KeyVersion string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repository persists connector_configs and connector_cursors rows,
// scoped through TenantDB.WithTenant the same way PostgresStore does for
// nodes/edges/events.
type Repository struct {
	db *database.TenantDB
}

func NewRepository(db *database.TenantDB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, tenantID, provider string) (*storedConfig, error) {
	var out *storedConfig
	err := r.db.WithTenant(ctx, tenantID, func(ctx context.Context, tx *database.TenantTx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT tenant_id, provider, config_json, key_version, enabled, created_at, updated_at
			FROM connector_configs WHERE tenant_id = $1 AND provider = $2
		`, tenantID, provider)

		var sc storedConfig
		var keyVersion int
		if err := row.Scan(&sc.TenantID, &sc.Provider, &sc.ConfigJSON, &keyVersion, &sc.Enabled, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return svcerr.Storage("get connector config", err)
		}
		sc.KeyVersion = fmt.Sprintf("KEK_V%d", keyVersion)
		out = &sc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) ListAll(ctx context.Context, tenantID string) ([]storedConfig, error) {
	var out []storedConfig
	err := r.db.WithTenant(ctx, tenantID, func(ctx context.Context, tx *database.TenantTx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, provider, config_json, key_version, enabled, created_at, updated_at
			FROM connector_configs WHERE tenant_id = $1
		`, tenantID)
		if err != nil {
			return svcerr.Storage("list connector configs", err)
		}
		defer rows.Close()

		for rows.Next() {
			var sc storedConfig
			var keyVersion int
			if err := rows.Scan(&sc.TenantID, &sc.Provider, &sc.ConfigJSON, &keyVersion, &sc.Enabled, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
				return svcerr.Storage("scan connector config", err)
			}
			sc.KeyVersion = fmt.Sprintf("KEK_V%d", keyVersion)
			out = append(out, sc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) Upsert(ctx context.Context, sc storedConfig) error {
	var keyVersion int
	if _, err := fmt.Sscanf(sc.KeyVersion, "KEK_V%d", &keyVersion); err != nil {
		return fmt.Errorf("connectorconfig: malformed key version %q: %w", sc.KeyVersion, err)
	}
	return r.db.WithTenant(ctx, sc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connector_configs (tenant_id, provider, config_json, key_version, enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			ON CONFLICT (tenant_id, provider) DO UPDATE SET
				config_json = EXCLUDED.config_json,
				key_version = EXCLUDED.key_version,
				enabled = EXCLUDED.enabled,
				updated_at = now()
		`, sc.TenantID, sc.Provider, sc.ConfigJSON, keyVersion, sc.Enabled)
		if err != nil {
			return svcerr.Storage("upsert connector config", err)
		}
		return nil
	})
}

func (r *Repository) Delete(ctx context.Context, tenantID, provider string) error {
	return r.db.WithTenant(ctx, tenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM connector_configs WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
		if err != nil {
			return svcerr.Storage("delete connector config", err)
		}
		return nil
	})
}

// ListStaleKeyVersion returns every config row not encrypted under the
// given active version, across all tenants — used by the rotation batch
// job. It bypasses per-tenant RLS scoping deliberately (mirrors
// Store.ListTenantIDs' cross-tenant admin escape hatch) because rotation is
// an instance-wide operation, not a tenant-initiated one.
func (r *Repository) ListStaleKeyVersion(ctx context.Context, activeVersion string, limit int) ([]storedConfig, error) {
	var keyVersion int
	if _, err := fmt.Sscanf(activeVersion, "KEK_V%d", &keyVersion); err != nil {
		return nil, fmt.Errorf("connectorconfig: malformed key version %q: %w", activeVersion, err)
	}
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT tenant_id, provider, config_json, key_version, enabled, created_at, updated_at
		FROM connector_configs WHERE key_version <> $1
		ORDER BY updated_at ASC LIMIT $2
	`, keyVersion, limit)
	if err != nil {
		return nil, svcerr.Storage("list stale-key connector configs", err)
	}
	defer rows.Close()

	var out []storedConfig
	for rows.Next() {
		var sc storedConfig
		var kv int
		if err := rows.Scan(&sc.TenantID, &sc.Provider, &sc.ConfigJSON, &kv, &sc.Enabled, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, svcerr.Storage("scan connector config", err)
		}
		sc.KeyVersion = fmt.Sprintf("KEK_V%d", kv)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (r *Repository) GetCursor(ctx context.Context, tenantID, provider string) (json.RawMessage, error) {
	var out json.RawMessage
	err := r.db.WithTenant(ctx, tenantID, func(ctx context.Context, tx *database.TenantTx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT cursor_json FROM connector_cursors WHERE tenant_id = $1 AND provider = $2
		`, tenantID, provider)
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return svcerr.Storage("get connector cursor", err)
		}
		out = json.RawMessage(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) SaveCursor(ctx context.Context, tenantID, provider string, cursor json.RawMessage) error {
	return r.db.WithTenant(ctx, tenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connector_cursors (tenant_id, provider, cursor_json, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (tenant_id, provider) DO UPDATE SET
				cursor_json = EXCLUDED.cursor_json,
				updated_at = now()
		`, tenantID, provider, []byte(cursor))
		if err != nil {
			return svcerr.Storage("save connector cursor", err)
		}
		return nil
	})
}
