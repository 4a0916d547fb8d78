// Package storage implements the C1 graph/vector/event store: pooled,
// tenant-scoped node/edge/event/version/pattern persistence with row-level
// isolation, grounded on the teacher's store_postgres.go family
// (e.g. packages/com.r3e.services.automation/store_postgres.go) generalized
// from single-table CRUD to the full graph data model in spec.md §3.
package storage

import (
	"context"
	"time"

	"github.com/activekg/activekg/internal/domain"
)

// NodeFilter narrows ListNodes / search calls.
type NodeFilter struct {
	Classes  []string
	JSONPath string // optional JSONPath predicate evaluated against metadata
	Limit    int
	Offset   int
}

// ScoredNode is one retrieval hit.
type ScoredNode struct {
	Node       domain.Node `json:"node"`
	Similarity float64     `json:"similarity"`
	Rank       int         `json:"rank"`
}

// Patch is a partial node update; nil fields are left unchanged.
type Patch struct {
	Classes       *[]string
	Props         map[string]interface{}
	Metadata      map[string]interface{}
	Embedding     []float32
	RefreshPolicy *domain.RefreshPolicy
	Triggers      *[]domain.Trigger
	LastRefreshed *time.Time
	DriftScore    *float64
}

// Store is the C1 contract. Every method takes the tenant from ctx via
// internal/reqctx — callers never pass tenant_id explicitly, preventing
// cross-tenant leakage from a forgotten parameter.
type Store interface {
	CreateNode(ctx context.Context, n domain.Node) (string, error)
	GetNode(ctx context.Context, id string) (*domain.Node, error)
	UpdateNode(ctx context.Context, id string, expectedVersion int64, patch Patch) (*domain.Node, error)
	DeleteNode(ctx context.Context, id string, hard bool, grace time.Duration) error
	ListNodes(ctx context.Context, filter NodeFilter) ([]domain.Node, error)
	ListVersions(ctx context.Context, id string) ([]domain.NodeVersion, error)

	CreateEdge(ctx context.Context, e domain.Edge) error
	GetLineage(ctx context.Context, id string, maxDepth int) ([]domain.LineageAncestor, error)

	VectorSearch(ctx context.Context, qvec []float32, topK int, filter NodeFilter) ([]ScoredNode, error)
	LexicalSearch(ctx context.Context, query string, topK int, filter NodeFilter) ([]ScoredNode, error)

	AppendEvent(ctx context.Context, nodeID, eventType string, payload interface{}, actorID, actorType string) (*domain.Event, error)
	ListEvents(ctx context.Context, nodeID, eventType string, limit int) ([]domain.Event, error)

	WriteEmbeddingHistory(ctx context.Context, nodeID string, drift float64, embeddingRef string) error

	// IsNodeDue evaluates the cron/interval refresh policy against now.
	IsNodeDue(n domain.Node, now time.Time) bool

	// ListDueNodes scans for nodes whose refresh policy fires at or before
	// now, bounded to batchSize per call, for the given tenant.
	ListDueNodes(ctx context.Context, batchSize int, now time.Time) ([]domain.Node, error)

	// ListAllNodesWithEmbedding pages through the tenant's nodes that have an
	// embedding, ordered by id. The trigger engine's Run() pages with
	// ListNodes instead.
	ListAllNodesWithEmbedding(ctx context.Context, batchSize, offset int) ([]domain.Node, error)

	// Patterns (per-tenant namespace; see DESIGN.md for the Open Question).
	UpsertPattern(ctx context.Context, p domain.Pattern) error
	GetPattern(ctx context.Context, name string) (*domain.Pattern, error)
	ListPatterns(ctx context.Context) ([]domain.Pattern, error)
	DeletePattern(ctx context.Context, name string) error

	// ListDeletedPastGrace finds tombstoned nodes eligible for hard removal.
	ListDeletedPastGrace(ctx context.Context, tenantID string, batchSize int, now time.Time) ([]domain.Node, error)
	PurgeNodes(ctx context.Context, ids []string) (parents, chunks int, err error)

	EnsureVectorIndex(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// ListTenantIDs enumerates distinct tenants with at least one node, for
	// the scheduler's refresh cycle and the worker's queue-key enumeration
	// in cmd/activekg. Bypasses tenant
	// scoping deliberately — this is an admin-only operation.
	ListTenantIDs(ctx context.Context) ([]string, error)

	// FindNodeByExternalID looks up a node by props.external_id, the
	// "{provider}:{tenant}:{resource_id}" key the ingestion worker upserts
	// parent nodes on to make repeated ingestion of the same source
	// idempotent.
	FindNodeByExternalID(ctx context.Context, externalID string) (*domain.Node, error)
}
