// Package domain holds the data model shared by storage, retrieval,
// scheduling, trigger evaluation and ingestion: nodes, edges, events,
// versions, embedding history, patterns, and connector configuration.
package domain

import (
	"encoding/json"
	"time"
)

// ClassDeleted marks a soft-deleted node awaiting hard removal by the purger.
const ClassDeleted = "Deleted"

// RelDerivedFrom is the reserved lineage edge relation: child -> parent.
const RelDerivedFrom = "DERIVED_FROM"

// RefreshPolicy controls how and when a node is re-embedded by the scheduler.
type RefreshPolicy struct {
	Interval       time.Duration `json:"interval,omitempty"`
	Cron           string        `json:"cron,omitempty"`
	DriftThreshold float64       `json:"drift_threshold"`
}

// Trigger is a named similarity-pattern check attached to a node.
type Trigger struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

// Node is the unit of the knowledge graph: a document, chunk, or other
// tenant-owned entity carrying an optional embedding and refresh policy.
type Node struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	Classes        []string               `json:"classes"`
	Props          map[string]interface{} `json:"props"`
	Metadata       map[string]interface{} `json:"metadata"`
	Embedding      []float32              `json:"embedding,omitempty"`
	RefreshPolicy  *RefreshPolicy         `json:"refresh_policy,omitempty"`
	Triggers       []Trigger              `json:"triggers,omitempty"`
	LastRefreshed  time.Time              `json:"last_refreshed"`
	DriftScore     float64                `json:"drift_score"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// HasClass reports whether the node carries the given class tag.
func (n *Node) HasClass(class string) bool {
	for _, c := range n.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// IsParent reports whether props.is_parent is truthy.
func (n *Node) IsParent() bool {
	v, ok := n.Props["is_parent"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ParentID returns props.parent_id, if present.
func (n *Node) ParentID() string {
	v, ok := n.Props["parent_id"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Text returns props.text, the canonical embeddable payload.
func (n *Node) Text() string {
	v, ok := n.Props["text"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// DeletionGraceUntil parses props.deletion_grace_until (RFC3339), if present.
func (n *Node) DeletionGraceUntil() (time.Time, bool) {
	v, ok := n.Props["deletion_grace_until"]
	if !ok {
		return time.Time{}, false
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Edge is a directed relation between two nodes within a tenant.
type Edge struct {
	Src       string                 `json:"src"`
	Rel       string                 `json:"rel"`
	Dst       string                 `json:"dst"`
	TenantID  string                 `json:"tenant_id"`
	Props     map[string]interface{} `json:"props,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Event types.
const (
	EventCreated      = "created"
	EventUpdated      = "updated"
	EventDeleted      = "deleted"
	EventRefreshed    = "refreshed"
	EventTriggerFired = "trigger_fired"
)

// Event is an append-only audit record attached to a node.
type Event struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"node_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TenantID  string          `json:"tenant_id"`
	ActorID   string          `json:"actor_id"`
	ActorType string          `json:"actor_type"` // user | system | trigger
	CreatedAt time.Time       `json:"created_at"`
}

// NodeVersion is an immutable snapshot of a node taken on meaningful change.
type NodeVersion struct {
	NodeID    string    `json:"node_id"`
	Version   int64     `json:"version"`
	Snapshot  Node      `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingHistory records one row per refresh that updates a node's embedding.
type EmbeddingHistory struct {
	NodeID       string    `json:"node_id"`
	DriftScore   float64   `json:"drift_score"`
	EmbeddingRef string    `json:"embedding_ref"`
	CreatedAt    time.Time `json:"created_at"`
}

// Pattern is a named reference vector evaluated by the trigger engine.
// Namespaced per-tenant by default (see DESIGN.md Open Question resolution).
type Pattern struct {
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Embedding   []float32 `json:"embedding"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConnectorConfig stores per-tenant, per-provider connector settings with
// secret-valued fields held as ciphertext within ConfigJSON.
type ConnectorConfig struct {
	TenantID   string          `json:"tenant_id"`
	Provider   string          `json:"provider"`
	ConfigJSON json.RawMessage `json:"config_json"`
	KeyVersion int             `json:"key_version"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ConnectorCursor tracks ListChanges pagination state per tenant/provider.
type ConnectorCursor struct {
	TenantID   string          `json:"tenant_id"`
	Provider   string          `json:"provider"`
	CursorJSON json.RawMessage `json:"cursor_json"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// LineageAncestor is one entry in a GetLineage traversal result.
type LineageAncestor struct {
	ID      string   `json:"id"`
	Depth   int      `json:"depth"`
	Classes []string `json:"classes"`
}
