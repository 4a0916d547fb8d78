package ingestion

import (
	"context"
	"time"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/reqctx"
	"github.com/activekg/activekg/internal/storage"
)

// Purger hard-removes tombstoned nodes whose deletion grace period has
// passed, scoped to one tenant per admin call.
type Purger struct {
	store storage.Store
}

func NewPurger(store storage.Store) *Purger {
	return &Purger{store: store}
}

// PurgeResult reports how many parent and chunk nodes were removed, or
// would be removed under DryRun.
type PurgeResult struct {
	Parents int
	Chunks  int
	DryRun  bool
}

// Purge scans tenantID's Deleted nodes past grace and removes them. With
// dryRun it only counts candidates without deleting.
func (p *Purger) Purge(ctx context.Context, tenantID string, batchSize int, dryRun bool) (PurgeResult, error) {
	tctx := reqctx.With(ctx, reqctx.Admin(tenantID))
	now := time.Now().UTC()

	candidates, err := p.store.ListDeletedPastGrace(tctx, tenantID, batchSize, now)
	if err != nil {
		return PurgeResult{}, err
	}
	if len(candidates) == 0 {
		return PurgeResult{DryRun: dryRun}, nil
	}

	parents, chunks := countByRole(candidates)
	if dryRun {
		return PurgeResult{Parents: parents, Chunks: chunks, DryRun: true}, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, n := range candidates {
		ids = append(ids, n.ID)
	}
	actualParents, actualChunks, err := p.store.PurgeNodes(tctx, ids)
	if err != nil {
		return PurgeResult{}, err
	}
	return PurgeResult{Parents: actualParents, Chunks: actualChunks}, nil
}

func countByRole(nodes []domain.Node) (parents, chunks int) {
	for _, n := range nodes {
		if n.IsParent() {
			parents++
		} else {
			chunks++
		}
	}
	return
}
