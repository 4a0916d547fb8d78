// Package trigger implements C5: similarity-pattern evaluation against
// refreshed nodes. Grounded on the storage layer's Pattern persistence
// (internal/storage.Store.{Upsert,Get,List}Pattern) and the teacher's
// metrics-registry conventions for hot-path vs. admin-path instrumentation.
package trigger

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/reqctx"
	"github.com/activekg/activekg/internal/storage"
	"github.com/activekg/activekg/internal/vecmath"
)

// patternCacheSize bounds the in-memory pattern-vector cache. Patterns
// change rarely (admin-managed), so a modest LRU avoids a storage round
// trip per trigger name on every refresh cycle.
const patternCacheSize = 512

type patternKey struct {
	tenantID string
	name     string
}

// Engine evaluates trigger patterns for nodes, per spec.md §4.5.
type Engine struct {
	store  storage.Store
	cache  *lru.Cache[patternKey, domain.Pattern]
	log    *logging.Logger
	metric *metrics.Registry
}

func NewEngine(store storage.Store, log *logging.Logger, m *metrics.Registry) *Engine {
	cache, _ := lru.New[patternKey, domain.Pattern](patternCacheSize)
	return &Engine{store: store, cache: cache, log: log, metric: m}
}

// Run scans all nodes for the tenant bound to ctx and evaluates triggers on
// every node with a non-nil embedding. Expensive; admin-only.
func (e *Engine) Run(ctx context.Context) (int, error) {
	var fired int
	offset := 0
	const pageSize = 200
	for {
		nodes, err := e.store.ListNodes(ctx, storage.NodeFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return fired, err
		}
		if len(nodes) == 0 {
			break
		}
		for _, n := range nodes {
			f, err := e.evaluate(ctx, n, "full")
			if err != nil {
				if e.log != nil {
					e.log.WithError(err).WithField("node_id", n.ID).Warn("trigger evaluation failed")
				}
				continue
			}
			fired += f
		}
		if len(nodes) < pageSize {
			break
		}
		offset += pageSize
	}
	return fired, nil
}

// RunFor evaluates triggers for a specific set of nodes — the hot path
// invoked by the scheduler immediately after a refresh cycle.
func (e *Engine) RunFor(ctx context.Context, nodeIDs []string) (int, error) {
	var fired int
	for _, id := range nodeIDs {
		n, err := e.store.GetNode(ctx, id)
		if err != nil {
			return fired, err
		}
		if n == nil {
			continue
		}
		f, err := e.evaluate(ctx, *n, "targeted")
		if err != nil {
			if e.log != nil {
				e.log.WithError(err).WithField("node_id", id).Warn("trigger evaluation failed")
			}
			continue
		}
		fired += f
	}
	return fired, nil
}

// evaluate checks every trigger on one node, appending a trigger_fired
// event for each that crosses its threshold.
func (e *Engine) evaluate(ctx context.Context, n domain.Node, mode string) (int, error) {
	if len(n.Embedding) == 0 || len(n.Triggers) == 0 {
		return 0, nil
	}
	rc := reqctx.MustFrom(ctx)
	fired := 0
	for _, trig := range n.Triggers {
		pattern, ok, err := e.patternFor(ctx, rc.TenantID, trig.Name)
		if err != nil {
			return fired, err
		}
		if !ok {
			continue // missing patterns are skipped silently
		}
		similarity := vecmath.Cosine(n.Embedding, pattern.Embedding)
		if e.metric != nil {
			e.metric.IncCounter("trigger_eval_total", map[string]string{"pattern": trig.Name, "mode": mode})
		}
		if similarity < trig.Threshold {
			continue
		}
		payload := map[string]interface{}{"trigger": trig.Name, "similarity": similarity}
		if _, err := e.store.AppendEvent(ctx, n.ID, domain.EventTriggerFired, payload, "trigger", "trigger"); err != nil {
			return fired, err
		}
		if e.metric != nil {
			e.metric.IncCounter("trigger_fired_total", map[string]string{"pattern": trig.Name, "mode": mode})
		}
		fired++
	}
	return fired, nil
}

func (e *Engine) patternFor(ctx context.Context, tenantID, name string) (domain.Pattern, bool, error) {
	key := patternKey{tenantID: tenantID, name: name}
	if e.cache != nil {
		if p, ok := e.cache.Get(key); ok {
			return p, true, nil
		}
	}
	p, err := e.store.GetPattern(ctx, name)
	if err != nil {
		return domain.Pattern{}, false, err
	}
	if p == nil {
		return domain.Pattern{}, false, nil
	}
	if e.cache != nil {
		e.cache.Add(key, *p)
	}
	return *p, true, nil
}

// InvalidatePattern evicts a cached pattern, called by the /triggers
// upsert and delete handlers after an admin changes a pattern.
func (e *Engine) InvalidatePattern(tenantID, name string) {
	if e.cache != nil {
		e.cache.Remove(patternKey{tenantID: tenantID, name: name})
	}
}
