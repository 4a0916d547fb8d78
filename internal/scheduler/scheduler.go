// Package scheduler implements C4: a single background polling task that
// scans for due nodes, re-embeds drifted content, and hands refreshed nodes
// off to the trigger engine. Grounded on the teacher's single-goroutine
// ticker-driven background task convention, generalized from a fixed
// interval to the cron-or-interval IsDue predicate spec.md §4.4 requires.
package scheduler

import (
	"context"
	"time"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/embedding"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/reqctx"
	"github.com/activekg/activekg/internal/storage"
	"github.com/activekg/activekg/internal/vecmath"
)

// TriggerRunner is the subset of trigger.Engine the scheduler invokes after
// each refresh cycle; kept as an interface to avoid an import cycle and to
// let tests substitute a fake.
type TriggerRunner interface {
	RunFor(ctx context.Context, nodeIDs []string) (int, error)
}

// Config controls polling cadence and per-cycle batch sizing.
type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

func DefaultConfig() Config {
	return Config{TickInterval: 5 * time.Second, BatchSize: 50}
}

// Scheduler runs the single background refresh task.
type Scheduler struct {
	store    storage.Store
	embedder embedding.Provider
	trigger  TriggerRunner
	resolver *PayloadResolver
	cfg      Config
	log      *logging.Logger
	metric   *metrics.Registry
}

func New(store storage.Store, embedder embedding.Provider, trigger TriggerRunner, resolver *PayloadResolver, cfg Config, log *logging.Logger, m *metrics.Registry) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Scheduler{store: store, embedder: embedder, trigger: trigger, resolver: resolver, cfg: cfg, log: log, metric: m}
}

// Run blocks, ticking until ctx is canceled. It is meant to be started in
// its own goroutine from cmd/activekg's startup sequence.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle scans every known tenant for due nodes and refreshes them. It
// is exported so admin-triggered force-refresh and tests can invoke a
// single pass synchronously.
func (s *Scheduler) RunCycle(ctx context.Context) {
	tenants, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		s.warn(err, "", "list tenants for refresh cycle")
		return
	}
	now := time.Now().UTC()
	for _, tenantID := range tenants {
		tctx := reqctx.With(ctx, reqctx.System(tenantID))
		due, err := s.store.ListDueNodes(tctx, s.cfg.BatchSize, now)
		if err != nil {
			s.warn(err, tenantID, "list due nodes")
			continue
		}
		if len(due) == 0 {
			continue
		}
		refreshed := make([]string, 0, len(due))
		for _, n := range due {
			if err := s.refreshOne(tctx, n, false); err != nil {
				s.warn(err, tenantID, "refresh node "+n.ID)
				s.recordCycle(tenantID, "error")
				continue
			}
			refreshed = append(refreshed, n.ID)
			s.recordCycle(tenantID, "ok")
		}
		if len(refreshed) > 0 && s.trigger != nil {
			if _, err := s.trigger.RunFor(tctx, refreshed); err != nil {
				s.warn(err, tenantID, "run triggers post-refresh")
			}
		}
	}
}

// ForceRefresh implements the admin refresh path: an explicit node_id list,
// or, when ids is empty, the due nodes of tenantID (up to BatchSize).
func (s *Scheduler) ForceRefresh(ctx context.Context, tenantID string, ids []string) (int, error) {
	tctx := reqctx.With(ctx, reqctx.Admin(tenantID))
	var targets []domain.Node
	if len(ids) > 0 {
		for _, id := range ids {
			n, err := s.store.GetNode(tctx, id)
			if err != nil {
				return 0, err
			}
			if n != nil {
				targets = append(targets, *n)
			}
		}
	} else {
		due, err := s.store.ListDueNodes(tctx, s.cfg.BatchSize, time.Now().UTC())
		if err != nil {
			return 0, err
		}
		targets = due
	}

	refreshedIDs := make([]string, 0, len(targets))
	for _, n := range targets {
		if err := s.refreshOne(tctx, n, true); err != nil {
			s.warn(err, tenantID, "admin refresh node "+n.ID)
			continue
		}
		refreshedIDs = append(refreshedIDs, n.ID)
	}
	if len(refreshedIDs) > 0 && s.trigger != nil {
		if _, err := s.trigger.RunFor(tctx, refreshedIDs); err != nil {
			s.warn(err, tenantID, "run triggers post-admin-refresh")
		}
	}
	return len(refreshedIDs), nil
}

// refreshOne runs the per-node cycle described in spec.md §4.4 steps 1-7.
func (s *Scheduler) refreshOne(ctx context.Context, n domain.Node, manualTrigger bool) error {
	start := time.Now()

	text, err := s.loadText(ctx, n)
	if err != nil {
		s.recordLatency(start, "error")
		return err
	}

	newEmbedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.recordLatency(start, "error")
		return err
	}

	var drift float64
	if len(n.Embedding) > 0 {
		drift = vecmath.Drift(n.Embedding, newEmbedding)
	}

	now := time.Now().UTC()
	_, err = s.store.UpdateNode(ctx, n.ID, n.Version, storage.Patch{
		Embedding:     newEmbedding,
		LastRefreshed: &now,
		DriftScore:    &drift,
	})
	if err != nil {
		s.recordLatency(start, "error")
		return err
	}

	if err := s.store.WriteEmbeddingHistory(ctx, n.ID, drift, embedding.CacheKey(s.embedder.Version(), text)); err != nil {
		s.recordLatency(start, "error")
		return err
	}

	threshold := 0.0
	if n.RefreshPolicy != nil {
		threshold = n.RefreshPolicy.DriftThreshold
	}
	exceeded := drift >= threshold
	if exceeded || manualTrigger {
		rc := reqctx.MustFrom(ctx)
		actorID, actorType := rc.ActorID, rc.ActorType
		if manualTrigger {
			actorID, actorType = "admin", "user"
		}
		payload := map[string]interface{}{
			"drift_score":        drift,
			"threshold":          threshold,
			"threshold_exceeded": exceeded,
			"manual_trigger":     manualTrigger,
		}
		if _, err := s.store.AppendEvent(ctx, n.ID, domain.EventRefreshed, payload, actorID, actorType); err != nil {
			s.recordLatency(start, "error")
			return err
		}
	}

	s.recordLatency(start, "ok")
	return nil
}

func (s *Scheduler) loadText(ctx context.Context, n domain.Node) (string, error) {
	if text := n.Text(); text != "" {
		return text, nil
	}
	ref, _ := n.Props["payload_ref"].(string)
	if ref == "" {
		return "", nil
	}
	if s.resolver == nil {
		return ref, nil
	}
	return s.resolver.Resolve(ctx, ref)
}

func (s *Scheduler) recordLatency(start time.Time, result string) {
	if s.metric == nil {
		return
	}
	s.metric.ObserveHistogram("refresh_node_duration_seconds", time.Since(start).Seconds(), map[string]string{"result": result})
}

func (s *Scheduler) recordCycle(tenantID, result string) {
	if s.metric == nil {
		return
	}
	s.metric.IncCounter("refresh_cycles_total", map[string]string{"result": result})
}

func (s *Scheduler) warn(err error, tenantID, action string) {
	if s.log == nil {
		return
	}
	s.log.WithError(err).WithField("tenant_id", tenantID).Warn("scheduler: " + action)
}
