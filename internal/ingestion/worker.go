// Worker implements the C6 per-process consumer: pop -> resolve connector
// config -> fetch -> hash-check -> chunk -> upsert parent+chunks with
// lineage edges -> embed. Grounded on the teacher's long-running consumer
// loop shape (services/automation and the datafeed pollers), generalized
// from a fixed-interval poll to a blocking queue pop with retry
// classification via internal/platform/svcerr's Transient/Permanent split.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/embedding"
	"github.com/activekg/activekg/internal/ingestion/connector"
	"github.com/activekg/activekg/internal/platform/kv"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/reqctx"
	"github.com/activekg/activekg/internal/storage"
)

// QueueItem is the envelope pushed onto connector:{provider}:{tenant}:queue.
type QueueItem struct {
	TenantID  string              `json:"tenant_id"`
	Provider  string              `json:"provider"`
	URI       string              `json:"uri"`
	Operation connector.Operation `json:"operation"`
}

func queueKey(provider, tenantID string) string {
	return fmt.Sprintf("connector:%s:%s:queue", provider, tenantID)
}

// QueueKey exports the provider/tenant queue naming convention so
// cmd/activekg can enumerate the keys to pass to Run without duplicating
// the format.
func QueueKey(provider, tenantID string) string {
	return queueKey(provider, tenantID)
}

func dlqKey(provider, tenantID string) string {
	return fmt.Sprintf("dlq:%s:%s", provider, tenantID)
}

// ConfigResolver is the narrow slice of C7 the worker depends on, kept as
// an interface to avoid an import cycle and let tests substitute a fake.
type ConfigResolver interface {
	Resolve(ctx context.Context, tenantID, provider string) (connector.Config, error)
}

// ConnectorFactory builds a Connector for a resolved config.
type ConnectorFactory func(cfg connector.Config) (connector.Connector, error)

// RetryPolicy controls transient-error backoff before DLQ.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond}
}

// Worker consumes queue items for one or more tenant/provider queues.
type Worker struct {
	store      storage.Store
	embedder   embedding.Provider
	kv         *kv.Client
	configs    ConfigResolver
	connectors ConnectorFactory
	chunkCfg   ChunkConfig
	throttle   *Throttle
	retry      RetryPolicy
	log        *logging.Logger
	metric     *metrics.Registry
}

func NewWorker(store storage.Store, embedder embedding.Provider, kvc *kv.Client, configs ConfigResolver, connectors ConnectorFactory, chunkCfg ChunkConfig, throttle *Throttle, log *logging.Logger, m *metrics.Registry) *Worker {
	if throttle == nil {
		throttle = NewThrottle(DefaultThrottleConfig())
	}
	return &Worker{
		store: store, embedder: embedder, kv: kvc, configs: configs, connectors: connectors,
		chunkCfg: chunkCfg, throttle: throttle, retry: DefaultRetryPolicy(), log: log, metric: m,
	}
}

// Enqueue pushes a change item onto the given provider/tenant queue.
func (w *Worker) Enqueue(ctx context.Context, provider, tenantID string, item connector.ChangeItem) error {
	payload, err := json.Marshal(QueueItem{TenantID: tenantID, Provider: provider, URI: item.URI, Operation: item.Operation})
	if err != nil {
		return err
	}
	return w.kv.LPush(ctx, queueKey(provider, tenantID), string(payload))
}

// Run blocks popping from queueKeys round-robin (go-redis BRPop already
// fans across multiple keys, returning from whichever is non-empty first)
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context, queueKeys []string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, ok, err := w.kv.BRPop(ctx, 2*time.Second, queueKeys...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.warn(err, "", "", "queue pop")
			continue
		}
		if !ok {
			continue
		}
		var item QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			w.warn(err, "", "", "decode queue item")
			continue
		}
		w.processWithRetry(ctx, item)
	}
}

func (w *Worker) processWithRetry(ctx context.Context, item QueueItem) {
	var lastErr error
	for attempt := 1; attempt <= w.retry.MaxAttempts; attempt++ {
		err := w.process(ctx, item)
		if err == nil {
			return
		}
		lastErr = err
		if svcerr.IsPermanent(err) {
			break
		}
		if !svcerr.IsTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retry.BaseDelay * time.Duration(1<<uint(attempt-1))):
		}
	}
	w.sendToDLQ(ctx, item, lastErr)
}

func (w *Worker) sendToDLQ(ctx context.Context, item QueueItem, reason error) {
	reasonStr := ""
	if reason != nil {
		reasonStr = reason.Error()
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"tenant_id": item.TenantID, "provider": item.Provider, "uri": item.URI,
		"operation": item.Operation, "reason": reasonStr, "failed_at": time.Now().UTC(),
	})
	if w.kv != nil {
		if err := w.kv.LPush(ctx, dlqKey(item.Provider, item.TenantID), string(payload)); err != nil {
			w.warn(err, item.TenantID, item.Provider, "write to dlq")
		}
	}
	w.recordDLQ(item.Provider)
	w.warn(reason, item.TenantID, item.Provider, "item moved to dlq for "+item.URI)
}

func (w *Worker) process(ctx context.Context, item QueueItem) error {
	tctx := reqctx.With(ctx, reqctx.System(item.TenantID))

	cfg, err := w.configs.Resolve(tctx, item.TenantID, item.Provider)
	if err != nil {
		return svcerr.Transient(fmt.Errorf("resolve connector config: %w", err))
	}
	conn, err := w.connectors(cfg)
	if err != nil {
		return svcerr.Permanent(fmt.Errorf("build connector: %w", err))
	}

	externalID := fmt.Sprintf("%s:%s:%s", item.Provider, item.TenantID, item.URI)

	if item.Operation == connector.OpDeleted {
		return w.tombstone(tctx, externalID)
	}

	fetched, err := conn.FetchText(tctx, item.URI)
	if err != nil {
		return err // connector implementations wrap transient/permanent themselves
	}

	if !w.throttle.Allow(item.TenantID, len(fetched.Text)) {
		return svcerr.Transient(fmt.Errorf("tenant %s over ingestion throttle", item.TenantID))
	}

	hash := contentHash(fetched.Text)

	existing, err := w.store.FindNodeByExternalID(tctx, externalID)
	if err != nil {
		return svcerr.Storage("lookup existing parent", err)
	}
	if existing != nil {
		if h, _ := existing.Props["content_hash"].(string); h == hash {
			w.recordSkipped(item.Provider)
			return nil
		}
	}

	parentID, err := w.upsertParent(tctx, externalID, item, fetched, hash)
	if err != nil {
		return err
	}

	chunks := Chunk(fetched.Text, w.chunkCfg)
	if len(chunks) == 0 {
		return nil
	}
	vectors, err := w.embedder.EmbedBatch(tctx, chunks)
	if err != nil {
		return svcerr.Transient(fmt.Errorf("embed chunks: %w", err))
	}
	for i, chunkText := range chunks {
		if err := w.upsertChunk(tctx, parentID, i, chunkText, vectors[i]); err != nil {
			return err
		}
	}

	w.recordIngested(item.Provider)
	return nil
}

func (w *Worker) upsertParent(ctx context.Context, externalID string, item QueueItem, fetched connector.FetchResult, hash string) (string, error) {
	n := domain.Node{
		Classes: []string{"Document"},
		Props: map[string]interface{}{
			"text":         fetched.Text,
			"title":        fetched.Title,
			"is_parent":    true,
			"external_id":  externalID,
			"content_hash": hash,
			"provider":     item.Provider,
		},
		Metadata: fetched.Metadata,
	}
	id, err := w.store.CreateNode(ctx, n)
	if err != nil {
		return "", svcerr.Storage("create parent node", err)
	}
	return id, nil
}

func (w *Worker) upsertChunk(ctx context.Context, parentID string, index int, text string, embeddingVec []float32) error {
	n := domain.Node{
		Classes:   []string{"Chunk", "Document"},
		Props:     map[string]interface{}{"text": text, "parent_id": parentID, "chunk_index": index},
		Embedding: embeddingVec,
	}
	chunkID, err := w.store.CreateNode(ctx, n)
	if err != nil {
		return svcerr.Storage("create chunk node", err)
	}
	if err := w.store.CreateEdge(ctx, domain.Edge{Src: chunkID, Rel: domain.RelDerivedFrom, Dst: parentID}); err != nil {
		return svcerr.Storage("create lineage edge", err)
	}
	return nil
}

func (w *Worker) tombstone(ctx context.Context, externalID string) error {
	n, err := w.store.FindNodeByExternalID(ctx, externalID)
	if err != nil {
		return svcerr.Storage("find node to tombstone", err)
	}
	if n == nil {
		return nil
	}
	graceUntil := time.Now().UTC().Add(168 * time.Hour)
	classes := append([]string{}, n.Classes...)
	classes = append(classes, domain.ClassDeleted)
	props := n.Props
	if props == nil {
		props = map[string]interface{}{}
	}
	props["deletion_grace_until"] = graceUntil.Format(time.RFC3339)
	_, err = w.store.UpdateNode(ctx, n.ID, n.Version, storage.Patch{Classes: &classes, Props: props})
	if err != nil {
		return svcerr.Storage("tombstone node", err)
	}
	return nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (w *Worker) recordIngested(provider string) {
	if w.metric == nil {
		return
	}
	w.metric.IncCounter("ingestion_docs_total", map[string]string{"provider": provider, "result": "ingested"})
}

func (w *Worker) recordSkipped(provider string) {
	if w.metric == nil {
		return
	}
	w.metric.IncCounter("ingestion_docs_total", map[string]string{"provider": provider, "result": "skipped_unchanged"})
}

func (w *Worker) recordDLQ(provider string) {
	if w.metric == nil {
		return
	}
	w.metric.IncCounter("ingestion_dlq_total", map[string]string{"provider": provider})
}

func (w *Worker) warn(err error, tenantID, provider, action string) {
	if w.log == nil {
		return
	}
	w.log.WithError(err).WithField("tenant_id", tenantID).WithField("provider", provider).Warn("ingestion: " + action)
}
