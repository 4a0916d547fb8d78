package connectorconfig

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/activekg/activekg/internal/platform/kv"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
)

// reconnectBackoff bounds how fast Subscriber retries after a dropped
// Redis pub/sub connection.
const reconnectBackoff = 2 * time.Second

// Subscriber listens on ChangedChannel and evicts the matching Store cache
// entry on every valid message, so a config edited on one process takes
// effect on every other process well inside the TTL window.
type Subscriber struct {
	kv     *kv.Client
	store  *Store
	log    *logging.Logger
	metric *metrics.Registry

	mu            sync.RWMutex
	healthy       bool
	lastMessageTS time.Time
	reconnects    int
}

func NewSubscriber(kvc *kv.Client, store *Store, log *logging.Logger, m *metrics.Registry) *Subscriber {
	return &Subscriber{kv: kvc, store: store, log: log, metric: m}
}

// Healthy reports whether the subscriber's pub/sub connection is currently
// established. The /health handler does not consult it.
func (s *Subscriber) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Status reports the fields the /_admin/connectors/cache/health endpoint
// surfaces: whether the pub/sub connection is live, the timestamp of the
// last message it processed (zero if none yet), and how many times it has
// had to reconnect since process start.
func (s *Subscriber) Status() (connected bool, lastMessageTS time.Time, reconnects int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy, s.lastMessageTS, s.reconnects
}

// Run subscribes and processes messages until ctx is canceled, reconnecting
// on any receive error after reconnectBackoff.
func (s *Subscriber) Run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
		}
		first = false
		s.runOnce(ctx)
		s.mu.Lock()
		s.healthy = false
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context) {
	pubsub := s.kv.Subscribe(ctx, ChangedChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		s.warn(err, "subscribe failed")
		return
	}
	s.mu.Lock()
	s.healthy = true
	s.mu.Unlock()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			s.lastMessageTS = time.Now()
			s.mu.Unlock()
			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload string) {
	var change ChangeMessage
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		s.invalid("malformed_json")
		return
	}
	if change.TenantID == "" || change.Provider == "" {
		s.invalid("missing_field")
		return
	}
	switch change.Operation {
	case "upsert", "delete":
	default:
		s.invalid("unknown_operation")
		return
	}

	s.store.evict(change.TenantID, change.Provider)
	if s.metric != nil {
		s.metric.ConnectorConfigCacheHits.WithLabelValues("evicted").Inc()
	}
}

func (s *Subscriber) invalid(reason string) {
	if s.metric != nil {
		s.metric.RecordError("invalid_msg", "connectorconfig_subscriber:"+reason)
	}
	if s.log != nil {
		s.log.WithField("reason", reason).Warn("connectorconfig: dropped invalid change message")
	}
}

func (s *Subscriber) warn(err error, action string) {
	if s.log != nil {
		s.log.WithError(err).Warn("connectorconfig: " + action)
	}
}
