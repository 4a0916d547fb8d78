package ingestion

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleConfig bounds per-tenant ingestion volume: docs/hour and
// bytes/hour, each expressed as a token-bucket rate. Grounded on the
// teacher's infrastructure/ratelimit.RateLimiter, which wraps
// golang.org/x/time/rate the same way, generalized here from a single
// process-wide limiter to one limiter pair per tenant.
type ThrottleConfig struct {
	MaxDocsPerHour  int
	MaxBytesPerHour int
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{MaxDocsPerHour: 1000, MaxBytesPerHour: 500 << 20}
}

type tenantLimiters struct {
	docs  *rate.Limiter
	bytes *rate.Limiter
}

// Throttle enforces DefaultThrottleConfig-style limits per tenant,
// lazily creating a limiter pair on first use.
type Throttle struct {
	mu       sync.Mutex
	cfg      ThrottleConfig
	tenants  map[string]*tenantLimiters
}

func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.MaxDocsPerHour <= 0 {
		cfg.MaxDocsPerHour = DefaultThrottleConfig().MaxDocsPerHour
	}
	if cfg.MaxBytesPerHour <= 0 {
		cfg.MaxBytesPerHour = DefaultThrottleConfig().MaxBytesPerHour
	}
	return &Throttle{cfg: cfg, tenants: make(map[string]*tenantLimiters)}
}

func (t *Throttle) limitersFor(tenantID string) *tenantLimiters {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.tenants[tenantID]
	if !ok {
		docsPerSec := float64(t.cfg.MaxDocsPerHour) / 3600.0
		bytesPerSec := float64(t.cfg.MaxBytesPerHour) / 3600.0
		l = &tenantLimiters{
			docs:  rate.NewLimiter(rate.Limit(docsPerSec), t.cfg.MaxDocsPerHour),
			bytes: rate.NewLimiter(rate.Limit(bytesPerSec), t.cfg.MaxBytesPerHour),
		}
		t.tenants[tenantID] = l
	}
	return l
}

// Allow reports whether tenantID may process one more document of the
// given byte size right now, without blocking. Call sites that get false
// should requeue or delay rather than drop the item.
func (t *Throttle) Allow(tenantID string, size int) bool {
	l := t.limitersFor(tenantID)
	return l.docs.Allow() && l.bytes.AllowN(time.Now(), size)
}
