package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/activekg/activekg/internal/config"
	"github.com/activekg/activekg/internal/platform/kv"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/reqctx"
)

// concurrencyTTL bounds how long an in-flight marker survives in the
// sorted set if its owning request's deferred cleanup never runs (crash,
// panic past the recover middleware).
const concurrencyTTL = 5 * time.Minute

// RateLimiter enforces spec.md §5/§6's per-endpoint fixed-window request
// rate and, for a subset of endpoints, a concurrent in-flight cap — both
// backed by Redis so limits hold across replicas. Grounded on the
// kv.Client primitives built for this purpose (IncrWithExpire, ZAdd family).
//
// Fail-open: if the backing Redis is unreachable, requests are permitted
// (logged and counted), per spec.md §5's explicit failure policy.
type RateLimiter struct {
	kv           *kv.Client
	cfg          config.RateLimitConfig
	trustProxy   bool
	realIPHeader string
	log          *logging.Logger
	metric       *metrics.Registry
}

func NewRateLimiter(kvc *kv.Client, cfg config.RateLimitConfig, sec config.SecurityConfig, log *logging.Logger, m *metrics.Registry) *RateLimiter {
	return &RateLimiter{
		kv:           kvc,
		cfg:          cfg,
		trustProxy:   sec.TrustProxy,
		realIPHeader: sec.RealIPHeader,
		log:          log,
		metric:       m,
	}
}

func (rl *RateLimiter) rule(endpoint string) config.RateLimitRule {
	if r, ok := rl.cfg.Rules[endpoint]; ok {
		return r
	}
	return rl.cfg.Rules["default"]
}

func (rl *RateLimiter) clientKey(r *http.Request) string {
	if rc, ok := reqctx.From(r.Context()); ok && rc.TenantID != "" {
		return "tenant:" + rc.TenantID
	}
	return "ip:" + rl.clientIP(r)
}

func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.trustProxy && rl.realIPHeader != "" {
		if v := r.Header.Get(rl.realIPHeader); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Limit wraps a handler with the fixed-window limiter for the named
// endpoint. It always sets X-RateLimit-* headers when limiting is enabled.
func (rl *RateLimiter) Limit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			rule := rl.rule(endpoint)
			if rule.Rate <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%s:%d", endpoint, rl.clientKey(r), time.Now().Unix())
			n, err := rl.kv.IncrWithExpire(r.Context(), key, time.Second)
			if err != nil {
				if rl.log != nil {
					rl.log.LogSecurityEvent(r.Context(), "rate_limiter_unavailable", map[string]interface{}{"endpoint": endpoint, "error": err.Error()})
				}
				if rl.metric != nil {
					rl.metric.RecordError("dependency", "ratelimit:"+endpoint)
				}
				next.ServeHTTP(w, r)
				return
			}

			limit := rule.Rate + rule.Burst
			remaining := limit - int(n)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", "1")

			if int(n) > limit {
				if rl.metric != nil {
					rl.metric.RateLimitRejectedTotal.WithLabelValues(endpoint).Inc()
				}
				w.Header().Set("Retry-After", "1")
				writeError(w, svcerr.RateLimitExceeded(limit, "1s"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ConcurrencyCap bounds how many requests for endpoint may be in flight at
// once, via a Redis sorted set of request IDs scored by start time. Used
// for /ask and /ask/stream, whose handlers hold a connection open for the
// duration of answer generation.
func (rl *RateLimiter) ConcurrencyCap(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule := rl.rule(endpoint)
			if rule.Concurrency <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := "concurrency:" + endpoint
			now := float64(time.Now().Unix())
			_ = rl.kv.ZRemRangeByScore(ctx, key, now-concurrencyTTL.Seconds())

			count, err := rl.kv.ZCard(ctx, key)
			if err != nil {
				if rl.log != nil {
					rl.log.LogSecurityEvent(ctx, "concurrency_cap_unavailable", map[string]interface{}{"endpoint": endpoint, "error": err.Error()})
				}
				next.ServeHTTP(w, r)
				return
			}
			if int(count) >= rule.Concurrency {
				if rl.metric != nil {
					rl.metric.RateLimitRejectedTotal.WithLabelValues(endpoint).Inc()
				}
				w.Header().Set("Retry-After", "1")
				writeError(w, svcerr.RateLimitExceeded(rule.Concurrency, "concurrent"))
				return
			}

			member := uuid.NewString()
			if err := rl.kv.ZAdd(ctx, key, member, now); err != nil {
				next.ServeHTTP(w, r)
				return
			}
			defer func() {
				_ = rl.kv.ZRem(context.Background(), key, member)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
