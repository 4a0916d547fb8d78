package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/activekg/activekg/internal/config"
	"github.com/activekg/activekg/internal/connectorconfig"
	"github.com/activekg/activekg/internal/ingestion"
	"github.com/activekg/activekg/internal/ingestion/connector"
	"github.com/activekg/activekg/internal/platform/database"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/retrieval"
	"github.com/activekg/activekg/internal/scheduler"
	"github.com/activekg/activekg/internal/storage"
	"github.com/activekg/activekg/internal/trigger"
)

// Server holds every C8 handler's dependencies: the engines built in C1-C7
// plus the auth/rate-limit middleware built for this package. Grounded on
// the toolbridge-api Server{db, configs, services}+Routes(jwt) shape.
type Server struct {
	Store       storage.Store
	DB          *database.TenantDB
	Retrieval   *retrieval.Engine
	Scheduler   *scheduler.Scheduler
	Trigger     *trigger.Engine
	Connectors  *connectorconfig.Store
	Rotator     *connectorconfig.Rotator
	Subscriber  *connectorconfig.Subscriber
	Worker      *ingestion.Worker
	Purger      *ingestion.Purger
	Ingress     *ingestion.Ingress
	Migrate     func(dsn string) (int, error)
	DatabaseDSN string

	// ConnectorFactory builds a live connector.Connector for a resolved
	// connector.Config; used only by the on-demand backfill endpoint (the
	// worker's own queue-driven path takes the same factory independently).
	ConnectorFactory func(cfg connector.Config) (connector.Connector, error)

	Auth      *Authenticator
	RateLimit *RateLimiter
	Metric    *metrics.Registry
	Log       *logging.Logger
	StartTime time.Time
	CORS      config.CORSConfig
}

// Routes builds the full chi router for the request surface described in
// spec.md §6.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	if s.CORS.Enabled && len(s.CORS.Origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.CORS.Origins,
			AllowedMethods:   []string{"*"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: s.CORS.Credentials,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetricsJSON)
	r.Handle("/prometheus", promhttp.Handler())

	r.Post("/_webhooks/s3", s.handleWebhookS3)
	r.Post("/_webhooks/gcs", s.handleWebhookGCS)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)

		r.With(s.RateLimit.Limit("nodes"), RequireScope("nodes:write")).Post("/nodes", s.handleCreateNode)
		r.With(s.RateLimit.Limit("nodes"), RequireScope("search:read")).Get("/nodes/{id}", s.handleGetNode)
		r.With(s.RateLimit.Limit("nodes"), RequireScope("nodes:write")).Put("/nodes/{id}", s.handleUpdateNode)
		r.With(s.RateLimit.Limit("nodes"), RequireScope("nodes:write")).Delete("/nodes/{id}", s.handleDeleteNode)
		r.With(s.RateLimit.Limit("nodes"), RequireScope("search:read")).Get("/nodes", s.handleListNodes)
		r.With(s.RateLimit.Limit("nodes"), RequireScope("search:read")).Get("/nodes/{id}/versions", s.handleListVersions)

		r.With(s.RateLimit.Limit("nodes"), RequireScope("nodes:write")).Post("/edges", s.handleCreateEdge)

		r.With(s.RateLimit.Limit("search"), RequireScope("search:read")).Post("/search", s.handleSearch)
		r.With(s.RateLimit.Limit("ask"), s.RateLimit.ConcurrencyCap("ask"), RequireScope("search:read")).Post("/ask", s.handleAsk)
		r.With(s.RateLimit.Limit("ask_stream"), s.RateLimit.ConcurrencyCap("ask_stream"), RequireScope("search:read")).Post("/ask/stream", s.handleAskStream)

		r.With(s.RateLimit.Limit("default"), RequireScope("search:read")).Get("/events", s.handleListEvents)
		r.With(s.RateLimit.Limit("default"), RequireScope("search:read")).Get("/lineage/{id}", s.handleLineage)

		r.With(s.RateLimit.Limit("default"), RequireScope("nodes:write")).Get("/triggers", s.handleListTriggers)
		r.With(s.RateLimit.Limit("default"), RequireScope("nodes:write")).Post("/triggers", s.handleUpsertTrigger)
		r.With(s.RateLimit.Limit("default"), RequireScope("nodes:write")).Get("/triggers/{name}", s.handleGetTrigger)
		r.With(s.RateLimit.Limit("default"), RequireScope("nodes:write")).Delete("/triggers/{name}", s.handleDeleteTrigger)

		r.With(RequireScope("admin:refresh")).Post("/admin/migrate", s.handleAdminMigrate)
		r.With(RequireScope("admin:refresh")).Post("/admin/refresh", s.handleAdminRefresh)
		r.With(RequireScope("admin:refresh")).Post("/admin/anomalies", s.handleAdminAnomalies)

		r.With(RequireScope("admin:refresh")).Post("/_admin/connectors/{provider}/register", s.handleConnectorRegister)
		r.With(RequireScope("admin:refresh")).Post("/_admin/connectors/{provider}/enable", s.handleConnectorToggle(true))
		r.With(RequireScope("admin:refresh")).Post("/_admin/connectors/{provider}/disable", s.handleConnectorToggle(false))
		r.With(RequireScope("admin:refresh")).Post("/_admin/connectors/{provider}/backfill", s.handleConnectorBackfill)
		r.With(RequireScope("admin:refresh")).Post("/_admin/connectors/rotate_keys", s.handleConnectorRotateKeys)
		r.With(RequireScope("admin:refresh")).Post("/_admin/connectors/purge_deleted", s.handleConnectorPurgeDeleted)
		r.With(RequireScope("admin:refresh")).Get("/_admin/connectors/cache/health", s.handleConnectorCacheHealth)
	})

	return r
}

// metricsMiddleware records request totals/latency and maintains the
// in-flight gauge, labeling by the matched route pattern (not the raw path,
// so /nodes/{id} doesn't fragment the metric cardinality per node id).
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metric == nil {
			next.ServeHTTP(w, r)
			return
		}
		s.Metric.RequestsInFlight.Inc()
		defer s.Metric.RequestsInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := routePattern(r)
		d := time.Since(start)
		s.Metric.RecordHTTPRequest(r.Method, pattern, statusClass(sw.status), d)
		if s.Log != nil {
			s.Log.LogRequest(r.Context(), r.Method, pattern, sw.status, d)
		}
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
