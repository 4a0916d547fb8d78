// Package metrics provides Prometheus metrics collection for activekg,
// generalized from the teacher's infrastructure/metrics package: the same
// CounterVec/HistogramVec/GaugeVec shape, extended with generic
// name+label dispatch so every component (storage, retrieval, scheduler,
// trigger engine, ingestion, connector config) can record without adding
// a bespoke field per metric.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus collector activekg exposes at /metrics
// and /prometheus.
type Registry struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	StorageQueriesTotal   *prometheus.CounterVec
	StorageQueryDuration  *prometheus.HistogramVec
	IndexBuildDuration    *prometheus.HistogramVec
	DBConnectionsOpen     prometheus.Gauge

	SearchTotal      *prometheus.CounterVec
	SearchDuration   *prometheus.HistogramVec
	AskTotal         *prometheus.CounterVec
	AskGatedTotal    *prometheus.CounterVec

	RefreshCyclesTotal *prometheus.CounterVec
	RefreshDrift       prometheus.Histogram

	TriggerEvalTotal  *prometheus.CounterVec
	TriggerFiredTotal *prometheus.CounterVec

	IngestionDocsTotal    *prometheus.CounterVec
	IngestionQueueDepth   *prometheus.GaugeVec
	IngestionDLQTotal     *prometheus.CounterVec
	WebhookVerifyTotal    *prometheus.CounterVec

	ConnectorConfigCacheHits *prometheus.CounterVec
	KeyRotationTotal         *prometheus.CounterVec

	AccessViolationsTotal  *prometheus.CounterVec
	RateLimitRejectedTotal *prometheus.CounterVec

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	mu         sync.RWMutex
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
}

// New creates a Registry and registers every collector against registerer.
// Pass prometheus.NewRegistry() for test isolation, or prometheus.DefaultRegisterer
// for the process-wide /metrics and /prometheus handlers.
func New(serviceName, version, environment string, registerer prometheus.Registerer) *Registry {
	r := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_http_requests_total", Help: "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "activekg_http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "activekg_http_requests_in_flight", Help: "In-flight HTTP requests.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_errors_total", Help: "Errors by code and operation.",
		}, []string{"code", "operation"}),
		StorageQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_storage_queries_total", Help: "Storage operations by name and result.",
		}, []string{"operation", "result"}),
		StorageQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "activekg_storage_query_duration_seconds", Help: "Storage operation latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		IndexBuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "activekg_index_build_seconds", Help: "Vector index (re)build duration.",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		}, []string{"index_type", "distance_metric", "result"}),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "activekg_db_connections_open", Help: "Open database connections.",
		}),
		SearchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_search_total", Help: "Search calls by mode.",
		}, []string{"mode", "fusion"}),
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "activekg_search_duration_seconds", Help: "Search call latency.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"mode"}),
		AskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_ask_total", Help: "Ask calls by score type and rerank status.",
		}, []string{"score_type", "reranked"}),
		AskGatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_ask_gated_total", Help: "Ask calls rejected by the confidence gate.",
		}, []string{"score_type", "reranked"}),
		RefreshCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_refresh_cycles_total", Help: "Scheduler refresh cycles by result.",
		}, []string{"result"}),
		RefreshDrift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "activekg_refresh_drift_score", Help: "Drift score observed on refresh.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 10),
		}),
		TriggerEvalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_trigger_eval_total", Help: "Trigger evaluations by pattern and run mode.",
		}, []string{"pattern", "mode"}),
		TriggerFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_trigger_fired_total", Help: "Trigger fires by pattern name and run mode.",
		}, []string{"pattern", "mode"}),
		IngestionDocsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_ingestion_docs_total", Help: "Ingested documents by provider and result.",
		}, []string{"provider", "result"}),
		IngestionQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "activekg_ingestion_queue_depth", Help: "Per-tenant ingestion queue depth.",
		}, []string{"tenant"}),
		IngestionDLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_ingestion_dlq_total", Help: "Documents moved to the dead letter queue, by provider.",
		}, []string{"provider"}),
		WebhookVerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_webhook_verify_total", Help: "Webhook verification outcomes.",
		}, []string{"provider", "result"}),
		ConnectorConfigCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_connector_config_cache_total", Help: "Connector config cache lookups.",
		}, []string{"result"}),
		KeyRotationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_connector_key_rotation_total", Help: "Connector secret key rotations.",
		}, []string{"result"}),
		AccessViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_access_violations_total", Help: "Requests rejected for crossing a tenant or scope boundary.",
		}, []string{"type"}),
		RateLimitRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activekg_rate_limit_rejected_total", Help: "Requests rejected by the rate limiter, by endpoint.",
		}, []string{"endpoint"}),
		ServiceUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "activekg_service_uptime_seconds", Help: "Process uptime.",
		}),
		ServiceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "activekg_service_info", Help: "Static service build info.",
		}, []string{"service", "version", "environment"}),
		histograms: map[string]*prometheus.HistogramVec{},
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
	}

	if registerer != nil {
		registerer.MustRegister(
			r.RequestsTotal, r.RequestDuration, r.RequestsInFlight, r.ErrorsTotal,
			r.StorageQueriesTotal, r.StorageQueryDuration, r.IndexBuildDuration, r.DBConnectionsOpen,
			r.SearchTotal, r.SearchDuration, r.AskTotal, r.AskGatedTotal,
			r.RefreshCyclesTotal, r.RefreshDrift,
			r.TriggerEvalTotal, r.TriggerFiredTotal,
			r.IngestionDocsTotal, r.IngestionQueueDepth, r.IngestionDLQTotal, r.WebhookVerifyTotal,
			r.ConnectorConfigCacheHits, r.KeyRotationTotal,
			r.AccessViolationsTotal, r.RateLimitRejectedTotal,
			r.ServiceUptime, r.ServiceInfo,
		)
	}
	r.ServiceInfo.WithLabelValues(serviceName, version, environment).Set(1)

	r.histograms["index_build_seconds"] = r.IndexBuildDuration
	r.histograms["storage_query_duration_seconds"] = r.StorageQueryDuration
	r.histograms["search_duration_seconds"] = r.SearchDuration
	r.counters["storage_queries_total"] = r.StorageQueriesTotal
	r.counters["search_total"] = r.SearchTotal
	r.counters["errors_total"] = r.ErrorsTotal

	r.counters["refresh_cycles_total"] = r.RefreshCyclesTotal
	r.counters["trigger_eval_total"] = r.TriggerEvalTotal
	r.counters["trigger_fired_total"] = r.TriggerFiredTotal
	r.counters["ingestion_docs_total"] = r.IngestionDocsTotal
	r.counters["ingestion_dlq_total"] = r.IngestionDLQTotal
	r.counters["webhook_verify_total"] = r.WebhookVerifyTotal
	r.counters["ask_total"] = r.AskTotal
	r.counters["ask_gated_total"] = r.AskGatedTotal
	r.counters["connector_config_cache_total"] = r.ConnectorConfigCacheHits
	r.counters["connector_key_rotation_total"] = r.KeyRotationTotal
	r.counters["access_violations_total"] = r.AccessViolationsTotal
	r.counters["rate_limit_rejected_total"] = r.RateLimitRejectedTotal

	r.gauges["ingestion_queue_depth"] = r.IngestionQueueDepth

	ft := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "activekg_ask_first_chunk_seconds", Help: "Time to first streamed Ask fragment.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"score_type", "reranked"})
	tt := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "activekg_ask_total_seconds", Help: "Total Ask call latency, including answer generation.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"score_type", "reranked"})
	rn := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "activekg_refresh_node_duration_seconds", Help: "Per-node refresh latency (fetch+embed+write).",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"result"})
	if registerer != nil {
		registerer.MustRegister(ft, tt, rn)
	}
	r.histograms["ask_first_chunk_seconds"] = ft
	r.histograms["ask_total_seconds"] = tt
	r.histograms["refresh_node_duration_seconds"] = rn

	return r
}

// ObserveHistogram records a duration-like value against a pre-registered
// histogram by name, keyed by the label values in the order the vec's label
// names were declared. Unknown names are dropped rather than panicking, so a
// caller in a hot path never crashes the process over a metrics typo.
func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h.With(toPromLabels(h, labels)).Observe(value)
}

// IncCounter increments a pre-registered counter by name.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.With(toPromLabels(c, labels)).Inc()
}

// SetGauge sets a pre-registered gauge by name.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	g.With(toPromLabels(g, labels)).Set(value)
}

// toPromLabels is a best-effort conversion; prometheus.Labels is just
// map[string]string, but we still go through the helper to keep all
// generic-dispatch call sites consistent if a remapping is ever needed.
func toPromLabels(_ interface{}, labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		out[strings.ToLower(k)] = v
	}
	return out
}

func (r *Registry) RecordHTTPRequest(method, path, status string, d time.Duration) {
	r.RequestsTotal.WithLabelValues(method, path, status).Inc()
	r.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (r *Registry) RecordError(code, operation string) {
	r.ErrorsTotal.WithLabelValues(code, operation).Inc()
}

func (r *Registry) RecordStorageQuery(operation, result string, d time.Duration) {
	r.StorageQueriesTotal.WithLabelValues(operation, result).Inc()
	r.StorageQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (r *Registry) UpdateUptime(start time.Time) {
	r.ServiceUptime.Set(time.Since(start).Seconds())
}

func (r *Registry) SetDBConnections(n int) {
	r.DBConnectionsOpen.Set(float64(n))
}
