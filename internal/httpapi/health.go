package httpapi

import (
	"net/http"
	"os"
	"runtime"

	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/prometheus/client_golang/prometheus"
)

type healthResponse struct {
	Status    string       `json:"status"`
	Resources processStats `json:"resources"`
}

// processStats reports the process's own resource footprint alongside
// the ok/unhealthy verdict, so an operator watching /health can spot a
// goroutine or RSS leak without also scraping /prometheus.
type processStats struct {
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

func currentProcessStats() processStats {
	stats := processStats{Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpuPct, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpuPct
	}
	return stats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		if err := s.DB.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Resources: currentProcessStats()})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Resources: currentProcessStats()})
}

type metricsSnapshotResponse struct {
	Counters   map[string]float64 `json:"counters"`
	Gauges     map[string]float64 `json:"gauges"`
	Histograms map[string]int     `json:"histograms"`
}

// handleMetricsJSON serves a lightweight JSON snapshot for dashboards that
// don't speak Prometheus exposition format; /prometheus (promhttp.Handler,
// reading the same prometheus.DefaultGatherer) remains the canonical scrape
// target. Each family is summed across its label combinations — this
// endpoint is a coarse overview, not a replacement for the full exposition.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if s.Metric != nil {
		s.Metric.UpdateUptime(s.StartTime)
	}
	resp := metricsSnapshotResponse{
		Counters:   map[string]float64{},
		Gauges:     map[string]float64{},
		Histograms: map[string]int{},
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	for _, f := range families {
		name := f.GetName()
		switch f.GetType() {
		case dto.MetricType_COUNTER:
			for _, m := range f.GetMetric() {
				resp.Counters[name] += m.GetCounter().GetValue()
			}
		case dto.MetricType_GAUGE:
			for _, m := range f.GetMetric() {
				resp.Gauges[name] += m.GetGauge().GetValue()
			}
		case dto.MetricType_HISTOGRAM:
			for _, m := range f.GetMetric() {
				resp.Histograms[name] += int(m.GetHistogram().GetSampleCount())
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
