package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleHealthz reports liveness plus the conversion engine's version. An
// unreachable engine degrades the report but does not fail it; the API can
// still accept uploads.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		version, err := s.engine.Version(ctx)
		if err != nil {
			out["status"] = "degraded"
			out["engine_error"] = err.Error()
		} else {
			out["engine_version"] = version
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// handleReadyz answers 503 until the database and the task queue respond.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "database"})
		return
	}
	if err := s.broker.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "broker"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// jobsCollector exports job counts by status as gauges, read from the
// database at scrape time.
type jobsCollector struct {
	server *Server
	desc   *prometheus.Desc
}

func newJobsCollector(s *Server) *jobsCollector {
	return &jobsCollector{
		server: s,
		desc: prometheus.NewDesc(
			"docling_jobs_total",
			"Number of ingestion jobs by status.",
			[]string{"status"}, nil,
		),
	}
}

func (c *jobsCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *jobsCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.server.store.CountJobsByStatus(context.Background())
	if err != nil {
		c.server.log.Error("metrics scrape failed", "error", err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newJobsCollector(s))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
