package httpapi

import (
	"net/http"
	"time"

	"github.com/docrefinery/docrefinery/store"
)

// handleDashboardSummary answers the tenant overview: job counts by status,
// running jobs by stage, duration percentiles over the last day and the most
// recent failures.
func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid := tenantID(r)

	statusCounts, err := s.store.TenantJobStatusCounts(ctx, tid)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	stageCounts, err := s.store.TenantRunningStageCounts(ctx, tid)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	since := store.FormatTime(s.store.Now().Add(-24 * time.Hour))
	durations, err := s.store.TenantDurations(ctx, tid, since)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	failures, err := s.store.TenantRecentFailures(ctx, tid, 10)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"jobs_by_status":    statusCounts,
		"running_by_stage":  stageCounts,
		"duration_ms_p50":   percentile(durations, 50),
		"duration_ms_p95":   percentile(durations, 95),
		"completed_last_24h": len(durations),
		"recent_failures":   viewJobs(failures),
	})
}

// percentile reads the p-th percentile from an ascending-sorted slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}

func (s *Server) handleDashboardUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := s.store.Now()

	from := now.Add(-30 * 24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, ok := parseFilterTime(v)
		if !ok {
			respondError(w, http.StatusBadRequest, CodeValidationFailed, "from must be an ISO timestamp")
			return
		}
		from = t
	}
	to := now
	if v := q.Get("to"); v != "" {
		t, ok := parseFilterTime(v)
		if !ok {
			respondError(w, http.StatusBadRequest, CodeValidationFailed, "to must be an ISO timestamp")
			return
		}
		to = t
	}

	usage, err := s.store.TenantUsage(r.Context(), tenantID(r), store.FormatTime(from), store.FormatTime(to))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"from":           store.FormatTime(from),
		"to":             store.FormatTime(to),
		"documents":      usage.Documents,
		"document_bytes": usage.DocumentBytes,
		"jobs":           usage.Jobs,
		"jobs_succeeded": usage.JobsSucceeded,
		"jobs_failed":    usage.JobsFailed,
		"artifacts":      usage.Artifacts,
		"artifact_bytes": usage.ArtifactBytes,
	})
}
