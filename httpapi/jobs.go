package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docrefinery/docrefinery/idgen"
	"github.com/docrefinery/docrefinery/store"
)

var jobStatuses = map[string]bool{
	store.JobQueued: true, store.JobRunning: true, store.JobSucceeded: true,
	store.JobFailed: true, store.JobCanceled: true, store.JobQuarantined: true,
}

var jobStages = map[string]bool{
	store.StageScanning: true, store.StageConverting: true, store.StageExporting: true,
	store.StageChunking: true, store.StageFinalizing: true,
}

// parseJobFilter builds the list filter from query parameters. A
// syntactically invalid value does not error; it yields an empty result.
func parseJobFilter(r *http.Request) store.JobFilter {
	q := r.URL.Query()
	var f store.JobFilter

	if v := q.Get("status"); v != "" {
		if !jobStatuses[v] {
			f.None = true
		}
		f.Status = v
	}
	if v := q.Get("stage"); v != "" {
		if !jobStages[v] {
			f.None = true
		}
		f.Stage = v
	}
	for _, p := range []struct {
		name string
		dst  *string
	}{
		{"document_id", &f.DocumentUUID},
		{"external_uuid", &f.ExternalUUID},
		{"comparison_id", &f.ComparisonID},
	} {
		if v := q.Get(p.name); v != "" {
			parsed, err := idgen.Parse(v)
			if err != nil {
				f.None = true
				continue
			}
			*p.dst = parsed
		}
	}
	for _, p := range []struct {
		name string
		dst  *string
	}{
		{"created_after", &f.CreatedAfter},
		{"created_before", &f.CreatedBefore},
		{"updated_after", &f.UpdatedAfter},
	} {
		if v := q.Get(p.name); v != "" {
			t, ok := parseFilterTime(v)
			if !ok {
				f.None = true
				continue
			}
			*p.dst = store.FormatTime(t)
		}
	}
	return f
}

// filterTimeLayouts accepts dates with a T or space separator, optional
// fractional seconds and an optional trailing Z.
var filterTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseFilterTime(s string) (time.Time, bool) {
	for _, layout := range filterTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	jobs, err := s.store.ListJobs(r.Context(), tenantID(r), parseJobFilter(r), limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": viewJobs(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if job == nil {
		notFound(w)
		return
	}
	events, err := s.store.ListJobEvents(ctx, job.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	artifacts, err := s.store.ListArtifactsByJob(ctx, job.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"job":       viewJob(job),
		"events":    viewJobEvents(events),
		"artifacts": viewArtifacts(artifacts),
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if job == nil {
		notFound(w)
		return
	}
	if job.Status != store.JobQueued && job.Status != store.JobRunning {
		respondError(w, http.StatusBadRequest, CodeNotCancelable,
			"only QUEUED or RUNNING jobs can be canceled")
		return
	}

	prevStatus, prevStage := job.Status, job.Stage
	job.Status = store.JobCanceled
	job.FinishedAt = store.FormatTime(s.store.Now())
	if job.StartedAt != "" {
		if start, err := store.ParseTime(job.StartedAt); err == nil {
			job.DurationMS = s.store.Now().Sub(start).Milliseconds()
		}
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.internalError(w, r, err)
		return
	}
	if job.TaskID != "" {
		if err := s.broker.Terminate(ctx, job.TaskID); err != nil {
			s.log.Warn("task terminate failed", "job_id", job.ID, "task_id", job.TaskID, "error", err)
		}
	}
	if err := s.store.AppendJobEvent(ctx, job.ID, "info", "job canceled", ""); err != nil {
		s.log.Warn("event append failed", "job_id", job.ID, "error", err)
	}
	if s.notify != nil {
		s.notify.JobStateChanged(ctx, job, prevStatus, prevStage)
	}
	respondJSON(w, http.StatusOK, viewJob(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if job == nil {
		notFound(w)
		return
	}
	if job.Status != store.JobFailed && job.Status != store.JobQuarantined {
		respondError(w, http.StatusBadRequest, CodeNotRetryable,
			"only FAILED or QUARANTINED jobs can be retried")
		return
	}
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = int64(s.cfg.Worker.MaxRetries)
	}
	if job.Attempt >= maxRetries {
		respondError(w, http.StatusBadRequest, CodeRetryLimit,
			"the job has exhausted its retry budget")
		return
	}

	// Stale outputs from the failed attempt are removed before requeueing.
	artifacts, err := s.store.ListArtifactsByJob(ctx, job.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	for _, a := range artifacts {
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil {
			s.internalError(w, r, err)
			return
		}
		if err := s.blobs.Remove(a.Relpath); err != nil {
			s.log.Warn("artifact unlink failed", "relpath", a.Relpath, "error", err)
		}
	}

	prevStatus, prevStage := job.Status, job.Stage
	job.Status = store.JobQueued
	job.Stage = store.StageScanning
	job.Attempt++
	job.QueuedAt = store.FormatTime(s.store.Now())
	job.StartedAt = ""
	job.FinishedAt = ""
	job.DurationMS = 0
	job.ScanMS = 0
	job.ConvertMS = 0
	job.ExportMS = 0
	job.ChunkMS = 0
	job.EngineVersion = ""
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.ErrorDetails = "{}"
	job.WorkerHostname = ""

	taskID, err := s.broker.Publish(ctx, job.ID, store.StageScanning)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	job.TaskID = taskID
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.store.AppendJobEvent(ctx, job.ID, "info", "job retried", ""); err != nil {
		s.log.Warn("event append failed", "job_id", job.ID, "error", err)
	}
	if s.notify != nil {
		s.notify.JobStateChanged(ctx, job, prevStatus, prevStage)
	}
	respondJSON(w, http.StatusOK, viewJob(job))
}
