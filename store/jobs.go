package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateJob inserts j, filling ID, UUID, queued_at and timestamps.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.UUID == "" {
		j.UUID = s.newID()
	}
	now := FormatTime(s.Now())
	j.CreatedAt, j.ModifiedAt = now, now
	if j.QueuedAt == "" {
		j.QueuedAt = now
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.Stage == "" {
		j.Stage = StageScanning
	}
	if j.Options == "" {
		j.Options = "{}"
	}
	if j.ErrorDetails == "" {
		j.ErrorDetails = "{}"
	}
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (uuid, tenant_id, created_by_key_id, document_id, external_uuid,
			profile, comparison_id, source_relpath, status, stage, options, engine_version,
			queued_at, started_at, finished_at, duration_ms, scan_ms, convert_ms, export_ms,
			chunk_ms, attempt, max_retries, error_code, error_message, error_details,
			worker_hostname, task_id, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.UUID, j.TenantID, nullID(j.CreatedByKeyID), j.DocumentID, j.ExternalUUID,
		j.Profile, j.ComparisonID, j.SourceRelpath, j.Status, j.Stage, j.Options, j.EngineVersion,
		j.QueuedAt, j.StartedAt, j.FinishedAt, j.DurationMS, j.ScanMS, j.ConvertMS, j.ExportMS,
		j.ChunkMS, j.Attempt, j.MaxRetries, j.ErrorCode, j.ErrorMessage, j.ErrorDetails,
		j.WorkerHostname, j.TaskID, j.CreatedAt, j.ModifiedAt)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	j.ID, _ = res.LastInsertId()
	return nil
}

const jobCols = `id, uuid, tenant_id, COALESCE(created_by_key_id, 0), document_id, external_uuid,
	profile, comparison_id, source_relpath, status, stage, options, engine_version,
	queued_at, started_at, finished_at, duration_ms, scan_ms, convert_ms, export_ms,
	chunk_ms, attempt, max_retries, error_code, error_message, error_details,
	worker_hostname, task_id, created_at, modified_at`

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.UUID, &j.TenantID, &j.CreatedByKeyID, &j.DocumentID, &j.ExternalUUID,
		&j.Profile, &j.ComparisonID, &j.SourceRelpath, &j.Status, &j.Stage, &j.Options, &j.EngineVersion,
		&j.QueuedAt, &j.StartedAt, &j.FinishedAt, &j.DurationMS, &j.ScanMS, &j.ConvertMS, &j.ExportMS,
		&j.ChunkMS, &j.Attempt, &j.MaxRetries, &j.ErrorCode, &j.ErrorMessage, &j.ErrorDetails,
		&j.WorkerHostname, &j.TaskID, &j.CreatedAt, &j.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	return &j, nil
}

// GetJob fetches a tenant's job by public uuid.
// Returns (nil, nil) if absent or owned by another tenant.
func (s *Store) GetJob(ctx context.Context, tenantID int64, uuid string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id = ? AND uuid = ?`, tenantID, uuid)
	return scanJob(row)
}

// GetJobByID fetches a job by numeric id, tenant-unscoped. Pipeline only.
func (s *Store) GetJobByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdateJob writes every mutable field of j and refreshes modified_at.
// The row is matched by numeric id.
func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	j.ModifiedAt = FormatTime(s.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, stage = ?, engine_version = ?,
			queued_at = ?, started_at = ?, finished_at = ?, duration_ms = ?,
			scan_ms = ?, convert_ms = ?, export_ms = ?, chunk_ms = ?,
			attempt = ?, error_code = ?, error_message = ?, error_details = ?,
			worker_hostname = ?, task_id = ?, modified_at = ?
		WHERE id = ?`,
		j.Status, j.Stage, j.EngineVersion,
		j.QueuedAt, j.StartedAt, j.FinishedAt, j.DurationMS,
		j.ScanMS, j.ConvertMS, j.ExportMS, j.ChunkMS,
		j.Attempt, j.ErrorCode, j.ErrorMessage, j.ErrorDetails,
		j.WorkerHostname, j.TaskID, j.ModifiedAt,
		j.ID)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	return nil
}

// FinishJob marks a RUNNING job SUCCEEDED. Returns false without writing
// when the job left RUNNING first, so a concurrent cancel keeps its outcome.
func (s *Store) FinishJob(ctx context.Context, j *Job) (bool, error) {
	j.ModifiedAt = FormatTime(s.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, duration_ms = ?, modified_at = ?
		WHERE id = ? AND status = ?`,
		JobSucceeded, j.FinishedAt, j.DurationMS, j.ModifiedAt, j.ID, JobRunning)
	if err != nil {
		return false, fmt.Errorf("store: finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: finish job: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	j.Status = JobSucceeded
	return true, nil
}

// JobFilter narrows ListJobs. Zero values mean "no constraint". Time bounds
// are storage-layout strings (see FormatTime). None means the filter was
// syntactically invalid and the list must be empty.
type JobFilter struct {
	Status        string
	Stage         string
	DocumentUUID  string
	ExternalUUID  string
	ComparisonID  string
	CreatedAfter  string
	CreatedBefore string
	UpdatedAfter  string
	None          bool
}

// ListJobs returns the tenant's jobs, newest first, narrowed by f.
func (s *Store) ListJobs(ctx context.Context, tenantID int64, f JobFilter, limit, offset int) ([]*Job, error) {
	if f.None {
		return nil, nil
	}
	q := `SELECT ` + jobCols + ` FROM jobs WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Stage != "" {
		q += ` AND stage = ?`
		args = append(args, f.Stage)
	}
	if f.DocumentUUID != "" {
		q += ` AND document_id IN (SELECT id FROM documents WHERE uuid = ?)`
		args = append(args, f.DocumentUUID)
	}
	if f.ExternalUUID != "" {
		q += ` AND external_uuid = ?`
		args = append(args, f.ExternalUUID)
	}
	if f.ComparisonID != "" {
		q += ` AND comparison_id = ?`
		args = append(args, f.ComparisonID)
	}
	if f.CreatedAfter != "" {
		q += ` AND created_at >= ?`
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore != "" {
		q += ` AND created_at <= ?`
		args = append(args, f.CreatedBefore)
	}
	if f.UpdatedAfter != "" {
		q += ` AND modified_at >= ?`
		args = append(args, f.UpdatedAfter)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobsByStatus returns job counts grouped by status, all tenants.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count jobs by status: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: count jobs by status: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// AppendJobEvent adds one log line to the job's event stream.
func (s *Store) AppendJobEvent(ctx context.Context, jobID int64, level, message, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, level, message, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, level, message, payload, FormatTime(s.Now()))
	if err != nil {
		return fmt.Errorf("store: append job event: %w", err)
	}
	return nil
}

// ListJobEvents returns the job's events, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID int64) ([]*JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, level, message, payload, created_at
		 FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list job events: %w", err)
	}
	defer rows.Close()
	var out []*JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
