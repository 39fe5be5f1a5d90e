package store

import (
	"context"
	"fmt"
)

// TenantJobStatusCounts returns the tenant's job counts grouped by status.
func (s *Store) TenantJobStatusCounts(ctx context.Context, tenantID int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM jobs WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: tenant job status counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: tenant job status counts: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TenantRunningStageCounts returns counts of RUNNING jobs per stage.
func (s *Store) TenantRunningStageCounts(ctx context.Context, tenantID int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, COUNT(1) FROM jobs WHERE tenant_id = ? AND status = ? GROUP BY stage`,
		tenantID, JobRunning)
	if err != nil {
		return nil, fmt.Errorf("store: tenant running stage counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("store: tenant running stage counts: %w", err)
		}
		out[stage] = n
	}
	return out, rows.Err()
}

// TenantDurations returns duration_ms of the tenant's SUCCEEDED jobs that
// finished at or after since (storage-layout string), ascending.
func (s *Store) TenantDurations(ctx context.Context, tenantID int64, since string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT duration_ms FROM jobs
		 WHERE tenant_id = ? AND status = ? AND finished_at >= ?
		 ORDER BY duration_ms`, tenantID, JobSucceeded, since)
	if err != nil {
		return nil, fmt.Errorf("store: tenant durations: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("store: tenant durations: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TenantRecentFailures returns the tenant's most recent FAILED or
// QUARANTINED jobs, newest first.
func (s *Store) TenantRecentFailures(ctx context.Context, tenantID int64, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE tenant_id = ? AND status IN (?, ?)
		 ORDER BY modified_at DESC, id DESC LIMIT ?`,
		tenantID, JobFailed, JobQuarantined, limit)
	if err != nil {
		return nil, fmt.Errorf("store: tenant recent failures: %w", err)
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

// Usage aggregates tenant activity in a window.
type Usage struct {
	Documents     int64
	DocumentBytes int64
	Jobs          int64
	JobsSucceeded int64
	JobsFailed    int64
	Artifacts     int64
	ArtifactBytes int64
}

// TenantUsage aggregates activity between from and to (storage-layout
// strings, inclusive).
func (s *Store) TenantUsage(ctx context.Context, tenantID int64, from, to string) (*Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(size_bytes), 0) FROM documents
		 WHERE tenant_id = ? AND created_at >= ? AND created_at <= ?`,
		tenantID, from, to).Scan(&u.Documents, &u.DocumentBytes)
	if err != nil {
		return nil, fmt.Errorf("store: tenant usage documents: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
		 FROM jobs WHERE tenant_id = ? AND created_at >= ? AND created_at <= ?`,
		JobSucceeded, JobFailed, JobQuarantined,
		tenantID, from, to).Scan(&u.Jobs, &u.JobsSucceeded, &u.JobsFailed)
	if err != nil {
		return nil, fmt.Errorf("store: tenant usage jobs: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(size_bytes), 0) FROM artifacts
		 WHERE tenant_id = ? AND created_at >= ? AND created_at <= ?`,
		tenantID, from, to).Scan(&u.Artifacts, &u.ArtifactBytes)
	if err != nil {
		return nil, fmt.Errorf("store: tenant usage artifacts: %w", err)
	}
	return &u, nil
}
