package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrDuplicateArtifact is returned when (tenant, job, kind) already exists.
var ErrDuplicateArtifact = errors.New("store: artifact of this kind already exists for job")

// CreateArtifact inserts a, filling ID, UUID and timestamps.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.UUID == "" {
		a.UUID = s.newID()
	}
	now := FormatTime(s.Now())
	a.CreatedAt, a.ModifiedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (uuid, tenant_id, created_by_key_id, job_id, kind,
			relpath, checksum_sha256, size_bytes, content_type, expires_at, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UUID, a.TenantID, nullID(a.CreatedByKeyID), a.JobID, a.Kind,
		a.Relpath, a.ChecksumSHA256, a.SizeBytes, a.ContentType, a.ExpiresAt, a.CreatedAt, a.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateArtifact
		}
		return fmt.Errorf("store: create artifact: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

const artifactCols = `id, uuid, tenant_id, COALESCE(created_by_key_id, 0), job_id, kind,
	relpath, checksum_sha256, size_bytes, content_type, expires_at, created_at, modified_at`

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.UUID, &a.TenantID, &a.CreatedByKeyID, &a.JobID, &a.Kind,
		&a.Relpath, &a.ChecksumSHA256, &a.SizeBytes, &a.ContentType, &a.ExpiresAt,
		&a.CreatedAt, &a.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan artifact: %w", err)
	}
	return &a, nil
}

// GetArtifact fetches a tenant's artifact by public uuid.
// Returns (nil, nil) if absent or owned by another tenant.
func (s *Store) GetArtifact(ctx context.Context, tenantID int64, uuid string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE tenant_id = ? AND uuid = ?`, tenantID, uuid)
	return scanArtifact(row)
}

// GetArtifactByJobKind fetches the job's artifact of the given kind.
func (s *Store) GetArtifactByJobKind(ctx context.Context, jobID int64, kind string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE job_id = ? AND kind = ?`, jobID, kind)
	return scanArtifact(row)
}

// ListArtifacts returns the tenant's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, tenantID int64, limit, offset int) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE tenant_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	return collectArtifacts(rows)
}

// ListArtifactsByJob returns every artifact of one job.
func (s *Store) ListArtifactsByJob(ctx context.Context, jobID int64) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts by job: %w", err)
	}
	return collectArtifacts(rows)
}

// ListArtifactsByDocument returns the artifacts of every job run over the
// document. Used to unlink files before the rows cascade away.
func (s *Store) ListArtifactsByDocument(ctx context.Context, documentID int64) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts
		 WHERE job_id IN (SELECT id FROM jobs WHERE document_id = ?) ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts by document: %w", err)
	}
	return collectArtifacts(rows)
}

// ListExpiredArtifacts returns artifacts whose expires_at has passed.
func (s *Store) ListExpiredArtifacts(ctx context.Context, limit int) ([]*Artifact, error) {
	now := FormatTime(s.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts
		 WHERE expires_at != '' AND expires_at <= ? LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list expired artifacts: %w", err)
	}
	return collectArtifacts(rows)
}

// DeleteArtifact removes the row.
func (s *Store) DeleteArtifact(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete artifact: %w", err)
	}
	return nil
}

func collectArtifacts(rows *sql.Rows) ([]*Artifact, error) {
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
