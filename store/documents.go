package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateDocument is returned when (tenant, sha256) already exists.
var ErrDuplicateDocument = errors.New("store: document with same content already exists for tenant")

// CreateDocument inserts d, filling ID, UUID and timestamps.
// Returns ErrDuplicateDocument on a (tenant, sha256) collision, including
// the race where a concurrent upload won the insert.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	if d.UUID == "" {
		d.UUID = s.newID()
	}
	now := FormatTime(s.Now())
	d.CreatedAt, d.ModifiedAt = now, now
	if d.Status == "" {
		d.Status = DocUploaded
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (uuid, tenant_id, created_by_key_id, external_uuid,
			original_filename, sha256, mime_type, size_bytes, status,
			relpath_quarantine, relpath_clean, page_count, expires_at, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UUID, d.TenantID, nullID(d.CreatedByKeyID), d.ExternalUUID,
		d.OriginalFilename, d.SHA256, d.MimeType, d.SizeBytes, d.Status,
		d.RelpathQuarantine, d.RelpathClean, d.PageCount, d.ExpiresAt, d.CreatedAt, d.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDocument
		}
		return fmt.Errorf("store: create document: %w", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

const documentCols = `id, uuid, tenant_id, COALESCE(created_by_key_id, 0), external_uuid,
	original_filename, sha256, mime_type, size_bytes, status,
	relpath_quarantine, relpath_clean, page_count, expires_at, created_at, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.UUID, &d.TenantID, &d.CreatedByKeyID, &d.ExternalUUID,
		&d.OriginalFilename, &d.SHA256, &d.MimeType, &d.SizeBytes, &d.Status,
		&d.RelpathQuarantine, &d.RelpathClean, &d.PageCount, &d.ExpiresAt,
		&d.CreatedAt, &d.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan document: %w", err)
	}
	return &d, nil
}

// GetDocument fetches a tenant's document by public uuid.
// Returns (nil, nil) if absent or owned by another tenant.
func (s *Store) GetDocument(ctx context.Context, tenantID int64, uuid string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentCols+` FROM documents WHERE tenant_id = ? AND uuid = ?`, tenantID, uuid)
	return scanDocument(row)
}

// GetDocumentByID fetches a document by numeric id, tenant-unscoped.
// Pipeline internals only.
func (s *Store) GetDocumentByID(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentCols+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// DocumentExists reports whether the tenant already owns bytes with sha256.
func (s *Store) DocumentExists(ctx context.Context, tenantID int64, sha256 string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM documents WHERE tenant_id = ? AND sha256 = ?`, tenantID, sha256).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: document exists: %w", err)
	}
	return n > 0, nil
}

// ListDocuments returns the tenant's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, tenantID int64, limit, offset int) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentCols+` FROM documents WHERE tenant_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDocumentClean flips the document to CLEAN and records the clean-tree
// path after a successful scan.
func (s *Store) MarkDocumentClean(ctx context.Context, id int64, relpathClean string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, relpath_clean = ?, modified_at = ? WHERE id = ?`,
		DocClean, relpathClean, FormatTime(s.Now()), id)
	if err != nil {
		return fmt.Errorf("store: mark document clean: %w", err)
	}
	return nil
}

// SetDocumentStatus updates the document status.
func (s *Store) SetDocumentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, modified_at = ? WHERE id = ?`,
		status, FormatTime(s.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set document status: %w", err)
	}
	return nil
}

// SetDocumentPageCount backfills page_count from the convert preflight.
func (s *Store) SetDocumentPageCount(ctx context.Context, id int64, pages int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET page_count = ?, modified_at = ? WHERE id = ?`,
		pages, FormatTime(s.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set document page count: %w", err)
	}
	return nil
}

// ListExpiredDocuments returns documents whose expires_at has passed.
func (s *Store) ListExpiredDocuments(ctx context.Context, limit int) ([]*Document, error) {
	now := FormatTime(s.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentCols+` FROM documents
		 WHERE expires_at != '' AND expires_at <= ? AND status != ? LIMIT ?`, now, DocDeleted, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list expired documents: %w", err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDocument removes the row; jobs and artifacts cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed (2067)")
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
