package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateTenant inserts t, filling ID, UUID and timestamps.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.UUID == "" {
		t.UUID = s.newID()
	}
	now := FormatTime(s.Now())
	t.CreatedAt, t.ModifiedAt = now, now
	if t.DefaultOptions == "" {
		t.DefaultOptions = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (uuid, name, slug, active, default_options, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, t.Name, t.Slug, boolInt(t.Active), t.DefaultOptions, t.CreatedAt, t.ModifiedAt)
	if err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

const tenantCols = `id, uuid, name, slug, active, default_options, created_at, modified_at`

func scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var active int
	err := row.Scan(&t.ID, &t.UUID, &t.Name, &t.Slug, &active, &t.DefaultOptions, &t.CreatedAt, &t.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan tenant: %w", err)
	}
	t.Active = active != 0
	return &t, nil
}

// GetTenant fetches a tenant by numeric id. Returns (nil, nil) if absent.
func (s *Store) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetTenantBySlug fetches a tenant by slug. Returns (nil, nil) if absent.
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE slug = ?`, slug)
	return scanTenant(row)
}

// CreateAPIKey inserts k, filling ID, UUID and timestamps.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.UUID == "" {
		k.UUID = s.newID()
	}
	now := FormatTime(s.Now())
	k.CreatedAt, k.ModifiedAt = now, now
	if k.Scopes == "" {
		k.Scopes = "[]"
	}
	if k.DefaultOptions == "" {
		k.DefaultOptions = "{}"
	}
	if k.AllowedMimeTypes == "" {
		k.AllowedMimeTypes = "[]"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (uuid, tenant_id, name, prefix, fingerprint, active, scopes,
			default_options, allowed_mime_types, last_used_at, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		k.UUID, k.TenantID, k.Name, k.Prefix, k.Fingerprint, boolInt(k.Active),
		k.Scopes, k.DefaultOptions, k.AllowedMimeTypes, k.CreatedAt, k.ModifiedAt)
	if err != nil {
		return fmt.Errorf("store: create api key: %w", err)
	}
	k.ID, _ = res.LastInsertId()
	return nil
}

const apiKeyCols = `id, uuid, tenant_id, name, prefix, fingerprint, active, scopes,
	default_options, allowed_mime_types, last_used_at, created_at, modified_at`

func scanAPIKey(row *sql.Row) (*APIKey, error) {
	var k APIKey
	var active int
	err := row.Scan(&k.ID, &k.UUID, &k.TenantID, &k.Name, &k.Prefix, &k.Fingerprint,
		&active, &k.Scopes, &k.DefaultOptions, &k.AllowedMimeTypes,
		&k.LastUsedAt, &k.CreatedAt, &k.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan api key: %w", err)
	}
	k.Active = active != 0
	return &k, nil
}

// GetAPIKeyByFingerprint fetches a key by exact fingerprint match.
// Returns (nil, nil) if absent.
func (s *Store) GetAPIKeyByFingerprint(ctx context.Context, fp string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE fingerprint = ?`, fp)
	return scanAPIKey(row)
}

// TouchAPIKey records last_used_at. Callers throttle this to once per hour.
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, FormatTime(s.Now()), id)
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
