package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateEndpoint inserts e, filling ID, UUID and timestamps.
func (s *Store) CreateEndpoint(ctx context.Context, e *WebhookEndpoint) error {
	if e.UUID == "" {
		e.UUID = s.newID()
	}
	now := FormatTime(s.Now())
	e.CreatedAt, e.ModifiedAt = now, now
	if e.Events == "" {
		e.Events = "[]"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (uuid, tenant_id, created_by_key_id, name, url,
			secret, enabled, events, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UUID, e.TenantID, nullID(e.CreatedByKeyID), e.Name, e.URL,
		e.Secret, boolInt(e.Enabled), e.Events, e.CreatedAt, e.ModifiedAt)
	if err != nil {
		return fmt.Errorf("store: create endpoint: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

const endpointCols = `id, uuid, tenant_id, COALESCE(created_by_key_id, 0), name, url,
	secret, enabled, events, last_success_at, last_failure_at, created_at, modified_at`

func scanEndpoint(row rowScanner) (*WebhookEndpoint, error) {
	var e WebhookEndpoint
	var enabled int
	err := row.Scan(&e.ID, &e.UUID, &e.TenantID, &e.CreatedByKeyID, &e.Name, &e.URL,
		&e.Secret, &enabled, &e.Events, &e.LastSuccessAt, &e.LastFailureAt,
		&e.CreatedAt, &e.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan endpoint: %w", err)
	}
	e.Enabled = enabled != 0
	return &e, nil
}

// GetEndpoint fetches a tenant's endpoint by public uuid.
// Returns (nil, nil) if absent or owned by another tenant.
func (s *Store) GetEndpoint(ctx context.Context, tenantID int64, uuid string) (*WebhookEndpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints WHERE tenant_id = ? AND uuid = ?`, tenantID, uuid)
	return scanEndpoint(row)
}

// GetEndpointByID fetches an endpoint by numeric id.
func (s *Store) GetEndpointByID(ctx context.Context, id int64) (*WebhookEndpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints WHERE id = ?`, id)
	return scanEndpoint(row)
}

// ListEndpoints returns the tenant's endpoints, newest first.
func (s *Store) ListEndpoints(ctx context.Context, tenantID int64) ([]*WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints WHERE tenant_id = ?
		 ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	defer rows.Close()
	var out []*WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEnabledEndpoints returns the tenant's enabled endpoints.
func (s *Store) ListEnabledEndpoints(ctx context.Context, tenantID int64) ([]*WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints WHERE tenant_id = ? AND enabled = 1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled endpoints: %w", err)
	}
	defer rows.Close()
	var out []*WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEndpoint writes the mutable endpoint fields.
func (s *Store) UpdateEndpoint(ctx context.Context, e *WebhookEndpoint) error {
	e.ModifiedAt = FormatTime(s.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints SET name = ?, url = ?, secret = ?, enabled = ?,
			events = ?, modified_at = ? WHERE id = ?`,
		e.Name, e.URL, e.Secret, boolInt(e.Enabled), e.Events, e.ModifiedAt, e.ID)
	if err != nil {
		return fmt.Errorf("store: update endpoint: %w", err)
	}
	return nil
}

// DeleteEndpoint removes the endpoint; its deliveries cascade.
func (s *Store) DeleteEndpoint(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete endpoint: %w", err)
	}
	return nil
}

// MarkEndpointResult stamps the endpoint summary timestamp for a delivery
// outcome.
func (s *Store) MarkEndpointResult(ctx context.Context, id int64, success bool) error {
	col := "last_failure_at"
	if success {
		col = "last_success_at"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_endpoints SET `+col+` = ? WHERE id = ?`, FormatTime(s.Now()), id)
	if err != nil {
		return fmt.Errorf("store: mark endpoint result: %w", err)
	}
	return nil
}

// CreateDelivery inserts d, filling ID, UUID and timestamps.
func (s *Store) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.UUID == "" {
		d.UUID = s.newID()
	}
	now := FormatTime(s.Now())
	d.CreatedAt, d.ModifiedAt = now, now
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (uuid, endpoint_id, event_type, payload, status,
			attempt, response_code, last_error, next_retry_at, delivered_at, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UUID, d.EndpointID, d.EventType, d.Payload, d.Status,
		d.Attempt, d.ResponseCode, d.LastError, d.NextRetryAt, d.DeliveredAt, d.CreatedAt, d.ModifiedAt)
	if err != nil {
		return fmt.Errorf("store: create delivery: %w", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

const deliveryCols = `id, uuid, endpoint_id, event_type, payload, status,
	attempt, response_code, last_error, next_retry_at, delivered_at, created_at, modified_at`

func scanDelivery(row rowScanner) (*WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(&d.ID, &d.UUID, &d.EndpointID, &d.EventType, &d.Payload, &d.Status,
		&d.Attempt, &d.ResponseCode, &d.LastError, &d.NextRetryAt, &d.DeliveredAt,
		&d.CreatedAt, &d.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan delivery: %w", err)
	}
	return &d, nil
}

// GetDelivery fetches a delivery by numeric id.
func (s *Store) GetDelivery(ctx context.Context, id int64) (*WebhookDelivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = ?`, id)
	return scanDelivery(row)
}

// deliveryLease bounds how long a SENDING claim is honoured. A claim older
// than this belongs to a deliverer that died mid-attempt and may be retaken.
const deliveryLease = 5 * time.Minute

// ListDueDeliveries returns deliveries ready to attempt: PENDING rows,
// RETRYING rows whose next_retry_at has passed, and SENDING rows whose
// claim lease has expired. Oldest first.
func (s *Store) ListDueDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error) {
	now := FormatTime(s.Now())
	stale := FormatTime(s.Now().Add(-deliveryLease))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries
		 WHERE status = ? OR (status = ? AND next_retry_at <= ?)
			OR (status = ? AND modified_at <= ?)
		 ORDER BY id LIMIT ?`,
		DeliveryPending, DeliveryRetrying, now, DeliverySending, stale, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due deliveries: %w", err)
	}
	defer rows.Close()
	var out []*WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimDelivery moves a due delivery to SENDING so exactly one deliverer
// posts it. Returns false when the row is not claimable: already taken by a
// live claim, not yet due, or terminal.
func (s *Store) ClaimDelivery(ctx context.Context, id int64) (bool, error) {
	now := FormatTime(s.Now())
	stale := FormatTime(s.Now().Add(-deliveryLease))
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, modified_at = ?
		WHERE id = ? AND (status = ?
			OR (status = ? AND next_retry_at <= ?)
			OR (status = ? AND modified_at <= ?))`,
		DeliverySending, now, id,
		DeliveryPending, DeliveryRetrying, now, DeliverySending, stale)
	if err != nil {
		return false, fmt.Errorf("store: claim delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim delivery: %w", err)
	}
	return n == 1, nil
}

// UpdateDelivery writes the mutable delivery fields.
func (s *Store) UpdateDelivery(ctx context.Context, d *WebhookDelivery) error {
	d.ModifiedAt = FormatTime(s.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, attempt = ?, response_code = ?,
			last_error = ?, next_retry_at = ?, delivered_at = ?, modified_at = ?
		WHERE id = ?`,
		d.Status, d.Attempt, d.ResponseCode, d.LastError, d.NextRetryAt, d.DeliveredAt,
		d.ModifiedAt, d.ID)
	if err != nil {
		return fmt.Errorf("store: update delivery: %w", err)
	}
	return nil
}
