// Package store owns the relational records of the service: tenants, API
// keys, documents, ingestion jobs, artifacts, webhook endpoints and
// deliveries. All timestamps are stored as fixed-width UTC strings so that
// string comparison in SQL matches chronological order.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/docrefinery/docrefinery/dbopen"
	"github.com/docrefinery/docrefinery/idgen"
)

// TimeLayout is the storage format for every timestamp column. Fixed width,
// always UTC, sorts lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a storage-layout timestamp, falling back to RFC 3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t, nil
}

// Store wraps the database with typed accessors. Safe for concurrent use.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID idgen.Generator
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides public-identifier generation (tests).
func WithIDGenerator(gen idgen.Generator) Option { return func(s *Store) { s.newID = gen } }

// New wraps db and ensures the schema exists.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now, newID: idgen.Default}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return s, nil
}

// Open opens (or creates) the database file at path and wraps it.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle (broker shares the same file).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database reachability.
func (s *Store) Ping() error { return s.db.Ping() }

// Now returns the store's current time (UTC).
func (s *Store) Now() time.Time { return s.now().UTC() }

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid            TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL,
	slug            TEXT NOT NULL UNIQUE,
	active          INTEGER NOT NULL DEFAULT 1,
	default_options TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	modified_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid               TEXT NOT NULL UNIQUE,
	tenant_id          INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	prefix             TEXT NOT NULL,
	fingerprint        TEXT NOT NULL UNIQUE,
	active             INTEGER NOT NULL DEFAULT 1,
	scopes             TEXT NOT NULL DEFAULT '[]',
	default_options    TEXT NOT NULL DEFAULT '{}',
	allowed_mime_types TEXT NOT NULL DEFAULT '[]',
	last_used_at       TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	modified_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid               TEXT NOT NULL UNIQUE,
	tenant_id          INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	created_by_key_id  INTEGER REFERENCES api_keys(id) ON DELETE SET NULL,
	external_uuid      TEXT NOT NULL DEFAULT '',
	original_filename  TEXT NOT NULL,
	sha256             TEXT NOT NULL,
	mime_type          TEXT NOT NULL,
	size_bytes         INTEGER NOT NULL,
	status             TEXT NOT NULL DEFAULT 'UPLOADED',
	relpath_quarantine TEXT NOT NULL,
	relpath_clean      TEXT NOT NULL DEFAULT '',
	page_count         INTEGER NOT NULL DEFAULT 0,
	expires_at         TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	modified_at        TEXT NOT NULL,
	UNIQUE (tenant_id, sha256)
);
CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_documents_expiry ON documents(expires_at);

CREATE TABLE IF NOT EXISTS jobs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid              TEXT NOT NULL UNIQUE,
	tenant_id         INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	created_by_key_id INTEGER REFERENCES api_keys(id) ON DELETE SET NULL,
	document_id       INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	external_uuid     TEXT NOT NULL DEFAULT '',
	profile           TEXT NOT NULL DEFAULT '',
	comparison_id     TEXT NOT NULL DEFAULT '',
	source_relpath    TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'QUEUED',
	stage             TEXT NOT NULL DEFAULT 'SCANNING',
	options           TEXT NOT NULL DEFAULT '{}',
	engine_version    TEXT NOT NULL DEFAULT '',
	queued_at         TEXT NOT NULL,
	started_at        TEXT NOT NULL DEFAULT '',
	finished_at       TEXT NOT NULL DEFAULT '',
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	scan_ms           INTEGER NOT NULL DEFAULT 0,
	convert_ms        INTEGER NOT NULL DEFAULT 0,
	export_ms         INTEGER NOT NULL DEFAULT 0,
	chunk_ms          INTEGER NOT NULL DEFAULT 0,
	attempt           INTEGER NOT NULL DEFAULT 1,
	max_retries       INTEGER NOT NULL DEFAULT 3,
	error_code        TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	error_details     TEXT NOT NULL DEFAULT '{}',
	worker_hostname   TEXT NOT NULL DEFAULT '',
	task_id           TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	modified_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_stage ON jobs(tenant_id, stage);
CREATE INDEX IF NOT EXISTS idx_jobs_document ON jobs(document_id);
CREATE INDEX IF NOT EXISTS idx_jobs_comparison ON jobs(comparison_id);

CREATE TABLE IF NOT EXISTS job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid              TEXT NOT NULL UNIQUE,
	tenant_id         INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	created_by_key_id INTEGER REFERENCES api_keys(id) ON DELETE SET NULL,
	job_id            INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	kind              TEXT NOT NULL,
	relpath           TEXT NOT NULL,
	checksum_sha256   TEXT NOT NULL,
	size_bytes        INTEGER NOT NULL,
	content_type      TEXT NOT NULL,
	expires_at        TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	modified_at       TEXT NOT NULL,
	UNIQUE (tenant_id, job_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_expiry ON artifacts(expires_at);

CREATE TABLE IF NOT EXISTS webhook_endpoints (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid              TEXT NOT NULL UNIQUE,
	tenant_id         INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	created_by_key_id INTEGER REFERENCES api_keys(id) ON DELETE SET NULL,
	name              TEXT NOT NULL,
	url               TEXT NOT NULL,
	secret            TEXT NOT NULL DEFAULT '',
	enabled           INTEGER NOT NULL DEFAULT 1,
	events            TEXT NOT NULL DEFAULT '[]',
	last_success_at   TEXT NOT NULL DEFAULT '',
	last_failure_at   TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	modified_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_tenant ON webhook_endpoints(tenant_id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid          TEXT NOT NULL UNIQUE,
	endpoint_id   INTEGER NOT NULL REFERENCES webhook_endpoints(id) ON DELETE CASCADE,
	event_type    TEXT NOT NULL,
	payload       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	attempt       INTEGER NOT NULL DEFAULT 0,
	response_code INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	next_retry_at TEXT NOT NULL DEFAULT '',
	delivered_at  TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	modified_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_retry_at);
`
