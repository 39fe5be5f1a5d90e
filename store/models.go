package store

import "encoding/json"

// Document statuses.
const (
	DocUploaded = "UPLOADED"
	DocClean    = "CLEAN"
	DocInfected = "INFECTED"
	DocDeleted  = "DELETED"
)

// Job statuses.
const (
	JobQueued      = "QUEUED"
	JobRunning     = "RUNNING"
	JobSucceeded   = "SUCCEEDED"
	JobFailed      = "FAILED"
	JobCanceled    = "CANCELED"
	JobQuarantined = "QUARANTINED"
)

// Pipeline stages.
const (
	StageScanning   = "SCANNING"
	StageConverting = "CONVERTING"
	StageExporting  = "EXPORTING"
	StageChunking   = "CHUNKING"
	StageFinalizing = "FINALIZING"
)

// Artifact kinds.
const (
	KindDoclingJSON = "docling_json"
	KindMarkdown    = "markdown"
	KindText        = "text"
	KindDoctags     = "doctags"
	KindChunksJSON  = "chunks_json"
	KindFiguresZip  = "figures_zip"
)

// Webhook delivery statuses. SENDING is a short-lived claim held by the
// deliverer that is posting the row.
const (
	DeliveryPending   = "PENDING"
	DeliverySending   = "SENDING"
	DeliveryRetrying  = "RETRYING"
	DeliveryDelivered = "DELIVERED"
	DeliveryFailed    = "FAILED"
)

// EventJobUpdated is the only webhook event type emitted today.
const EventJobUpdated = "job.updated"

// JobTerminal reports whether status is a terminal job status.
func JobTerminal(status string) bool {
	switch status {
	case JobSucceeded, JobFailed, JobCanceled, JobQuarantined:
		return true
	}
	return false
}

// Tenant is an administrative owner of documents, jobs and endpoints.
type Tenant struct {
	ID             int64
	UUID           string
	Name           string
	Slug           string
	Active         bool
	DefaultOptions string // JSON object
	CreatedAt      string
	ModifiedAt     string
}

// APIKey is a machine credential scoped to one tenant. The raw secret is
// never stored; only its fingerprint.
type APIKey struct {
	ID               int64
	UUID             string
	TenantID         int64
	Name             string
	Prefix           string
	Fingerprint      string
	Active           bool
	Scopes           string // JSON array of strings
	DefaultOptions   string // JSON object
	AllowedMimeTypes string // JSON array of strings
	LastUsedAt       string
	CreatedAt        string
	ModifiedAt       string
}

// ScopeSet decodes the key's scopes.
func (k *APIKey) ScopeSet() map[string]bool {
	var list []string
	_ = json.Unmarshal([]byte(k.Scopes), &list)
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

// MimeAllowList decodes the key's accepted upload media types.
// Empty means "use the system default".
func (k *APIKey) MimeAllowList() []string {
	var list []string
	_ = json.Unmarshal([]byte(k.AllowedMimeTypes), &list)
	return list
}

// Document is one uploaded file, content-addressed per tenant.
type Document struct {
	ID                int64
	UUID              string
	TenantID          int64
	CreatedByKeyID    int64
	ExternalUUID      string
	OriginalFilename  string
	SHA256            string
	MimeType          string
	SizeBytes         int64
	Status            string
	RelpathQuarantine string
	RelpathClean      string
	PageCount         int64
	ExpiresAt         string
	CreatedAt         string
	ModifiedAt        string
}

// Job is one pipeline run over a document.
type Job struct {
	ID             int64
	UUID           string
	TenantID       int64
	CreatedByKeyID int64
	DocumentID     int64
	ExternalUUID   string
	Profile        string
	ComparisonID   string
	SourceRelpath  string
	Status         string
	Stage          string
	Options        string // JSON object, validated at enrollment
	EngineVersion  string
	QueuedAt       string
	StartedAt      string
	FinishedAt     string
	DurationMS     int64
	ScanMS         int64
	ConvertMS      int64
	ExportMS       int64
	ChunkMS        int64
	Attempt        int64
	MaxRetries     int64
	ErrorCode      string
	ErrorMessage   string
	ErrorDetails   string // JSON object
	WorkerHostname string
	TaskID         string
	CreatedAt      string
	ModifiedAt     string
}

// JobEvent is one append-only log line attached to a job.
type JobEvent struct {
	ID        int64
	JobID     int64
	Level     string
	Message   string
	Payload   string // JSON object
	CreatedAt string
}

// Artifact is a derived immutable file, keyed by (tenant, job, kind).
type Artifact struct {
	ID             int64
	UUID           string
	TenantID       int64
	CreatedByKeyID int64
	JobID          int64
	Kind           string
	Relpath        string
	ChecksumSHA256 string
	SizeBytes      int64
	ContentType    string
	ExpiresAt      string
	CreatedAt      string
	ModifiedAt     string
}

// WebhookEndpoint is a tenant-registered delivery target.
type WebhookEndpoint struct {
	ID             int64
	UUID           string
	TenantID       int64
	CreatedByKeyID int64
	Name           string
	URL            string
	Secret         string
	Enabled        bool
	Events         string // JSON array of event types
	LastSuccessAt  string
	LastFailureAt  string
	CreatedAt      string
	ModifiedAt     string
}

// SubscribedTo reports whether the endpoint's event set contains event.
// An empty set subscribes to nothing.
func (e *WebhookEndpoint) SubscribedTo(event string) bool {
	var list []string
	_ = json.Unmarshal([]byte(e.Events), &list)
	for _, ev := range list {
		if ev == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is one queued payload for one endpoint. The payload is
// immutable once queued.
type WebhookDelivery struct {
	ID           int64
	UUID         string
	EndpointID   int64
	EventType    string
	Payload      string
	Status       string
	Attempt      int64
	ResponseCode int64
	LastError    string
	NextRetryAt  string
	DeliveredAt  string
	CreatedAt    string
	ModifiedAt   string
}
