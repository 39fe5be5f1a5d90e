package httpapi

import (
	"encoding/json"

	"github.com/docrefinery/docrefinery/store"
)

// Views are the wire shapes. Records carry both the numeric id and the
// public uuid; only the uuid is addressable.

type documentView struct {
	ID               int64  `json:"id"`
	UUID             string `json:"uuid"`
	ExternalUUID     string `json:"external_uuid,omitempty"`
	OriginalFilename string `json:"original_filename"`
	SHA256           string `json:"sha256"`
	MimeType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	Status           string `json:"status"`
	PageCount        int64  `json:"page_count,omitempty"`
	ExpiresAt        string `json:"expires_at,omitempty"`
	CreatedAt        string `json:"created_at"`
	ModifiedAt       string `json:"modified_at"`
}

func viewDocument(d *store.Document) documentView {
	return documentView{
		ID:               d.ID,
		UUID:             d.UUID,
		ExternalUUID:     d.ExternalUUID,
		OriginalFilename: d.OriginalFilename,
		SHA256:           d.SHA256,
		MimeType:         d.MimeType,
		SizeBytes:        d.SizeBytes,
		Status:           d.Status,
		PageCount:        d.PageCount,
		ExpiresAt:        d.ExpiresAt,
		CreatedAt:        d.CreatedAt,
		ModifiedAt:       d.ModifiedAt,
	}
}

type jobView struct {
	ID            int64           `json:"id"`
	UUID          string          `json:"uuid"`
	DocumentID    int64           `json:"document_id"`
	ExternalUUID  string          `json:"external_uuid,omitempty"`
	Profile       string          `json:"profile,omitempty"`
	ComparisonID  string          `json:"comparison_id,omitempty"`
	Status        string          `json:"status"`
	Stage         string          `json:"stage"`
	Options       json.RawMessage `json:"options"`
	EngineVersion string          `json:"engine_version,omitempty"`
	QueuedAt      string          `json:"queued_at"`
	StartedAt     string          `json:"started_at,omitempty"`
	FinishedAt    string          `json:"finished_at,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	ScanMS        int64           `json:"scan_ms"`
	ConvertMS     int64           `json:"convert_ms"`
	ExportMS      int64           `json:"export_ms"`
	ChunkMS       int64           `json:"chunk_ms"`
	Attempt       int64           `json:"attempt"`
	MaxRetries    int64           `json:"max_retries"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorDetails  json.RawMessage `json:"error_details,omitempty"`
	CreatedAt     string          `json:"created_at"`
	ModifiedAt    string          `json:"modified_at"`
}

func viewJob(j *store.Job) jobView {
	v := jobView{
		ID:            j.ID,
		UUID:          j.UUID,
		DocumentID:    j.DocumentID,
		ExternalUUID:  j.ExternalUUID,
		Profile:       j.Profile,
		ComparisonID:  j.ComparisonID,
		Status:        j.Status,
		Stage:         j.Stage,
		Options:       json.RawMessage(j.Options),
		EngineVersion: j.EngineVersion,
		QueuedAt:      j.QueuedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
		DurationMS:    j.DurationMS,
		ScanMS:        j.ScanMS,
		ConvertMS:     j.ConvertMS,
		ExportMS:      j.ExportMS,
		ChunkMS:       j.ChunkMS,
		Attempt:       j.Attempt,
		MaxRetries:    j.MaxRetries,
		ErrorCode:     j.ErrorCode,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		ModifiedAt:    j.ModifiedAt,
	}
	if j.Options == "" {
		v.Options = json.RawMessage("{}")
	}
	if j.ErrorDetails != "" && j.ErrorDetails != "{}" {
		v.ErrorDetails = json.RawMessage(j.ErrorDetails)
	}
	return v
}

func viewJobs(jobs []*store.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	return out
}

type jobEventView struct {
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func viewJobEvents(events []*store.JobEvent) []jobEventView {
	out := make([]jobEventView, 0, len(events))
	for _, e := range events {
		v := jobEventView{Level: e.Level, Message: e.Message, CreatedAt: e.CreatedAt}
		if e.Payload != "" && e.Payload != "{}" {
			v.Payload = json.RawMessage(e.Payload)
		}
		out = append(out, v)
	}
	return out
}

type artifactView struct {
	ID             int64  `json:"id"`
	UUID           string `json:"uuid"`
	JobID          int64  `json:"job_id"`
	Kind           string `json:"kind"`
	SizeBytes      int64  `json:"size_bytes"`
	ContentType    string `json:"content_type"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func viewArtifact(a *store.Artifact) artifactView {
	return artifactView{
		ID:             a.ID,
		UUID:           a.UUID,
		JobID:          a.JobID,
		Kind:           a.Kind,
		SizeBytes:      a.SizeBytes,
		ContentType:    a.ContentType,
		ChecksumSHA256: a.ChecksumSHA256,
		ExpiresAt:      a.ExpiresAt,
		CreatedAt:      a.CreatedAt,
	}
}

func viewArtifacts(arts []*store.Artifact) []artifactView {
	out := make([]artifactView, 0, len(arts))
	for _, a := range arts {
		out = append(out, viewArtifact(a))
	}
	return out
}

// endpointView never carries the secret; it is write-only.
type endpointView struct {
	ID            int64           `json:"id"`
	UUID          string          `json:"uuid"`
	Name          string          `json:"name"`
	URL           string          `json:"url"`
	Enabled       bool            `json:"enabled"`
	Events        json.RawMessage `json:"events"`
	LastSuccessAt string          `json:"last_success_at,omitempty"`
	LastFailureAt string          `json:"last_failure_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
	ModifiedAt    string          `json:"modified_at"`
}

func viewEndpoint(e *store.WebhookEndpoint) endpointView {
	events := e.Events
	if events == "" {
		events = "[]"
	}
	return endpointView{
		ID:            e.ID,
		UUID:          e.UUID,
		Name:          e.Name,
		URL:           e.URL,
		Enabled:       e.Enabled,
		Events:        json.RawMessage(events),
		LastSuccessAt: e.LastSuccessAt,
		LastFailureAt: e.LastFailureAt,
		CreatedAt:     e.CreatedAt,
		ModifiedAt:    e.ModifiedAt,
	}
}
