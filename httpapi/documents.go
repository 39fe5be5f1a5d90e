package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docrefinery/docrefinery/authn"
	"github.com/docrefinery/docrefinery/blob"
	"github.com/docrefinery/docrefinery/idgen"
	"github.com/docrefinery/docrefinery/options"
	"github.com/docrefinery/docrefinery/store"
)

// uploadState accumulates one multipart upload as its parts stream in. The
// file part is written to the quarantine tree while being hashed; nothing is
// buffered in memory.
type uploadState struct {
	fields   map[string]string
	filename string
	mimeType string
	rel      string
	sha      string
	size     int64
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := authn.KeyFrom(ctx)
	maxBytes := s.cfg.MaxFileBytes()

	// Advertised cap: refuse obviously oversized requests before reading.
	// The slack covers multipart framing.
	if r.ContentLength > maxBytes+(1<<20) {
		respondError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", maxBytes))
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "multipart/form-data body required")
		return
	}

	docUUID := idgen.New()
	up, errStatus, errCode, errMsg := s.readUpload(mr, key, docUUID, maxBytes)
	if errCode != "" {
		respondError(w, errStatus, errCode, errMsg)
		return
	}
	discard := func() { s.blobs.Remove(up.rel) }

	if exists, err := s.store.DocumentExists(ctx, key.TenantID, up.sha); err != nil {
		discard()
		s.internalError(w, r, err)
		return
	} else if exists {
		discard()
		respondError(w, http.StatusConflict, CodeDuplicateDocument, "identical content was already uploaded")
		return
	}

	externalUUID := up.fields["external_uuid"]
	if externalUUID != "" {
		parsed, err := idgen.Parse(externalUUID)
		if err != nil {
			discard()
			respondError(w, http.StatusBadRequest, CodeValidationFailed, "external_uuid must be a UUID")
			return
		}
		externalUUID = parsed
	}

	profile := up.fields["profile"]
	callerJSON := up.fields["options_json"]
	if callerJSON == "" {
		callerJSON = up.fields["options"]
	}
	effective, err := s.effectiveOptions(ctx, key, callerJSON, profile)
	if err != nil {
		discard()
		respondError(w, http.StatusBadRequest, CodeInvalidOptions, err.Error())
		return
	}

	doc := &store.Document{
		UUID:              docUUID,
		TenantID:          key.TenantID,
		CreatedByKeyID:    key.ID,
		ExternalUUID:      externalUUID,
		OriginalFilename:  up.filename,
		SHA256:            up.sha,
		MimeType:          up.mimeType,
		SizeBytes:         up.size,
		RelpathQuarantine: up.rel,
	}
	if days := s.cfg.Retention.DocumentTTLDays; days > 0 {
		doc.ExpiresAt = store.FormatTime(s.store.Now().Add(time.Duration(days) * 24 * time.Hour))
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		discard()
		if errors.Is(err, store.ErrDuplicateDocument) {
			// Lost the insert race against a concurrent identical upload.
			respondError(w, http.StatusConflict, CodeDuplicateDocument, "identical content was already uploaded")
			return
		}
		s.internalError(w, r, err)
		return
	}

	// The default is a document-only upload; a pipeline run starts only on
	// an explicit ingest=true field.
	if up.fields["ingest"] != "true" {
		respondJSON(w, http.StatusCreated, map[string]any{
			"document": viewDocument(doc),
		})
		return
	}

	job, err := s.enqueueJob(ctx, &store.Job{
		TenantID:       key.TenantID,
		CreatedByKeyID: key.ID,
		DocumentID:     doc.ID,
		ExternalUUID:   externalUUID,
		Profile:        profile,
		Options:        options.Encode(effective),
		MaxRetries:     int64(s.cfg.Worker.MaxRetries),
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"document": viewDocument(doc),
		"job":      viewJob(job),
	})
}

// readUpload drains the multipart stream: small fields are collected, the
// file part is spooled to quarantine with a running hash and a hard size cap.
func (s *Server) readUpload(mr *multipart.Reader, key *store.APIKey, docUUID string, maxBytes int64) (*uploadState, int, string, string) {
	up := &uploadState{fields: map[string]string{}}
	allowed := key.MimeAllowList()
	if len(allowed) == 0 {
		allowed = s.cfg.Upload.AllowedMimeTypes
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.blobs.Remove(up.rel)
			return nil, http.StatusBadRequest, CodeValidationFailed, "malformed multipart body"
		}
		if part.FormName() != "file" {
			data, err := io.ReadAll(io.LimitReader(part, 64<<10))
			if err != nil {
				s.blobs.Remove(up.rel)
				return nil, http.StatusBadRequest, CodeValidationFailed, "malformed multipart body"
			}
			up.fields[part.FormName()] = string(data)
			continue
		}
		if up.rel != "" {
			s.blobs.Remove(up.rel)
			return nil, http.StatusBadRequest, CodeValidationFailed, "more than one file part"
		}

		up.mimeType = part.Header.Get("Content-Type")
		if !mimeAllowed(allowed, up.mimeType) {
			return nil, http.StatusUnsupportedMediaType, CodeUnsupportedMediaType,
				fmt.Sprintf("media type %q is not accepted", up.mimeType)
		}
		up.filename = part.FileName()

		rel := blob.QuarantineRel(key.TenantID, docUUID+".pdf")
		writer, err := s.blobs.NewWriter(rel)
		if err != nil {
			return nil, http.StatusInternalServerError, CodeInternal, "storage unavailable"
		}
		if _, err := io.Copy(writer, io.LimitReader(part, maxBytes+1)); err != nil {
			writer.Abort()
			return nil, http.StatusBadRequest, CodeValidationFailed, "upload interrupted"
		}
		if writer.Count() > maxBytes {
			// Mid-stream cap: the limit reader saw more than the maximum.
			writer.Abort()
			return nil, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
				fmt.Sprintf("file exceeds the %d byte limit", maxBytes)
		}
		sha, size, err := writer.Commit()
		if err != nil {
			return nil, http.StatusInternalServerError, CodeInternal, "storage unavailable"
		}
		up.rel, up.sha, up.size = rel, sha, size
	}

	if up.rel == "" {
		return nil, http.StatusBadRequest, CodeValidationFailed, "file part is required"
	}
	return up, 0, "", ""
}

func mimeAllowed(allowed []string, mimeType string) bool {
	for _, m := range allowed {
		if m == mimeType {
			return true
		}
	}
	return false
}

// effectiveOptions resolves the merge lattice: system default < tenant
// default < key default < caller, then the profile's export list on top.
func (s *Server) effectiveOptions(ctx context.Context, key *store.APIKey, callerJSON, profile string) (map[string]any, error) {
	if !options.ValidProfile(profile) {
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
	caller, err := options.Parse(callerJSON)
	if err != nil {
		return nil, err
	}
	tenant, err := s.store.GetTenant(ctx, key.TenantID)
	if err != nil {
		return nil, err
	}
	tenantOpts := map[string]any{}
	if tenant != nil {
		if tenantOpts, err = options.Parse(tenant.DefaultOptions); err != nil {
			tenantOpts = map[string]any{}
		}
	}
	keyOpts, err := options.Parse(key.DefaultOptions)
	if err != nil {
		keyOpts = map[string]any{}
	}
	effective := options.Merge(tenantOpts, keyOpts, caller)
	effective = options.ApplyProfile(effective, profile)
	if err := options.Validate(effective); err != nil {
		return nil, err
	}
	return effective, nil
}

// enqueueJob persists the job and publishes its first stage.
func (s *Server) enqueueJob(ctx context.Context, job *store.Job) (*store.Job, error) {
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	taskID, err := s.broker.Publish(ctx, job.ID, store.StageScanning)
	if err != nil {
		return nil, err
	}
	job.TaskID = taskID
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	docs, err := s.store.ListDocuments(r.Context(), tenantID(r), limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]documentView, 0, len(docs))
	for _, d := range docs {
		out = append(out, viewDocument(d))
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if doc == nil {
		notFound(w)
		return
	}
	respondJSON(w, http.StatusOK, viewDocument(doc))
}

// compareRequest fans one document out to several profiles for side-by-side
// runs. Each run gets the same private copy of the source bytes.
type compareRequest struct {
	Profiles []string       `json:"profiles"`
	Options  map[string]any `json:"options"`
}

func (s *Server) handleCompareDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := authn.KeyFrom(ctx)

	doc, err := s.store.GetDocument(ctx, key.TenantID, chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if doc == nil {
		notFound(w)
		return
	}

	var req compareRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "invalid JSON body")
		return
	}
	if len(req.Profiles) < 2 {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "at least two profiles are required")
		return
	}
	for _, p := range req.Profiles {
		if p == "" || !options.ValidProfile(p) {
			respondError(w, http.StatusBadRequest, CodeInvalidOptions, fmt.Sprintf("unknown profile %q", p))
			return
		}
	}

	source := doc.RelpathClean
	if source == "" {
		source = doc.RelpathQuarantine
	}
	if source == "" || !s.blobs.Exists(source) {
		respondError(w, http.StatusBadRequest, CodeMissingSourceFile, "the document's source file is no longer available")
		return
	}

	// The copy lives in the quarantine tree; each run's scan stage vets it
	// like any fresh upload.
	group := idgen.New()
	copyRel := blob.QuarantineRel(key.TenantID, doc.UUID+"-"+group+".pdf")
	if err := s.blobs.Copy(source, copyRel); err != nil {
		s.internalError(w, r, err)
		return
	}

	callerJSON := options.Encode(req.Options)
	jobs := make([]jobView, 0, len(req.Profiles))
	for _, profile := range req.Profiles {
		effective, err := s.effectiveOptions(ctx, key, callerJSON, profile)
		if err != nil {
			respondError(w, http.StatusBadRequest, CodeInvalidOptions, err.Error())
			return
		}
		job, err := s.enqueueJob(ctx, &store.Job{
			TenantID:       key.TenantID,
			CreatedByKeyID: key.ID,
			DocumentID:     doc.ID,
			Profile:        profile,
			ComparisonID:   group,
			SourceRelpath:  copyRel,
			Options:        options.Encode(effective),
			MaxRetries:     int64(s.cfg.Worker.MaxRetries),
		})
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		jobs = append(jobs, viewJob(job))
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"comparison_id": group,
		"jobs":          jobs,
	})
}
