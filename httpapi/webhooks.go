package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docrefinery/docrefinery/authn"
	"github.com/docrefinery/docrefinery/guard"
	"github.com/docrefinery/docrefinery/store"
)

// endpointRequest is the create/update body. The secret is accepted here and
// never echoed back.
type endpointRequest struct {
	Name    *string  `json:"name"`
	URL     *string  `json:"url"`
	Secret  *string  `json:"secret"`
	Enabled *bool    `json:"enabled"`
	Events  []string `json:"events"`
}

func decodeEndpointRequest(r *http.Request) (*endpointRequest, error) {
	var req endpointRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Server) validateEndpointURL(url string) error {
	return guard.ValidateWebhookURL(url, s.cfg.Webhooks.AllowedHosts)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.store.ListEndpoints(r.Context(), tenantID(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]endpointView, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, viewEndpoint(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := authn.KeyFrom(ctx)

	req, err := decodeEndpointRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "invalid JSON body")
		return
	}
	if req.URL == nil || *req.URL == "" {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "url is required")
		return
	}
	if err := s.validateEndpointURL(*req.URL); err != nil {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "url rejected: "+err.Error())
		return
	}
	if req.Secret == nil || *req.Secret == "" {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "secret is required")
		return
	}
	if err := guard.ValidateSecret([]byte(*req.Secret)); err != nil {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "secret rejected: "+err.Error())
		return
	}

	events := req.Events
	if len(events) == 0 {
		events = []string{store.EventJobUpdated}
	}
	eventsJSON, _ := json.Marshal(events)

	ep := &store.WebhookEndpoint{
		TenantID:       key.TenantID,
		CreatedByKeyID: key.ID,
		URL:            *req.URL,
		Secret:         *req.Secret,
		Enabled:        true,
		Events:         string(eventsJSON),
	}
	if req.Name != nil {
		ep.Name = *req.Name
	}
	if req.Enabled != nil {
		ep.Enabled = *req.Enabled
	}
	if err := s.store.CreateEndpoint(ctx, ep); err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewEndpoint(ep))
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.store.GetEndpoint(r.Context(), tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ep == nil {
		notFound(w)
		return
	}
	respondJSON(w, http.StatusOK, viewEndpoint(ep))
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ep, err := s.store.GetEndpoint(ctx, tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ep == nil {
		notFound(w)
		return
	}
	req, err := decodeEndpointRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidationFailed, "invalid JSON body")
		return
	}
	if req.URL != nil {
		if err := s.validateEndpointURL(*req.URL); err != nil {
			respondError(w, http.StatusBadRequest, CodeValidationFailed, "url rejected: "+err.Error())
			return
		}
		ep.URL = *req.URL
	}
	if req.Secret != nil {
		if err := guard.ValidateSecret([]byte(*req.Secret)); err != nil {
			respondError(w, http.StatusBadRequest, CodeValidationFailed, "secret rejected: "+err.Error())
			return
		}
		ep.Secret = *req.Secret
	}
	if req.Name != nil {
		ep.Name = *req.Name
	}
	if req.Enabled != nil {
		ep.Enabled = *req.Enabled
	}
	if req.Events != nil {
		eventsJSON, _ := json.Marshal(req.Events)
		ep.Events = string(eventsJSON)
	}
	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewEndpoint(ep))
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ep, err := s.store.GetEndpoint(ctx, tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ep == nil {
		notFound(w)
		return
	}
	if err := s.store.DeleteEndpoint(ctx, ep.ID); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
