package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	arts, err := s.store.ListArtifacts(r.Context(), tenantID(r), limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifacts": viewArtifacts(arts)})
}

// handleGetArtifact answers the metadata record without the content.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.store.GetArtifact(r.Context(), tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if art == nil {
		notFound(w)
		return
	}
	respondJSON(w, http.StatusOK, viewArtifact(art))
}

// handleDownloadArtifact serves the artifact bytes. With an X-Accel prefix
// configured the front proxy streams the file; otherwise this process does.
func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.store.GetArtifact(r.Context(), tenantID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if art == nil || !s.blobs.Exists(art.Relpath) {
		// A record whose file is gone is as good as absent.
		notFound(w)
		return
	}

	filename := path.Base(art.Relpath)
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if prefix := s.cfg.Upload.XAccelPrefix; prefix != "" {
		w.Header().Set("X-Accel-Redirect", path.Join(prefix, art.Relpath))
		w.WriteHeader(http.StatusOK)
		return
	}

	f, err := s.blobs.Open(art.Relpath)
	if err != nil {
		notFound(w)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Length", fmt.Sprint(art.SizeBytes))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}
