// Package reaper enforces retention: expired artifacts and documents are
// removed from the database and their files unlinked, rows first so a crash
// leaves at worst an orphaned file, never a dangling record.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/docrefinery/docrefinery/blob"
	"github.com/docrefinery/docrefinery/store"
)

const sweepBatch = 500

// Reaper sweeps expired rows on a cadence.
type Reaper struct {
	store    *store.Store
	blobs    *blob.Root
	interval time.Duration
	log      *slog.Logger
}

// Option customises a Reaper.
type Option func(*Reaper)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option { return func(r *Reaper) { r.log = log } }

// New builds a Reaper sweeping every interval.
func New(st *store.Store, blobs *blob.Root, interval time.Duration, opts ...Option) *Reaper {
	r := &Reaper{store: st, blobs: blobs, interval: interval, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run blocks until ctx is done, sweeping on the configured cadence.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			artifacts, documents := r.Sweep(ctx)
			if artifacts > 0 || documents > 0 {
				r.log.Info("retention sweep", "artifacts", artifacts, "documents", documents)
			}
		}
	}
}

// Sweep removes every expired artifact and document once. Returns the counts
// removed. Exported for tests and for a manual sweep command.
func (r *Reaper) Sweep(ctx context.Context) (int, int) {
	artifacts := r.sweepArtifacts(ctx)
	documents := r.sweepDocuments(ctx)
	return artifacts, documents
}

func (r *Reaper) sweepArtifacts(ctx context.Context) int {
	expired, err := r.store.ListExpiredArtifacts(ctx, sweepBatch)
	if err != nil {
		r.log.Error("expired artifact scan failed", "error", err)
		return 0
	}
	removed := 0
	for _, a := range expired {
		if err := r.store.DeleteArtifact(ctx, a.ID); err != nil {
			r.log.Error("artifact delete failed", "artifact", a.UUID, "error", err)
			continue
		}
		if err := r.blobs.Remove(a.Relpath); err != nil {
			r.log.Warn("artifact file unlink failed", "relpath", a.Relpath, "error", err)
		}
		removed++
	}
	return removed
}

func (r *Reaper) sweepDocuments(ctx context.Context) int {
	expired, err := r.store.ListExpiredDocuments(ctx, sweepBatch)
	if err != nil {
		r.log.Error("expired document scan failed", "error", err)
		return 0
	}
	removed := 0
	for _, d := range expired {
		// Collect file paths before the rows cascade.
		arts, err := r.store.ListArtifactsByDocument(ctx, d.ID)
		if err != nil {
			r.log.Error("document artifact scan failed", "document", d.UUID, "error", err)
			continue
		}
		if err := r.store.DeleteDocument(ctx, d.ID); err != nil {
			r.log.Error("document delete failed", "document", d.UUID, "error", err)
			continue
		}
		for _, rel := range []string{d.RelpathQuarantine, d.RelpathClean} {
			if rel == "" {
				continue
			}
			if err := r.blobs.Remove(rel); err != nil {
				r.log.Warn("upload unlink failed", "relpath", rel, "error", err)
			}
		}
		for _, a := range arts {
			if err := r.blobs.Remove(a.Relpath); err != nil {
				r.log.Warn("artifact file unlink failed", "relpath", a.Relpath, "error", err)
			}
		}
		removed++
	}
	return removed
}
