// Package blob owns the on-disk data root: the quarantine and clean upload
// trees and the per-job artifact tree. All writes are atomic (tmp file,
// fsync, rename) and all paths are constructed server-side from ids, then
// checked against the root.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/docrefinery/docrefinery/guard"
)

// Root is a data directory handle. Safe for concurrent use: filenames are
// unique by uuid and writes are atomic, so no locks are taken.
type Root struct {
	dir string
}

// NewRoot creates (if needed) and wraps the data directory.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Root{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string { return r.dir }

// QuarantineRel returns the quarantine-tree relative path for a filename.
func QuarantineRel(tenantID int64, filename string) string {
	return filepath.Join("uploads", "quarantine", fmt.Sprint(tenantID), filename)
}

// CleanRel returns the clean-tree relative path for a filename.
func CleanRel(tenantID int64, filename string) string {
	return filepath.Join("uploads", "clean", fmt.Sprint(tenantID), filename)
}

// ArtifactRel returns the artifact-tree relative path for a job output.
func ArtifactRel(tenantID, jobID int64, filename string) string {
	return filepath.Join("artifacts", fmt.Sprint(tenantID), fmt.Sprint(jobID), filename)
}

// Abs resolves relpath under the root, rejecting traversal.
func (r *Root) Abs(relpath string) (string, error) {
	return guard.SafePath(r.dir, relpath)
}

// Exists reports whether relpath names an existing regular file.
func (r *Root) Exists(relpath string) bool {
	abs, err := r.Abs(relpath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// Open opens relpath for reading.
func (r *Root) Open(relpath string) (*os.File, error) {
	abs, err := r.Abs(relpath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// Size returns the byte size of relpath.
func (r *Root) Size(relpath string) (int64, error) {
	abs, err := r.Abs(relpath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove unlinks relpath. A missing file is not an error.
func (r *Root) Remove(relpath string) error {
	abs, err := r.Abs(relpath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: remove %s: %w", relpath, err)
	}
	return nil
}

// Rename atomically moves fromRel to toRel, creating parent directories.
func (r *Root) Rename(fromRel, toRel string) error {
	from, err := r.Abs(fromRel)
	if err != nil {
		return err
	}
	to, err := r.Abs(toRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("blob: mkdir for %s: %w", toRel, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("blob: rename %s -> %s: %w", fromRel, toRel, err)
	}
	return nil
}

// Copy duplicates fromRel at toRel with an atomic write.
func (r *Root) Copy(fromRel, toRel string) error {
	src, err := r.Open(fromRel)
	if err != nil {
		return fmt.Errorf("blob: copy open %s: %w", fromRel, err)
	}
	defer src.Close()
	w, err := r.NewWriter(toRel)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Abort()
		return fmt.Errorf("blob: copy %s -> %s: %w", fromRel, toRel, err)
	}
	_, _, err = w.Commit()
	return err
}

// WriteAtomic writes data at relpath atomically and returns the sha-256 hex
// and byte size of what was written.
func (r *Root) WriteAtomic(relpath string, data []byte) (string, int64, error) {
	w, err := r.NewWriter(relpath)
	if err != nil {
		return "", 0, err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return "", 0, err
	}
	return w.Commit()
}

// Writer streams bytes into a temp file next to the final path while keeping
// a running sha-256 and byte count. Commit fsyncs and renames into place;
// Abort unlinks the partial file.
type Writer struct {
	f      *os.File
	final  string
	hash   hash.Hash
	n      int64
	closed bool
}

// NewWriter opens an atomic writer for relpath, creating parent directories.
func (r *Root) NewWriter(relpath string) (*Writer, error) {
	abs, err := r.Abs(relpath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("blob: mkdir for %s: %w", relpath, err)
	}
	f, err := os.OpenFile(abs+".tmp", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blob: open tmp for %s: %w", relpath, err)
	}
	return &Writer{f: f, final: abs, hash: sha256.New()}, nil
}

// Write appends p to the temp file and the running digest.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.n += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("blob: write: %w", err)
	}
	return n, nil
}

// Count returns the bytes written so far.
func (w *Writer) Count() int64 { return w.n }

// Commit fsyncs and renames the temp file into place. Returns the sha-256
// hex and byte size of the committed content.
func (w *Writer) Commit() (string, int64, error) {
	if w.closed {
		return "", 0, fmt.Errorf("blob: writer already closed")
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return "", 0, fmt.Errorf("blob: fsync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return "", 0, fmt.Errorf("blob: close: %w", err)
	}
	if err := os.Rename(w.final+".tmp", w.final); err != nil {
		os.Remove(w.final + ".tmp")
		return "", 0, fmt.Errorf("blob: rename into place: %w", err)
	}
	return hex.EncodeToString(w.hash.Sum(nil)), w.n, nil
}

// Abort discards the partial file. Safe to call after Commit (no-op).
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.final + ".tmp")
}
