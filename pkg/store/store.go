// Package store is the filesystem artifact store. Each analysis owns one
// directory under <DATA_ROOT>/analyses/<analysis_id>/ holding the original
// upload, the extraction artifact, findings, token usage, and the audit
// log. Every write is atomic: temp file, fsync, rename. JSON artifacts are
// written in canonical (JCS) form so reruns are byte-identical.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

// Store roots the analysis directory layout.
type Store struct {
	root string
}

// New creates the store root if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "analyses"), 0o755); err != nil {
		return nil, analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	return &Store{root: root}, nil
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory for one analysis.
func (s *Store) Dir(analysisID string) string {
	return filepath.Join(s.root, "analyses", analysisID)
}

// EnsureDir creates the analysis directory (and its reports subdir).
func (s *Store) EnsureDir(analysisID string) error {
	if err := os.MkdirAll(filepath.Join(s.Dir(analysisID), "reports"), 0o755); err != nil {
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	return nil
}

// ListAnalyses returns all analysis ids present in the store, sorted.
func (s *Store) ListAnalyses() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "analyses"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// writeAtomic writes data via temp-then-rename with an fsync in between.
// A crash leaves at worst a stale .tmp file; readers never observe a
// partial artifact.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	if err := f.Close(); err != nil {
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	return nil
}

// writeJSON marshals v and writes it atomically in canonical form.
func (s *Store) writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return analysis.Wrap(analysis.CodeInternal, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return analysis.Wrap(analysis.CodeInternal, err)
	}
	return s.writeAtomic(path, canonical)
}

// readJSON reads and unmarshals a JSON artifact. Missing files surface as
// os.ErrNotExist via the wrapped error.
func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return analysis.Errorf(analysis.CodeInternal, "corrupt artifact %s: %v", filepath.Base(path), err)
	}
	return nil
}

// WriteArtifactJSON writes a named JSON artifact into an analysis
// directory, atomically and in canonical form.
func (s *Store) WriteArtifactJSON(analysisID, name string, v any) error {
	return s.writeJSON(filepath.Join(s.Dir(analysisID), name), v)
}

// ReadArtifactJSON reads a named JSON artifact from an analysis directory.
// A missing file surfaces as os.ErrNotExist.
func (s *Store) ReadArtifactJSON(analysisID, name string, v any) error {
	return s.readJSON(filepath.Join(s.Dir(analysisID), name), v)
}

// SanitizeFilename reduces an upload filename to a safe basename:
// path components and NUL bytes stripped, never empty.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = filepath.Base(filepath.Clean(name))
	if name == "" || name == "." || name == string(filepath.Separator) || name == ".." {
		return "upload.bin"
	}
	return name
}
