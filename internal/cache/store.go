package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tordrt/llmquery/internal/schema"
)

// ErrNotFound is returned by a Store when no entry exists for a fingerprint
var ErrNotFound = errors.New("schema cache entry not found")

// Entry is one persisted schema together with the data source it was built from
type Entry struct {
	Fingerprint string         `json:"fingerprint"`
	Source      string         `json:"source"`
	GeneratedAt time.Time      `json:"generated_at"`
	Schema      *schema.Schema `json:"schema"`
}

// Store persists cache entries keyed by descriptor fingerprint
type Store interface {
	Load(fingerprint string) (*Entry, error)
	Save(e *Entry) error
	Delete(fingerprint string) error
	Fingerprints() ([]string, error)
}

const entryExt = ".json"

// FileStore keeps one JSON file per fingerprint in a directory
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created on first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory the store writes to
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+entryExt)
}

// Load reads the entry for fingerprint
func (s *FileStore) Load(fingerprint string) (*Entry, error) {
	data, err := os.ReadFile(s.path(fingerprint))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return decodeEntry(data)
}

// Save writes the entry to a temporary file and renames it into place, so a
// reader sees either the previous entry or the new one.
func (s *FileStore) Save(e *Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, e.Fingerprint+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache entry: %w", err)
	}
	if err := os.Rename(tmpName, s.path(e.Fingerprint)); err != nil {
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for fingerprint. Deleting a missing entry is not an error.
func (s *FileStore) Delete(fingerprint string) error {
	err := os.Remove(s.path(fingerprint))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Fingerprints lists the stored entries, sorted
func (s *FileStore) Fingerprints() ([]string, error) {
	files, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	var out []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, entryExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, entryExt))
	}
	sort.Strings(out)
	return out, nil
}

// entryFile is the on-disk layout; the schema goes through the schema codec
type entryFile struct {
	Fingerprint string          `json:"fingerprint"`
	Source      string          `json:"source"`
	GeneratedAt time.Time       `json:"generated_at"`
	Schema      json.RawMessage `json:"schema"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	if e.Schema == nil {
		return nil, fmt.Errorf("cache entry %s has no schema", e.Fingerprint)
	}
	raw, err := schema.Marshal(e.Schema)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(entryFile{
		Fingerprint: e.Fingerprint,
		Source:      e.Source,
		GeneratedAt: e.GeneratedAt,
		Schema:      raw,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var f entryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if len(f.Schema) == 0 {
		return nil, fmt.Errorf("cache entry %s has no schema", f.Fingerprint)
	}
	s, err := schema.Unmarshal(f.Schema)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Fingerprint: f.Fingerprint,
		Source:      f.Source,
		GeneratedAt: f.GeneratedAt,
		Schema:      s,
	}, nil
}
