// Package document stores uploaded files and their derived pages and
// extractions. File bytes live in an ObjectStore; metadata lives in SQLite.
package document

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Document is one uploaded file owned by an organization.
type Document struct {
	ID         string         `json:"id"`
	OrgID      string         `json:"organization_id"`
	Name       string         `json:"name"`
	FilePath   string         `json:"file_path"`
	FileSize   int64          `json:"file_size"`
	MimeType   string         `json:"mime_type"`
	Checksum   string         `json:"checksum"` // SHA-256 hex
	UploadedBy string         `json:"uploaded_by,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Page is one extracted page of a document.
type Page struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id"`
	Number        int            `json:"page_number"`
	TextContent   string         `json:"text_content,omitempty"`
	OCRConfidence float64        `json:"ocr_confidence,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Extraction is structured data pulled from a document (entities, tables,
// key/value pairs).
type Extraction struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Type       string         `json:"extraction_type"`
	Data       map[string]any `json:"structured_data"`
	Confidence float64        `json:"confidence,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"text/csv":                 true,
	"text/plain":               true,
	"image/png":                true,
	"image/jpeg":               true,
}

// AllowedMimeType reports whether uploads of this type are accepted.
func AllowedMimeType(mime string) bool {
	return allowedMimeTypes[mime]
}

// ObjectStore holds document bytes keyed by a path relative to the store
// root. Keys never escape the root.
type ObjectStore interface {
	Put(key string, r io.Reader) (int64, error)
	Get(key string) (io.ReadCloser, error)
	Delete(key string) error
}

// FSStore is a filesystem-backed ObjectStore rooted at a directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty object key")
	}
	path := filepath.Join(s.root, clean)
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes store root", key)
	}
	return path, nil
}

func (s *FSStore) Put(key string, r io.Reader) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *FSStore) Get(key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (s *FSStore) Delete(key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
