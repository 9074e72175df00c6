package document

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Publisher receives domain events emitted by the store. The trigger
// dispatcher's event bus satisfies this.
type Publisher interface {
	Publish(event string, payload map[string]any)
}

// EventUploaded is published after a successful upload.
const EventUploaded = "document.uploaded"

// Store persists document metadata and delegates file bytes to an
// ObjectStore.
type Store struct {
	db      *sql.DB
	objects ObjectStore
	bus     Publisher
}

// NewStore creates the document tables. bus may be nil.
func NewStore(db *sql.DB, objects ObjectStore, bus Publisher) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name            TEXT NOT NULL,
			file_path       TEXT NOT NULL,
			file_size       INTEGER NOT NULL,
			mime_type       TEXT NOT NULL,
			checksum        TEXT NOT NULL,
			uploaded_by     TEXT,
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_org ON documents(organization_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS document_pages (
			id           TEXT PRIMARY KEY,
			document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			page_number  INTEGER NOT NULL,
			text_content TEXT,
			ocr_confidence REAL,
			metadata     TEXT NOT NULL DEFAULT '{}',
			created_at   TEXT NOT NULL,
			UNIQUE(document_id, page_number)
		)`,
		`CREATE TABLE IF NOT EXISTS document_extractions (
			id              TEXT PRIMARY KEY,
			document_id     TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			extraction_type TEXT NOT NULL,
			structured_data TEXT NOT NULL DEFAULT '{}',
			confidence      REAL,
			created_at      TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create document tables: %w", err)
		}
	}
	return &Store{db: db, objects: objects, bus: bus}, nil
}

// Upload streams r into the object store, hashing as it goes, and records
// the document row. The object key is <org>/<id>/<name>.
func (s *Store) Upload(orgID, name, mimeType, uploadedBy string, r io.Reader) (*Document, error) {
	if name == "" {
		return nil, apperr.Validation("document name is required")
	}
	if !AllowedMimeType(mimeType) {
		return nil, apperr.Validation("unsupported mime type %q", mimeType)
	}

	id := uuid.NewString()
	key := path.Join(orgID, id, name)

	hasher := sha256.New()
	size, err := s.objects.Put(key, io.TeeReader(r, hasher))
	if err != nil {
		return nil, fmt.Errorf("store document bytes: %w", err)
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))

	now := time.Now().UTC()
	doc := &Document{
		ID:         id,
		OrgID:      orgID,
		Name:       name,
		FilePath:   key,
		FileSize:   size,
		MimeType:   mimeType,
		Checksum:   checksum,
		UploadedBy: uploadedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.Exec(`INSERT INTO documents (id, organization_id, name, file_path, file_size, mime_type, checksum, uploaded_by, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		doc.ID, doc.OrgID, doc.Name, doc.FilePath, doc.FileSize, doc.MimeType, doc.Checksum, doc.UploadedBy,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		_ = s.objects.Delete(key)
		return nil, fmt.Errorf("insert document: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(EventUploaded, map[string]any{
			"document_id":     doc.ID,
			"organization_id": doc.OrgID,
			"name":            doc.Name,
			"mime_type":       doc.MimeType,
			"file_size":       doc.FileSize,
		})
	}
	return doc, nil
}

// Get returns a document scoped to one organization.
func (s *Store) Get(orgID, id string) (*Document, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, name, file_path, file_size, mime_type, checksum, uploaded_by, metadata, created_at, updated_at
		FROM documents WHERE id = ? AND organization_id = ?`, id, orgID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document %s not found", id)
	}
	return doc, err
}

// Open returns a reader over the document's bytes.
func (s *Store) Open(orgID, id string) (io.ReadCloser, *Document, error) {
	doc, err := s.Get(orgID, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.objects.Get(doc.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open document bytes: %w", err)
	}
	return rc, doc, nil
}

// List returns an organization's documents, newest first.
func (s *Store) List(orgID string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, organization_id, name, file_path, file_size, mime_type, checksum, uploaded_by, metadata, created_at, updated_at
		FROM documents WHERE organization_id = ? ORDER BY created_at DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			continue
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// Delete removes the row (pages and extractions cascade) and the bytes.
func (s *Store) Delete(orgID, id string) error {
	doc, err := s.Get(orgID, id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id); err != nil {
		return err
	}
	return s.objects.Delete(doc.FilePath)
}

// AddPage records one extracted page.
func (s *Store) AddPage(p *Page) (*Page, error) {
	if p.Number < 1 {
		return nil, apperr.Validation("page number must be >= 1")
	}
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	meta, _ := json.Marshal(p.Metadata)
	if p.Metadata == nil {
		meta = []byte("{}")
	}
	_, err := s.db.Exec(`INSERT INTO document_pages (id, document_id, page_number, text_content, ocr_confidence, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DocumentID, p.Number, p.TextContent, p.OCRConfidence, string(meta),
		p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Pages returns a document's pages in page order.
func (s *Store) Pages(documentID string) ([]Page, error) {
	rows, err := s.db.Query(`SELECT id, document_id, page_number, text_content, ocr_confidence, metadata, created_at
		FROM document_pages WHERE document_id = ? ORDER BY page_number`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Page, 0)
	for rows.Next() {
		var (
			p          Page
			text       sql.NullString
			confidence sql.NullFloat64
			meta       string
			createdAt  string
		)
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Number, &text, &confidence, &meta, &createdAt); err != nil {
			continue
		}
		p.TextContent = text.String
		p.OCRConfidence = confidence.Float64
		_ = json.Unmarshal([]byte(meta), &p.Metadata)
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddExtraction records structured data pulled from a document.
func (s *Store) AddExtraction(e *Extraction) (*Extraction, error) {
	if e.Type == "" {
		return nil, apperr.Validation("extraction type is required")
	}
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	data, _ := json.Marshal(e.Data)
	if e.Data == nil {
		data = []byte("{}")
	}
	_, err := s.db.Exec(`INSERT INTO document_extractions (id, document_id, extraction_type, structured_data, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, e.Type, string(data), e.Confidence,
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Extractions returns a document's extractions, newest first.
func (s *Store) Extractions(documentID string) ([]Extraction, error) {
	rows, err := s.db.Query(`SELECT id, document_id, extraction_type, structured_data, confidence, created_at
		FROM document_extractions WHERE document_id = ? ORDER BY created_at DESC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Extraction, 0)
	for rows.Next() {
		var (
			e          Extraction
			data       string
			confidence sql.NullFloat64
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Type, &data, &confidence, &createdAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(data), &e.Data)
		e.Confidence = confidence.Float64
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (*Document, error) {
	var (
		doc                  Document
		uploadedBy           sql.NullString
		meta                 string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&doc.ID, &doc.OrgID, &doc.Name, &doc.FilePath, &doc.FileSize, &doc.MimeType, &doc.Checksum, &uploadedBy, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.UploadedBy = uploadedBy.String
	_ = json.Unmarshal([]byte(meta), &doc.Metadata)
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &doc, nil
}

// IsNotFound reports whether err carries the not_found kind.
func IsNotFound(err error) bool {
	return apperr.IsKind(err, apperr.KindNotFound)
}
