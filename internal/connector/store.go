package connector

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Store persists connectors. Credentials pass through the cipher on
// both sides so plaintext never touches the database.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

// NewStore migrates the connectors table.
func NewStore(db *sql.DB, cipher *Cipher) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS connectors (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		provider        TEXT NOT NULL,
		base_url        TEXT NOT NULL DEFAULT '',
		credentials     TEXT NOT NULL DEFAULT '',
		settings        TEXT NOT NULL DEFAULT '{}',
		is_active       INTEGER NOT NULL DEFAULT 1,
		last_used_at    TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE(organization_id, name)
	)`); err != nil {
		return nil, fmt.Errorf("create connectors table: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

// Create stores a connector with sealed credentials.
func (s *Store) Create(c *Connector) (*Connector, error) {
	if c.Name == "" || c.Provider == "" {
		return nil, apperr.Validation("connector name and provider are required")
	}

	creds, err := s.sealCredentials(c.Credentials)
	if err != nil {
		return nil, err
	}
	settings, _ := json.Marshal(c.Settings)

	now := time.Now().UTC()
	c.ID = uuid.NewString()
	c.Active = true
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err = s.db.Exec(`INSERT INTO connectors (id, organization_id, name, provider, base_url, credentials, settings, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		c.ID, c.OrgID, c.Name, c.Provider, c.BaseURL, creds, string(settings),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert connector: %w", err)
	}
	return c, nil
}

// Get returns a connector with decrypted credentials.
func (s *Store) Get(orgID, id string) (*Connector, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, name, provider, base_url, credentials, settings, is_active, last_used_at, created_at, updated_at
		FROM connectors WHERE id = ? AND organization_id = ?`, id, orgID)
	return s.scan(row)
}

// List returns an organization's connectors with credentials omitted.
func (s *Store) List(orgID string) ([]Connector, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, name, provider, base_url, '', settings, is_active, last_used_at, created_at, updated_at
		FROM connectors WHERE organization_id = ? ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Connector, 0)
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCredentials replaces a connector's sealed credentials.
func (s *Store) UpdateCredentials(orgID, id string, creds map[string]string) error {
	sealed, err := s.sealCredentials(creds)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE connectors SET credentials = ?, updated_at = ? WHERE id = ? AND organization_id = ?`,
		sealed, time.Now().UTC().Format(time.RFC3339Nano), id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchUsage stamps a connector call.
func (s *Store) TouchUsage(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE connectors SET last_used_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), id)
	return err
}

// Delete removes a connector.
func (s *Store) Delete(orgID, id string) error {
	res, err := s.db.Exec(`DELETE FROM connectors WHERE id = ? AND organization_id = ?`, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) sealCredentials(creds map[string]string) (string, error) {
	if len(creds) == 0 {
		return "", nil
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return s.cipher.Seal(plaintext)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(sc scanner) (*Connector, error) {
	var (
		c                    Connector
		creds, settings      string
		active               int
		lastUsed             sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&c.ID, &c.OrgID, &c.Name, &c.Provider, &c.BaseURL, &creds, &settings, &active, &lastUsed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if creds != "" {
		plaintext, err := s.cipher.Open(creds)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal(plaintext, &c.Credentials)
	}
	_ = json.Unmarshal([]byte(settings), &c.Settings)
	c.Active = active == 1
	if lastUsed.Valid && lastUsed.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err == nil {
			c.LastUsedAt = &t
		}
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
