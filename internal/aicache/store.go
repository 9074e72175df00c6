// Package aicache is a semantic response cache for AI calls, keyed by
// the SHA-256 of the prompt plus the model name.
package aicache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one cached model response.
type Entry struct {
	ID         string     `json:"id"`
	PromptHash string     `json:"prompt_hash"`
	Prompt     string     `json:"prompt"`
	Response   string     `json:"response"`
	Model      string     `json:"model"`
	HitCount   int64      `json:"hit_count"`
	LastHitAt  *time.Time `json:"last_hit_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists cache entries with at most one row per
// (prompt hash, model).
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// NewStore migrates the cache table. ttl governs new entries.
func NewStore(db *sql.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS semantic_cache (
		id          TEXT PRIMARY KEY,
		prompt_hash TEXT NOT NULL,
		prompt      TEXT NOT NULL,
		response    TEXT NOT NULL,
		model       TEXT NOT NULL,
		hit_count   INTEGER NOT NULL DEFAULT 0,
		last_hit_at TEXT,
		expires_at  TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		UNIQUE(prompt_hash, model)
	)`); err != nil {
		return nil, fmt.Errorf("create semantic_cache table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_expiry ON semantic_cache(expires_at)`)
	return &Store{db: db, ttl: ttl}, nil
}

// HashPrompt computes the cache key component for a prompt.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the live entry for (prompt, model) and atomically
// bumps its hit count, or sql.ErrNoRows when absent or expired.
func (s *Store) Lookup(prompt, model string) (*Entry, error) {
	hash := HashPrompt(prompt)
	now := time.Now().UTC()

	res, err := s.db.Exec(`UPDATE semantic_cache SET hit_count = hit_count + 1, last_hit_at = ?
		WHERE prompt_hash = ? AND model = ? AND expires_at > ?`,
		now.Format(time.RFC3339Nano), hash, model, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sql.ErrNoRows
	}

	row := s.db.QueryRow(`SELECT id, prompt_hash, prompt, response, model, hit_count, last_hit_at, expires_at, created_at
		FROM semantic_cache WHERE prompt_hash = ? AND model = ?`, hash, model)
	return scanEntry(row)
}

// Put upserts the response for (prompt, model) with a fresh TTL. An
// existing row keeps its hit count.
func (s *Store) Put(prompt, model, response string) (*Entry, error) {
	now := time.Now().UTC()
	e := &Entry{
		ID:         uuid.NewString(),
		PromptHash: HashPrompt(prompt),
		Prompt:     prompt,
		Response:   response,
		Model:      model,
		ExpiresAt:  now.Add(s.ttl),
		CreatedAt:  now,
	}
	_, err := s.db.Exec(`INSERT INTO semantic_cache (id, prompt_hash, prompt, response, model, hit_count, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(prompt_hash, model) DO UPDATE SET
			response = excluded.response,
			expires_at = excluded.expires_at`,
		e.ID, e.PromptHash, prompt, response, model,
		e.ExpiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert cache entry: %w", err)
	}
	return e, nil
}

// Sweep deletes expired rows, returning the count removed.
func (s *Store) Sweep(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM semantic_cache WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats returns entry count and total hits for observability.
func (s *Store) Stats() (entries, hits int64, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM semantic_cache`).Scan(&entries, &hits)
	return entries, hits, err
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e                     Entry
		lastHit               sql.NullString
		expiresAt, createdAt  string
	)
	if err := row.Scan(&e.ID, &e.PromptHash, &e.Prompt, &e.Response, &e.Model, &e.HitCount, &lastHit, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	if lastHit.Valid && lastHit.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastHit.String)
		if err == nil {
			e.LastHitAt = &t
		}
	}
	e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

// IsMiss reports whether err signals a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
