package identity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Store persists users, sessions, API keys, and login attempts.
type Store struct {
	db *sql.DB
}

// NewStore migrates the identity tables on the shared database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		first_name    TEXT NOT NULL DEFAULT '',
		last_name     TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		is_active     INTEGER NOT NULL DEFAULT 1,
		is_superuser  INTEGER NOT NULL DEFAULT 0,
		mfa_enabled   INTEGER NOT NULL DEFAULT 0,
		mfa_secret    TEXT NOT NULL DEFAULT '',
		last_login_at TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS user_sessions (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		refresh_token_hash TEXT NOT NULL,
		user_agent         TEXT NOT NULL DEFAULT '',
		ip_address         TEXT NOT NULL DEFAULT '',
		expires_at         TEXT NOT NULL,
		revoked_at         TEXT,
		created_at         TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create user_sessions table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		prefix          TEXT NOT NULL,
		key_hash        TEXT NOT NULL,
		scopes          TEXT NOT NULL DEFAULT '[]',
		last_used_at    TEXT,
		expires_at      TEXT,
		is_active       INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create api_keys table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS login_attempts (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		success    INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create login_attempts table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_hash ON user_sessions(refresh_token_hash)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_login_attempts_key ON login_attempts(email, ip_address, created_at)`)

	return &Store{db: db}, nil
}

// CreateUser inserts a new account. The password hash must already be
// computed by the caller.
func (s *Store) CreateUser(email, firstName, lastName, passwordHash string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, apperr.Validation("email is required")
	}
	now := time.Now().UTC()
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.Exec(`INSERT INTO users (id, email, first_name, last_name, password_hash, is_active, is_superuser, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		u.ID, u.Email, u.FirstName, u.LastName, u.PasswordHash,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperr.New(apperr.KindConflict, "email %q is already registered", email)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser returns one user by id.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, first_name, last_name, password_hash, is_active, is_superuser, mfa_enabled, mfa_secret, last_login_at, created_at, updated_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail returns one user by email.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, first_name, last_name, password_hash, is_active, is_superuser, mfa_enabled, mfa_secret, last_login_at, created_at, updated_at
		FROM users WHERE email = ?`, strings.TrimSpace(strings.ToLower(email)))
	return scanUser(row)
}

// TouchLastLogin stamps a successful login.
func (s *Store) TouchLastLogin(userID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), userID)
	return err
}

// SetMFA enables or disables the second factor. Disabling clears the
// stored secret.
func (s *Store) SetMFA(userID string, enabled bool, secret string) error {
	flag := 0
	if enabled {
		flag = 1
	} else {
		secret = ""
	}
	res, err := s.db.Exec(`UPDATE users SET mfa_enabled = ?, mfa_secret = ?, updated_at = ? WHERE id = ?`,
		flag, secret, time.Now().UTC().Format(time.RFC3339Nano), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdatePassword replaces the stored hash and revokes every session so
// stolen refresh tokens die with the old password.
func (s *Store) UpdatePassword(userID, passwordHash string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, passwordHash, now, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE user_sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`, now, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateSession inserts a session row for an already-hashed refresh token.
func (s *Store) CreateSession(userID, tokenHash, userAgent, ip string, expiresAt time.Time) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		RefreshTokenHash: tokenHash,
		UserAgent:        userAgent,
		IPAddress:        ip,
		ExpiresAt:        expiresAt.UTC(),
		CreatedAt:        now,
	}
	_, err := s.db.Exec(`INSERT INTO user_sessions (id, user_id, refresh_token_hash, user_agent, ip_address, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, userID, tokenHash, userAgent, ip,
		sess.ExpiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// SessionByTokenHash looks up a session by the hash of its refresh token.
func (s *Store) SessionByTokenHash(tokenHash string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, user_id, refresh_token_hash, user_agent, ip_address, expires_at, revoked_at, created_at
		FROM user_sessions WHERE refresh_token_hash = ?`, tokenHash)
	return scanSession(row)
}

// RevokeSession marks one session revoked.
func (s *Store) RevokeSession(id string) error {
	res, err := s.db.Exec(`UPDATE user_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RevokeUserSessions revokes every live session of a user.
func (s *Store) RevokeUserSessions(userID string) error {
	_, err := s.db.Exec(`UPDATE user_sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), userID)
	return err
}

// PurgeExpiredSessions deletes sessions past expiry, returning the count.
func (s *Store) PurgeExpiredSessions(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM user_sessions WHERE expires_at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertAPIKey stores a new API key row.
func (s *Store) InsertAPIKey(k *APIKey) error {
	scopes, _ := json.Marshal(k.Scopes)
	var expires any
	if k.ExpiresAt != nil {
		expires = k.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(`INSERT INTO api_keys (id, organization_id, user_id, name, prefix, key_hash, scopes, expires_at, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		k.ID, k.OrgID, k.UserID, k.Name, k.Prefix, k.KeyHash, string(scopes), expires,
		k.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// APIKeysByPrefix returns the active keys matching a prefix. Prefixes
// are not unique, so the caller compares hashes across the candidates.
func (s *Store) APIKeysByPrefix(prefix string) ([]APIKey, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, user_id, name, prefix, key_hash, scopes, last_used_at, expires_at, is_active, created_at
		FROM api_keys WHERE prefix = ? AND is_active = 1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]APIKey, 0, 1)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			continue
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// ListAPIKeys returns an organization's keys, raw hash omitted by the
// JSON tags.
func (s *Store) ListAPIKeys(orgID string) ([]APIKey, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, user_id, name, prefix, key_hash, scopes, last_used_at, expires_at, is_active, created_at
		FROM api_keys WHERE organization_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]APIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			continue
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// TouchAPIKey stamps key usage.
func (s *Store) TouchAPIKey(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), id)
	return err
}

// RevokeAPIKey deactivates a key.
func (s *Store) RevokeAPIKey(id string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordLoginAttempt appends one attempt row.
func (s *Store) RecordLoginAttempt(email, ip string, success bool) error {
	flag := 0
	if success {
		flag = 1
	}
	_, err := s.db.Exec(`INSERT INTO login_attempts (id, email, ip_address, success, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), strings.ToLower(email), ip, flag, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// FailedAttemptsSince counts consecutive failures for (email, ip) since
// the cutoff. Any success inside the window resets the count to the
// failures after it.
func (s *Store) FailedAttemptsSince(email, ip string, since time.Time) (int, error) {
	rows, err := s.db.Query(`SELECT success FROM login_attempts
		WHERE email = ? AND ip_address = ? AND created_at >= ?
		ORDER BY created_at DESC`,
		strings.ToLower(email), ip, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var success int
		if err := rows.Scan(&success); err != nil {
			return 0, err
		}
		if success == 1 {
			break
		}
		count++
	}
	return count, rows.Err()
}

// PurgeLoginAttempts drops attempt rows older than the cutoff.
func (s *Store) PurgeLoginAttempts(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM login_attempts WHERE created_at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*User, error) {
	var (
		u                    User
		active, super, mfa   int
		lastLogin            sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &active, &super, &mfa, &u.MFASecret, &lastLogin, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Active = active == 1
	u.Superuser = super == 1
	u.MFAEnabled = mfa == 1
	u.LastLoginAt = nullableTime(lastLogin)
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &u, nil
}

func scanSession(sc scanner) (*Session, error) {
	var (
		s                    Session
		expiresAt, createdAt string
		revokedAt            sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.UserAgent, &s.IPAddress, &expiresAt, &revokedAt, &createdAt); err != nil {
		return nil, err
	}
	s.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	s.RevokedAt = nullableTime(revokedAt)
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &s, nil
}

func scanAPIKey(sc scanner) (*APIKey, error) {
	var (
		k                   APIKey
		scopes              string
		lastUsed, expiresAt sql.NullString
		active              int
		createdAt           string
	)
	if err := sc.Scan(&k.ID, &k.OrgID, &k.UserID, &k.Name, &k.Prefix, &k.KeyHash, &scopes, &lastUsed, &expiresAt, &active, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(scopes), &k.Scopes)
	k.LastUsedAt = nullableTime(lastUsed)
	k.ExpiresAt = nullableTime(expiresAt)
	k.Active = active == 1
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &k, nil
}

func nullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
