// Package identity manages user accounts, credentials, sessions, and
// API keys. Organization membership and permissions live in the org
// package; identity only answers "who is calling".
package identity

import "time"

// User is a platform account. Email is the login identifier and is
// unique across the instance.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	PasswordHash string     `json:"-"`
	Active       bool       `json:"is_active"`
	Superuser    bool       `json:"is_superuser,omitempty"`
	MFAEnabled   bool       `json:"mfa_enabled"`
	MFASecret    string     `json:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Session is one refresh-token lineage. The raw refresh token is
// returned once at login; only its hash is stored. Rotation revokes
// the old row and inserts a successor.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	RefreshTokenHash string     `json:"-"`
	UserAgent        string     `json:"user_agent,omitempty"`
	IPAddress        string     `json:"ip_address,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Revoked reports whether the session has been explicitly revoked.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// APIKey is a long-lived machine credential scoped to one organization.
// The raw key is shown once at creation; the stored form is a bcrypt
// hash plus a short prefix used for lookup.
type APIKey struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"organization_id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"`
	Scopes     []string   `json:"scopes,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LoginAttempt records one login try for lockout accounting, keyed by
// (email, ip).
type LoginAttempt struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IPAddress string    `json:"ip_address"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}
