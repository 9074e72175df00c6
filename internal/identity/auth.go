package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/config"
)

const apiKeyPrefixLen = 12

// TokenPair is what a successful login or refresh returns. The refresh
// token is opaque and single-use; the access token is a signed JWT.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Claims is the payload of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Authenticator issues and verifies credentials against the store.
type Authenticator struct {
	store  *Store
	cfg    config.AuthConfig
	logger *zap.Logger
	now    func() time.Time
	mfa    CodeVerifier
}

// NewAuthenticator wires an authenticator over the identity store.
func NewAuthenticator(store *Store, cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("auth"),
		now:    time.Now,
		mfa:    TOTPVerifier{},
	}
}

// Register creates an account from an email and plaintext password.
func (a *Authenticator) Register(email, password, firstName, lastName string) (*User, error) {
	if len(password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return a.store.CreateUser(email, firstName, lastName, string(hash))
}

// Login verifies credentials, enforces the lockout window, records the
// attempt, and mints a token pair with a fresh session. mfaCode is
// required when the account has a second factor enabled.
func (a *Authenticator) Login(email, password, mfaCode, userAgent, ip string) (*User, *TokenPair, error) {
	now := a.now().UTC()

	failures, err := a.store.FailedAttemptsSince(email, ip, now.Add(-a.cfg.LockoutDuration))
	if err != nil {
		return nil, nil, err
	}
	if failures >= a.cfg.MaxLoginAttempts {
		a.logger.Warn("login locked out", zap.String("email", email), zap.String("ip", ip))
		return nil, nil, apperr.New(apperr.KindAuthentication,
			"too many failed login attempts, try again later")
	}

	user, err := a.store.GetUserByEmail(email)
	if err != nil {
		if IsNotFound(err) {
			_ = a.store.RecordLoginAttempt(email, ip, false)
			return nil, nil, apperr.New(apperr.KindAuthentication, "invalid email or password")
		}
		return nil, nil, err
	}
	if !user.Active {
		_ = a.store.RecordLoginAttempt(email, ip, false)
		return nil, nil, apperr.New(apperr.KindAuthentication, "account is disabled")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		_ = a.store.RecordLoginAttempt(email, ip, false)
		return nil, nil, apperr.New(apperr.KindAuthentication, "invalid email or password")
	}
	if user.MFAEnabled {
		if mfaCode == "" {
			return nil, nil, apperr.New(apperr.KindAuthentication, "mfa code required")
		}
		if !a.mfa.Verify(user.MFASecret, mfaCode, now) {
			_ = a.store.RecordLoginAttempt(email, ip, false)
			return nil, nil, apperr.New(apperr.KindAuthentication, "invalid mfa code")
		}
	}

	_ = a.store.RecordLoginAttempt(email, ip, true)
	_ = a.store.TouchLastLogin(user.ID, now)

	pair, err := a.issuePair(user, userAgent, ip)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("login", zap.String("user_id", user.ID))
	return user, pair, nil
}

// EnableMFA mints a shared secret and turns the second factor on. The
// secret is returned once for the user to enroll their authenticator.
func (a *Authenticator) EnableMFA(userID string) (string, error) {
	secret := GenerateMFASecret()
	if err := a.store.SetMFA(userID, true, secret); err != nil {
		return "", err
	}
	a.logger.Info("mfa enabled", zap.String("user_id", userID))
	return secret, nil
}

// DisableMFA turns the second factor off and discards the secret.
func (a *Authenticator) DisableMFA(userID string) error {
	return a.store.SetMFA(userID, false, "")
}

// Refresh rotates a refresh token: the presented token's session is
// revoked and a new session and pair are issued. A revoked or expired
// token is rejected.
func (a *Authenticator) Refresh(refreshToken, userAgent, ip string) (*TokenPair, error) {
	sess, err := a.store.SessionByTokenHash(hashToken(refreshToken))
	if err != nil {
		if IsNotFound(err) {
			return nil, apperr.New(apperr.KindAuthentication, "invalid refresh token")
		}
		return nil, err
	}
	now := a.now().UTC()
	if sess.Revoked() || sess.Expired(now) {
		return nil, apperr.New(apperr.KindAuthentication, "refresh token is no longer valid")
	}
	user, err := a.store.GetUser(sess.UserID)
	if err != nil || !user.Active {
		return nil, apperr.New(apperr.KindAuthentication, "account is disabled")
	}
	if err := a.store.RevokeSession(sess.ID); err != nil {
		return nil, err
	}
	return a.issuePair(user, userAgent, ip)
}

// Logout revokes the session behind a refresh token. Unknown tokens are
// a no-op so logout is idempotent.
func (a *Authenticator) Logout(refreshToken string) error {
	sess, err := a.store.SessionByTokenHash(hashToken(refreshToken))
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	err = a.store.RevokeSession(sess.ID)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// VerifyAccessToken parses and validates a JWT and loads its user.
func (a *Authenticator) VerifyAccessToken(tokenString string) (*User, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, apperr.New(apperr.KindAuthentication, "invalid access token")
	}
	user, err := a.store.GetUser(claims.Subject)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthentication, "invalid access token")
	}
	if !user.Active {
		return nil, apperr.New(apperr.KindAuthentication, "account is disabled")
	}
	return user, nil
}

// CreateAPIKey mints a machine credential. The raw key is returned once
// and never stored.
func (a *Authenticator) CreateAPIKey(orgID, userID, name string, scopes []string, expiresAt *time.Time) (*APIKey, string, error) {
	raw := "fp_" + randomHex(24)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}
	k := &APIKey{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		Name:      name,
		Prefix:    raw[:apiKeyPrefixLen],
		KeyHash:   string(hash),
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		Active:    true,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.InsertAPIKey(k); err != nil {
		return nil, "", err
	}
	return k, raw, nil
}

// VerifyAPIKey resolves a raw key to its record by prefix lookup plus
// hash comparison, and stamps its usage.
func (a *Authenticator) VerifyAPIKey(raw string) (*APIKey, error) {
	if len(raw) < apiKeyPrefixLen {
		return nil, apperr.New(apperr.KindAuthentication, "invalid api key")
	}
	candidates, err := a.store.APIKeysByPrefix(raw[:apiKeyPrefixLen])
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	for i := range candidates {
		k := &candidates[i]
		if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil {
			_ = a.store.TouchAPIKey(k.ID, now)
			return k, nil
		}
	}
	return nil, apperr.New(apperr.KindAuthentication, "invalid api key")
}

func (a *Authenticator) issuePair(user *User, userAgent, ip string) (*TokenPair, error) {
	now := a.now().UTC()
	expiresAt := now.Add(a.cfg.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Email: user.Email,
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := randomHex(32)
	if _, err := a.store.CreateSession(user.ID, hashToken(refresh), userAgent, ip, now.Add(a.cfg.RefreshTokenTTL)); err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
