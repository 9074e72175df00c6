package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "connector.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cipher, err := NewCipher("test-encryption-key")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	store, err := NewStore(db, cipher)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Seal([]byte(`{"api_key":"sk-123"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == `{"api_key":"sk-123"}` {
		t.Fatal("sealed blob must not be plaintext")
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != `{"api_key":"sk-123"}` {
		t.Fatalf("round trip = %s", opened)
	}

	// A different key cannot open the blob.
	other, _ := NewCipher("other-secret")
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("wrong key must fail to decrypt")
	}
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	store := newTestStore(t)

	c, err := store.Create(&Connector{
		OrgID:       "org-1",
		Name:        "prod slack",
		Provider:    "slack",
		BaseURL:     "https://slack.example.com",
		Credentials: map[string]string{"api_key": "xoxb-secret"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The raw column never holds the plaintext.
	var raw string
	if err := store.db.QueryRow(`SELECT credentials FROM connectors WHERE id = ?`, c.ID).Scan(&raw); err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if raw == "" || containsPlain(raw, "xoxb-secret") {
		t.Fatalf("credentials stored in plaintext: %q", raw)
	}

	got, err := store.Get("org-1", c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Credentials["api_key"] != "xoxb-secret" {
		t.Fatalf("decrypted credentials = %v", got.Credentials)
	}

	// Listing omits credentials entirely.
	list, err := store.List("org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Credentials != nil {
		t.Fatalf("list leaked credentials: %+v", list)
	}
}

func TestClientExecute(t *testing.T) {
	store := newTestStore(t)

	var gotAuth, gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "ts": "123.456"}`))
	}))
	defer server.Close()

	c, err := store.Create(&Connector{
		OrgID:       "org-1",
		Name:        "slack",
		Provider:    "slack",
		BaseURL:     server.URL,
		Credentials: map[string]string{"api_key": "xoxb-secret"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	client := NewClient(store)
	out, err := client.Execute(context.Background(), "org-1", c.ID, "post_message", map[string]any{"channel": "#general"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("output = %v", out)
	}
	if gotAuth != "Bearer xoxb-secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/actions/post_message" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["action"] != "post_message" {
		t.Fatalf("body = %v", gotBody)
	}

	got, _ := store.Get("org-1", c.ID)
	if got.LastUsedAt == nil {
		t.Fatal("usage not stamped")
	}
}

func TestClientExecuteUpstreamError(t *testing.T) {
	store := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", 429)
	}))
	defer server.Close()

	c, _ := store.Create(&Connector{OrgID: "org-1", Name: "x", Provider: "x", BaseURL: server.URL})
	client := NewClient(store)

	_, err := client.Execute(context.Background(), "org-1", c.ID, "do", nil)
	if !apperr.IsKind(err, apperr.KindUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}

	_, err = client.Execute(context.Background(), "org-1", "missing", "do", nil)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func containsPlain(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
