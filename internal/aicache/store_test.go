package aicache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/storage"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, ttl)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutAndLookup(t *testing.T) {
	store := newTestStore(t, time.Hour)

	if _, err := store.Lookup("hello", "gpt-4o-mini"); !IsMiss(err) {
		t.Fatalf("expected miss on empty cache, got %v", err)
	}

	if _, err := store.Put("hello", "gpt-4o-mini", "hi there"); err != nil {
		t.Fatalf("put: %v", err)
	}

	e, err := store.Lookup("hello", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.Response != "hi there" || e.HitCount != 1 {
		t.Fatalf("entry = %+v", e)
	}
	if e.LastHitAt == nil {
		t.Fatal("last hit not stamped")
	}

	// Hit count is monotone.
	e, _ = store.Lookup("hello", "gpt-4o-mini")
	if e.HitCount != 2 {
		t.Fatalf("hit count = %d, want 2", e.HitCount)
	}

	// A different model is a different key.
	if _, err := store.Lookup("hello", "gpt-4o"); !IsMiss(err) {
		t.Fatalf("expected miss for other model, got %v", err)
	}
}

func TestUpsertKeepsHitCount(t *testing.T) {
	store := newTestStore(t, time.Hour)
	_, _ = store.Put("prompt", "m", "first")
	_, _ = store.Lookup("prompt", "m")
	_, _ = store.Lookup("prompt", "m")

	if _, err := store.Put("prompt", "m", "second"); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	e, err := store.Lookup("prompt", "m")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.Response != "second" {
		t.Fatalf("response = %q", e.Response)
	}
	if e.HitCount != 3 {
		t.Fatalf("hit count = %d, want 3", e.HitCount)
	}
}

func TestExpiryAndSweep(t *testing.T) {
	store := newTestStore(t, time.Millisecond)
	_, _ = store.Put("ephemeral", "m", "gone soon")
	time.Sleep(5 * time.Millisecond)

	if _, err := store.Lookup("ephemeral", "m"); !IsMiss(err) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}

	removed, err := store.Sweep(time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("swept %d, want 1", removed)
	}

	entries, _, err := store.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if entries != 0 {
		t.Fatalf("entries after sweep = %d", entries)
	}
}

func TestHashPromptStable(t *testing.T) {
	if HashPrompt("a") != HashPrompt("a") {
		t.Fatal("hash must be deterministic")
	}
	if HashPrompt("a") == HashPrompt("b") {
		t.Fatal("distinct prompts must not collide trivially")
	}
	if len(HashPrompt("a")) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(HashPrompt("a")))
	}
}
