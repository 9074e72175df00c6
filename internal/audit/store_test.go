package audit

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"context"

	"github.com/flowpilot-ai/flowpilot/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, 1000)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")

	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewStore(db, 1000)
	if err != nil {
		t.Fatal(err)
	}

	store.Record(Event{
		Type:    EventLoginSuccess,
		OrgID:   "org-1",
		Actor:   "alice@example.com",
		Summary: "logged in",
		Detail:  map[string]any{"ip": "10.0.0.1"},
	})
	store.Record(Event{
		Type:    EventConnectorCreated,
		OrgID:   "org-1",
		Actor:   "alice@example.com",
		Summary: "created slack connector",
	})

	// Query from memory
	events := store.Query(Filter{OrgID: "org-1"})
	if len(events) != 2 {
		t.Fatalf("expected 2 events in memory, got %d", len(events))
	}

	// Count should reflect disk
	if c := store.Count(); c != 2 {
		t.Fatalf("expected 2 persisted events, got %d", c)
	}

	db.Close()

	// Reopen and verify persistence plus cache warm-up
	db2, err := storage.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	store2, err := NewStore(db2, 1000)
	if err != nil {
		t.Fatal(err)
	}

	events = store2.Query(Filter{OrgID: "org-1"})
	if len(events) != 2 {
		t.Fatalf("expected 2 events after reopen, got %d", len(events))
	}
}

func TestStoreQueryPersisted(t *testing.T) {
	store := newTestStore(t)

	store.Record(Event{Type: EventLoginFailed, OrgID: "org-a", Actor: "a", Summary: "s1"})
	store.Record(Event{Type: EventQuotaExceeded, OrgID: "org-b", Actor: "b", Summary: "s2"})
	store.Record(Event{Type: EventLoginFailed, OrgID: "org-a", Actor: "c", Summary: "s3"})

	events, err := store.QueryPersisted(Filter{OrgID: "org-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for org-a, got %d", len(events))
	}

	events, err = store.QueryPersisted(Filter{Type: EventQuotaExceeded})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 quota event, got %d", len(events))
	}

	events, err = store.QueryPersisted(Filter{Actor: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Summary != "s3" {
		t.Fatalf("actor filter returned %+v", events)
	}
}

func TestStoreEmit(t *testing.T) {
	store := newTestStore(t)

	store.Emit(EventSessionRevoked, "org-1", "system", "session revoked")

	if store.Count() != 1 {
		t.Fatalf("expected 1 event, got %d", store.Count())
	}
}

func TestStoreSince(t *testing.T) {
	store := newTestStore(t)

	store.Record(Event{Type: EventLoginSuccess, OrgID: "org-1", Summary: "old"})
	time.Sleep(50 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(50 * time.Millisecond)
	store.Record(Event{Type: EventLoginSuccess, OrgID: "org-1", Summary: "new"})

	events, err := store.QueryPersisted(Filter{Since: cutoff})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event since cutoff, got %d", len(events))
	}
	if events[0].Summary != "new" {
		t.Fatalf("expected 'new', got %q", events[0].Summary)
	}
}

func TestStoreQueryPersistedCursorPagination(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		store.Record(Event{
			ID:        fmt.Sprintf("evt-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Type:      EventLoginSuccess,
			OrgID:     "org-cursor",
			Summary:   fmt.Sprintf("event-%d", i),
		})
	}

	page1, err := store.QueryPersisted(Filter{OrgID: "org-cursor", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected first page size 2, got %d", len(page1))
	}
	if page1[0].ID != "evt-5" || page1[1].ID != "evt-4" {
		t.Fatalf("unexpected first page IDs: %s, %s", page1[0].ID, page1[1].ID)
	}

	page2, err := store.QueryPersisted(Filter{OrgID: "org-cursor", Cursor: page1[1].ID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected second page size 2, got %d", len(page2))
	}
	if page2[0].ID != "evt-3" || page2[1].ID != "evt-2" {
		t.Fatalf("unexpected second page IDs: %s, %s", page2[0].ID, page2[1].ID)
	}
}

func TestStorePurge(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	store.Record(Event{ID: "old-1", Timestamp: now.Add(-72 * time.Hour), Type: EventLoginSuccess, Summary: "old-1"})
	store.Record(Event{ID: "old-2", Timestamp: now.Add(-48 * time.Hour), Type: EventLoginSuccess, Summary: "old-2"})
	store.Record(Event{ID: "new-1", Timestamp: now.Add(-1 * time.Hour), Type: EventLoginSuccess, Summary: "new-1"})

	deleted, err := store.Purge(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}

	events, err := store.QueryPersisted(Filter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after purge, got %d", len(events))
	}
	if events[0].ID != "new-1" {
		t.Fatalf("expected remaining event new-1, got %s", events[0].ID)
	}
}

func TestStoreStreamJSONL(t *testing.T) {
	store := newTestStore(t)

	store.Emit(EventLoginSuccess, "org-1", "alice", "one")
	store.Emit(EventLoginFailed, "org-1", "bob", "two")

	var buf bytes.Buffer
	if err := store.StreamJSONL(context.Background(), &buf, Filter{OrgID: "org-1"}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"two"`) {
		t.Fatalf("expected newest first, got %q", lines[0])
	}
}

func TestStoreStreamCSV(t *testing.T) {
	store := newTestStore(t)

	store.Emit(EventAPIKeyCreated, "org-1", "alice", "created key")

	var buf bytes.Buffer
	if err := store.StreamCSV(context.Background(), &buf, Filter{}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "id,timestamp,type,organization_id,actor,summary") {
		t.Fatalf("missing CSV header: %q", out)
	}
	if !strings.Contains(out, "apikey.created") {
		t.Fatalf("missing event row: %q", out)
	}
}
