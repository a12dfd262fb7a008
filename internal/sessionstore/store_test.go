package sessionstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLookupNotFoundWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Lookup("sess-1"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertThenLookup(t *testing.T) {
	store := openTestStore(t)
	sess := Session{ID: "sess-1", ContainerID: "container-1", ProjectID: "proj-1", Status: "active"}
	if err := store.Upsert(sess); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Lookup("sess-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != sess {
		t.Fatalf("got %+v, want %+v", got, sess)
	}
}

func TestLookupIgnoresInactiveStatus(t *testing.T) {
	store := openTestStore(t)
	if err := store.Upsert(Session{ID: "sess-1", ContainerID: "container-1", ProjectID: "proj-1", Status: "evicted"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, err := store.Lookup("sess-1"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound for inactive session", err)
	}
}

func TestUpsertOverwritesExisting(t *testing.T) {
	store := openTestStore(t)
	if err := store.Upsert(Session{ID: "sess-1", ContainerID: "container-1", ProjectID: "proj-1", Status: "active"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(Session{ID: "sess-1", ContainerID: "container-2", ProjectID: "proj-1", Status: "active"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Lookup("sess-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ContainerID != "container-2" {
		t.Fatalf("ContainerID = %q, want container-2", got.ContainerID)
	}
}

func TestPingSucceedsOnOpenStore(t *testing.T) {
	store := openTestStore(t)
	if err := store.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
