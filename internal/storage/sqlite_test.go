package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestSQLiteRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "karyon.db")

	store, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := store.Get(ctx, "chat_history"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if err := store.Put(ctx, "chat_history", []byte(`{"1":[]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "chat_history", []byte(`{"1":[],"2":[]}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "chat_history")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != `{"1":[],"2":[]}` {
		t.Fatalf("unexpected value %s", got)
	}
}

func TestSQLiteDeleteMultipleKeys(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "karyon.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for _, key := range []string{"tokens", "user", "chat_history"} {
		if err := store.Put(ctx, key, []byte(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	if err := store.Delete(ctx, "tokens", "user"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, key := range []string{"tokens", "user"} {
		if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s deleted got %v", key, err)
		}
	}
	if _, err := store.Get(ctx, "chat_history"); err != nil {
		t.Fatalf("unrelated key should survive: %v", err)
	}
}
