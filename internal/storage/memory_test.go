package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if _, err := store.Get(ctx, "tokens"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	value := []byte(`{"access":"a1"}`)
	if err := store.Put(ctx, "tokens", value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'x'

	got, err := store.Get(ctx, "tokens")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"access":"a1"}` {
		t.Fatalf("stored value aliased caller buffer: %s", got)
	}

	if err := store.Put(ctx, "user", []byte(`{}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "tokens", "user"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Has("tokens") || store.Has("user") {
		t.Fatal("expected both keys removed")
	}
}
