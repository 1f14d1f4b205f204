//go:build integration

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/jackc/pgx/v5/pgxpool"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := NewPostgres(pool).EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ensure schema: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresStoreAgainstCockroach(t *testing.T) {
	ctx := context.Background()
	store := NewPostgres(testPool)

	if err := store.Put(ctx, "tokens", []byte(`{"access":"a1","refresh":"r1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "tokens", []byte(`{"access":"a2","refresh":"r1"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.Put(ctx, "user", []byte(`{"email":"user@x.com"}`)); err != nil {
		t.Fatalf("put user: %v", err)
	}

	got, err := store.Get(ctx, "tokens")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"access":"a2","refresh":"r1"}` {
		t.Fatalf("unexpected tokens %s", got)
	}

	if err := store.Delete(ctx, "tokens", "user"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "user"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}
