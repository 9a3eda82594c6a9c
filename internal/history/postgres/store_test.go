package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/stagelive/internal/history"
	"github.com/MrWong99/stagelive/internal/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if STAGELIVE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("STAGELIVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STAGELIVE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS performed_turns CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AppendAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, ch := range []string{"maho", "may", "maho"} {
		e := history.Entry{
			SegmentID: ch + "-" + string(rune('a'+i)),
			Character: ch,
			Name:      ch,
			Text:      "line",
			Chunks:    i,
			Started:   base.Add(time.Duration(i) * time.Minute),
			Finished:  base.Add(time.Duration(i)*time.Minute + 10*time.Second),
		}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(got))
	}
	if got[0].SegmentID != "may-b" || got[1].SegmentID != "maho-c" {
		t.Errorf("order = [%s %s], want [may-b maho-c]", got[0].SegmentID, got[1].SegmentID)
	}
	if d := got[1].Duration(); d != 10*time.Second {
		t.Errorf("Duration = %v, want 10s", d)
	}

	all, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Recent(0) returned %d entries, want 3", len(all))
	}
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	for range 2 {
		if err := postgres.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
}
