package sqlitedb

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := Open(ctx, ":memory:", log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	v, err := Version(ctx, db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Fatalf("expected at least one migration applied, got version %d", v)
	}

	if err := Migrate(ctx, db, log); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}
	v2, _ := Version(ctx, db)
	if v2 != v {
		t.Fatalf("version changed on re-run: %d -> %d", v, v2)
	}

	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if fk != 1 {
		t.Fatalf("expected foreign keys enabled")
	}
}

func TestUnixNanoRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	if got := FromUnixNano(UnixNano(now)); !got.Equal(now) {
		t.Fatalf("round trip mismatch: %v != %v", got, now)
	}
	if UnixNano(time.Time{}) != 0 {
		t.Fatalf("zero time should encode as 0")
	}
	if !FromUnixNano(0).IsZero() {
		t.Fatalf("0 should decode as zero time")
	}
}
