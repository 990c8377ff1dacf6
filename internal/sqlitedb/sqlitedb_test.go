package sqlitedb_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"transcoder/internal/sqlitedb"
)

func TestOpenAppliesWAL(t *testing.T) {
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}
}

func TestRetryOnBusy(t *testing.T) {
	ctx := context.Background()
	busy := errors.New("database is locked")

	calls := 0
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after 3 calls, got calls=%d err=%v", calls, err)
	}

	calls = 0
	other := errors.New("constraint failed")
	if err := sqlitedb.RetryOnBusy(ctx, func() error { calls++; return other }); !errors.Is(err, other) || calls != 1 {
		t.Fatalf("expected non-busy error without retry, got calls=%d err=%v", calls, err)
	}

	calls = 0
	if err := sqlitedb.RetryOnBusy(ctx, func() error { calls++; return busy }); !errors.Is(err, busy) || calls != 5 {
		t.Fatalf("expected busy error after 5 attempts, got calls=%d err=%v", calls, err)
	}
}

func TestPlaceholders(t *testing.T) {
	cases := map[int]string{0: "", 1: "?", 3: "?,?,?"}
	for count, want := range cases {
		if got := sqlitedb.Placeholders(count); got != want {
			t.Fatalf("Placeholders(%d) = %q, want %q", count, got, want)
		}
	}
}
