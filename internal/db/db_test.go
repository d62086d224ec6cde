package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "nested", "ledger.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ── Migrations ───────────────────────────────────────────────────────────────

func TestOpen_CreatesSchema(t *testing.T) {
	conn := openTemp(t)

	for _, table := range []string{
		"ledger_entries", "ledger_rejections", "ledger_duplicates",
		"attendance_events", "employee_cards", "ingest_locks",
	} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?;`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	conn := openTemp(t)

	if err := Migrate(context.Background(), conn); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("schema_migrations rows = %d, want 1", n)
	}
}

func TestLedgerEntriesRejectPayloadUpdates(t *testing.T) {
	conn := openTemp(t)

	if _, err := conn.Exec(`
INSERT INTO ledger_entries(sequence_id, employee_rfid, device_id, event_type, raw_payload, hash_chain)
VALUES (1, 'RFID-1', 'gate', 'clock_in', '{}', 'abc');`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.Exec(`UPDATE ledger_entries SET hash_chain = 'forged' WHERE sequence_id = 1;`); err == nil {
		t.Fatal("expected hash_chain update to be rejected")
	}
	if _, err := conn.Exec(`UPDATE ledger_entries SET processed = 1, processed_at_ms = 1 WHERE sequence_id = 1;`); err != nil {
		t.Fatalf("processed update: %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]int{"0001_init.sql": 1, "0042_add_index.sql": 42}
	for name, want := range cases {
		got, err := parseVersion(name)
		if err != nil || got != want {
			t.Errorf("parseVersion(%q) = %d, %v; want %d", name, got, err, want)
		}
	}
	if _, err := parseVersion("init.sql"); err == nil {
		t.Error("expected error for filename without version prefix")
	}
}

// ── Writer ───────────────────────────────────────────────────────────────────

func TestWriter_RollsBackOnError(t *testing.T) {
	conn := openTemp(t)
	w := NewWriter(conn)
	defer w.Close()

	boom := errors.New("boom")
	err := w.Do(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO employee_cards(rfid, employee_id, created_at_ms, updated_at_ms) VALUES ('RFID-1', 1, 0, 0);`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do err = %v, want boom", err)
	}

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM employee_cards;`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rows = %d after rollback, want 0", n)
	}
}

func TestWriter_CloseIsIdempotentAndRejectsLateJobs(t *testing.T) {
	conn := openTemp(t)
	w := NewWriter(conn)
	w.Close()
	w.Close()

	err := w.Do(context.Background(), func(context.Context, *sql.Tx) error { return nil })
	if !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("Do after Close = %v, want ErrWriterClosed", err)
	}
}

func TestWriter_ExpiredContextSkipsJob(t *testing.T) {
	conn := openTemp(t)
	w := NewWriter(conn)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	ran := false
	err := w.Do(ctx, func(context.Context, *sql.Tx) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do = %v, want deadline exceeded", err)
	}
	if ran {
		t.Fatal("job ran with an expired context")
	}
}

func TestDSN_MemoryAndFile(t *testing.T) {
	if got := DSN(Config{Path: ":memory:"}); got[:14] != "file::memory:?" {
		t.Errorf("memory DSN = %q", got)
	}
	got := DSN(Config{Path: "/tmp/x.db", BusyTimeout: 2 * time.Second})
	want := "file:/tmp/x.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(2000)"
	if got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
