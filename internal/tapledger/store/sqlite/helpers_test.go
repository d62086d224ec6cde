package sqlite_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/BrandonDHaskell/tapledger/internal/db"
)

// openTestDB returns an in-memory SQLite connection with the same pragmas and
// schema as production. It is closed when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Subtests share a prefix; the replacer keeps the name a legal URI path.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	// Shared cache keeps the database alive while the pool holds a conn.
	dsn := db.DSN(db.Config{Path: "test_" + name + "?mode=memory&cache=shared"})

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Writer for conn, closed when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Writer {
	t.Helper()

	w := db.NewWriter(conn)
	t.Cleanup(w.Close)
	return w
}
