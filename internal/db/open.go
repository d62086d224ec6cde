package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultPath = "./data/tapledger.db"

type Config struct {
	Path string
	// BusyTimeout is how long a connection waits on a lock held by another
	// process (for example a run-once invocation next to serve).
	BusyTimeout time.Duration
}

// DSN builds the modernc.org/sqlite connection string with per-connection
// pragmas. A path of ":memory:" yields a private in-memory database.
func DSN(cfg Config) string {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	pragmas := fmt.Sprintf(
		"_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
		cfg.BusyTimeout.Milliseconds(),
	)
	if cfg.Path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	return "file:" + cfg.Path + sep + pragmas
}

// Open opens (creating if needed) the SQLite database and applies migrations.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// All writes are funnelled through one Writer; one connection keeps
	// SQLite from ever seeing concurrent writers inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
