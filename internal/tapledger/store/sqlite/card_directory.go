package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/tapledger/internal/db"
)

// CardDirectory resolves RFIDs through the employee_cards table.
type CardDirectory struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewCardDirectory(db *sql.DB, writer *dbpkg.Writer) *CardDirectory {
	return &CardDirectory{db: db, writer: writer}
}

// Resolve only matches active cards.
func (d *CardDirectory) Resolve(ctx context.Context, rfid string) (int64, bool, error) {
	rfid = strings.TrimSpace(rfid)
	if rfid == "" {
		return 0, false, nil
	}

	var id int64
	err := d.db.QueryRowContext(ctx, `
SELECT employee_id FROM employee_cards WHERE rfid = ? AND active = 1;
`, rfid).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("Resolve query: %w", err)
	}
	return id, true, nil
}

// AssignCard issues rfid to employeeID, reactivating or reassigning an
// existing card.
func (d *CardDirectory) AssignCard(ctx context.Context, rfid string, employeeID int64) error {
	rfid = strings.TrimSpace(rfid)
	if rfid == "" {
		return errors.New("AssignCard: empty rfid")
	}
	ms := time.Now().UTC().UnixMilli()

	return d.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO employee_cards(rfid, employee_id, active, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(rfid) DO UPDATE SET
  employee_id   = excluded.employee_id,
  active        = 1,
  updated_at_ms = excluded.updated_at_ms;
`, rfid, employeeID, ms, ms); err != nil {
			return fmt.Errorf("AssignCard upsert: %w", err)
		}
		return nil
	})
}

// RevokeCard deactivates a card. Revoking an unknown card is a no-op.
func (d *CardDirectory) RevokeCard(ctx context.Context, rfid string) error {
	ms := time.Now().UTC().UnixMilli()
	return d.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE employee_cards SET active = 0, updated_at_ms = ? WHERE rfid = ?;
`, ms, strings.TrimSpace(rfid)); err != nil {
			return fmt.Errorf("RevokeCard update: %w", err)
		}
		return nil
	})
}
