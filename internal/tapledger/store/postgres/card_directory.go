package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CardDirectory resolves RFIDs through the employee_cards table.
type CardDirectory struct {
	pool *pgxpool.Pool
}

func NewCardDirectory(pool *pgxpool.Pool) *CardDirectory {
	return &CardDirectory{pool: pool}
}

func (d *CardDirectory) Resolve(ctx context.Context, rfid string) (int64, bool, error) {
	rfid = strings.TrimSpace(rfid)
	if rfid == "" {
		return 0, false, nil
	}
	var id int64
	err := d.pool.QueryRow(ctx, `
SELECT employee_id FROM employee_cards WHERE rfid = $1 AND active`, rfid).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("Resolve query: %w", err)
	}
	return id, true, nil
}

func (d *CardDirectory) AssignCard(ctx context.Context, rfid string, employeeID int64) error {
	rfid = strings.TrimSpace(rfid)
	if rfid == "" {
		return errors.New("AssignCard: empty rfid")
	}
	if _, err := d.pool.Exec(ctx, `
INSERT INTO employee_cards(rfid, employee_id, active)
VALUES ($1, $2, TRUE)
ON CONFLICT (rfid) DO UPDATE SET
  employee_id = EXCLUDED.employee_id,
  active      = TRUE,
  updated_at  = now()`, rfid, employeeID); err != nil {
		return fmt.Errorf("AssignCard upsert: %w", err)
	}
	return nil
}
