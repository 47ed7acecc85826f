package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrPositionRegressed is returned when a save would move a position back.
var ErrPositionRegressed = errors.New("ledger position regressed")

// PositionStore keeps named ledger positions (the next native block to
// read). Every save appends a row; the newest row is the current value.
type PositionStore struct {
	db *DB
}

func NewPositionStore(db *DB) *PositionStore {
	return &PositionStore{db: db}
}

// Load returns the current value of name and whether one was ever saved.
func (s *PositionStore) Load(ctx context.Context, name string) (uint64, bool, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		s.db.Dialect.Rebind(`SELECT value_number FROM ledger_positions WHERE name = ? ORDER BY id DESC LIMIT 1`),
		name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load position %s: %w", name, err)
	}
	return uint64(value), true, nil
}

// Save records value for name. Saving the current value is a no-op and a
// lower value fails with ErrPositionRegressed.
func (s *PositionStore) Save(ctx context.Context, name string, value uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save position %s: %w", name, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		s.db.Dialect.Rebind(`SELECT value_number FROM ledger_positions WHERE name = ? ORDER BY id DESC LIMIT 1`),
		name,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("save position %s: %w", name, err)
	case value < uint64(current):
		return fmt.Errorf("%w: %s %d < %d", ErrPositionRegressed, name, value, current)
	case value == uint64(current):
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		s.db.Dialect.Rebind(`INSERT INTO ledger_positions (name, value_number) VALUES (?, ?)`),
		name, int64(value),
	); err != nil {
		return fmt.Errorf("save position %s: %w", name, err)
	}
	return tx.Commit()
}
