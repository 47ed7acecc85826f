package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ArchiveIdempotencyChecker answers whether an event is already in the
// archive. It is the second dedup tier of tracked state.
type ArchiveIdempotencyChecker struct {
	db      *DB
	timeout time.Duration
}

func NewArchiveIdempotencyChecker(db *DB) *ArchiveIdempotencyChecker {
	return &ArchiveIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate looks up idempotencyKey, formatted txHash:logIndex.
func (c *ArchiveIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	txHash, logIndex, err := splitIdempotencyKey(idempotencyKey)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err = c.db.QueryRowContext(ctx,
		c.db.Dialect.Rebind(`SELECT 1 FROM event_archive
			WHERE tx_hash = ? AND log_index = ? AND event_type = ?
			LIMIT 1`),
		txHash, logIndex, eventType,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func splitIdempotencyKey(key string) (string, int64, error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed idempotency key %q", key)
	}
	index, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed idempotency key %q: %w", key, err)
	}
	return strings.ToLower(key[:i]), index, nil
}
