package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type WithdrawalStatus string

const (
	WithdrawalAnnounced WithdrawalStatus = "ANNOUNCED"
	WithdrawalPaid      WithdrawalStatus = "PAID"
	WithdrawalConfirmed WithdrawalStatus = "CONFIRMED"
	WithdrawalCancelled WithdrawalStatus = "CANCELLED"
)

// Active reports whether the withdrawal still blocks a new announcement.
func (s WithdrawalStatus) Active() bool {
	return s == WithdrawalAnnounced || s == WithdrawalPaid
}

// Withdrawal is an announced underlying withdrawal of an agent.
type Withdrawal struct {
	AgentVault       string
	AnnouncementID   uint64
	PaymentReference string
	// AnnouncedAt is the native block timestamp of the announcement.
	AnnouncedAt uint64
	TxHash      string
	Status      WithdrawalStatus
}

var ErrWithdrawalNotFound = errors.New("withdrawal not found")

// WithdrawalStore persists the announce/pay/confirm flow per agent vault.
type WithdrawalStore struct {
	db *DB
}

func NewWithdrawalStore(db *DB) *WithdrawalStore {
	return &WithdrawalStore{db: db}
}

func (s *WithdrawalStore) Insert(ctx context.Context, w Withdrawal) error {
	if w.Status == "" {
		w.Status = WithdrawalAnnounced
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Dialect.Rebind(`INSERT INTO underlying_withdrawals
			(agent_vault, announcement_id, payment_reference, announced_at, tx_hash, status)
			VALUES (?, ?, ?, ?, ?, ?)`),
		w.AgentVault, int64(w.AnnouncementID), w.PaymentReference, int64(w.AnnouncedAt),
		nullString(w.TxHash), string(w.Status),
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal %s/%d: %w", w.AgentVault, w.AnnouncementID, err)
	}
	return nil
}

// Active returns the newest announced or paid withdrawal of vault.
func (s *WithdrawalStore) Active(ctx context.Context, vault string) (Withdrawal, bool, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Dialect.Rebind(`SELECT agent_vault, announcement_id, payment_reference, announced_at, tx_hash, status
			FROM underlying_withdrawals
			WHERE agent_vault = ? AND status IN ('ANNOUNCED', 'PAID')
			ORDER BY announcement_id DESC LIMIT 1`),
		vault,
	)
	var (
		w          Withdrawal
		id, at     int64
		txHash     sql.NullString
		statusText string
	)
	err := row.Scan(&w.AgentVault, &id, &w.PaymentReference, &at, &txHash, &statusText)
	if errors.Is(err, sql.ErrNoRows) {
		return Withdrawal{}, false, nil
	}
	if err != nil {
		return Withdrawal{}, false, fmt.Errorf("load active withdrawal of %s: %w", vault, err)
	}
	w.AnnouncementID = uint64(id)
	w.AnnouncedAt = uint64(at)
	w.TxHash = txHash.String
	w.Status = WithdrawalStatus(statusText)
	return w, true, nil
}

// MarkPaid records the underlying payment of an announced withdrawal.
func (s *WithdrawalStore) MarkPaid(ctx context.Context, vault string, id uint64, txHash string) error {
	return s.update(ctx, vault, id, WithdrawalPaid, txHash)
}

// Close moves a withdrawal to a terminal status.
func (s *WithdrawalStore) Close(ctx context.Context, vault string, id uint64, status WithdrawalStatus) error {
	if status.Active() {
		return fmt.Errorf("close withdrawal %s/%d: %s is not terminal", vault, id, status)
	}
	return s.update(ctx, vault, id, status, "")
}

func (s *WithdrawalStore) update(ctx context.Context, vault string, id uint64, status WithdrawalStatus, txHash string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Dialect.Rebind(`UPDATE underlying_withdrawals
			SET status = ?, tx_hash = COALESCE(?, tx_hash), updated_at = CURRENT_TIMESTAMP
			WHERE agent_vault = ? AND announcement_id = ?`),
		string(status), nullString(txHash), vault, int64(id),
	)
	if err != nil {
		return fmt.Errorf("update withdrawal %s/%d: %w", vault, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update withdrawal %s/%d: %w", vault, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%d", ErrWithdrawalNotFound, vault, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
