package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fassetbots/internal/event"
)

// ArchiveRow is one applied event in event_archive.
type ArchiveRow struct {
	TxHash         string
	LogIndex       uint64
	EventType      string
	Contract       string
	AgentVault     string
	BlockNumber    uint64
	BlockTimestamp uint64
	Payload        []byte
}

// RowFromEvent encodes ev for the archive.
func RowFromEvent(ev event.Event) (ArchiveRow, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return ArchiveRow{}, fmt.Errorf("encode %s payload: %w", ev.EventType(), err)
	}
	meta := ev.Metadata()
	row := ArchiveRow{
		TxHash:         strings.ToLower(meta.TransactionHash),
		LogIndex:       meta.LogIndex,
		EventType:      ev.EventType().String(),
		Contract:       meta.Contract,
		BlockNumber:    meta.BlockNumber,
		BlockTimestamp: meta.BlockTimestamp,
		Payload:        payload,
	}
	if ae, ok := ev.(event.AgentEvent); ok {
		row.AgentVault = ae.Agent()
	}
	return row, nil
}

// ArchiveWriter writes archive rows with multi-row inserts. Rows already
// archived are skipped, so replays are harmless.
type ArchiveWriter struct {
	db *DB
}

func NewArchiveWriter(db *DB) *ArchiveWriter {
	return &ArchiveWriter{db: db}
}

const archiveColumns = 8

// WriteBatch inserts rows in one statement and returns how many were new.
func (w *ArchiveWriter) WriteBatch(ctx context.Context, rows []ArchiveRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO event_archive
		(tx_hash, log_index, event_type, contract, agent_vault, block_number, block_timestamp, payload)
		VALUES `)

	args := make([]any, 0, len(rows)*archiveColumns)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.TxHash, int64(r.LogIndex), r.EventType, r.Contract, nullString(r.AgentVault),
			int64(r.BlockNumber), int64(r.BlockTimestamp), string(r.Payload),
		)
	}
	b.WriteString(" ON CONFLICT (tx_hash, log_index) DO NOTHING")

	res, err := w.db.ExecContext(ctx, w.db.Dialect.Rebind(b.String()), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecentKeys returns the idempotency keys of the newest archived events,
// newest last, as event_type:tx_hash:log_index.
func (w *ArchiveWriter) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx,
		w.db.Dialect.Rebind(`SELECT event_type, tx_hash, log_index FROM event_archive
			ORDER BY block_number DESC, log_index DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent archive keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var (
			typ, hash string
			index     int64
		)
		if err := rows.Scan(&typ, &hash, &index); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s:%d", typ, hash, index))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

// Count returns the number of archived events.
func (w *ArchiveWriter) Count(ctx context.Context) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_archive`).Scan(&n)
	return n, err
}
