package persistence_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fassetbots/internal/event"
	"fassetbots/internal/observability"
	"fassetbots/internal/persistence"
	"fassetbots/internal/state"
	"fassetbots/internal/state/statetest"
	"fassetbots/internal/testutil"
)

// ============================================================================
// Dialect & migrator
// ============================================================================

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c IN (?, ?)`
	assert.Equal(t, q, persistence.DialectSQLite.Rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)`, persistence.DialectPostgres.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, err := persistence.ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, persistence.DialectPostgres, d)

	d, err = persistence.ParseDialect("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, persistence.DialectSQLite, d)

	_, err = persistence.ParseDialect("mysql")
	assert.Error(t, err)
}

func TestMigrator_UpDownUp(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t) // already migrated

	m, err := persistence.NewMigrator(db, zerolog.Nop())
	require.NoError(t, err)

	n, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second Up must be a no-op")

	version, err := m.Down(ctx)
	require.NoError(t, err)
	assert.Equal(t, "000003", version)

	_, err = db.ExecContext(ctx, `SELECT 1 FROM underlying_withdrawals`)
	assert.Error(t, err, "table should be dropped")

	n, err = m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMigrator_DownOnEmpty(t *testing.T) {
	ctx := context.Background()
	db, err := persistence.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	m, err := persistence.NewMigrator(db, zerolog.Nop())
	require.NoError(t, err)
	version, err := m.Down(ctx)
	require.NoError(t, err)
	assert.Empty(t, version)
}

// ============================================================================
// Ledger positions
// ============================================================================

func TestPositionStore_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewPositionStore(testutil.SQLiteDB(t))

	_, ok, err := store.Load(ctx, "FXRP")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "FXRP", 100))
	require.NoError(t, store.Save(ctx, "FXRP", 100))
	require.NoError(t, store.Save(ctx, "FXRP", 150))

	err = store.Save(ctx, "FXRP", 120)
	assert.ErrorIs(t, err, persistence.ErrPositionRegressed)

	v, ok, err := store.Load(ctx, "FXRP")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(150), v)

	// names are independent
	require.NoError(t, store.Save(ctx, "FBTC", 7))
	v, _, err = store.Load(ctx, "FBTC")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}

func TestPositionStore_LoadErrorIsWrapped(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`SELECT value_number FROM ledger_positions WHERE name = \$1`).
		WithArgs("FXRP").
		WillReturnError(errors.New("connection refused"))

	store := persistence.NewPositionStore(persistence.Wrap(sqlDB, persistence.DialectPostgres))
	_, _, err = store.Load(context.Background(), "FXRP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load position FXRP")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Withdrawals
// ============================================================================

func TestWithdrawalStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewWithdrawalStore(testutil.SQLiteDB(t))
	vault := statetest.AgentVault

	_, ok, err := store.Active(ctx, vault)
	require.NoError(t, err)
	assert.False(t, ok)

	w := persistence.Withdrawal{
		AgentVault:       vault,
		AnnouncementID:   1,
		PaymentReference: event.AnnouncedWithdrawalPaymentReference(1),
		AnnouncedAt:      1_700_000_100,
	}
	require.NoError(t, store.Insert(ctx, w))

	got, ok, err := store.Active(ctx, vault)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, persistence.WithdrawalAnnounced, got.Status)
	assert.Equal(t, w.PaymentReference, got.PaymentReference)
	assert.Empty(t, got.TxHash)

	require.NoError(t, store.MarkPaid(ctx, vault, 1, "ABCDEF"))
	got, _, err = store.Active(ctx, vault)
	require.NoError(t, err)
	assert.Equal(t, persistence.WithdrawalPaid, got.Status)
	assert.Equal(t, "ABCDEF", got.TxHash)

	assert.Error(t, store.Close(ctx, vault, 1, persistence.WithdrawalPaid))
	require.NoError(t, store.Close(ctx, vault, 1, persistence.WithdrawalConfirmed))

	_, ok, err = store.Active(ctx, vault)
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.Close(ctx, vault, 42, persistence.WithdrawalCancelled)
	assert.ErrorIs(t, err, persistence.ErrWithdrawalNotFound)
}

// ============================================================================
// Event archive
// ============================================================================

func mintingEvents() []event.Event {
	return statetest.Minted(10, 5, statetest.XRP(20))
}

func TestArchiveWriter_SkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t)
	w := persistence.NewArchiveWriter(db)

	var rows []persistence.ArchiveRow
	for _, ev := range mintingEvents() {
		row, err := persistence.RowFromEvent(ev)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	assert.Equal(t, statetest.AgentVault, rows[0].AgentVault)

	n, err := w.WriteBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = w.WriteBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	count, err := w.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	keys, err := w.RecentKeys(ctx, 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "MintingExecuted:"+mintingEvents()[1].IdempotencyKey(), keys[1])
}

func TestArchiveWriter_WarmsTrackedStateDedup(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t)
	w := persistence.NewArchiveWriter(db)

	var rows []persistence.ArchiveRow
	for _, ev := range mintingEvents() {
		row, err := persistence.RowFromEvent(ev)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	_, err := w.WriteBatch(ctx, rows)
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ts := state.NewTrackedState(statetest.NewLoader(), zerolog.Nop(), state.Options{Metrics: metrics})
	require.NoError(t, ts.Initialize(ctx))
	n, err := ts.WarmIdempotency(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, ev := range mintingEvents() {
		applied, err := ts.ApplyEvent(ctx, ev)
		require.NoError(t, err)
		assert.False(t, applied, "%s was archived before the restart", ev.EventType())
	}
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.IdempotencyHits.WithLabelValues("lru")))
}

func TestArchiveWriter_PostgresStatement(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	row, err := persistence.RowFromEvent(mintingEvents()[0])
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO event_archive .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\) ON CONFLICT \(tx_hash, log_index\) DO NOTHING`).
		WithArgs(row.TxHash, int64(0), "CollateralReserved", row.Contract, sqlmock.AnyArg(), int64(10), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := persistence.NewArchiveWriter(persistence.Wrap(sqlDB, persistence.DialectPostgres))
	n, err := w.WriteBatch(context.Background(), []persistence.ArchiveRow{row})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveIdempotencyChecker(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t)
	evs := mintingEvents()

	row, err := persistence.RowFromEvent(evs[0])
	require.NoError(t, err)
	_, err = persistence.NewArchiveWriter(db).WriteBatch(ctx, []persistence.ArchiveRow{row})
	require.NoError(t, err)

	c := persistence.NewArchiveIdempotencyChecker(db)

	dup, err := c.IsDuplicate("CollateralReserved", evs[0].IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = c.IsDuplicate("MintingExecuted", evs[1].IdempotencyKey())
	require.NoError(t, err)
	assert.False(t, dup)

	_, err = c.IsDuplicate("CollateralReserved", "no-index")
	assert.Error(t, err)
}

func TestArchiveIdempotencyChecker_SecondTierOfTrackedState(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t)

	ts := state.NewTrackedState(statetest.NewLoader(), zerolog.Nop(), state.Options{
		ArchiveChecker: persistence.NewArchiveIdempotencyChecker(db),
	})
	require.NoError(t, ts.Initialize(ctx))

	created := statetest.AgentCreated(3)
	row, err := persistence.RowFromEvent(created)
	require.NoError(t, err)
	_, err = persistence.NewArchiveWriter(db).WriteBatch(ctx, []persistence.ArchiveRow{row})
	require.NoError(t, err)

	applied, err := ts.ApplyEvent(ctx, created)
	require.NoError(t, err)
	assert.False(t, applied, "archived event must not be applied again")
	_, err = ts.Agent(statetest.AgentVault)
	assert.ErrorIs(t, err, state.ErrAgentNotFound)
}

// ============================================================================
// Archive worker
// ============================================================================

func TestEventArchiveWorker_FlushesOnSizeAndTimeout(t *testing.T) {
	db := testutil.SQLiteDB(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := persistence.NewEventArchiveWorker(db, persistence.ArchiveWorkerConfig{
		BatchSize:    2,
		FlushTimeout: 20 * time.Millisecond,
	}, metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	evs := append(mintingEvents(), statetest.Deposit(11, 0, statetest.VaultToken, statetest.AgentVault, big.NewInt(5)))
	for _, ev := range evs {
		require.True(t, worker.Submit(ev))
	}
	// a redelivered log must not create a second row
	require.True(t, worker.Submit(evs[0]))

	writer := persistence.NewArchiveWriter(db)
	require.Eventually(t, func() bool {
		n, err := writer.Count(context.Background())
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, float64(4), promtest.ToFloat64(metrics.ArchiveEventsWritten))
}

func TestEventArchiveWorker_RetriesWithBackoff(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(`INSERT INTO event_archive`).WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(`INSERT INTO event_archive`).WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(`INSERT INTO event_archive`).WillReturnResult(sqlmock.NewResult(0, 1))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := persistence.NewEventArchiveWorker(persistence.Wrap(sqlDB, persistence.DialectPostgres),
		persistence.ArchiveWorkerConfig{
			BatchSize:      1,
			FlushTimeout:   time.Hour,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
		}, metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	require.True(t, worker.Submit(mintingEvents()[0]))
	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.ArchiveErrors.WithLabelValues("retry")))
}

func TestEventArchiveWorker_SubmitDropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := persistence.NewEventArchiveWorker(testutil.SQLiteDB(t), persistence.ArchiveWorkerConfig{
		BatchSize: 1,
		QueueSize: 1,
	}, metrics, zerolog.Nop())

	evs := mintingEvents()
	assert.True(t, worker.Submit(evs[0]))
	assert.False(t, worker.Submit(evs[1]))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.ArchiveDrops))
}

// ============================================================================
// Postgres (integration)
// ============================================================================

func TestPostgres_StoresRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testutil.PostgresDB(t)

	positions := persistence.NewPositionStore(db)
	require.NoError(t, positions.Save(ctx, "FXRP", 42))
	v, ok, err := positions.Load(ctx, "FXRP")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)

	withdrawals := persistence.NewWithdrawalStore(db)
	require.NoError(t, withdrawals.Insert(ctx, persistence.Withdrawal{
		AgentVault:       statetest.AgentVault,
		AnnouncementID:   3,
		PaymentReference: event.AnnouncedWithdrawalPaymentReference(3),
		AnnouncedAt:      1_700_000_000,
	}))
	got, ok, err := withdrawals.Active(ctx, statetest.AgentVault)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.AnnouncementID)

	w := persistence.NewArchiveWriter(db)
	var rows []persistence.ArchiveRow
	for _, ev := range mintingEvents() {
		row, err := persistence.RowFromEvent(ev)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	n, err := w.WriteBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), n)

	dup, err := persistence.NewArchiveIdempotencyChecker(db).IsDuplicate("MintingExecuted", mintingEvents()[1].IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)
}
