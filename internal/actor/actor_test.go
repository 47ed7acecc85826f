package actor_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fassetbots/internal/actor"
	"fassetbots/internal/concurrency"
	"fassetbots/internal/event"
	"fassetbots/internal/notifier"
	"fassetbots/internal/observability"
	"fassetbots/internal/simulation"
	"fassetbots/internal/state"
	"fassetbots/internal/state/statetest"
)

const (
	minter        = "0xminter"
	keeperBot     = "0xkeeperbot"
	liquidatorBot = "0xliquidatorbot"
	challengerBot = "0xchallengerbot"
)

// agentSetup sizes the fixture agent: collateral in whole tokens, minted in
// whole XRP, price in 1e-5 USD.
type agentSetup struct {
	vaultUSDC int64
	poolCFLR  int64
	mintedXRP int64
	minter    string
}

// standardAgent has a vault ratio of 15000 BIPS at 2 USD.
var standardAgent = agentSetup{vaultUSDC: 300, poolCFLR: 30_000, mintedXRP: 100, minter: minter}

type recorder struct {
	mu   sync.Mutex
	recs []notifier.Record
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Send(_ context.Context, rec notifier.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

type scenario struct {
	chain      *simulation.Chain
	underlying *simulation.Underlying
	tracked    *state.TrackedState
	metrics    *observability.Metrics
	notes      *recorder
	notifier   *notifier.Notifier
	synced     uint64
}

func newScenario(t *testing.T, setup agentSetup) *scenario {
	t.Helper()
	ctx := context.Background()
	c := simulation.NewChain(simulation.Config{
		Settings:    statetest.Settings(),
		Collaterals: []state.CollateralType{statetest.VaultCollateral(), statetest.PoolCollateral()},
		Prices:      statetest.Prices(200_000),
	})
	ts := state.NewTrackedState(c, zerolog.Nop(), state.Options{})
	require.NoError(t, ts.Initialize(ctx))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	notes := &recorder{}
	s := &scenario{
		chain:      c,
		underlying: simulation.NewUnderlying(2),
		tracked:    ts,
		metrics:    metrics,
		notes:      notes,
		notifier:   notifier.New(ctx, notifier.BotLiquidator, "0xbot", []notifier.Transport{notes}, metrics, zerolog.Nop()),
		synced:     1,
	}
	t.Cleanup(func() { _ = s.notifier.Close(context.Background()) })

	c.CreateAgent(simulation.AgentSpec{
		Vault: statetest.AgentVault, Owner: statetest.AgentOwner, Underlying: statetest.AgentUnderlying,
		Pool: statetest.AgentPool, VaultToken: statetest.VaultToken, PoolFeeShareBIPS: 4_000,
	})
	c.Deposit(statetest.VaultToken, statetest.AgentVault, statetest.Wei(setup.vaultUSDC))
	c.Deposit(statetest.PoolToken, statetest.AgentPool, statetest.Wei(setup.poolCFLR))
	require.NoError(t, c.Mint(statetest.AgentVault, setup.minter, statetest.XRP(setup.mintedXRP)))
	s.underlying.Fund(statetest.AgentUnderlying, statetest.XRP(1_000))
	s.sync(t)
	return s
}

func (s *scenario) deps() actor.Deps {
	return actor.Deps{
		State:        s.tracked,
		AssetManager: s.chain,
		Notifier:     s.notifier,
		Metrics:      s.metrics,
		Logger:       zerolog.Nop(),
	}
}

// sync applies every log since the last sync in (block, logIndex) order.
func (s *scenario) sync(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	head, err := s.chain.BlockNumber(ctx)
	require.NoError(t, err)
	var logs []event.RawLog
	for _, contract := range []string{statetest.VaultToken, statetest.PoolToken, simulation.AssetManagerAddress, simulation.PriceReaderAddress} {
		batch, err := s.chain.Logs(ctx, contract, s.synced+1, head)
		require.NoError(t, err)
		logs = append(logs, batch...)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})
	for _, raw := range logs {
		ev, err := event.Decode(raw)
		require.NoError(t, err, raw.Event)
		_, err = s.tracked.ApplyEvent(ctx, ev)
		require.NoError(t, err, raw.Event)
	}
	s.synced = head
}

func (s *scenario) agent(t *testing.T) state.TrackedAgent {
	t.Helper()
	a, err := s.tracked.Agent(statetest.AgentVault)
	require.NoError(t, err)
	return a
}

func (s *scenario) position(t *testing.T) state.AgentPosition {
	t.Helper()
	now, err := s.chain.Timestamp(context.Background())
	require.NoError(t, err)
	pos, err := s.tracked.Position(statetest.AgentVault, now)
	require.NoError(t, err)
	return pos
}

// titles waits for pending notifications and returns their titles. The
// notifier accepts nothing afterwards.
func (s *scenario) titles(t *testing.T) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.notifier.Close(ctx))
	s.notes.mu.Lock()
	defer s.notes.mu.Unlock()
	out := make([]string, len(s.notes.recs))
	for i, r := range s.notes.recs {
		out[i] = r.Title
	}
	return out
}

// ============================================================================
// Runner
// ============================================================================

type flakyActor struct {
	steps    atomic.Int32
	failures int32
	panicOn  int32
}

func (a *flakyActor) Name() string { return "flaky" }

func (a *flakyActor) RunStep(context.Context) error {
	n := a.steps.Add(1)
	if n == a.panicOn {
		panic("boom")
	}
	if n <= a.failures {
		return errors.New("rpc unavailable")
	}
	return nil
}

func TestRunner_StepFailuresDoNotStopTheLoop(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	a := &flakyActor{failures: 2, panicOn: 3}
	r := actor.NewRunner(a, time.Millisecond, nil, metrics, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	require.Eventually(t, func() bool { return a.steps.Load() >= 5 }, 5*time.Second, time.Millisecond)
	r.RequestStop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, float64(3), promtest.ToFloat64(metrics.ActorStepErrors.WithLabelValues("flaky")))
}

func TestRunner_CancelReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &flakyActor{}
	r := actor.NewRunner(a, time.Hour, nil, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return a.steps.Load() == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type threadedActor struct {
	threads  *concurrency.ScopedRunner
	started  atomic.Bool
	finished atomic.Bool
}

func (a *threadedActor) Name() string                       { return "threaded" }
func (a *threadedActor) Threads() *concurrency.ScopedRunner { return a.threads }

func (a *threadedActor) RunStep(context.Context) error {
	if a.started.Swap(true) {
		return nil
	}
	_, err := a.threads.StartThread("slow", func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		a.finished.Store(true)
		return nil
	})
	return err
}

func TestRunner_DrainsBackgroundThreads(t *testing.T) {
	a := &threadedActor{threads: concurrency.NewScopedRunner(context.Background(), zerolog.Nop(), concurrency.ScopedRunnerOptions{})}
	r := actor.NewRunner(a, time.Millisecond, nil, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	require.Eventually(t, a.started.Load, 5*time.Second, time.Millisecond)
	r.RequestStop()
	require.NoError(t, <-done)

	assert.True(t, a.finished.Load(), "thread must finish before Run returns")
	_, err := a.threads.StartThread("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, concurrency.ErrRunnerStopped)
}

func TestRunner_NotifiesStepFailure(t *testing.T) {
	s := newScenario(t, standardAgent)
	a := &flakyActor{failures: 1}
	r := actor.NewRunner(a, time.Millisecond, s.notifier, s.metrics, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	require.Eventually(t, func() bool { return a.steps.Load() >= 2 }, 5*time.Second, time.Millisecond)
	r.RequestStop()
	require.NoError(t, <-done)

	assert.Equal(t, []string{notifier.TitleActorStepFailed}, s.titles(t))
}
