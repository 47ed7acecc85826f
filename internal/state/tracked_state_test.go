package state_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"fassetbots/internal/event"
	"fassetbots/internal/observability"
	"fassetbots/internal/state"
	st "fassetbots/internal/state/statetest"
)

func newState(t *testing.T) (*state.TrackedState, *st.Loader) {
	t.Helper()
	loader := st.NewLoader()
	ts := state.NewTrackedState(loader, zerolog.Nop(), state.Options{})
	if err := ts.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return ts, loader
}

func populated(t *testing.T) (*state.TrackedState, *st.Loader) {
	t.Helper()
	ts, loader := newState(t)
	if err := st.Populate(context.Background(), ts, 10); err != nil {
		t.Fatalf("populate: %v", err)
	}
	return ts, loader
}

func mustApply(t *testing.T, ts *state.TrackedState, ev event.Event) bool {
	t.Helper()
	applied, err := ts.ApplyEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.EventType(), err)
	}
	return applied
}

func agent(t *testing.T, ts *state.TrackedState) state.TrackedAgent {
	t.Helper()
	a, err := ts.Agent(st.AgentVault)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	return a
}

func requireAmount(t *testing.T, name string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestApplyBeforeInitialize(t *testing.T) {
	ts := state.NewTrackedState(st.NewLoader(), zerolog.Nop(), state.Options{})
	_, err := ts.ApplyEvent(context.Background(), st.AgentCreated(1))
	if !errors.Is(err, state.ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestPopulatedAgent(t *testing.T) {
	ts, _ := populated(t)
	a := agent(t, ts)

	requireAmount(t, "vault collateral", a.VaultCollateralWei(), st.Wei(300))
	requireAmount(t, "pool collateral", a.TotalPoolCollateralNATWei, st.Wei(30_000))
	requireAmount(t, "minted", a.MintedUBA, st.XRP(100))
	requireAmount(t, "reserved", a.ReservedUBA, new(big.Int))
	requireAmount(t, "underlying", a.UnderlyingBalanceUBA, st.XRP(100))
	requireAmount(t, "supply", ts.FAssetSupply(), st.XRP(100))
	requireAmount(t, "free underlying", a.FreeUnderlyingBalanceUBA(ts.Settings()), new(big.Int))

	if a.Status != state.StatusNormal {
		t.Errorf("status: got %s, want NORMAL", a.Status)
	}
	if byUnderlying, err := ts.AgentByUnderlying(st.AgentUnderlying); err != nil || byUnderlying.VaultAddress != st.AgentVault {
		t.Errorf("by underlying: got %v %v", byUnderlying.VaultAddress, err)
	}
}

func TestAgentCopiesAreIndependent(t *testing.T) {
	ts, _ := populated(t)
	a := agent(t, ts)
	a.MintedUBA.SetInt64(0)
	a.TotalVaultCollateralWei[st.VaultToken].SetInt64(0)

	fresh := agent(t, ts)
	requireAmount(t, "minted", fresh.MintedUBA, st.XRP(100))
	requireAmount(t, "vault collateral", fresh.VaultCollateralWei(), st.Wei(300))
}

// ============================================================================
// Idempotency
// ============================================================================

func TestDuplicateEventAppliedOnce(t *testing.T) {
	ts, _ := populated(t)
	topUp := &event.UnderlyingBalanceToppedUp{
		Meta: st.Meta(20, 0), AgentVault: st.AgentVault, UnderlyingTxHash: "abc", DepositedUBA: st.XRP(5),
	}
	if !mustApply(t, ts, topUp) {
		t.Fatal("first delivery should apply")
	}
	if mustApply(t, ts, topUp) {
		t.Fatal("second delivery should be ignored")
	}
	requireAmount(t, "underlying", agent(t, ts).UnderlyingBalanceUBA, st.XRP(105))
}

func TestTerminalRequestEventAppliedOnce(t *testing.T) {
	ts, _ := populated(t)
	mustApply(t, ts, &event.RedemptionRequested{
		Meta: st.Meta(20, 0), AgentVault: st.AgentVault, RequestID: 2, ValueUBA: st.XRP(10), FeeUBA: new(big.Int),
	})
	def := func(block uint64) *event.RedemptionDefault {
		return &event.RedemptionDefault{
			Meta: st.Meta(block, 0), AgentVault: st.AgentVault, RequestID: 2, RedemptionAmountUBA: st.XRP(10),
		}
	}
	if !mustApply(t, ts, def(21)) {
		t.Fatal("first default should apply")
	}
	// same request, different log
	if mustApply(t, ts, def(22)) {
		t.Fatal("second terminal event for the request should be ignored")
	}
	requireAmount(t, "redeeming", agent(t, ts).RedeemingUBA, new(big.Int))
}

func TestArchiveTierDeduplicates(t *testing.T) {
	loader := st.NewLoader()
	archive := archiveStub{seen: map[string]bool{"AgentVaultCreated:" + st.AgentCreated(3).IdempotencyKey(): true}}
	ts := state.NewTrackedState(loader, zerolog.Nop(), state.Options{ArchiveChecker: archive})
	if err := ts.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if mustApply(t, ts, st.AgentCreated(3)) {
		t.Fatal("archived event should be ignored")
	}
	if len(ts.Agents()) != 0 {
		t.Errorf("agents: got %d, want 0", len(ts.Agents()))
	}
}

type archiveStub struct{ seen map[string]bool }

func (a archiveStub) IsDuplicate(eventType, key string) (bool, error) {
	return a.seen[eventType+":"+key], nil
}

type countingArchive struct{ lookups int }

func (a *countingArchive) IsDuplicate(string, string) (bool, error) {
	a.lookups++
	return false, nil
}

type failingArchive struct{}

func (failingArchive) IsDuplicate(string, string) (bool, error) {
	return false, errors.New("archive down")
}

type keySource struct {
	keys  []string
	limit int
}

func (k *keySource) RecentKeys(_ context.Context, limit int) ([]string, error) {
	k.limit = limit
	return k.keys, nil
}

func TestWarmIdempotencySkipsArchiveLookups(t *testing.T) {
	ctx := context.Background()
	archive := &countingArchive{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ts := state.NewTrackedState(st.NewLoader(), zerolog.Nop(), state.Options{
		IdempotencyCapacity: 10, ArchiveChecker: archive, Metrics: metrics,
	})
	if err := ts.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	src := &keySource{keys: []string{"AgentVaultCreated:" + st.AgentCreated(3).IdempotencyKey()}}
	n, err := ts.WarmIdempotency(ctx, src)
	if err != nil || n != 1 {
		t.Fatalf("warm: got (%d, %v)", n, err)
	}
	if src.limit != 10 {
		t.Errorf("limit: got %d, want the dedup capacity 10", src.limit)
	}

	if mustApply(t, ts, st.AgentCreated(3)) {
		t.Fatal("warmed event should be ignored")
	}
	if archive.lookups != 0 {
		t.Errorf("archive lookups: got %d, want 0", archive.lookups)
	}
	if got := promtest.ToFloat64(metrics.IdempotencyHits.WithLabelValues("lru")); got != 1 {
		t.Errorf("lru hits: got %v, want 1", got)
	}
}

func TestIdempotencyMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ts := state.NewTrackedState(st.NewLoader(), zerolog.Nop(), state.Options{
		IdempotencyCapacity: 2, ArchiveChecker: failingArchive{}, Metrics: metrics,
	})
	if err := ts.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := st.Populate(ctx, ts, 10); err != nil {
		t.Fatalf("populate: %v", err)
	}

	lookups := promtest.ToFloat64(metrics.IdempotencyArchiveErrors)
	if lookups == 0 {
		t.Fatal("every lookup of a new event should reach the failing archive")
	}
	if got := promtest.ToFloat64(metrics.IdempotencyKeys); got != 2 {
		t.Errorf("keys: got %v, want capacity 2", got)
	}
	if got := promtest.ToFloat64(metrics.IdempotencyEvictions); got != lookups-2 {
		t.Errorf("evictions: got %v, want %v", got, lookups-2)
	}
}

// ============================================================================
// Event handlers
// ============================================================================

func TestRedemptionPoolAccounting(t *testing.T) {
	ts, _ := populated(t)
	mustApply(t, ts, &event.RedemptionRequested{
		Meta: st.Meta(20, 0), AgentVault: st.AgentVault, RequestID: 2, ValueUBA: st.XRP(10), FeeUBA: new(big.Int),
	})
	// odd ids are pool self-close redemptions
	mustApply(t, ts, &event.RedemptionRequested{
		Meta: st.Meta(20, 1), AgentVault: st.AgentVault, RequestID: 3, ValueUBA: st.XRP(5), FeeUBA: new(big.Int),
	})

	a := agent(t, ts)
	requireAmount(t, "minted", a.MintedUBA, st.XRP(85))
	requireAmount(t, "redeeming", a.RedeemingUBA, st.XRP(15))
	requireAmount(t, "pool redeeming", a.PoolRedeemingUBA, st.XRP(10))
	requireAmount(t, "supply", ts.FAssetSupply(), st.XRP(85))

	mustApply(t, ts, &event.RedemptionPerformed{
		Meta: st.Meta(21, 0), AgentVault: st.AgentVault, RequestID: 2, UnderlyingTxHash: "tx",
		RedemptionAmountUBA: st.XRP(10), SpentUnderlyingUBA: st.XRP(9),
	})
	a = agent(t, ts)
	requireAmount(t, "redeeming", a.RedeemingUBA, st.XRP(5))
	requireAmount(t, "pool redeeming", a.PoolRedeemingUBA, new(big.Int))
	requireAmount(t, "underlying", a.UnderlyingBalanceUBA, st.XRP(91))
}

func TestMintingReservationReleased(t *testing.T) {
	ts, _ := populated(t)
	mustApply(t, ts, &event.CollateralReserved{
		Meta: st.Meta(20, 0), AgentVault: st.AgentVault, CollateralReservationID: 7,
		ValueUBA: st.XRP(10), FeeUBA: big.NewInt(100_000),
	})
	// pool fee = 100000 * 4000 / 10000
	requireAmount(t, "reserved", agent(t, ts).ReservedUBA, big.NewInt(10_040_000))

	mustApply(t, ts, &event.MintingPaymentDefault{
		Meta: st.Meta(21, 0), AgentVault: st.AgentVault, CollateralReservationID: 7,
		ReservedAmountUBA: big.NewInt(10_040_000),
	})
	requireAmount(t, "reserved", agent(t, ts).ReservedUBA, new(big.Int))
}

func TestTransferRouting(t *testing.T) {
	ts, _ := populated(t)
	// pool token sent to the vault is not vault collateral
	mustApply(t, ts, st.Deposit(20, 0, st.PoolToken, st.AgentVault, st.Wei(5)))
	// vault token sent to the pool is not pool collateral
	mustApply(t, ts, st.Deposit(20, 1, st.VaultToken, st.AgentPool, st.Wei(5)))
	mustApply(t, ts, st.Withdraw(20, 2, st.VaultToken, st.AgentVault, st.Wei(100)))
	// unknown token
	if mustApply(t, ts, st.Deposit(20, 3, "0xunknown", st.AgentVault, st.Wei(5))) {
		t.Error("transfer of untracked token should not apply")
	}

	a := agent(t, ts)
	requireAmount(t, "vault collateral", a.VaultCollateralWei(), st.Wei(200))
	requireAmount(t, "pool collateral", a.TotalPoolCollateralNATWei, st.Wei(30_000))
	if _, ok := a.TotalVaultCollateralWei[st.PoolToken]; ok {
		t.Error("pool token must not be tracked as vault collateral")
	}
}

func TestAgentSettingAndCollateralChange(t *testing.T) {
	ts, _ := populated(t)
	mustApply(t, ts, &event.AgentSettingChanged{
		Meta: st.Meta(20, 0), AgentVault: st.AgentVault, Name: "feeBIPS", Value: big.NewInt(250),
	})
	mustApply(t, ts, &event.AgentSettingChanged{
		Meta: st.Meta(20, 1), AgentVault: st.AgentVault, Name: "somethingNew", Value: big.NewInt(1),
	})
	mustApply(t, ts, &event.AgentCollateralTypeChanged{
		Meta: st.Meta(20, 2), AgentVault: st.AgentVault, CollateralClass: event.CollateralClassVault, Token: "0xUSDT",
	})

	a := agent(t, ts)
	if a.Settings.FeeBIPS != 250 {
		t.Errorf("fee: got %d, want 250", a.Settings.FeeBIPS)
	}
	if a.Settings.VaultCollateralToken != "0xusdt" {
		t.Errorf("vault token: got %s, want 0xusdt", a.Settings.VaultCollateralToken)
	}
	requireAmount(t, "new vault collateral", a.VaultCollateralWei(), new(big.Int))
	requireAmount(t, "old vault collateral", a.TotalVaultCollateralWei[st.VaultToken], st.Wei(300))
}

func TestStatusEvents(t *testing.T) {
	ts, _ := populated(t)
	mustApply(t, ts, &event.AgentInCCB{Meta: st.Meta(20, 0), AgentVault: st.AgentVault, Timestamp: 1000})
	mustApply(t, ts, &event.LiquidationStarted{Meta: st.Meta(21, 0), AgentVault: st.AgentVault, Timestamp: 1200})

	a := agent(t, ts)
	if a.Status != state.StatusLiquidation || a.CCBStartTimestamp != 1000 || a.LiquidationStartTimestamp != 1200 {
		t.Fatalf("got status=%s ccb=%d liq=%d", a.Status, a.CCBStartTimestamp, a.LiquidationStartTimestamp)
	}
	if got := ts.AgentsByStatus(state.StatusLiquidation, state.StatusFullLiquidation); len(got) != 1 {
		t.Errorf("liquidating agents: got %d, want 1", len(got))
	}

	mustApply(t, ts, &event.LiquidationEnded{Meta: st.Meta(22, 0), AgentVault: st.AgentVault})
	a = agent(t, ts)
	if a.Status != state.StatusNormal || a.LiquidationStartTimestamp != 0 {
		t.Errorf("after end: status=%s liq=%d", a.Status, a.LiquidationStartTimestamp)
	}

	mustApply(t, ts, &event.AgentDestroyAnnounced{Meta: st.Meta(23, 0), AgentVault: st.AgentVault, DestroyAllowedAt: 5000})
	mustApply(t, ts, &event.AgentDestroyed{Meta: st.Meta(24, 0), AgentVault: st.AgentVault})
	a = agent(t, ts)
	if a.Status != state.StatusDestroyed || a.DestroyAllowedAt != 5000 {
		t.Errorf("destroyed: status=%s allowedAt=%d", a.Status, a.DestroyAllowedAt)
	}
}

func TestUnderlyingWithdrawal(t *testing.T) {
	ts, _ := populated(t)
	mustApply(t, ts, &event.UnderlyingWithdrawalAnnounced{
		Meta: st.Meta(20, 0), AgentVault: st.AgentVault, AnnouncementID: 4,
		PaymentReference: event.AnnouncedWithdrawalPaymentReference(4),
	})
	if got := agent(t, ts).AnnouncedUnderlyingWithdrawalID; got != 4 {
		t.Fatalf("announcement: got %d, want 4", got)
	}
	mustApply(t, ts, &event.UnderlyingWithdrawalConfirmed{
		Meta: st.Meta(21, 0), AgentVault: st.AgentVault, AnnouncementID: 4, SpentUBA: st.XRP(1),
	})
	a := agent(t, ts)
	if a.AnnouncedUnderlyingWithdrawalID != 0 {
		t.Errorf("announcement: got %d, want 0", a.AnnouncedUnderlyingWithdrawalID)
	}
	requireAmount(t, "underlying", a.UnderlyingBalanceUBA, st.XRP(99))
	requireAmount(t, "free underlying", a.FreeUnderlyingBalanceUBA(ts.Settings()), st.XRP(-1))
}

// ============================================================================
// Settings
// ============================================================================

func TestSettingChanged(t *testing.T) {
	ts, _ := newState(t)
	mustApply(t, ts, &event.SettingChanged{Meta: st.Meta(5, 0), Name: "lotSizeAMG", Value: big.NewInt(2_000_000)})
	mustApply(t, ts, &event.SettingChanged{Meta: st.Meta(5, 1), Name: "redemptionFeeBIPS", Value: big.NewInt(50)})

	s := ts.Settings()
	requireAmount(t, "lot size", s.LotSizeAMG, big.NewInt(2_000_000))
	requireAmount(t, "extra", s.Extra["redemptionFeeBIPS"], big.NewInt(50))
}

func TestUnknownSettingIsAnError(t *testing.T) {
	ts, _ := newState(t)
	ev := &event.SettingChanged{Meta: st.Meta(5, 0), Name: "notASetting", Value: big.NewInt(1)}
	for i := 0; i < 2; i++ {
		_, err := ts.ApplyEvent(context.Background(), ev)
		if !errors.Is(err, state.ErrUnknownSetting) {
			t.Fatalf("attempt %d: got %v, want ErrUnknownSetting", i, err)
		}
	}
}

// ============================================================================
// Lazy agent load
// ============================================================================

func TestLazyAgentLoadRespectsInitBlock(t *testing.T) {
	ts, loader := newState(t)
	loader.PutAgent(state.TrackedAgent{
		VaultAddress: "0xAgent2",
		Settings:     state.AgentSettings{VaultCollateralToken: st.VaultToken},
		MintedUBA:    st.XRP(50),
	})
	loader.SetBlock(100)

	// already reflected in the loaded state
	if mustApply(t, ts, &event.SelfClose{Meta: st.Meta(90, 0), AgentVault: "0xagent2", ValueUBA: st.XRP(5)}) {
		t.Error("event before init block should not apply")
	}
	if !mustApply(t, ts, &event.SelfClose{Meta: st.Meta(110, 0), AgentVault: "0xagent2", ValueUBA: st.XRP(5)}) {
		t.Error("event after init block should apply")
	}

	a, err := ts.Agent("0xAGENT2")
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	requireAmount(t, "minted", a.MintedUBA, st.XRP(45))
	if loader.AgentInfoCalls != 1 {
		t.Errorf("agent info calls: got %d, want 1", loader.AgentInfoCalls)
	}
}

func TestLazyAgentLoadFailureLeavesStateUnchanged(t *testing.T) {
	ts, _ := newState(t)
	_, err := ts.ApplyEvent(context.Background(), &event.SelfClose{Meta: st.Meta(5, 0), AgentVault: "0xmissing", ValueUBA: st.XRP(1)})
	if !errors.Is(err, state.ErrAgentNotFound) {
		t.Fatalf("got %v, want ErrAgentNotFound", err)
	}
	requireAmount(t, "supply", ts.FAssetSupply(), new(big.Int))
}

// ============================================================================
// Collateral ratio and transitions
// ============================================================================

func TestCollateralRatios(t *testing.T) {
	ts, _ := populated(t)
	pos, err := ts.Position(st.AgentVault, 2_000)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	requireAmount(t, "vault cr", pos.VaultCR, big.NewInt(15_000))
	requireAmount(t, "pool cr", pos.PoolCR, big.NewInt(30_000))
	if pos.Transition != state.StatusNormal {
		t.Errorf("transition: got %s, want NORMAL", pos.Transition)
	}
}

func TestCollateralRatioUsesBetterOfTrustedPrice(t *testing.T) {
	ts, loader := populated(t)
	loader.SetPrices(st.Prices(240_000))
	loader.SetTrusted(st.Prices(200_000))
	mustApply(t, ts, &event.PricesPublished{Meta: st.Meta(20, 0), VotingRoundID: 1})

	cr, err := ts.CollateralRatioBIPS(st.AgentVault, event.CollateralClassVault, 2_000)
	if err != nil {
		t.Fatalf("cr: %v", err)
	}
	requireAmount(t, "vault cr", cr, big.NewInt(15_000))
}

func TestLiquidationTransitions(t *testing.T) {
	ts, loader := populated(t)
	publish := func(block uint64, assetUSD5 int64) {
		loader.SetPrices(st.Prices(assetUSD5))
		mustApply(t, ts, &event.PricesPublished{Meta: st.Meta(block, 0)})
	}
	transition := func(now uint64) state.AgentStatus {
		s, err := ts.PossibleLiquidationTransition(st.AgentVault, now)
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		return s
	}

	// 300 / 220 = 13636 BIPS: below min, above ccb min
	publish(20, 220_000)
	if got := transition(1_000); got != state.StatusCCB {
		t.Fatalf("got %s, want CCB", got)
	}
	mustApply(t, ts, &event.AgentInCCB{Meta: st.Meta(21, 0), AgentVault: st.AgentVault, Timestamp: 1_000})
	if got := transition(1_100); got != state.StatusCCB {
		t.Errorf("inside ccb window: got %s, want CCB", got)
	}
	if got := transition(1_180); got != state.StatusLiquidation {
		t.Errorf("ccb expired: got %s, want LIQUIDATION", got)
	}

	// 300 / 240 = 12500 BIPS
	publish(22, 240_000)
	mustApply(t, ts, &event.LiquidationStarted{Meta: st.Meta(23, 0), AgentVault: st.AgentVault, Timestamp: 1_200})
	if got := transition(1_200); got != state.StatusLiquidation {
		t.Errorf("got %s, want LIQUIDATION", got)
	}

	// back to exactly safety min
	publish(24, 200_000)
	if got := transition(1_300); got != state.StatusNormal {
		t.Errorf("recovered: got %s, want NORMAL", got)
	}
}

func TestNoMintingMeansMaxRatio(t *testing.T) {
	ts, _ := newState(t)
	mustApply(t, ts, st.AgentCreated(5))
	cr, err := ts.CollateralRatioBIPS(st.AgentVault, event.CollateralClassPool, 2_000)
	if err != nil {
		t.Fatalf("cr: %v", err)
	}
	if cr.BitLen() != 256 {
		t.Errorf("got %s, want max uint256", cr)
	}
}

// ============================================================================
// Observers
// ============================================================================

func TestObserversSeeAppliedEventsInOrder(t *testing.T) {
	ts, _ := newState(t)
	var seen []event.EventType
	ts.Subscribe(func(ev event.Event) { seen = append(seen, ev.EventType()) })

	if err := st.Populate(context.Background(), ts, 10); err != nil {
		t.Fatalf("populate: %v", err)
	}
	mustApply(t, ts, st.AgentCreated(10)) // duplicate

	want := []event.EventType{
		event.EventTypeAgentVaultCreated, event.EventTypeTransfer, event.EventTypeTransfer,
		event.EventTypeCollateralReserved, event.EventTypeMintingExecuted,
	}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestInitializeResetsAgents(t *testing.T) {
	ts, _ := populated(t)
	if err := ts.Initialize(context.Background()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if n := len(ts.Agents()); n != 0 {
		t.Errorf("agents after reinit: got %d, want 0", n)
	}
}
