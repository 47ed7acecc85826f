package simulation_test

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
	"fassetbots/internal/liquidation"
	"fassetbots/internal/simulation"
	"fassetbots/internal/state"
	"fassetbots/internal/state/statetest"
)

const liquidatorBot = "0xliquidatorbot"

type scenario struct {
	chain   *simulation.Chain
	tracked *state.TrackedState
	synced  uint64
}

// newScenario creates the fixture agent with 300 USDC, 30000 CFLR and 100 XRP
// minted to the liquidator bot, at a vault ratio of 15000 BIPS.
func newScenario(t *testing.T) *scenario {
	t.Helper()
	ctx := context.Background()
	c := simulation.NewChain(simulation.Config{
		Settings:    statetest.Settings(),
		Collaterals: []state.CollateralType{statetest.VaultCollateral(), statetest.PoolCollateral()},
		Prices:      statetest.Prices(200_000),
	})
	ts := state.NewTrackedState(c, zerolog.Nop(), state.Options{})
	if err := ts.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	s := &scenario{chain: c, tracked: ts, synced: 1}

	c.CreateAgent(simulation.AgentSpec{
		Vault: statetest.AgentVault, Owner: statetest.AgentOwner, Underlying: statetest.AgentUnderlying,
		Pool: statetest.AgentPool, VaultToken: statetest.VaultToken, PoolFeeShareBIPS: 4_000,
	})
	c.Deposit(statetest.VaultToken, statetest.AgentVault, statetest.Wei(300))
	c.Deposit(statetest.PoolToken, statetest.AgentPool, statetest.Wei(30_000))
	if err := c.Mint(statetest.AgentVault, liquidatorBot, statetest.XRP(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	s.sync(t)
	return s
}

// sync applies every log since the last sync in (block, logIndex) order.
func (s *scenario) sync(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	head, _ := s.chain.BlockNumber(ctx)
	var logs []event.RawLog
	for _, contract := range []string{statetest.VaultToken, statetest.PoolToken, simulation.AssetManagerAddress, simulation.PriceReaderAddress} {
		batch, err := s.chain.Logs(ctx, contract, s.synced+1, head)
		if err != nil {
			t.Fatalf("logs: %v", err)
		}
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
		if err != nil {
			t.Fatalf("decode %s: %v", raw.Event, err)
		}
		if _, err := s.tracked.ApplyEvent(ctx, ev); err != nil {
			t.Fatalf("apply %s: %v", raw.Event, err)
		}
	}
	s.synced = head
}

// requireMirrored checks the tracked agent against the simulated contract.
func (s *scenario) requireMirrored(t *testing.T) {
	t.Helper()
	want, _, err := s.chain.AgentInfo(context.Background(), statetest.AgentVault)
	if err != nil {
		t.Fatalf("agent info: %v", err)
	}
	got, err := s.tracked.Agent(statetest.AgentVault)
	if err != nil {
		t.Fatalf("tracked agent: %v", err)
	}
	if got.Status != want.Status {
		t.Errorf("status: got %v, want %v", got.Status, want.Status)
	}
	for name, pair := range map[string][2]*big.Int{
		"minted":     {got.MintedUBA, want.MintedUBA},
		"redeeming":  {got.RedeemingUBA, want.RedeemingUBA},
		"underlying": {got.UnderlyingBalanceUBA, want.UnderlyingBalanceUBA},
		"vault":      {got.VaultCollateralWei(), want.VaultCollateralWei()},
		"pool":       {got.TotalPoolCollateralNATWei, want.TotalPoolCollateralNATWei},
	} {
		if pair[0].Cmp(pair[1]) != 0 {
			t.Errorf("%s: got %s, want %s", name, pair[0], pair[1])
		}
	}
	supply, _, _ := s.chain.FAssetSupply(context.Background())
	if got := s.tracked.FAssetSupply(); got.Cmp(supply) != 0 {
		t.Errorf("supply: got %s, want %s", got, supply)
	}
}

func requireRevert(t *testing.T, err error, reason string) {
	t.Helper()
	if !chain.IsExpectedRevert(err, reason) {
		t.Fatalf("got %v, want revert %q", err, reason)
	}
}

// ============================================================================
// Tracked state mirror
// ============================================================================

func TestTrackedStateMirrorsSimulation(t *testing.T) {
	s := newScenario(t)
	s.requireMirrored(t)

	pos, err := s.tracked.Position(statetest.AgentVault, 0)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.VaultCR.Int64() != 15_000 {
		t.Errorf("vault CR: got %s, want 15000", pos.VaultCR)
	}
}

func TestInitializeLoadsExistingAgents(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	ts := state.NewTrackedState(s.chain, zerolog.Nop(), state.Options{LoadAgents: true})
	if err := ts.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	got, err := ts.Agent(statetest.AgentVault)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if got.MintedUBA.Cmp(statetest.XRP(100)) != 0 {
		t.Errorf("minted: got %s, want %s", got.MintedUBA, statetest.XRP(100))
	}
}

func TestRedemptionLifecycle(t *testing.T) {
	s := newScenario(t)
	id, ref, err := s.chain.RequestRedemption(statetest.AgentVault, liquidatorBot, "rRedeemer", statetest.XRP(10))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if typ, got, ok := event.DecodePaymentReference(ref); !ok || typ != event.ReferenceRedemption || got != id {
		t.Errorf("reference %s: got (%x, %d, %v)", ref, typ, got, ok)
	}
	s.sync(t)
	s.requireMirrored(t)

	if err := s.chain.ConfirmRedemption(id, "ABC", statetest.XRP(10)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	s.sync(t)
	s.requireMirrored(t)
	if _, _, err := s.chain.RequestRedemption(statetest.AgentVault, "0xnobody", "r", statetest.XRP(1)); !errors.Is(err, chain.ErrReverted) {
		t.Errorf("redeem without f-assets: got %v", err)
	}
}

// ============================================================================
// Liquidation
// ============================================================================

func TestStartAndEndLiquidation(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()

	requireRevert(t, s.chain.StartLiquidation(ctx, "0xkeeper", statetest.AgentVault), "liquidation not started")

	// vault CR 12000 < ccb min 13000
	s.chain.SetPrices(statetest.Prices(250_000))
	if err := s.chain.StartLiquidation(ctx, "0xkeeper", statetest.AgentVault); err != nil {
		t.Fatalf("start: %v", err)
	}
	requireRevert(t, s.chain.EndLiquidation(ctx, "0xkeeper", statetest.AgentVault), "cannot stop liquidation")
	s.sync(t)
	s.requireMirrored(t)

	s.chain.SetPrices(statetest.Prices(150_000))
	if err := s.chain.EndLiquidation(ctx, "0xkeeper", statetest.AgentVault); err != nil {
		t.Fatalf("end: %v", err)
	}
	s.sync(t)
	s.requireMirrored(t)
	if got, _ := s.tracked.Agent(statetest.AgentVault); got.Status != state.StatusNormal {
		t.Errorf("status: got %v, want NORMAL", got.Status)
	}
}

func TestDirectLiquidationRestoresSafety(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	s.chain.SetPrices(statetest.Prices(250_000))

	if err := s.chain.Liquidate(ctx, liquidatorBot, statetest.AgentVault, statetest.XRP(100)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// 60 XRP restores the vault to 15000 BIPS; 150 USDC + 1500 CFLR paid
	if got, _ := s.chain.FAssetBalance(ctx, liquidatorBot); got.Cmp(statetest.XRP(40)) != 0 {
		t.Errorf("f-asset balance: got %s, want %s", got, statetest.XRP(40))
	}
	if got, _ := s.chain.TokenBalance(ctx, statetest.VaultToken, liquidatorBot); got.Cmp(statetest.Wei(150)) != 0 {
		t.Errorf("vault reward: got %s, want %s", got, statetest.Wei(150))
	}
	if got, _ := s.chain.TokenBalance(ctx, statetest.PoolToken, liquidatorBot); got.Cmp(statetest.Wei(1_500)) != 0 {
		t.Errorf("pool reward: got %s, want %s", got, statetest.Wei(1_500))
	}
	s.sync(t)
	s.requireMirrored(t)
	if got, _ := s.tracked.Agent(statetest.AgentVault); got.Status != state.StatusNormal {
		t.Errorf("status: got %v, want NORMAL after recovery", got.Status)
	}
}

func TestRunArbitragePaysProfit(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	s.chain.SetDexPairs(liquidation.DexPair{
		Name:          "deep",
		VaultReserve:  statetest.Wei(10_000_000),
		FAssetReserve: statetest.XRP(5_000_000),
		PoolReserve:   statetest.Wei(500_000_000),
		PoolVault:     statetest.Wei(10_000_000),
	})
	s.chain.SetPrices(statetest.Prices(250_000))

	requireRevert(t, s.chain.RunArbitrage(ctx, liquidatorBot, statetest.AgentVault, 3, new(big.Int)), "invalid dex")
	if err := s.chain.RunArbitrage(ctx, liquidatorBot, statetest.AgentVault, 0, big.NewInt(1)); err != nil {
		t.Fatalf("arbitrage: %v", err)
	}
	profit, _ := s.chain.TokenBalance(ctx, statetest.VaultToken, liquidatorBot)
	if profit.Sign() <= 0 {
		t.Fatalf("profit: got %s, want > 0", profit)
	}
	s.sync(t)
	s.requireMirrored(t)
	pos, err := s.tracked.Position(statetest.AgentVault, 0)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.VaultCR.Cmp(big.NewInt(14_000)) < 0 {
		t.Errorf("vault CR after arbitrage: got %s, want >= 14000", pos.VaultCR)
	}

	requireRevert(t, s.chain.RunArbitrage(ctx, liquidatorBot, statetest.AgentVault, 0, big.NewInt(1)), "liquidator:")
}

func TestFailNextInjectsRevert(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	s.chain.SetPrices(statetest.Prices(250_000))
	s.chain.FailNext("startLiquidation", "paused")

	requireRevert(t, s.chain.StartLiquidation(ctx, "0xkeeper", statetest.AgentVault), "paused")
	if err := s.chain.StartLiquidation(ctx, "0xkeeper", statetest.AgentVault); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := s.chain.Calls("startLiquidation"); got != 2 {
		t.Errorf("calls: got %d, want 2", got)
	}
}

// ============================================================================
// Challenges
// ============================================================================

func TestIllegalPaymentChallenge(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	u := simulation.NewUnderlying(2)
	u.Fund(statetest.AgentUnderlying, statetest.XRP(1_000))

	_, ref, err := s.chain.RequestRedemption(statetest.AgentVault, liquidatorBot, "rRedeemer", statetest.XRP(10))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	legal := u.Pay([]string{statetest.AgentUnderlying}, "rRedeemer", statetest.XRP(10), ref)
	illegal := u.Pay([]string{statetest.AgentUnderlying}, "rThief", statetest.XRP(10), "")

	proof, err := u.ProveBalanceDecreasingTransaction(ctx, legal, statetest.AgentUnderlying)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	requireRevert(t, s.chain.IllegalPaymentChallenge(ctx, "0xchallenger", proof, statetest.AgentVault), "matching redemption active")

	proof, _ = u.ProveBalanceDecreasingTransaction(ctx, illegal, statetest.AgentUnderlying)
	if err := s.chain.IllegalPaymentChallenge(ctx, "0xchallenger", proof, statetest.AgentVault); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	requireRevert(t, s.chain.IllegalPaymentChallenge(ctx, "0xchallenger", proof, statetest.AgentVault), "already liquidating")
	s.sync(t)
	s.requireMirrored(t)
	if got, _ := s.tracked.Agent(statetest.AgentVault); got.Status != state.StatusFullLiquidation {
		t.Errorf("status: got %v, want FULL_LIQUIDATION", got.Status)
	}
}

func TestDoubleAndNegativeBalanceChallenges(t *testing.T) {
	ctx := context.Background()
	u := simulation.NewUnderlying(2)
	u.Fund(statetest.AgentUnderlying, statetest.XRP(1_000))

	s := newScenario(t)
	_, ref, _ := s.chain.RequestRedemption(statetest.AgentVault, liquidatorBot, "rRedeemer", statetest.XRP(10))
	tx1 := u.Pay([]string{statetest.AgentUnderlying}, "rRedeemer", statetest.XRP(10), ref)
	tx2 := u.Pay([]string{statetest.AgentUnderlying}, "rRedeemer", statetest.XRP(10), ref)
	p1, _ := u.ProveBalanceDecreasingTransaction(ctx, tx1, statetest.AgentUnderlying)
	p2, _ := u.ProveBalanceDecreasingTransaction(ctx, tx2, statetest.AgentUnderlying)
	requireRevert(t, s.chain.DoublePaymentChallenge(ctx, "0xc", p1, p1, statetest.AgentVault), "same transaction")
	if err := s.chain.DoublePaymentChallenge(ctx, "0xc", p1, p2, statetest.AgentVault); err != nil {
		t.Fatalf("double payment: %v", err)
	}

	// underlying balance 100 XRP, required 100 XRP backing: any spend is negative
	s = newScenario(t)
	big1 := u.Pay([]string{statetest.AgentUnderlying}, "rThief", statetest.XRP(5), "")
	p, _ := u.ProveBalanceDecreasingTransaction(ctx, big1, statetest.AgentUnderlying)
	requireRevert(t, s.chain.FreeBalanceNegativeChallenge(ctx, "0xc", []chain.Proof{p, p}, statetest.AgentVault), "repeated transaction")
	if err := s.chain.FreeBalanceNegativeChallenge(ctx, "0xc", []chain.Proof{p}, statetest.AgentVault); err != nil {
		t.Fatalf("free balance negative: %v", err)
	}
}

// ============================================================================
// Underlying chain, time keeping and withdrawals
// ============================================================================

func TestUnderlyingProofsAndBlocks(t *testing.T) {
	ctx := context.Background()
	u := simulation.NewUnderlying(3)
	u.Fund("rA", big.NewInt(100))
	u.Mine(4)

	hash, err := u.AddTransaction(ctx, "rA", "rB", big.NewInt(60), "")
	if err != nil {
		t.Fatalf("add transaction: %v", err)
	}
	if _, err := u.AddTransaction(ctx, "rA", "rB", big.NewInt(60), ""); err == nil {
		t.Error("expected insufficient balance")
	}
	if status, _ := u.TransactionStatus(ctx, hash); status != chain.TxSuccess {
		t.Errorf("status: got %v", status)
	}
	height, _ := u.BlockHeight(ctx)
	if height != 5 {
		t.Errorf("height: got %d, want 5", height)
	}
	txs, _ := u.TransactionsInBlocks(ctx, 1, height)
	if len(txs) != 1 || txs[0].Hash != hash {
		t.Errorf("transactions: got %+v", txs)
	}

	u.FailProofs(1)
	if _, err := u.ProveConfirmedBlockHeightExists(ctx, 2); !errors.Is(err, chain.ErrProofUnavailable) {
		t.Errorf("first proof: got %v, want ErrProofUnavailable", err)
	}
	proof, err := u.ProveConfirmedBlockHeightExists(ctx, 2)
	if err != nil {
		t.Fatalf("second proof: %v", err)
	}

	c := simulation.NewChain(simulation.Config{Settings: statetest.Settings()})
	if err := c.UpdateCurrentBlock(ctx, "0xtk", proof); err != nil {
		t.Fatalf("update block: %v", err)
	}
	if h, ts, _ := c.CurrentUnderlyingBlock(ctx); h != 2 || ts != proof.BlockTimestamp {
		t.Errorf("current block: got (%d, %d)", h, ts)
	}
}

func TestUnderlyingWithdrawalFlow(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	u := simulation.NewUnderlying(1)
	u.Fund(statetest.AgentUnderlying, statetest.XRP(200))

	requireRevert(t, s.chain.CancelUnderlyingWithdrawal(ctx, statetest.AgentOwner, statetest.AgentVault), "no active announcement")
	requireRevert(t, func() error {
		_, _, err := s.chain.AnnounceUnderlyingWithdrawal(ctx, "0xstranger", statetest.AgentVault)
		return err
	}(), "only agent vault owner")

	_, ref, err := s.chain.AnnounceUnderlyingWithdrawal(ctx, statetest.AgentOwner, statetest.AgentVault)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	hash, _ := u.AddTransaction(ctx, statetest.AgentUnderlying, "rOwner", statetest.XRP(5), ref)
	proof, err := u.ProvePayment(ctx, hash, statetest.AgentUnderlying, "rOwner")
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	requireRevert(t, s.chain.ConfirmUnderlyingWithdrawal(ctx, statetest.AgentOwner, proof, statetest.AgentVault), "too early")

	s.chain.AdvanceTime(statetest.Settings().AnnouncedUnderlyingConfirmationMinSeconds)
	if err := s.chain.ConfirmUnderlyingWithdrawal(ctx, statetest.AgentOwner, proof, statetest.AgentVault); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	s.sync(t)
	s.requireMirrored(t)
	if got, _ := s.tracked.Agent(statetest.AgentVault); got.AnnouncedUnderlyingWithdrawalID != 0 {
		t.Errorf("announcement still active: %d", got.AnnouncedUnderlyingWithdrawalID)
	}
}
