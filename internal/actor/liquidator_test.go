package actor_test

import (
	"context"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fassetbots/internal/actor"
	"fassetbots/internal/liquidation"
	"fassetbots/internal/notifier"
	"fassetbots/internal/state"
	"fassetbots/internal/state/statetest"
)

// thinAgent has a vault ratio of 21000 BIPS at 2 USD and 10500 at 4 USD.
var thinAgent = agentSetup{vaultUSDC: 168, poolCFLR: 30_000, mintedXRP: 40, minter: minter}

// deepPair quotes XRP at 4 USD and CFLR at 0.02 USD.
func deepPair(fAssetXRP int64) liquidation.DexPair {
	return liquidation.DexPair{
		Name:          "blazeswap",
		VaultReserve:  statetest.Wei(10_000_000),
		FAssetReserve: statetest.XRP(fAssetXRP),
		PoolReserve:   statetest.Wei(500_000_000),
		PoolVault:     statetest.Wei(10_000_000),
	}
}

func (s *scenario) liquidations(strategy, outcome string) float64 {
	return promtest.ToFloat64(s.metrics.Liquidations.WithLabelValues(strategy, outcome))
}

func TestLiquidator_DexArbitrageRestoresCollateral(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, thinAgent)
	s.chain.SetDexPairs(deepPair(2_500_000))
	l, err := actor.NewLiquidator(liquidatorBot, s.deps(), s.chain, s.chain, actor.LiquidatorConfig{})
	require.NoError(t, err)

	s.chain.SetPrices(statetest.Prices(400_000))
	s.sync(t)
	before := s.position(t)
	assert.InDelta(t, 10_500, float64(before.VaultCR.Int64()), 1, "75% of the minimum ratio")
	assert.Equal(t, state.StatusLiquidation, before.Transition)

	require.NoError(t, l.RunStep(ctx))
	assert.Equal(t, 1, s.chain.Calls("startLiquidation"))
	assert.Equal(t, 1, s.chain.Calls("runArbitrage"))
	s.sync(t)

	after := s.position(t)
	assert.GreaterOrEqual(t, after.VaultCR.Int64(), int64(14_000))
	assert.Equal(t, state.StatusNormal, after.Agent.Status)
	assert.Equal(t, -1, after.Agent.MintedUBA.Cmp(before.Agent.MintedUBA))

	profit, err := s.chain.TokenBalance(ctx, statetest.VaultToken, liquidatorBot)
	require.NoError(t, err)
	assert.Positive(t, profit.Sign(), "profit paid in vault collateral")
	assert.Equal(t, float64(1), s.liquidations(actor.StrategyDex, "ok"))
	assert.Equal(t, []string{notifier.TitleAgentLiquidated}, s.titles(t))
}

func TestLiquidator_SkipsUnprofitableArbitrage(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, thinAgent)
	// XRP at 10 USD on the DEX costs more than the liquidation pays
	s.chain.SetDexPairs(deepPair(1_000_000))
	l, err := actor.NewLiquidator(liquidatorBot, s.deps(), s.chain, s.chain, actor.LiquidatorConfig{})
	require.NoError(t, err)

	s.chain.SetPrices(statetest.Prices(400_000))
	s.sync(t)
	require.NoError(t, l.RunStep(ctx))

	assert.Equal(t, 0, s.chain.Calls("runArbitrage"))
	assert.Equal(t, float64(1), s.liquidations(actor.StrategyDex, "skipped"))
	assert.Empty(t, s.titles(t))
}

func TestLiquidator_DirectLiquidationUsesHeldFAssets(t *testing.T) {
	ctx := context.Background()
	setup := standardAgent
	setup.minter = liquidatorBot
	s := newScenario(t, setup)
	l, err := actor.NewLiquidator(liquidatorBot, s.deps(), nil, nil, actor.LiquidatorConfig{Strategy: actor.StrategyDirect})
	require.NoError(t, err)

	require.NoError(t, l.RunStep(ctx))
	assert.Equal(t, 0, s.chain.Calls("liquidate"), "healthy agent")

	// 12000 BIPS: 60 of 100 XRP bring the vault back to its safety ratio
	s.chain.SetPrices(statetest.Prices(250_000))
	s.sync(t)
	require.NoError(t, l.RunStep(ctx))
	assert.Equal(t, 1, s.chain.Calls("liquidate"))

	left, err := s.chain.FAssetBalance(ctx, liquidatorBot)
	require.NoError(t, err)
	assert.Equal(t, 0, left.Cmp(statetest.XRP(40)), "got %s", left)
	s.sync(t)
	assert.Equal(t, 0, s.agent(t).MintedUBA.Cmp(statetest.XRP(40)))
	assert.Equal(t, float64(1), s.liquidations(actor.StrategyDirect, "ok"))
}

func TestLiquidator_RegistersCCB(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, standardAgent)
	l, err := actor.NewLiquidator(liquidatorBot, s.deps(), nil, nil, actor.LiquidatorConfig{Strategy: actor.StrategyDirect})
	require.NoError(t, err)

	// 13333 BIPS sits between the CCB and the minimum ratio
	s.chain.SetPrices(statetest.Prices(225_000))
	s.sync(t)
	require.NoError(t, l.RunStep(ctx))
	s.sync(t)

	assert.Equal(t, state.StatusCCB, s.agent(t).Status)
	assert.Equal(t, 0, s.chain.Calls("liquidate"))
}

func TestLiquidator_RevertIsNotified(t *testing.T) {
	ctx := context.Background()
	setup := standardAgent
	setup.minter = liquidatorBot
	s := newScenario(t, setup)
	l, err := actor.NewLiquidator(liquidatorBot, s.deps(), nil, nil, actor.LiquidatorConfig{Strategy: actor.StrategyDirect})
	require.NoError(t, err)

	s.chain.SetPrices(statetest.Prices(250_000))
	s.sync(t)
	s.chain.FailNext("liquidate", "paused")
	require.NoError(t, l.RunStep(ctx))

	assert.Equal(t, float64(1), s.liquidations(actor.StrategyDirect, "reverted"))
	assert.Equal(t, []string{notifier.TitleLiquidationFailed}, s.titles(t))
}

func TestLiquidator_Configuration(t *testing.T) {
	s := newScenario(t, standardAgent)

	_, err := actor.NewLiquidator(liquidatorBot, s.deps(), nil, nil, actor.LiquidatorConfig{Strategy: "magic"})
	assert.ErrorIs(t, err, actor.ErrUnknownStrategy)

	_, err = actor.NewLiquidator(liquidatorBot, s.deps(), nil, nil, actor.LiquidatorConfig{})
	assert.Error(t, err, "dex strategy needs the liquidator contract")
}
