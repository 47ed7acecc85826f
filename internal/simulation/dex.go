package simulation

import (
	"context"
	"math/big"

	"fassetbots/internal/chain"
	"fassetbots/internal/liquidation"
	fpmath "fassetbots/internal/math"
	"fassetbots/internal/state"
)

// SetDexPairs replaces the liquidator contract's arbitrage routes.
func (c *Chain) SetDexPairs(pairs ...liquidation.DexPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = make([]liquidation.DexPair, len(pairs))
	for i, p := range pairs {
		c.pairs[i] = clonePair(p, i)
	}
}

func clonePair(p liquidation.DexPair, index int) liquidation.DexPair {
	p.Index = index
	p.VaultReserve = fpmath.Clone(p.VaultReserve)
	p.FAssetReserve = fpmath.Clone(p.FAssetReserve)
	p.PoolReserve = fpmath.Clone(p.PoolReserve)
	p.PoolVault = fpmath.Clone(p.PoolVault)
	if p.FeeBIPS == 0 {
		p.FeeBIPS = liquidation.DefaultDexFeeBIPS
	}
	return p
}

func (c *Chain) Pairs(context.Context, string, string) ([]liquidation.DexPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]liquidation.DexPair, len(c.pairs))
	for i, p := range c.pairs {
		out[i] = clonePair(p, i)
	}
	return out, nil
}

// RunArbitrage flash-loans vault collateral, buys f-assets on the pair's
// first pool, liquidates the agent, sells the pool collateral reward on the
// second pool and pays the profit to from. It reverts when the profit is
// below minProfit.
func (c *Chain) RunArbitrage(_ context.Context, from, vault string, dexIndex int, minProfit *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked("runArbitrage"); err != nil {
		return err
	}
	a, err := c.agentLocked(vault)
	if err != nil {
		return err
	}
	if dexIndex < 0 || dexIndex >= len(c.pairs) {
		return chain.Revert("liquidator: invalid dex")
	}
	c.mineLocked()
	pos, err := c.positionLocked(a)
	if err != nil {
		return err
	}
	// the market is read as if liquidation had already started
	if (a.Status == state.StatusNormal || a.Status == state.StatusCCB) && pos.Transition == state.StatusLiquidation {
		pos.Agent.Status = state.StatusLiquidation
		pos.Agent.LiquidationStartTimestamp = c.timestamp
	}
	market, err := liquidation.MarketFor(pos, c.timestamp)
	if err != nil {
		return err
	}
	pair := &c.pairs[dexIndex]
	plan, err := liquidation.Evaluate(*pair, market)
	if err != nil {
		return chain.Revert("liquidator: " + err.Error())
	}
	if plan.Profit.Sign() <= 0 || plan.Profit.Cmp(fpmath.Clone(minProfit)) < 0 {
		return chain.Revert("liquidator: insufficient profit")
	}

	pair.VaultReserve = fpmath.Sum(pair.VaultReserve, plan.VaultIn)
	pair.FAssetReserve = new(big.Int).Sub(pair.FAssetReserve, plan.FAssetLiquidated)
	c.addBalanceLocked(FAssetAddress, LiquidatorAddress, plan.FAssetLiquidated)
	liquidated, vaultPaid, poolPaid, err := c.liquidateLocked(LiquidatorAddress, a, plan.FAssetLiquidated)
	if err != nil {
		return err
	}
	// unspent f-assets are sold back into the first pool
	if rest := new(big.Int).Sub(plan.FAssetLiquidated, liquidated); rest.Sign() > 0 {
		c.addBalanceLocked(FAssetAddress, LiquidatorAddress, new(big.Int).Neg(rest))
		pair.FAssetReserve.Add(pair.FAssetReserve, rest)
	}
	swapped := liquidation.SwapOutput(poolPaid, pair.PoolReserve, pair.PoolVault, pair.FeeBIPS)
	pair.PoolReserve = fpmath.Sum(pair.PoolReserve, poolPaid)
	pair.PoolVault = new(big.Int).Sub(pair.PoolVault, swapped)

	profit := fpmath.Sum(vaultPaid, swapped)
	profit.Sub(profit, plan.VaultIn)
	c.addBalanceLocked(c.poolTokenLocked(), LiquidatorAddress, new(big.Int).Neg(poolPaid))
	// flash loan repaid from the rewards; the rest goes to the caller
	c.addBalanceLocked(a.Settings.VaultCollateralToken, LiquidatorAddress, new(big.Int).Neg(vaultPaid))
	c.addBalanceLocked(a.Settings.VaultCollateralToken, from, profit)
	return nil
}
