package liquidation

import (
	"fmt"
	"math/big"

	fpmath "fassetbots/internal/math"
	"fassetbots/internal/state"
)

// DexPair is one flash-loan arbitrage route: vault collateral is swapped to
// f-assets on the first pool and the pool collateral reward is swapped back to
// vault collateral on the second.
type DexPair struct {
	Index int
	Name  string

	VaultReserve  *big.Int // first pool, vault side
	FAssetReserve *big.Int // first pool, f-asset side
	PoolReserve   *big.Int // second pool, pool collateral side
	PoolVault     *big.Int // second pool, vault side
	FeeBIPS       uint64
}

// Market is what the arbitrage needs to know about the agent being liquidated.
type Market struct {
	MaxLiquidatedFAssetUBA *big.Int
	VaultFactorBIPS        uint64
	PoolFactorBIPS         uint64
	VaultAMGPrice          *big.Int
	PoolAMGPrice           *big.Int
	GranularityUBA         *big.Int
}

// MarketFor derives the market of an agent position at timestamp now.
func MarketFor(pos state.AgentPosition, now uint64) (Market, error) {
	maxF, err := MaxLiquidatedFAssetUBA(pos, now)
	if err != nil {
		return Market{}, err
	}
	vaultFactor, poolFactor, err := PositionFactors(pos, now)
	if err != nil {
		return Market{}, err
	}
	return Market{
		MaxLiquidatedFAssetUBA: maxF,
		VaultFactorBIPS:        vaultFactor,
		PoolFactorBIPS:         poolFactor,
		VaultAMGPrice:          fpmath.Clone(pos.VaultAMGPrice),
		PoolAMGPrice:           fpmath.Clone(pos.PoolAMGPrice),
		GranularityUBA:         fpmath.Clone(pos.Settings.AssetMintingGranularityUBA),
	}, nil
}

// Plan is the evaluated arbitrage on one pair.
type Plan struct {
	Pair              DexPair
	VaultIn           *big.Int // flash-loaned vault collateral
	FAssetLiquidated  *big.Int // UBA
	VaultReward       *big.Int
	PoolReward        *big.Int
	PoolRewardSwapped *big.Int // pool reward converted to vault collateral
	Profit            *big.Int // may be negative
}

func (m Market) toAMG(uba *big.Int) *big.Int {
	if fpmath.IsZero(m.GranularityUBA) {
		return fpmath.Clone(uba)
	}
	return new(big.Int).Quo(uba, m.GranularityUBA)
}

// OptimalVaultCollateral is the profit-maximizing flash loan ignoring the
// f-asset cap and the second pool's slippage:
//
//	v = (sqrt(Rv*g*Ff*(lfV*pV + lfP*pP*g*Rv2/Rp2)) - Rv) / g
//
// with g the swap fee factor and pV, pP the rewards per liquidated UBA.
func OptimalVaultCollateral(pair DexPair, m Market) *big.Int {
	g := dexFactor(pair.FeeBIPS)
	maxBIPS := big.NewInt(fpmath.MaxBIPS)
	if pair.VaultReserve.Sign() <= 0 || pair.FAssetReserve.Sign() <= 0 || pair.PoolReserve.Sign() <= 0 {
		return new(big.Int)
	}
	// rewards are per AMG at 1e9 price scale; scale = 1e4 * granularity * 1e9
	scale := new(big.Int).Mul(maxBIPS, amgPriceScale)
	if !fpmath.IsZero(m.GranularityUBA) {
		scale.Mul(scale, m.GranularityUBA)
	}
	vaultTerm := new(big.Int).Mul(pair.FAssetReserve, new(big.Int).SetUint64(m.VaultFactorBIPS))
	vaultTerm.Mul(vaultTerm, m.VaultAMGPrice)
	vaultTerm.Mul(vaultTerm, pair.PoolReserve)
	poolTerm := new(big.Int).Mul(pair.FAssetReserve, new(big.Int).SetUint64(m.PoolFactorBIPS))
	poolTerm.Mul(poolTerm, m.PoolAMGPrice)
	poolTerm.Mul(poolTerm, pair.PoolVault)
	poolTerm.Mul(poolTerm, g)
	poolTerm.Quo(poolTerm, maxBIPS)
	coefficient := new(big.Int).Add(vaultTerm, poolTerm)

	// sqrt(Rv*g*Rp2*coefficient/scale) = Rp2 * sqrt(Rv*g*Ff*(...))
	radicand := new(big.Int).Mul(pair.VaultReserve, g)
	radicand.Mul(radicand, pair.PoolReserve)
	radicand.Mul(radicand, coefficient)
	radicand.Quo(radicand, scale.Mul(scale, maxBIPS))
	amount := fpmath.Isqrt(radicand)
	amount.Sub(amount, new(big.Int).Mul(pair.VaultReserve, pair.PoolReserve))
	if amount.Sign() <= 0 {
		return new(big.Int)
	}
	amount.Mul(amount, maxBIPS)
	amount.Quo(amount, g)
	return amount.Quo(amount, pair.PoolReserve)
}

// Evaluate plans the arbitrage on pair. The liquidated f-assets never exceed
// the market cap and the flash loan never exceeds the input needed to buy them.
func Evaluate(pair DexPair, m Market) (Plan, error) {
	if fpmath.IsZero(m.MaxLiquidatedFAssetUBA) {
		return Plan{}, fmt.Errorf("%w: nothing to liquidate", ErrNoProfit)
	}
	optimal := OptimalVaultCollateral(pair, m)
	fAssets := fpmath.Min(m.MaxLiquidatedFAssetUBA, SwapOutput(optimal, pair.VaultReserve, pair.FAssetReserve, pair.FeeBIPS))
	// the asset manager liquidates whole AMG
	if !fpmath.IsZero(m.GranularityUBA) {
		fAssets = new(big.Int).Mul(m.toAMG(fAssets), m.GranularityUBA)
	}
	vaultIn, ok := SwapInput(fAssets, pair.VaultReserve, pair.FAssetReserve, pair.FeeBIPS)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s lacks f-asset liquidity", ErrNoProfit, pair.Name)
	}
	return planFor(pair, m, vaultIn, fAssets), nil
}

func planFor(pair DexPair, m Market, vaultIn, fAssets *big.Int) Plan {
	vaultReward, poolReward := LiquidationOutput(m.toAMG(fAssets), m.VaultFactorBIPS, m.PoolFactorBIPS, m.VaultAMGPrice, m.PoolAMGPrice)
	swapped := SwapOutput(poolReward, pair.PoolReserve, pair.PoolVault, pair.FeeBIPS)
	profit := fpmath.Sum(vaultReward, swapped)
	profit.Sub(profit, vaultIn)
	return Plan{
		Pair:              pair,
		VaultIn:           vaultIn,
		FAssetLiquidated:  fAssets,
		VaultReward:       vaultReward,
		PoolReward:        poolReward,
		PoolRewardSwapped: swapped,
		Profit:            profit,
	}
}

// ProfitAt is the arbitrage profit of flash-loaning vaultIn on pair.
func ProfitAt(pair DexPair, m Market, vaultIn *big.Int) *big.Int {
	fAssets := fpmath.Min(m.MaxLiquidatedFAssetUBA, SwapOutput(vaultIn, pair.VaultReserve, pair.FAssetReserve, pair.FeeBIPS))
	return planFor(pair, m, vaultIn, fAssets).Profit
}

// BestPlan evaluates every pair and returns the most profitable one. It returns
// ErrNoProfit when no pair yields a positive profit.
func BestPlan(pairs []DexPair, m Market) (Plan, error) {
	var best *Plan
	for _, pair := range pairs {
		plan, err := Evaluate(pair, m)
		if err != nil {
			continue
		}
		if best == nil || plan.Profit.Cmp(best.Profit) > 0 {
			best = &plan
		}
	}
	if best == nil || best.Profit.Sign() <= 0 {
		return Plan{}, ErrNoProfit
	}
	return *best, nil
}
