package liquidation

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "fassetbots/internal/math"
	"fassetbots/internal/state"
)

var (
	ErrInvalidLiquidationSettings = errors.New("invalid liquidation settings")
	ErrNoProfit                   = errors.New("liquidation not profitable")
)

// DefaultDexFeeBIPS is the uniswap v2 swap fee (997/1000).
const DefaultDexFeeBIPS = 30

var amgPriceScale = fpmath.Pow10(9)

// MaxLiquidationAmountAMG returns how many AMG must be liquidated to bring the
// collateral ratio cr back to target when each liquidated AMG pays factor BIPS.
// A ratio at or above target needs nothing and a ratio at or below factor
// cannot recover, so the division only runs for factor < cr < target.
func MaxLiquidationAmountAMG(cr *big.Int, factorBIPS, targetBIPS uint64, mintedAMG, lotSizeAMG *big.Int, full bool) *big.Int {
	if full {
		return fpmath.Clone(mintedAMG)
	}
	target := new(big.Int).SetUint64(targetBIPS)
	factor := new(big.Int).SetUint64(factorBIPS)
	if target.Cmp(cr) <= 0 {
		return new(big.Int)
	}
	if cr.Cmp(factor) <= 0 {
		return fpmath.Clone(mintedAMG)
	}
	amount := fpmath.MulDiv(mintedAMG, new(big.Int).Sub(target, cr), new(big.Int).Sub(target, factor), fpmath.RoundDown)
	amount = fpmath.RoundUpToMultiple(amount, lotSizeAMG)
	return fpmath.Min(amount, mintedAMG)
}

// CurrentLiquidationFactorBIPS splits the total liquidation factor between vault
// and pool collateral, paying from the vault first up to its own ratio.
func CurrentLiquidationFactorBIPS(factorBIPS, vaultFactorBIPS uint64, vaultCR, poolCR *big.Int) (vault, pool uint64) {
	capAt := func(v uint64, cr *big.Int) uint64 {
		if cr.IsUint64() && cr.Uint64() < v {
			return cr.Uint64()
		}
		return v
	}
	vault = capAt(min(vaultFactorBIPS, factorBIPS), vaultCR)
	pool = factorBIPS - vault
	if capped := capAt(pool, poolCR); capped != pool {
		pool = capped
		vault = capAt(factorBIPS-pool, vaultCR)
	}
	return vault, pool
}

// AMGToToken converts AMG to token wei at a 1e9-scaled AMG price.
func AMGToToken(amg, amgPrice *big.Int) *big.Int {
	return fpmath.MulDiv(amg, amgPrice, amgPriceScale, fpmath.RoundDown)
}

// LiquidationOutput returns the vault and pool collateral paid for liquidating amg.
func LiquidationOutput(amg *big.Int, vaultFactorBIPS, poolFactorBIPS uint64, amgVaultPrice, amgPoolPrice *big.Int) (vault, pool *big.Int) {
	vaultAMG := fpmath.MulBIPS(amg, vaultFactorBIPS, fpmath.RoundDown)
	poolAMG := fpmath.MulBIPS(amg, poolFactorBIPS, fpmath.RoundDown)
	return AMGToToken(vaultAMG, amgVaultPrice), AMGToToken(poolAMG, amgPoolPrice)
}

func dexFactor(feeBIPS uint64) *big.Int {
	return new(big.Int).SetUint64(fpmath.MaxBIPS - feeBIPS)
}

// SwapOutput is the constant-product output for amountIn, rounded down.
func SwapOutput(amountIn, reserveIn, reserveOut *big.Int, feeBIPS uint64) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	withFee := new(big.Int).Mul(amountIn, dexFactor(feeBIPS))
	num := new(big.Int).Mul(withFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(fpmath.MaxBIPS))
	den.Add(den, withFee)
	return num.Quo(num, den)
}

// SwapInput is the input needed to receive amountOut, rounded up by one unit.
// ok is false when the pool cannot provide amountOut.
func SwapInput(amountOut, reserveIn, reserveOut *big.Int, feeBIPS uint64) (*big.Int, bool) {
	if amountOut.Sign() <= 0 {
		return new(big.Int), true
	}
	if reserveIn.Sign() <= 0 || amountOut.Cmp(reserveOut) >= 0 {
		return nil, false
	}
	num := new(big.Int).Mul(big.NewInt(fpmath.MaxBIPS), reserveIn)
	num.Mul(num, amountOut)
	den := new(big.Int).Mul(dexFactor(feeBIPS), new(big.Int).Sub(reserveOut, amountOut))
	num.Quo(num, den)
	return num.Add(num, big.NewInt(1)), true
}

// MaxLiquidatedFAssetUBA is the largest amount the asset manager would accept
// for the agent at now: the max over vault and pool of the ratio-recovery
// amount, each class aiming at min CR in CCB and safety CR otherwise.
func MaxLiquidatedFAssetUBA(pos state.AgentPosition, now uint64) (*big.Int, error) {
	vaultFactor, poolFactor, err := PositionFactors(pos, now)
	if err != nil {
		return nil, err
	}
	a, s := pos.Agent, pos.Settings
	target := func(c state.CollateralType) uint64 {
		if a.Status == state.StatusCCB {
			return c.MinCollateralRatioBIPS
		}
		return c.SafetyMinCollateralRatioBIPS
	}
	full := a.Status == state.StatusFullLiquidation
	minted := s.ConvertUBAToAMG(a.MintedUBA)
	lot := fpmath.Clone(s.LotSizeAMG)
	vaultAMG := MaxLiquidationAmountAMG(pos.VaultCR, vaultFactor, target(pos.VaultCollateral), minted, lot, full)
	poolAMG := MaxLiquidationAmountAMG(pos.PoolCR, poolFactor, target(pos.PoolCollateral), minted, lot, full)
	return s.ConvertAMGToUBA(fpmath.Max(vaultAMG, poolAMG)), nil
}

// PositionFactors returns the vault and pool payment factors at the agent's
// current liquidation step.
func PositionFactors(pos state.AgentPosition, now uint64) (vault, pool uint64, err error) {
	s := pos.Settings
	if len(s.LiquidationCollateralFactorBIPS) == 0 || len(s.LiquidationFactorVaultCollateralBIPS) != len(s.LiquidationCollateralFactorBIPS) {
		return 0, 0, fmt.Errorf("%w: liquidation factor arrays", ErrInvalidLiquidationSettings)
	}
	start := pos.Agent.LiquidationStartTimestamp
	if start == 0 {
		start = now
	}
	step := s.LiquidationStep(start, now)
	vault, pool = CurrentLiquidationFactorBIPS(
		s.LiquidationCollateralFactorBIPS[step], s.LiquidationFactorVaultCollateralBIPS[step], pos.VaultCR, pos.PoolCR)
	return vault, pool, nil
}
