package state

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "fassetbots/internal/math"
)

var (
	ErrUnknownSetting    = errors.New("unknown setting")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrUnknownCollateral = errors.New("unknown collateral type")
	ErrNotInitialized    = errors.New("tracked state not initialized")
)

// Settings is the subset of asset manager settings the bots compute with.
// Other known settings are kept verbatim in Extra.
type Settings struct {
	AssetDecimals                             uint64
	AssetMintingDecimals                      uint64
	AssetMintingGranularityUBA                *big.Int
	LotSizeAMG                                *big.Int
	MinUnderlyingBackingBIPS                  uint64
	CCBTimeSeconds                            uint64
	LiquidationStepSeconds                    uint64
	LiquidationCollateralFactorBIPS           []uint64
	LiquidationFactorVaultCollateralBIPS      []uint64
	UnderlyingBlocksForPayment                uint64
	UnderlyingSecondsForPayment               uint64
	AnnouncedUnderlyingConfirmationMinSeconds uint64
	ConfirmationByOthersAfterSeconds          uint64
	AttestationWindowSeconds                  uint64
	PaymentChallengeRewardBIPS                uint64

	Extra map[string]*big.Int
}

// untracked asset manager settings that may legally appear in SettingChanged
var knownExtraSettings = map[string]struct{}{
	"mintingCapAMG":                              {},
	"mintingPoolHoldingsRequiredBIPS":            {},
	"collateralReservationFeeBIPS":               {},
	"assetUnitUBA":                               {},
	"redemptionFeeBIPS":                          {},
	"redemptionDefaultFactorVaultCollateralBIPS": {},
	"redemptionDefaultFactorPoolBIPS":            {},
	"confirmationByOthersRewardUSD5":             {},
	"maxRedeemedTickets":                         {},
	"paymentChallengeRewardUSD5":                 {},
	"withdrawalWaitMinSeconds":                   {},
	"maxTrustedPriceAgeSeconds":                  {},
	"minUpdateRepeatTimeSeconds":                 {},
	"buybackCollateralFactorBIPS":                {},
	"tokenInvalidationTimeMinSeconds":            {},
	"vaultCollateralBuyForFlareFactorBIPS":       {},
	"agentExitAvailableTimelockSeconds":          {},
	"agentFeeChangeTimelockSeconds":              {},
	"agentMintingCRChangeTimelockSeconds":        {},
	"poolExitAndTopupChangeTimelockSeconds":      {},
	"agentTimelockedOperationWindowSeconds":      {},
	"collateralPoolTokenTimelockSeconds":         {},
	"averageBlockTimeMS":                         {},
	"cancelCollateralReservationAfterSeconds":    {},
	"rejectRedemptionRequestWindowSeconds":       {},
	"takeOverRedemptionRequestWindowSeconds":     {},
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.AssetMintingGranularityUBA = fpmath.Clone(s.AssetMintingGranularityUBA)
	out.LotSizeAMG = fpmath.Clone(s.LotSizeAMG)
	out.LiquidationCollateralFactorBIPS = append([]uint64(nil), s.LiquidationCollateralFactorBIPS...)
	out.LiquidationFactorVaultCollateralBIPS = append([]uint64(nil), s.LiquidationFactorVaultCollateralBIPS...)
	out.Extra = make(map[string]*big.Int, len(s.Extra))
	for k, v := range s.Extra {
		out.Extra[k] = fpmath.Clone(v)
	}
	return out
}

// Set applies a SettingChanged event. Unknown names return ErrUnknownSetting
// and leave the settings untouched.
func (s *Settings) Set(name string, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("setting %s: invalid value %v", name, value)
	}
	u := func(dst *uint64) error {
		if !value.IsUint64() {
			return fmt.Errorf("setting %s: value %s out of range", name, value)
		}
		*dst = value.Uint64()
		return nil
	}
	switch name {
	case "assetMintingGranularityUBA":
		s.AssetMintingGranularityUBA = fpmath.Clone(value)
	case "lotSizeAMG":
		s.LotSizeAMG = fpmath.Clone(value)
	case "assetDecimals":
		return u(&s.AssetDecimals)
	case "assetMintingDecimals":
		return u(&s.AssetMintingDecimals)
	case "minUnderlyingBackingBIPS":
		return u(&s.MinUnderlyingBackingBIPS)
	case "ccbTimeSeconds":
		return u(&s.CCBTimeSeconds)
	case "liquidationStepSeconds":
		return u(&s.LiquidationStepSeconds)
	case "underlyingBlocksForPayment":
		return u(&s.UnderlyingBlocksForPayment)
	case "underlyingSecondsForPayment":
		return u(&s.UnderlyingSecondsForPayment)
	case "announcedUnderlyingConfirmationMinSeconds":
		return u(&s.AnnouncedUnderlyingConfirmationMinSeconds)
	case "confirmationByOthersAfterSeconds":
		return u(&s.ConfirmationByOthersAfterSeconds)
	case "attestationWindowSeconds":
		return u(&s.AttestationWindowSeconds)
	case "paymentChallengeRewardBIPS":
		return u(&s.PaymentChallengeRewardBIPS)
	default:
		if _, ok := knownExtraSettings[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
		}
		if s.Extra == nil {
			s.Extra = make(map[string]*big.Int)
		}
		s.Extra[name] = fpmath.Clone(value)
	}
	return nil
}

// LotSizeUBA is lotSizeAMG * assetMintingGranularityUBA.
func (s Settings) LotSizeUBA() *big.Int {
	return new(big.Int).Mul(fpmath.Clone(s.LotSizeAMG), fpmath.Clone(s.AssetMintingGranularityUBA))
}

// ConvertUBAToAMG rounds down to whole AMG.
func (s Settings) ConvertUBAToAMG(uba *big.Int) *big.Int {
	if fpmath.IsZero(s.AssetMintingGranularityUBA) {
		return fpmath.Clone(uba)
	}
	return new(big.Int).Quo(uba, s.AssetMintingGranularityUBA)
}

func (s Settings) ConvertAMGToUBA(amg *big.Int) *big.Int {
	return new(big.Int).Mul(amg, fpmath.Clone(s.AssetMintingGranularityUBA))
}

// RoundUBAToAMG truncates an amount to whole AMG.
func (s Settings) RoundUBAToAMG(uba *big.Int) *big.Int {
	return s.ConvertAMGToUBA(s.ConvertUBAToAMG(uba))
}

// LiquidationStep returns the index into the liquidation factor arrays for an
// agent that entered liquidation at start, clamped to the last step.
func (s Settings) LiquidationStep(start, now uint64) int {
	n := len(s.LiquidationCollateralFactorBIPS)
	if n == 0 {
		return 0
	}
	if s.LiquidationStepSeconds == 0 || now <= start {
		return 0
	}
	step := (now - start) / s.LiquidationStepSeconds
	if step >= uint64(n) {
		return n - 1
	}
	return int(step)
}
