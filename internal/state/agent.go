package state

import (
	"math/big"

	"fassetbots/internal/event"
	fpmath "fassetbots/internal/math"
)

// AgentSettings are the per-agent settings changeable through AgentSettingChanged.
type AgentSettings struct {
	VaultCollateralToken            string
	FeeBIPS                         uint64
	PoolFeeShareBIPS                uint64
	MintingVaultCollateralRatioBIPS uint64
	MintingPoolCollateralRatioBIPS  uint64
	PoolExitCollateralRatioBIPS     uint64
	BuyFAssetByAgentFactorBIPS      uint64
	PoolTopupCollateralRatioBIPS    uint64
	PoolTopupTokenPriceFactorBIPS   uint64
	HandshakeType                   uint64
}

func (s *AgentSettings) set(name string, value *big.Int) bool {
	if value == nil || !value.IsUint64() {
		return false
	}
	v := value.Uint64()
	switch name {
	case "feeBIPS":
		s.FeeBIPS = v
	case "poolFeeShareBIPS":
		s.PoolFeeShareBIPS = v
	case "mintingVaultCollateralRatioBIPS":
		s.MintingVaultCollateralRatioBIPS = v
	case "mintingPoolCollateralRatioBIPS":
		s.MintingPoolCollateralRatioBIPS = v
	case "poolExitCollateralRatioBIPS":
		s.PoolExitCollateralRatioBIPS = v
	case "buyFAssetByAgentFactorBIPS":
		s.BuyFAssetByAgentFactorBIPS = v
	case "poolTopupCollateralRatioBIPS":
		s.PoolTopupCollateralRatioBIPS = v
	case "poolTopupTokenPriceFactorBIPS":
		s.PoolTopupTokenPriceFactorBIPS = v
	case "handshakeType":
		s.HandshakeType = v
	default:
		return false
	}
	return true
}

// TrackedAgent is the tracked position of one agent vault. Values handed out
// by TrackedState are deep copies.
type TrackedAgent struct {
	VaultAddress          string
	OwnerAddress          string
	UnderlyingAddress     string
	CollateralPoolAddress string

	Status            AgentStatus
	PubliclyAvailable bool

	TotalVaultCollateralWei   map[string]*big.Int // token -> wei
	TotalPoolCollateralNATWei *big.Int

	CCBStartTimestamp               uint64 // 0 - not in ccb/liquidation
	LiquidationStartTimestamp       uint64 // 0 - not in liquidation
	AnnouncedUnderlyingWithdrawalID uint64 // 0 - not announced
	DestroyAllowedAt                uint64

	Settings AgentSettings

	ReservedUBA          *big.Int
	MintedUBA            *big.Int
	RedeemingUBA         *big.Int
	PoolRedeemingUBA     *big.Int
	DustUBA              *big.Int
	UnderlyingBalanceUBA *big.Int

	// block at which the agent was read from the asset manager; events at or
	// before it are already reflected. 0 for agents created from events.
	InitBlock uint64
}

// NewTrackedAgent builds the initial state from AgentVaultCreated.
func NewTrackedAgent(ev *event.AgentVaultCreated) *TrackedAgent {
	cd := ev.CreationData
	a := &TrackedAgent{
		VaultAddress:          event.NormalizeAddress(ev.AgentVault),
		OwnerAddress:          event.NormalizeAddress(ev.Owner),
		UnderlyingAddress:     cd.UnderlyingAddress,
		CollateralPoolAddress: event.NormalizeAddress(cd.CollateralPool),
		Settings: AgentSettings{
			VaultCollateralToken:            event.NormalizeAddress(cd.VaultCollateralToken),
			FeeBIPS:                         cd.FeeBIPS,
			PoolFeeShareBIPS:                cd.PoolFeeShareBIPS,
			MintingVaultCollateralRatioBIPS: cd.MintingVaultCollateralRatioBIPS,
			MintingPoolCollateralRatioBIPS:  cd.MintingPoolCollateralRatioBIPS,
			PoolExitCollateralRatioBIPS:     cd.PoolExitCollateralRatioBIPS,
			BuyFAssetByAgentFactorBIPS:      cd.BuyFAssetByAgentFactorBIPS,
			PoolTopupCollateralRatioBIPS:    cd.PoolTopupCollateralRatioBIPS,
			PoolTopupTokenPriceFactorBIPS:   cd.PoolTopupTokenPriceFactorBIPS,
			HandshakeType:                   cd.HandshakeType,
		},
	}
	a.normalize()
	return a
}

// normalize fills nil amounts with zero and lowercases addresses.
func (a *TrackedAgent) normalize() {
	for _, p := range []**big.Int{
		&a.TotalPoolCollateralNATWei, &a.ReservedUBA, &a.MintedUBA, &a.RedeemingUBA,
		&a.PoolRedeemingUBA, &a.DustUBA, &a.UnderlyingBalanceUBA,
	} {
		if *p == nil {
			*p = new(big.Int)
		}
	}
	a.VaultAddress = event.NormalizeAddress(a.VaultAddress)
	a.OwnerAddress = event.NormalizeAddress(a.OwnerAddress)
	a.CollateralPoolAddress = event.NormalizeAddress(a.CollateralPoolAddress)
	a.Settings.VaultCollateralToken = event.NormalizeAddress(a.Settings.VaultCollateralToken)
	vault := make(map[string]*big.Int, len(a.TotalVaultCollateralWei)+1)
	for token, v := range a.TotalVaultCollateralWei {
		vault[event.NormalizeAddress(token)] = fpmath.Clone(v)
	}
	if _, ok := vault[a.Settings.VaultCollateralToken]; !ok {
		vault[a.Settings.VaultCollateralToken] = new(big.Int)
	}
	a.TotalVaultCollateralWei = vault
}

// Clone returns a deep copy.
func (a *TrackedAgent) Clone() TrackedAgent {
	out := *a
	out.TotalVaultCollateralWei = make(map[string]*big.Int, len(a.TotalVaultCollateralWei))
	for k, v := range a.TotalVaultCollateralWei {
		out.TotalVaultCollateralWei[k] = fpmath.Clone(v)
	}
	out.TotalPoolCollateralNATWei = fpmath.Clone(a.TotalPoolCollateralNATWei)
	out.ReservedUBA = fpmath.Clone(a.ReservedUBA)
	out.MintedUBA = fpmath.Clone(a.MintedUBA)
	out.RedeemingUBA = fpmath.Clone(a.RedeemingUBA)
	out.PoolRedeemingUBA = fpmath.Clone(a.PoolRedeemingUBA)
	out.DustUBA = fpmath.Clone(a.DustUBA)
	out.UnderlyingBalanceUBA = fpmath.Clone(a.UnderlyingBalanceUBA)
	return out
}

// VaultCollateralWei is the balance of the agent's current vault collateral token.
func (a *TrackedAgent) VaultCollateralWei() *big.Int {
	return fpmath.Clone(a.TotalVaultCollateralWei[a.Settings.VaultCollateralToken])
}

// RequiredUnderlyingBalanceUBA = (minted + redeeming) * minUnderlyingBackingBIPS / 10000
func (a *TrackedAgent) RequiredUnderlyingBalanceUBA(settings Settings) *big.Int {
	backed := fpmath.Sum(a.MintedUBA, a.RedeemingUBA)
	return fpmath.MulBIPS(backed, settings.MinUnderlyingBackingBIPS, fpmath.RoundDown)
}

// FreeUnderlyingBalanceUBA may be negative, which is what the challenger looks for.
func (a *TrackedAgent) FreeUnderlyingBalanceUBA(settings Settings) *big.Int {
	return new(big.Int).Sub(a.UnderlyingBalanceUBA, a.RequiredUnderlyingBalanceUBA(settings))
}

// --- event handlers ---

func (a *TrackedAgent) handleStatusChange(status AgentStatus, timestamp uint64) {
	if timestamp != 0 && startsCCB(a.Status, status) {
		a.CCBStartTimestamp = timestamp
	}
	if timestamp != 0 && startsLiquidation(a.Status, status) {
		a.LiquidationStartTimestamp = timestamp
	}
	if status == StatusNormal {
		a.CCBStartTimestamp = 0
		a.LiquidationStartTimestamp = 0
	}
	a.Status = status
}

func (a *TrackedAgent) handleCollateralReserved(ev *event.CollateralReserved, settings Settings) {
	poolFee := a.poolFee(ev.FeeUBA, settings)
	a.ReservedUBA = fpmath.Sum(a.ReservedUBA, ev.ValueUBA, poolFee)
}

func (a *TrackedAgent) handleMintingExecuted(ev *event.MintingExecuted) {
	a.UnderlyingBalanceUBA = fpmath.Sum(a.UnderlyingBalanceUBA, ev.MintedAmountUBA, ev.AgentFeeUBA, ev.PoolFeeUBA)
	a.MintedUBA = fpmath.Sum(a.MintedUBA, ev.MintedAmountUBA, ev.PoolFeeUBA)
	// reservation id 0 is a self-mint without reservation
	if ev.CollateralReservationID > 0 {
		a.ReservedUBA = new(big.Int).Sub(a.ReservedUBA, fpmath.Sum(ev.MintedAmountUBA, ev.PoolFeeUBA))
	}
}

func (a *TrackedAgent) handleSelfMint(ev *event.SelfMint) {
	a.UnderlyingBalanceUBA = fpmath.Sum(a.UnderlyingBalanceUBA, ev.DepositedAmountUBA)
	a.MintedUBA = fpmath.Sum(a.MintedUBA, ev.MintedAmountUBA, ev.PoolFeeUBA)
}

func (a *TrackedAgent) releaseReservation(reservedAmountUBA *big.Int) {
	a.ReservedUBA = new(big.Int).Sub(a.ReservedUBA, fpmath.Clone(reservedAmountUBA))
}

func (a *TrackedAgent) handleRedemptionRequested(ev *event.RedemptionRequested) {
	a.MintedUBA = new(big.Int).Sub(a.MintedUBA, fpmath.Clone(ev.ValueUBA))
	a.updateRedeemingUBA(ev.RequestID, fpmath.Clone(ev.ValueUBA))
}

// handleRedemptionPaid covers RedemptionPerformed and RedemptionPaymentBlocked.
func (a *TrackedAgent) handleRedemptionPaid(requestID uint64, redemptionAmountUBA, spentUnderlyingUBA *big.Int) {
	a.updateRedeemingUBA(requestID, new(big.Int).Neg(fpmath.Clone(redemptionAmountUBA)))
	a.UnderlyingBalanceUBA = new(big.Int).Sub(a.UnderlyingBalanceUBA, fpmath.Clone(spentUnderlyingUBA))
}

// a failed payment still spent underlying; the request ends with a default later
func (a *TrackedAgent) handleRedemptionPaymentFailed(ev *event.RedemptionPaymentFailed) {
	a.UnderlyingBalanceUBA = new(big.Int).Sub(a.UnderlyingBalanceUBA, fpmath.Clone(ev.SpentUnderlyingUBA))
}

func (a *TrackedAgent) handleRedemptionDefault(ev *event.RedemptionDefault) {
	a.updateRedeemingUBA(ev.RequestID, new(big.Int).Neg(fpmath.Clone(ev.RedemptionAmountUBA)))
}

func (a *TrackedAgent) reduceMinted(valueUBA *big.Int) {
	a.MintedUBA = new(big.Int).Sub(a.MintedUBA, fpmath.Clone(valueUBA))
}

// pool self-close redemptions (odd ids) do not count toward pool redeeming
func (a *TrackedAgent) updateRedeemingUBA(requestID uint64, delta *big.Int) {
	a.RedeemingUBA = new(big.Int).Add(a.RedeemingUBA, delta)
	if requestID&1 == 0 {
		a.PoolRedeemingUBA = new(big.Int).Add(a.PoolRedeemingUBA, delta)
	}
}

func (a *TrackedAgent) handleAgentCollateralTypeChanged(ev *event.AgentCollateralTypeChanged) {
	token := event.NormalizeAddress(ev.Token)
	a.Settings.VaultCollateralToken = token
	if _, ok := a.TotalVaultCollateralWei[token]; !ok {
		a.TotalVaultCollateralWei[token] = new(big.Int)
	}
}

func (a *TrackedAgent) handleUnderlyingWithdrawalConfirmed(ev *event.UnderlyingWithdrawalConfirmed) {
	a.UnderlyingBalanceUBA = new(big.Int).Sub(a.UnderlyingBalanceUBA, fpmath.Clone(ev.SpentUBA))
	a.AnnouncedUnderlyingWithdrawalID = 0
}

func (a *TrackedAgent) handleAgentAvailable(ev *event.AgentAvailable) {
	a.PubliclyAvailable = true
	a.Settings.FeeBIPS = ev.FeeBIPS
	a.Settings.MintingVaultCollateralRatioBIPS = ev.MintingVaultCollateralRatioBIPS
	a.Settings.MintingPoolCollateralRatioBIPS = ev.MintingPoolCollateralRatioBIPS
}

// deposits of untracked tokens (e.g. wnat sent at vault destroy) are ignored
func (a *TrackedAgent) depositVaultCollateral(token string, value *big.Int) {
	if cur, ok := a.TotalVaultCollateralWei[token]; ok {
		a.TotalVaultCollateralWei[token] = new(big.Int).Add(cur, value)
	}
}

func (a *TrackedAgent) withdrawVaultCollateral(token string, value *big.Int) {
	if cur, ok := a.TotalVaultCollateralWei[token]; ok {
		a.TotalVaultCollateralWei[token] = new(big.Int).Sub(cur, value)
	}
}

func (a *TrackedAgent) depositPoolCollateral(value *big.Int) {
	a.TotalPoolCollateralNATWei = new(big.Int).Add(a.TotalPoolCollateralNATWei, value)
}

func (a *TrackedAgent) withdrawPoolCollateral(value *big.Int) {
	a.TotalPoolCollateralNATWei = new(big.Int).Sub(a.TotalPoolCollateralNATWei, value)
}

// poolFee = roundUBAToAMG(mintingFee * poolFeeShareBIPS / 10000)
func (a *TrackedAgent) poolFee(mintingFeeUBA *big.Int, settings Settings) *big.Int {
	share := fpmath.MulBIPS(fpmath.Clone(mintingFeeUBA), a.Settings.PoolFeeShareBIPS, fpmath.RoundDown)
	return settings.RoundUBAToAMG(share)
}

// --- collateral ratio ---

// collateralBalance is vault collateral for VAULT class and pool NAT otherwise.
func (a *TrackedAgent) collateralBalance(c CollateralType) *big.Int {
	if c.Class == event.CollateralClassVault {
		return a.VaultCollateralWei()
	}
	return fpmath.Clone(a.TotalPoolCollateralNATWei)
}

func (a *TrackedAgent) collateralRatioForPriceBIPS(settings Settings, c CollateralType, prices Prices) *big.Int {
	redeeming := a.RedeemingUBA
	if c.Class == event.CollateralClassPool {
		redeeming = a.PoolRedeemingUBA
	}
	total := fpmath.Sum(a.ReservedUBA, a.MintedUBA, redeeming)
	if total.Sign() <= 0 {
		return new(big.Int).Set(fpmath.MaxUint256)
	}
	amgPrice, err := AMGToTokenWeiPrice(settings, c, prices)
	if err != nil {
		// no usable price for this feed
		return new(big.Int)
	}
	backing := ConvertUBAToTokenWei(settings, total, amgPrice)
	return fpmath.RatioBIPS(a.collateralBalance(c), backing)
}

// CollateralRatioBIPS is the max of the FTSO and trusted price ratios, or 0 for
// a collateral deprecated before timestamp.
func (a *TrackedAgent) CollateralRatioBIPS(settings Settings, c CollateralType, prices, trusted Prices, timestamp uint64) *big.Int {
	if !c.Valid(timestamp) {
		return new(big.Int)
	}
	ratio := a.collateralRatioForPriceBIPS(settings, c, prices)
	if trusted != nil {
		ratio = fpmath.Max(ratio, a.collateralRatioForPriceBIPS(settings, c, trusted))
	}
	return ratio
}

func (a *TrackedAgent) possibleTransitionForCollateral(settings Settings, c CollateralType, prices, trusted Prices, timestamp uint64) AgentStatus {
	cr := a.CollateralRatioBIPS(settings, c, prices, trusted, timestamp)
	lt := func(bips uint64) bool { return cr.Cmp(new(big.Int).SetUint64(bips)) < 0 }
	switch a.Status {
	case StatusNormal:
		if lt(c.CCBMinCollateralRatioBIPS) {
			return StatusLiquidation
		} else if lt(c.MinCollateralRatioBIPS) {
			return StatusCCB
		}
	case StatusCCB:
		if !lt(c.MinCollateralRatioBIPS) {
			return StatusNormal
		} else if lt(c.CCBMinCollateralRatioBIPS) || timestamp >= a.CCBStartTimestamp+settings.CCBTimeSeconds {
			return StatusLiquidation
		}
	case StatusLiquidation:
		if !lt(c.SafetyMinCollateralRatioBIPS) {
			return StatusNormal
		}
	}
	return a.Status
}
