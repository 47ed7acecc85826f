package simulation

import (
	"context"
	"math/big"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
	"fassetbots/internal/liquidation"
	fpmath "fassetbots/internal/math"
	"fassetbots/internal/state"
)

// ZeroAddress is the sender of minted tokens.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// AgentSpec describes an agent vault to create.
type AgentSpec struct {
	Vault            string
	Owner            string
	Underlying       string
	Pool             string
	VaultToken       string
	FeeBIPS          uint64
	PoolFeeShareBIPS uint64
}

// --- scenario drivers ---

// CreateAgent registers an agent vault and emits AgentVaultCreated.
func (c *Chain) CreateAgent(spec AgentSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineLocked()
	a := &state.TrackedAgent{
		VaultAddress:              event.NormalizeAddress(spec.Vault),
		OwnerAddress:              event.NormalizeAddress(spec.Owner),
		UnderlyingAddress:         spec.Underlying,
		CollateralPoolAddress:     event.NormalizeAddress(spec.Pool),
		TotalVaultCollateralWei:   map[string]*big.Int{event.NormalizeAddress(spec.VaultToken): new(big.Int)},
		TotalPoolCollateralNATWei: new(big.Int),
		Settings: state.AgentSettings{
			VaultCollateralToken: event.NormalizeAddress(spec.VaultToken),
			FeeBIPS:              spec.FeeBIPS,
			PoolFeeShareBIPS:     spec.PoolFeeShareBIPS,
		},
		ReservedUBA:          new(big.Int),
		MintedUBA:            new(big.Int),
		RedeemingUBA:         new(big.Int),
		PoolRedeemingUBA:     new(big.Int),
		DustUBA:              new(big.Int),
		UnderlyingBalanceUBA: new(big.Int),
	}
	c.agents[a.VaultAddress] = a
	c.agentOrder = append(c.agentOrder, a.VaultAddress)
	c.emitLocked(AssetManagerAddress, "AgentVaultCreated", map[string]any{
		"agentVault": a.VaultAddress,
		"owner":      a.OwnerAddress,
		"creationData": map[string]any{
			"underlyingAddress":               a.UnderlyingAddress,
			"collateralPool":                  a.CollateralPoolAddress,
			"vaultCollateralToken":            a.Settings.VaultCollateralToken,
			"poolWNatToken":                   c.poolTokenLocked(),
			"feeBIPS":                         spec.FeeBIPS,
			"poolFeeShareBIPS":                spec.PoolFeeShareBIPS,
			"mintingVaultCollateralRatioBIPS": 0,
			"mintingPoolCollateralRatioBIPS":  0,
		},
	})
}

// Deposit mints token to holder, which may be an agent vault or pool.
func (c *Chain) Deposit(token, holder string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineLocked()
	// minting from the zero address cannot fail
	_ = c.transferLocked(token, ZeroAddress, holder, amount)
}

// Mint reserves collateral and executes minting of valueUBA to minter.
func (c *Chain) Mint(vault, minter string, valueUBA *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.agentLocked(vault)
	if err != nil {
		return err
	}
	c.mineLocked()
	c.reservationSeq++
	id := c.reservationSeq
	c.emitLocked(AssetManagerAddress, "CollateralReserved", map[string]any{
		"agentVault":              a.VaultAddress,
		"minter":                  event.NormalizeAddress(minter),
		"collateralReservationId": id,
		"valueUBA":                valueUBA,
		"feeUBA":                  new(big.Int),
		"firstUnderlyingBlock":    c.underlyingHeight,
		"lastUnderlyingBlock":     c.underlyingHeight + c.settings.UnderlyingBlocksForPayment,
		"lastUnderlyingTimestamp": c.underlyingTimestamp + c.settings.UnderlyingSecondsForPayment,
		"paymentAddress":          a.UnderlyingAddress,
		"paymentReference":        event.MintingPaymentReference(id),
	})
	c.emitLocked(AssetManagerAddress, "MintingExecuted", map[string]any{
		"agentVault":              a.VaultAddress,
		"collateralReservationId": id,
		"mintedAmountUBA":         valueUBA,
		"agentFeeUBA":             new(big.Int),
		"poolFeeUBA":              new(big.Int),
	})
	a.MintedUBA = fpmath.Sum(a.MintedUBA, valueUBA)
	a.UnderlyingBalanceUBA = fpmath.Sum(a.UnderlyingBalanceUBA, valueUBA)
	c.supply = fpmath.Sum(c.supply, valueUBA)
	c.addBalanceLocked(FAssetAddress, minter, valueUBA)
	return nil
}

// SetPrices publishes new FTSO prices; trusted prices follow unless set apart.
func (c *Chain) SetPrices(prices state.Prices) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineLocked()
	c.prices = prices.Clone()
	c.emitLocked(PriceReaderAddress, "PricesPublished", map[string]any{"votingRoundId": c.block})
}

// SetTrustedPrices overrides the trusted prices; nil makes them follow FTSO.
func (c *Chain) SetTrustedPrices(prices state.Prices) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prices == nil {
		c.trusted = nil
		return
	}
	c.trusted = prices.Clone()
}

// RequestRedemption burns valueUBA of redeemer's f-assets against vault and
// returns the request id and payment reference.
func (c *Chain) RequestRedemption(vault, redeemer, paymentAddress string, valueUBA *big.Int) (uint64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.agentLocked(vault)
	if err != nil {
		return 0, "", err
	}
	if c.balanceLocked(FAssetAddress, redeemer).Cmp(valueUBA) < 0 {
		return 0, "", chain.Revert("f-asset balance too low")
	}
	c.mineLocked()
	// even ids count toward pool redeeming
	c.redemptionSeq += 2
	id := c.redemptionSeq
	ref := event.RedemptionPaymentReference(id)
	c.emitLocked(AssetManagerAddress, "RedemptionRequested", map[string]any{
		"agentVault":              a.VaultAddress,
		"redeemer":                event.NormalizeAddress(redeemer),
		"requestId":               id,
		"paymentAddress":          paymentAddress,
		"valueUBA":                valueUBA,
		"feeUBA":                  new(big.Int),
		"firstUnderlyingBlock":    c.underlyingHeight,
		"lastUnderlyingBlock":     c.underlyingHeight + c.settings.UnderlyingBlocksForPayment,
		"lastUnderlyingTimestamp": c.underlyingTimestamp + c.settings.UnderlyingSecondsForPayment,
		"paymentReference":        ref,
	})
	c.addBalanceLocked(FAssetAddress, redeemer, new(big.Int).Neg(valueUBA))
	c.supply = new(big.Int).Sub(c.supply, valueUBA)
	a.MintedUBA = new(big.Int).Sub(a.MintedUBA, valueUBA)
	a.RedeemingUBA = fpmath.Sum(a.RedeemingUBA, valueUBA)
	a.PoolRedeemingUBA = fpmath.Sum(a.PoolRedeemingUBA, valueUBA)
	c.redemptions[id] = redemption{vault: a.VaultAddress, reference: ref, valueUBA: fpmath.Clone(valueUBA)}
	return id, ref, nil
}

// ConfirmRedemption closes a redemption paid by underlying transaction txHash.
func (c *Chain) ConfirmRedemption(requestID uint64, txHash string, spentUBA *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.redemptions[requestID]
	if !ok {
		return chain.Revert("invalid request id")
	}
	a := c.agents[r.vault]
	c.mineLocked()
	c.emitLocked(AssetManagerAddress, "RedemptionPerformed", map[string]any{
		"agentVault":          a.VaultAddress,
		"redeemer":            ZeroAddress,
		"requestId":           requestID,
		"transactionHash":     txHash,
		"redemptionAmountUBA": r.valueUBA,
		"spentUnderlyingUBA":  spentUBA,
	})
	a.RedeemingUBA = new(big.Int).Sub(a.RedeemingUBA, r.valueUBA)
	a.PoolRedeemingUBA = new(big.Int).Sub(a.PoolRedeemingUBA, r.valueUBA)
	a.UnderlyingBalanceUBA = new(big.Int).Sub(a.UnderlyingBalanceUBA, spentUBA)
	delete(c.redemptions, requestID)
	return nil
}

// DestroyAgent destroys the vault. The agent stays listed with status
// destroyed.
func (c *Chain) DestroyAgent(vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.agentLocked(vault)
	if err != nil {
		return err
	}
	c.mineLocked()
	a.Status = state.StatusDestroyed
	c.emitLocked(AssetManagerAddress, "AgentDestroyed", map[string]any{"agentVault": a.VaultAddress})
	return nil
}

// --- liquidation ---

// setStatusLocked moves the agent to status and emits the matching event.
func (c *Chain) setStatusLocked(a *state.TrackedAgent, status state.AgentStatus) {
	from := a.Status
	args := map[string]any{"agentVault": a.VaultAddress, "timestamp": c.timestamp}
	switch status {
	case state.StatusNormal:
		a.CCBStartTimestamp, a.LiquidationStartTimestamp = 0, 0
		c.emitLocked(AssetManagerAddress, "LiquidationEnded", map[string]any{"agentVault": a.VaultAddress})
	case state.StatusCCB:
		a.CCBStartTimestamp = c.timestamp
		c.emitLocked(AssetManagerAddress, "AgentInCCB", args)
	case state.StatusLiquidation:
		a.LiquidationStartTimestamp = c.timestamp
		c.emitLocked(AssetManagerAddress, "LiquidationStarted", args)
	case state.StatusFullLiquidation:
		if from != state.StatusLiquidation {
			a.LiquidationStartTimestamp = c.timestamp
		}
		c.emitLocked(AssetManagerAddress, "FullLiquidationStarted", args)
	}
	a.Status = status
}

func (c *Chain) StartLiquidation(_ context.Context, _, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked("startLiquidation"); err != nil {
		return err
	}
	a, err := c.agentLocked(vault)
	if err != nil {
		return err
	}
	if a.Status == state.StatusLiquidation || a.Status == state.StatusFullLiquidation {
		return nil
	}
	pos, err := c.positionLocked(a)
	if err != nil {
		return err
	}
	if pos.Transition <= a.Status {
		return chain.Revert("liquidation not started")
	}
	c.mineLocked()
	c.setStatusLocked(a, pos.Transition)
	return nil
}

func (c *Chain) EndLiquidation(_ context.Context, _, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked("endLiquidation"); err != nil {
		return err
	}
	a, err := c.agentLocked(vault)
	if err != nil {
		return err
	}
	if a.Status == state.StatusFullLiquidation {
		return chain.Revert("cannot stop liquidation")
	}
	if a.Status == state.StatusNormal {
		return nil
	}
	pos, err := c.positionLocked(a)
	if err != nil {
		return err
	}
	if pos.Transition != state.StatusNormal {
		return chain.Revert("cannot stop liquidation")
	}
	c.mineLocked()
	c.setStatusLocked(a, state.StatusNormal)
	return nil
}

func (c *Chain) Liquidate(_ context.Context, from, vault string, amountUBA *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked("liquidate"); err != nil {
		return err
	}
	a, err := c.agentLocked(vault)
	if err != nil {
		return err
	}
	c.mineLocked()
	_, _, _, err = c.liquidateLocked(from, a, amountUBA)
	return err
}

// liquidateLocked burns up to amountUBA of liquidator's f-assets and pays the
// collateral reward. It starts liquidation when the agent qualifies and ends
// it once the agent is healthy again.
func (c *Chain) liquidateLocked(liquidator string, a *state.TrackedAgent, amountUBA *big.Int) (liquidated, vaultPaid, poolPaid *big.Int, err error) {
	pos, err := c.positionLocked(a)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.Status != state.StatusLiquidation && a.Status != state.StatusFullLiquidation {
		if pos.Transition != state.StatusLiquidation {
			return nil, nil, nil, chain.Revert("not in liquidation")
		}
		c.setStatusLocked(a, state.StatusLiquidation)
		if pos, err = c.positionLocked(a); err != nil {
			return nil, nil, nil, err
		}
	}
	maxUBA, err := liquidation.MaxLiquidatedFAssetUBA(pos, c.timestamp)
	if err != nil {
		return nil, nil, nil, err
	}
	amount := c.settings.RoundUBAToAMG(fpmath.Min(amountUBA, maxUBA))
	if amount.Sign() <= 0 {
		return new(big.Int), new(big.Int), new(big.Int), nil
	}
	if c.balanceLocked(FAssetAddress, liquidator).Cmp(amount) < 0 {
		return nil, nil, nil, chain.Revert("f-asset balance too low")
	}
	vaultFactor, poolFactor, err := liquidation.PositionFactors(pos, c.timestamp)
	if err != nil {
		return nil, nil, nil, err
	}
	vaultPaid, poolPaid = liquidation.LiquidationOutput(c.settings.ConvertUBAToAMG(amount),
		vaultFactor, poolFactor, pos.VaultAMGPrice, pos.PoolAMGPrice)
	vaultPaid = fpmath.Min(vaultPaid, a.VaultCollateralWei())
	poolPaid = fpmath.Min(poolPaid, a.TotalPoolCollateralNATWei)

	c.addBalanceLocked(FAssetAddress, liquidator, new(big.Int).Neg(amount))
	c.supply = new(big.Int).Sub(c.supply, amount)
	a.MintedUBA = new(big.Int).Sub(a.MintedUBA, amount)
	if err := c.transferLocked(a.Settings.VaultCollateralToken, a.VaultAddress, liquidator, vaultPaid); err != nil {
		return nil, nil, nil, err
	}
	if err := c.transferLocked(c.poolTokenLocked(), a.CollateralPoolAddress, liquidator, poolPaid); err != nil {
		return nil, nil, nil, err
	}
	c.emitLocked(AssetManagerAddress, "LiquidationPerformed", map[string]any{
		"agentVault":             a.VaultAddress,
		"liquidator":             event.NormalizeAddress(liquidator),
		"valueUBA":               amount,
		"paidVaultCollateralWei": vaultPaid,
		"paidPoolCollateralWei":  poolPaid,
	})
	if a.Status == state.StatusLiquidation {
		after, err := c.positionLocked(a)
		if err == nil && after.Transition == state.StatusNormal {
			c.setStatusLocked(a, state.StatusNormal)
		}
	}
	return amount, vaultPaid, poolPaid, nil
}

// --- challenges ---

func (c *Chain) challengeTargetLocked(method, vault string) (*state.TrackedAgent, error) {
	if err := c.enterLocked(method); err != nil {
		return nil, err
	}
	a, err := c.agentLocked(vault)
	if err != nil {
		return nil, err
	}
	if a.Status == state.StatusFullLiquidation {
		return nil, chain.Revert("chlg: already liquidating")
	}
	return a, nil
}

// activeReferenceLocked reports whether reference is an open redemption or the
// announced withdrawal of agent a.
func (c *Chain) activeReferenceLocked(a *state.TrackedAgent, reference string) (string, bool) {
	reference = event.NormalizeReference(reference)
	if reference == "" {
		return "", false
	}
	for _, r := range c.redemptions {
		if r.vault == a.VaultAddress && r.reference == reference {
			return "matching redemption active", true
		}
	}
	if ann, ok := c.announcements[a.VaultAddress]; ok && ann.reference == reference {
		return "matching ongoing announced pmt", true
	}
	return "", false
}

func (c *Chain) IllegalPaymentChallenge(_ context.Context, _ string, proof chain.Proof, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.challengeTargetLocked("illegalPaymentChallenge", vault)
	if err != nil {
		return err
	}
	if proof.Type != chain.ProofBalanceDecreasingTransaction || proof.SourceAddress != a.UnderlyingAddress {
		return chain.Revert("chlg: not agent's address")
	}
	if reason, ok := c.activeReferenceLocked(a, proof.Reference); ok {
		return chain.Revert(reason)
	}
	c.mineLocked()
	c.setStatusLocked(a, state.StatusFullLiquidation)
	return nil
}

func (c *Chain) DoublePaymentChallenge(_ context.Context, _ string, proof1, proof2 chain.Proof, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.challengeTargetLocked("doublePaymentChallenge", vault)
	if err != nil {
		return err
	}
	if proof1.TransactionHash == proof2.TransactionHash {
		return chain.Revert("chlg dbl: same transaction")
	}
	ref1, ref2 := event.NormalizeReference(proof1.Reference), event.NormalizeReference(proof2.Reference)
	if ref1 == "" || ref1 != ref2 {
		return chain.Revert("challenge: not duplicate")
	}
	if proof1.SourceAddress != a.UnderlyingAddress || proof2.SourceAddress != a.UnderlyingAddress {
		return chain.Revert("chlg 2: not agent's address")
	}
	c.mineLocked()
	c.setStatusLocked(a, state.StatusFullLiquidation)
	return nil
}

func (c *Chain) FreeBalanceNegativeChallenge(_ context.Context, _ string, proofs []chain.Proof, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.challengeTargetLocked("freeBalanceNegativeChallenge", vault)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(proofs))
	total := new(big.Int)
	for _, p := range proofs {
		if _, dup := seen[p.TransactionHash]; dup {
			return chain.Revert("mult chlg: repeated transaction")
		}
		seen[p.TransactionHash] = struct{}{}
		if p.SourceAddress != a.UnderlyingAddress {
			return chain.Revert("mult chlg: not agent's address")
		}
		total.Add(total, fpmath.Clone(p.SpentAmount))
		for _, r := range c.redemptions {
			if r.vault == a.VaultAddress && r.reference == event.NormalizeReference(p.Reference) {
				total.Sub(total, r.valueUBA)
			}
		}
	}
	free := new(big.Int).Sub(a.UnderlyingBalanceUBA, fpmath.MulBIPS(
		fpmath.Sum(a.MintedUBA, a.RedeemingUBA), c.settings.MinUnderlyingBackingBIPS, fpmath.RoundDown))
	if total.Cmp(free) <= 0 {
		return chain.Revert("mult chlg: enough balance")
	}
	c.mineLocked()
	c.setStatusLocked(a, state.StatusFullLiquidation)
	return nil
}

// --- underlying block ---

func (c *Chain) UpdateCurrentBlock(_ context.Context, _ string, proof chain.Proof) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked("updateCurrentBlock"); err != nil {
		return err
	}
	if proof.Type != chain.ProofConfirmedBlockHeightExists {
		return chain.Revert("invalid proof type")
	}
	c.mineLocked()
	if proof.BlockNumber > c.underlyingHeight {
		c.underlyingHeight = proof.BlockNumber
		c.underlyingTimestamp = proof.BlockTimestamp
	}
	return nil
}

// --- underlying withdrawal ---

func (c *Chain) ownedAgentLocked(method, from, vault string) (*state.TrackedAgent, error) {
	if err := c.enterLocked(method); err != nil {
		return nil, err
	}
	a, err := c.agentLocked(vault)
	if err != nil {
		return nil, err
	}
	if a.OwnerAddress != event.NormalizeAddress(from) {
		return nil, chain.Revert("only agent vault owner")
	}
	return a, nil
}

func (c *Chain) AnnounceUnderlyingWithdrawal(_ context.Context, from, vault string) (uint64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.ownedAgentLocked("announceUnderlyingWithdrawal", from, vault)
	if err != nil {
		return 0, "", err
	}
	if _, ok := c.announcements[a.VaultAddress]; ok {
		return 0, "", chain.Revert("announced underlying withdrawal active")
	}
	c.mineLocked()
	c.announcementSeq++
	ann := announcement{
		id:        c.announcementSeq,
		reference: event.AnnouncedWithdrawalPaymentReference(c.announcementSeq),
		timestamp: c.timestamp,
	}
	c.announcements[a.VaultAddress] = ann
	a.AnnouncedUnderlyingWithdrawalID = ann.id
	c.emitLocked(AssetManagerAddress, "UnderlyingWithdrawalAnnounced", map[string]any{
		"agentVault":       a.VaultAddress,
		"announcementId":   ann.id,
		"paymentReference": ann.reference,
	})
	return ann.id, ann.reference, nil
}

func (c *Chain) ConfirmUnderlyingWithdrawal(_ context.Context, from string, proof chain.Proof, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.ownedAgentLocked("confirmUnderlyingWithdrawal", from, vault)
	if err != nil {
		return err
	}
	ann, ok := c.announcements[a.VaultAddress]
	if !ok {
		return chain.Revert("no active announcement")
	}
	if c.timestamp < ann.timestamp+c.settings.AnnouncedUnderlyingConfirmationMinSeconds {
		return chain.Revert("confirmation too early")
	}
	if event.NormalizeReference(proof.Reference) != ann.reference {
		return chain.Revert("wrong announced pmt reference")
	}
	if proof.SourceAddress != a.UnderlyingAddress {
		return chain.Revert("wrong announced pmt source")
	}
	c.mineLocked()
	spent := fpmath.Clone(proof.SpentAmount)
	a.UnderlyingBalanceUBA = new(big.Int).Sub(a.UnderlyingBalanceUBA, spent)
	a.AnnouncedUnderlyingWithdrawalID = 0
	delete(c.announcements, a.VaultAddress)
	c.emitLocked(AssetManagerAddress, "UnderlyingWithdrawalConfirmed", map[string]any{
		"agentVault":      a.VaultAddress,
		"announcementId":  ann.id,
		"spentUBA":        spent,
		"transactionHash": proof.TransactionHash,
	})
	return nil
}

func (c *Chain) CancelUnderlyingWithdrawal(_ context.Context, from, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.ownedAgentLocked("cancelUnderlyingWithdrawal", from, vault)
	if err != nil {
		return err
	}
	ann, ok := c.announcements[a.VaultAddress]
	if !ok {
		return chain.Revert("no active announcement")
	}
	if c.timestamp < ann.timestamp+c.settings.AnnouncedUnderlyingConfirmationMinSeconds {
		return chain.Revert("cancel too soon")
	}
	c.mineLocked()
	a.AnnouncedUnderlyingWithdrawalID = 0
	delete(c.announcements, a.VaultAddress)
	c.emitLocked(AssetManagerAddress, "UnderlyingWithdrawalCancelled", map[string]any{
		"agentVault":     a.VaultAddress,
		"announcementId": ann.id,
	})
	return nil
}
