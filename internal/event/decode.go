package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrUnknownEvent is returned for event names the tracked state does not handle.
	ErrUnknownEvent = errors.New("unknown event")

	errMissingArg = errors.New("missing argument")
)

// RawLog is an ABI-decoded log as served by the chain gateway.
// Integer arguments may be JSON numbers or decimal/hex strings.
type RawLog struct {
	Event           string                     `json:"event"`
	Address         string                     `json:"address"`
	BlockNumber     uint64                     `json:"blockNumber"`
	BlockTimestamp  uint64                     `json:"blockTimestamp"`
	TransactionHash string                     `json:"transactionHash"`
	LogIndex        uint64                     `json:"logIndex"`
	Args            map[string]json.RawMessage `json:"args"`
}

// Decode converts a raw log into its typed event. Unknown names return ErrUnknownEvent.
func Decode(raw RawLog) (Event, error) {
	meta := Meta{
		Contract:        NormalizeAddress(raw.Address),
		BlockNumber:     raw.BlockNumber,
		BlockTimestamp:  raw.BlockTimestamp,
		TransactionHash: raw.TransactionHash,
		LogIndex:        raw.LogIndex,
	}
	a := &args{name: raw.Event, raw: raw.Args}

	var ev Event
	switch ParseEventType(raw.Event) {
	case EventTypeAgentVaultCreated:
		cd := a.object("creationData")
		ev = &AgentVaultCreated{
			Meta:       meta,
			AgentVault: a.address("agentVault"),
			Owner:      a.address("owner"),
			CreationData: AgentCreationData{
				UnderlyingAddress:               cd.str("underlyingAddress"),
				CollateralPool:                  cd.address("collateralPool"),
				CollateralPoolToken:             cd.optionalAddress("collateralPoolToken"),
				VaultCollateralToken:            cd.address("vaultCollateralToken"),
				PoolWNatToken:                   cd.optionalAddress("poolWNatToken"),
				FeeBIPS:                         cd.uint("feeBIPS"),
				PoolFeeShareBIPS:                cd.uint("poolFeeShareBIPS"),
				MintingVaultCollateralRatioBIPS: cd.uint("mintingVaultCollateralRatioBIPS"),
				MintingPoolCollateralRatioBIPS:  cd.uint("mintingPoolCollateralRatioBIPS"),
				BuyFAssetByAgentFactorBIPS:      cd.optionalUint("buyFAssetByAgentFactorBIPS"),
				PoolExitCollateralRatioBIPS:     cd.optionalUint("poolExitCollateralRatioBIPS"),
				PoolTopupCollateralRatioBIPS:    cd.optionalUint("poolTopupCollateralRatioBIPS"),
				PoolTopupTokenPriceFactorBIPS:   cd.optionalUint("poolTopupTokenPriceFactorBIPS"),
				HandshakeType:                   cd.optionalUint("handshakeType"),
			},
		}
	case EventTypeAgentDestroyed:
		ev = &AgentDestroyed{Meta: meta, AgentVault: a.address("agentVault")}
	case EventTypeAgentDestroyAnnounced:
		ev = &AgentDestroyAnnounced{
			Meta:             meta,
			AgentVault:       a.address("agentVault"),
			DestroyAllowedAt: a.optionalUint("destroyAllowedAt"),
		}
	case EventTypeAgentSettingChanged:
		ev = &AgentSettingChanged{
			Meta:       meta,
			AgentVault: a.address("agentVault"),
			Name:       a.str("name"),
			Value:      a.amount("value"),
		}
	case EventTypeAgentCollateralTypeChanged:
		ev = &AgentCollateralTypeChanged{
			Meta:            meta,
			AgentVault:      a.address("agentVault"),
			CollateralClass: CollateralClass(a.uint("collateralClass")),
			Token:           a.address("token"),
		}
	case EventTypeAgentAvailable:
		ev = &AgentAvailable{
			Meta:                            meta,
			AgentVault:                      a.address("agentVault"),
			FeeBIPS:                         a.uint("feeBIPS"),
			MintingVaultCollateralRatioBIPS: a.uint("mintingVaultCollateralRatioBIPS"),
			MintingPoolCollateralRatioBIPS:  a.uint("mintingPoolCollateralRatioBIPS"),
			FreeCollateralLots:              a.optionalUint("freeCollateralLots"),
		}
	case EventTypeAvailableAgentExited:
		ev = &AvailableAgentExited{Meta: meta, AgentVault: a.address("agentVault")}

	case EventTypeCollateralTypeAdded:
		ev = &CollateralTypeAdded{
			Meta:                         meta,
			CollateralClass:              CollateralClass(a.uint("collateralClass")),
			Token:                        a.address("token"),
			Decimals:                     a.uint("decimals"),
			DirectPricePair:              a.boolean("directPricePair"),
			AssetFtsoSymbol:              a.str("assetFtsoSymbol"),
			TokenFtsoSymbol:              a.str("tokenFtsoSymbol"),
			MinCollateralRatioBIPS:       a.uint("minCollateralRatioBIPS"),
			CCBMinCollateralRatioBIPS:    a.uint("ccbMinCollateralRatioBIPS"),
			SafetyMinCollateralRatioBIPS: a.uint("safetyMinCollateralRatioBIPS"),
		}
	case EventTypeCollateralRatiosChanged:
		ev = &CollateralRatiosChanged{
			Meta:                         meta,
			CollateralClass:              CollateralClass(a.uint("collateralClass")),
			Token:                        a.address("collateralToken"),
			MinCollateralRatioBIPS:       a.uint("minCollateralRatioBIPS"),
			CCBMinCollateralRatioBIPS:    a.uint("ccbMinCollateralRatioBIPS"),
			SafetyMinCollateralRatioBIPS: a.uint("safetyMinCollateralRatioBIPS"),
		}
	case EventTypeCollateralTypeDeprecated:
		ev = &CollateralTypeDeprecated{
			Meta:            meta,
			CollateralClass: CollateralClass(a.uint("collateralClass")),
			Token:           a.address("collateralToken"),
			ValidUntil:      a.uint("validUntil"),
		}
	case EventTypeTransfer:
		ev = &Transfer{
			Meta:  meta,
			From:  a.address("from"),
			To:    a.address("to"),
			Value: a.amount("value"),
		}
	case EventTypePricesPublished:
		ev = &PricesPublished{Meta: meta, VotingRoundID: a.optionalUint("votingRoundId")}
	case EventTypeSettingChanged:
		ev = &SettingChanged{Meta: meta, Name: a.str("name"), Value: a.amount("value")}

	case EventTypeCollateralReserved:
		ev = &CollateralReserved{
			Meta:                    meta,
			AgentVault:              a.address("agentVault"),
			Minter:                  a.address("minter"),
			CollateralReservationID: a.uint("collateralReservationId"),
			ValueUBA:                a.amount("valueUBA"),
			FeeUBA:                  a.amount("feeUBA"),
			FirstUnderlyingBlock:    a.uint("firstUnderlyingBlock"),
			LastUnderlyingBlock:     a.uint("lastUnderlyingBlock"),
			LastUnderlyingTimestamp: a.uint("lastUnderlyingTimestamp"),
			PaymentAddress:          a.str("paymentAddress"),
			PaymentReference:        NormalizeReference(a.str("paymentReference")),
			Executor:                a.optionalAddress("executor"),
		}
	case EventTypeMintingExecuted:
		ev = &MintingExecuted{
			Meta:                    meta,
			AgentVault:              a.address("agentVault"),
			CollateralReservationID: a.uint("collateralReservationId"),
			MintedAmountUBA:         a.amount("mintedAmountUBA"),
			AgentFeeUBA:             a.amount("agentFeeUBA"),
			PoolFeeUBA:              a.amount("poolFeeUBA"),
		}
	case EventTypeSelfMint:
		ev = &SelfMint{
			Meta:                   meta,
			AgentVault:             a.address("agentVault"),
			MintFromFreeUnderlying: a.boolean("mintFromFreeUnderlying"),
			MintedAmountUBA:        a.amount("mintedAmountUBA"),
			DepositedAmountUBA:     a.amount("depositedAmountUBA"),
			PoolFeeUBA:             a.amount("poolFeeUBA"),
		}
	case EventTypeMintingPaymentDefault:
		ev = &MintingPaymentDefault{
			Meta:                    meta,
			AgentVault:              a.address("agentVault"),
			Minter:                  a.address("minter"),
			CollateralReservationID: a.uint("collateralReservationId"),
			ReservedAmountUBA:       a.amount("reservedAmountUBA"),
		}
	case EventTypeCollateralReservationDeleted:
		ev = &CollateralReservationDeleted{
			Meta:                    meta,
			AgentVault:              a.address("agentVault"),
			Minter:                  a.address("minter"),
			CollateralReservationID: a.uint("collateralReservationId"),
			ReservedAmountUBA:       a.amount("reservedAmountUBA"),
		}

	case EventTypeRedemptionRequested:
		ev = &RedemptionRequested{
			Meta:                    meta,
			AgentVault:              a.address("agentVault"),
			Redeemer:                a.address("redeemer"),
			RequestID:               a.uint("requestId"),
			PaymentAddress:          a.str("paymentAddress"),
			ValueUBA:                a.amount("valueUBA"),
			FeeUBA:                  a.amount("feeUBA"),
			FirstUnderlyingBlock:    a.uint("firstUnderlyingBlock"),
			LastUnderlyingBlock:     a.uint("lastUnderlyingBlock"),
			LastUnderlyingTimestamp: a.uint("lastUnderlyingTimestamp"),
			PaymentReference:        NormalizeReference(a.str("paymentReference")),
			Executor:                a.optionalAddress("executor"),
		}
	case EventTypeRedemptionPerformed:
		ev = &RedemptionPerformed{
			Meta:                meta,
			AgentVault:          a.address("agentVault"),
			Redeemer:            a.address("redeemer"),
			RequestID:           a.uint("requestId"),
			UnderlyingTxHash:    a.str("transactionHash"),
			RedemptionAmountUBA: a.amount("redemptionAmountUBA"),
			SpentUnderlyingUBA:  a.amount("spentUnderlyingUBA"),
		}
	case EventTypeRedemptionPaymentBlocked:
		ev = &RedemptionPaymentBlocked{
			Meta:                meta,
			AgentVault:          a.address("agentVault"),
			Redeemer:            a.address("redeemer"),
			RequestID:           a.uint("requestId"),
			UnderlyingTxHash:    a.str("transactionHash"),
			RedemptionAmountUBA: a.amount("redemptionAmountUBA"),
			SpentUnderlyingUBA:  a.amount("spentUnderlyingUBA"),
		}
	case EventTypeRedemptionPaymentFailed:
		ev = &RedemptionPaymentFailed{
			Meta:               meta,
			AgentVault:         a.address("agentVault"),
			Redeemer:           a.address("redeemer"),
			RequestID:          a.uint("requestId"),
			UnderlyingTxHash:   a.str("transactionHash"),
			SpentUnderlyingUBA: a.amount("spentUnderlyingUBA"),
			FailureReason:      a.optionalStr("failureReason"),
		}
	case EventTypeRedemptionDefault:
		ev = &RedemptionDefault{
			Meta:                       meta,
			AgentVault:                 a.address("agentVault"),
			Redeemer:                   a.address("redeemer"),
			RequestID:                  a.uint("requestId"),
			RedemptionAmountUBA:        a.amount("redemptionAmountUBA"),
			RedeemedVaultCollateralWei: a.amount("redeemedVaultCollateralWei"),
			RedeemedPoolCollateralWei:  a.amount("redeemedPoolCollateralWei"),
		}
	case EventTypeRedeemedInCollateral:
		ev = &RedeemedInCollateral{
			Meta:                   meta,
			AgentVault:             a.address("agentVault"),
			Redeemer:               a.address("redeemer"),
			RedemptionAmountUBA:    a.amount("redemptionAmountUBA"),
			PaidVaultCollateralWei: a.amount("paidVaultCollateralWei"),
		}
	case EventTypeSelfClose:
		ev = &SelfClose{Meta: meta, AgentVault: a.address("agentVault"), ValueUBA: a.amount("valueUBA")}

	case EventTypeAgentInCCB:
		ev = &AgentInCCB{Meta: meta, AgentVault: a.address("agentVault"), Timestamp: a.uint("timestamp")}
	case EventTypeLiquidationStarted:
		ev = &LiquidationStarted{Meta: meta, AgentVault: a.address("agentVault"), Timestamp: a.uint("timestamp")}
	case EventTypeFullLiquidationStarted:
		ev = &FullLiquidationStarted{Meta: meta, AgentVault: a.address("agentVault"), Timestamp: a.uint("timestamp")}
	case EventTypeLiquidationPerformed:
		ev = &LiquidationPerformed{
			Meta:                   meta,
			AgentVault:             a.address("agentVault"),
			Liquidator:             a.address("liquidator"),
			ValueUBA:               a.amount("valueUBA"),
			PaidVaultCollateralWei: a.amount("paidVaultCollateralWei"),
			PaidPoolCollateralWei:  a.amount("paidPoolCollateralWei"),
		}
	case EventTypeLiquidationEnded:
		ev = &LiquidationEnded{Meta: meta, AgentVault: a.address("agentVault")}

	case EventTypeUnderlyingBalanceToppedUp:
		ev = &UnderlyingBalanceToppedUp{
			Meta:             meta,
			AgentVault:       a.address("agentVault"),
			UnderlyingTxHash: a.optionalStr("transactionHash"),
			DepositedUBA:     a.amount("depositedUBA"),
		}
	case EventTypeDustChanged:
		ev = &DustChanged{Meta: meta, AgentVault: a.address("agentVault"), DustUBA: a.amount("dustUBA")}
	case EventTypeUnderlyingWithdrawalAnnounced:
		ev = &UnderlyingWithdrawalAnnounced{
			Meta:             meta,
			AgentVault:       a.address("agentVault"),
			AnnouncementID:   a.uint("announcementId"),
			PaymentReference: NormalizeReference(a.str("paymentReference")),
		}
	case EventTypeUnderlyingWithdrawalConfirmed:
		ev = &UnderlyingWithdrawalConfirmed{
			Meta:             meta,
			AgentVault:       a.address("agentVault"),
			AnnouncementID:   a.uint("announcementId"),
			SpentUBA:         a.amount("spentUBA"),
			UnderlyingTxHash: a.optionalStr("transactionHash"),
		}
	case EventTypeUnderlyingWithdrawalCancelled:
		ev = &UnderlyingWithdrawalCancelled{
			Meta:           meta,
			AgentVault:     a.address("agentVault"),
			AnnouncementID: a.uint("announcementId"),
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, raw.Event)
	}

	if a.err != nil {
		return nil, a.err
	}
	return ev, nil
}

// DecodeJSON decodes a single raw log from its JSON form.
func DecodeJSON(data []byte) (Event, error) {
	var raw RawLog
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse raw log: %w", err)
	}
	return Decode(raw)
}

// --- argument reader ---
// Keeps the first error so each case above stays a flat struct literal.

type args struct {
	name   string
	raw    map[string]json.RawMessage
	err    error
	parent *args
}

func (a *args) fail(key string, err error) {
	if a.parent != nil {
		a.parent.fail(a.name+"."+key, err)
		return
	}
	if a.err == nil {
		a.err = fmt.Errorf("decode %s.%s: %w", a.name, key, err)
	}
}

func (a *args) lookup(key string, required bool) (json.RawMessage, bool) {
	v, ok := a.raw[key]
	if !ok || bytes.Equal(v, []byte("null")) {
		if required {
			a.fail(key, errMissingArg)
		}
		return nil, false
	}
	return v, true
}

// object returns a reader for a nested struct argument; its errors land on a.
func (a *args) object(key string) *args {
	child := &args{name: key, parent: a}
	if v, ok := a.lookup(key, true); ok {
		if err := json.Unmarshal(v, &child.raw); err != nil {
			a.fail(key, err)
		}
	}
	return child
}

func (a *args) text(key string, required bool) string {
	v, ok := a.lookup(key, required)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		a.fail(key, err)
	}
	return s
}

func (a *args) str(key string) string         { return a.text(key, true) }
func (a *args) optionalStr(key string) string { return a.text(key, false) }

func (a *args) address(key string) string { return NormalizeAddress(a.text(key, true)) }
func (a *args) optionalAddress(key string) string {
	return NormalizeAddress(a.text(key, false))
}

func (a *args) integer(key string, required bool) *big.Int {
	v, ok := a.lookup(key, required)
	if !ok {
		return new(big.Int)
	}
	s := string(bytes.Trim(v, `"`))
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		a.fail(key, fmt.Errorf("invalid integer %q", s))
		return new(big.Int)
	}
	return n
}

func (a *args) amount(key string) *big.Int { return a.integer(key, true) }

func (a *args) uint(key string) uint64 {
	n := a.integer(key, true)
	if !n.IsUint64() {
		a.fail(key, fmt.Errorf("value %s out of range", n))
		return 0
	}
	return n.Uint64()
}

func (a *args) optionalUint(key string) uint64 {
	n := a.integer(key, false)
	if !n.IsUint64() {
		a.fail(key, fmt.Errorf("value %s out of range", n))
		return 0
	}
	return n.Uint64()
}

func (a *args) boolean(key string) bool {
	v, ok := a.lookup(key, true)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		a.fail(key, err)
	}
	return b
}
