package event

import (
	"fmt"
	"strings"
)

// EventType discriminator for decoded contract events
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// agents
	EventTypeAgentVaultCreated
	EventTypeAgentDestroyed
	EventTypeAgentDestroyAnnounced
	EventTypeAgentSettingChanged
	EventTypeAgentCollateralTypeChanged
	EventTypeAgentAvailable
	EventTypeAvailableAgentExited

	// collateral types, prices, settings
	EventTypeCollateralTypeAdded
	EventTypeCollateralRatiosChanged
	EventTypeCollateralTypeDeprecated
	EventTypeTransfer
	EventTypePricesPublished
	EventTypeSettingChanged

	// minting
	EventTypeCollateralReserved
	EventTypeMintingExecuted
	EventTypeSelfMint
	EventTypeMintingPaymentDefault
	EventTypeCollateralReservationDeleted

	// redemption
	EventTypeRedemptionRequested
	EventTypeRedemptionPerformed
	EventTypeRedemptionDefault
	EventTypeRedemptionPaymentBlocked
	EventTypeRedemptionPaymentFailed
	EventTypeRedeemedInCollateral
	EventTypeSelfClose

	// liquidation
	EventTypeAgentInCCB
	EventTypeLiquidationStarted
	EventTypeFullLiquidationStarted
	EventTypeLiquidationPerformed
	EventTypeLiquidationEnded

	// underlying balance
	EventTypeUnderlyingBalanceToppedUp
	EventTypeDustChanged
	EventTypeUnderlyingWithdrawalAnnounced
	EventTypeUnderlyingWithdrawalConfirmed
	EventTypeUnderlyingWithdrawalCancelled

	eventTypeCount
)

var eventTypeNames = [eventTypeCount]string{
	EventTypeUnknown:                       "Unknown",
	EventTypeAgentVaultCreated:             "AgentVaultCreated",
	EventTypeAgentDestroyed:                "AgentDestroyed",
	EventTypeAgentDestroyAnnounced:         "AgentDestroyAnnounced",
	EventTypeAgentSettingChanged:           "AgentSettingChanged",
	EventTypeAgentCollateralTypeChanged:    "AgentCollateralTypeChanged",
	EventTypeAgentAvailable:                "AgentAvailable",
	EventTypeAvailableAgentExited:          "AvailableAgentExited",
	EventTypeCollateralTypeAdded:           "CollateralTypeAdded",
	EventTypeCollateralRatiosChanged:       "CollateralRatiosChanged",
	EventTypeCollateralTypeDeprecated:      "CollateralTypeDeprecated",
	EventTypeTransfer:                      "Transfer",
	EventTypePricesPublished:               "PricesPublished",
	EventTypeSettingChanged:                "SettingChanged",
	EventTypeCollateralReserved:            "CollateralReserved",
	EventTypeMintingExecuted:               "MintingExecuted",
	EventTypeSelfMint:                      "SelfMint",
	EventTypeMintingPaymentDefault:         "MintingPaymentDefault",
	EventTypeCollateralReservationDeleted:  "CollateralReservationDeleted",
	EventTypeRedemptionRequested:           "RedemptionRequested",
	EventTypeRedemptionPerformed:           "RedemptionPerformed",
	EventTypeRedemptionDefault:             "RedemptionDefault",
	EventTypeRedemptionPaymentBlocked:      "RedemptionPaymentBlocked",
	EventTypeRedemptionPaymentFailed:       "RedemptionPaymentFailed",
	EventTypeRedeemedInCollateral:          "RedeemedInCollateral",
	EventTypeSelfClose:                     "SelfClose",
	EventTypeAgentInCCB:                    "AgentInCCB",
	EventTypeLiquidationStarted:            "LiquidationStarted",
	EventTypeFullLiquidationStarted:        "FullLiquidationStarted",
	EventTypeLiquidationPerformed:          "LiquidationPerformed",
	EventTypeLiquidationEnded:              "LiquidationEnded",
	EventTypeUnderlyingBalanceToppedUp:     "UnderlyingBalanceToppedUp",
	EventTypeDustChanged:                   "DustChanged",
	EventTypeUnderlyingWithdrawalAnnounced: "UnderlyingWithdrawalAnnounced",
	EventTypeUnderlyingWithdrawalConfirmed: "UnderlyingWithdrawalConfirmed",
	EventTypeUnderlyingWithdrawalCancelled: "UnderlyingWithdrawalCancelled",
}

var eventTypesByName = func() map[string]EventType {
	m := make(map[string]EventType, eventTypeCount)
	for i := EventTypeUnknown + 1; i < eventTypeCount; i++ {
		m[eventTypeNames[i]] = i
	}
	return m
}()

func (et EventType) String() string {
	if et < 0 || et >= eventTypeCount {
		return "Unknown"
	}
	return eventTypeNames[et]
}

// ParseEventType returns EventTypeUnknown for names that are not tracked.
func ParseEventType(name string) EventType {
	return eventTypesByName[name]
}

// Meta locates an event on the native chain.
type Meta struct {
	Contract        string `json:"contract"`
	BlockNumber     uint64 `json:"blockNumber"`
	BlockTimestamp  uint64 `json:"blockTimestamp"`
	TransactionHash string `json:"transactionHash"`
	LogIndex        uint64 `json:"logIndex"`
}

// IdempotencyKey is stable across redeliveries of the same log.
func (m Meta) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(m.TransactionHash), m.LogIndex)
}

// Metadata returns the chain position
func (m Meta) Metadata() Meta {
	return m
}

// Before orders by (block, logIndex).
func (m Meta) Before(other Meta) bool {
	if m.BlockNumber != other.BlockNumber {
		return m.BlockNumber < other.BlockNumber
	}
	return m.LogIndex < other.LogIndex
}

// Event is the interface all decoded events implement
type Event interface {
	// IdempotencyKey returns txHash:logIndex
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Metadata returns the chain position of the log
	Metadata() Meta
}

// AgentEvent is implemented by events scoped to one agent vault.
type AgentEvent interface {
	Event
	Agent() string
}

// RequestEvent is implemented by minting and redemption events that carry a request id.
// Terminal reports whether the event ends the request's lifecycle.
type RequestEvent interface {
	AgentEvent
	Request() RequestKey
	Terminal() bool
}

// RequestKind separates the minting and redemption id spaces
type RequestKind int32

const (
	RequestKindMinting RequestKind = iota + 1
	RequestKindRedemption
)

// RequestKey identifies a collateral reservation or redemption request.
type RequestKey struct {
	Kind RequestKind
	ID   uint64
}

func (k RequestKey) String() string {
	if k.Kind == RequestKindMinting {
		return fmt.Sprintf("minting:%d", k.ID)
	}
	return fmt.Sprintf("redemption:%d", k.ID)
}

// NormalizeAddress lowercases an address so map lookups are case-insensitive.
func NormalizeAddress(address string) string {
	return strings.ToLower(address)
}
