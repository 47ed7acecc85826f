package event

import "math/big"

// RedemptionRequested opens a redemption request.
// Odd request ids belong to pool self-close redemptions.
type RedemptionRequested struct {
	Meta
	AgentVault              string
	Redeemer                string
	RequestID               uint64
	PaymentAddress          string
	ValueUBA                *big.Int
	FeeUBA                  *big.Int
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp uint64
	PaymentReference        string
	Executor                string
}

func (e *RedemptionRequested) EventType() EventType { return EventTypeRedemptionRequested }
func (e *RedemptionRequested) Agent() string        { return e.AgentVault }
func (e *RedemptionRequested) Request() RequestKey {
	return RequestKey{Kind: RequestKindRedemption, ID: e.RequestID}
}
func (e *RedemptionRequested) Terminal() bool { return false }

// RedemptionPerformed confirms a correct redemption payment.
type RedemptionPerformed struct {
	Meta
	AgentVault          string
	Redeemer            string
	RequestID           uint64
	UnderlyingTxHash    string
	RedemptionAmountUBA *big.Int
	SpentUnderlyingUBA  *big.Int
}

func (e *RedemptionPerformed) EventType() EventType { return EventTypeRedemptionPerformed }
func (e *RedemptionPerformed) Agent() string        { return e.AgentVault }
func (e *RedemptionPerformed) Request() RequestKey {
	return RequestKey{Kind: RequestKindRedemption, ID: e.RequestID}
}
func (e *RedemptionPerformed) Terminal() bool { return true }

type RedemptionPaymentBlocked struct {
	Meta
	AgentVault          string
	Redeemer            string
	RequestID           uint64
	UnderlyingTxHash    string
	RedemptionAmountUBA *big.Int
	SpentUnderlyingUBA  *big.Int
}

func (e *RedemptionPaymentBlocked) EventType() EventType { return EventTypeRedemptionPaymentBlocked }
func (e *RedemptionPaymentBlocked) Agent() string        { return e.AgentVault }
func (e *RedemptionPaymentBlocked) Request() RequestKey {
	return RequestKey{Kind: RequestKindRedemption, ID: e.RequestID}
}
func (e *RedemptionPaymentBlocked) Terminal() bool { return true }

// RedemptionPaymentFailed does not end the request; a default follows.
type RedemptionPaymentFailed struct {
	Meta
	AgentVault         string
	Redeemer           string
	RequestID          uint64
	UnderlyingTxHash   string
	SpentUnderlyingUBA *big.Int
	FailureReason      string
}

func (e *RedemptionPaymentFailed) EventType() EventType { return EventTypeRedemptionPaymentFailed }
func (e *RedemptionPaymentFailed) Agent() string        { return e.AgentVault }
func (e *RedemptionPaymentFailed) Request() RequestKey {
	return RequestKey{Kind: RequestKindRedemption, ID: e.RequestID}
}
func (e *RedemptionPaymentFailed) Terminal() bool { return false }

type RedemptionDefault struct {
	Meta
	AgentVault                 string
	Redeemer                   string
	RequestID                  uint64
	RedemptionAmountUBA        *big.Int
	RedeemedVaultCollateralWei *big.Int
	RedeemedPoolCollateralWei  *big.Int
}

func (e *RedemptionDefault) EventType() EventType { return EventTypeRedemptionDefault }
func (e *RedemptionDefault) Agent() string        { return e.AgentVault }
func (e *RedemptionDefault) Request() RequestKey {
	return RequestKey{Kind: RequestKindRedemption, ID: e.RequestID}
}
func (e *RedemptionDefault) Terminal() bool { return true }

type RedeemedInCollateral struct {
	Meta
	AgentVault             string
	Redeemer               string
	RedemptionAmountUBA    *big.Int
	PaidVaultCollateralWei *big.Int
}

func (e *RedeemedInCollateral) EventType() EventType { return EventTypeRedeemedInCollateral }
func (e *RedeemedInCollateral) Agent() string        { return e.AgentVault }

type SelfClose struct {
	Meta
	AgentVault string
	ValueUBA   *big.Int
}

func (e *SelfClose) EventType() EventType { return EventTypeSelfClose }
func (e *SelfClose) Agent() string        { return e.AgentVault }
