package event

import "math/big"

// CollateralReserved opens a minting request.
type CollateralReserved struct {
	Meta
	AgentVault              string
	Minter                  string
	CollateralReservationID uint64
	ValueUBA                *big.Int
	FeeUBA                  *big.Int
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp uint64
	PaymentAddress          string
	PaymentReference        string
	Executor                string
}

func (e *CollateralReserved) EventType() EventType { return EventTypeCollateralReserved }
func (e *CollateralReserved) Agent() string        { return e.AgentVault }
func (e *CollateralReserved) Request() RequestKey {
	return RequestKey{Kind: RequestKindMinting, ID: e.CollateralReservationID}
}
func (e *CollateralReserved) Terminal() bool { return false }

// MintingExecuted ends a minting request. A zero reservation id marks a self-mint
// from before SelfMint existed.
type MintingExecuted struct {
	Meta
	AgentVault              string
	CollateralReservationID uint64
	MintedAmountUBA         *big.Int
	AgentFeeUBA             *big.Int
	PoolFeeUBA              *big.Int
}

func (e *MintingExecuted) EventType() EventType { return EventTypeMintingExecuted }
func (e *MintingExecuted) Agent() string        { return e.AgentVault }
func (e *MintingExecuted) Request() RequestKey {
	return RequestKey{Kind: RequestKindMinting, ID: e.CollateralReservationID}
}
func (e *MintingExecuted) Terminal() bool { return e.CollateralReservationID > 0 }

type SelfMint struct {
	Meta
	AgentVault             string
	MintFromFreeUnderlying bool
	MintedAmountUBA        *big.Int
	DepositedAmountUBA     *big.Int
	PoolFeeUBA             *big.Int
}

func (e *SelfMint) EventType() EventType { return EventTypeSelfMint }
func (e *SelfMint) Agent() string        { return e.AgentVault }

type MintingPaymentDefault struct {
	Meta
	AgentVault              string
	Minter                  string
	CollateralReservationID uint64
	ReservedAmountUBA       *big.Int
}

func (e *MintingPaymentDefault) EventType() EventType { return EventTypeMintingPaymentDefault }
func (e *MintingPaymentDefault) Agent() string        { return e.AgentVault }
func (e *MintingPaymentDefault) Request() RequestKey {
	return RequestKey{Kind: RequestKindMinting, ID: e.CollateralReservationID}
}
func (e *MintingPaymentDefault) Terminal() bool { return true }

type CollateralReservationDeleted struct {
	Meta
	AgentVault              string
	Minter                  string
	CollateralReservationID uint64
	ReservedAmountUBA       *big.Int
}

func (e *CollateralReservationDeleted) EventType() EventType {
	return EventTypeCollateralReservationDeleted
}
func (e *CollateralReservationDeleted) Agent() string { return e.AgentVault }
func (e *CollateralReservationDeleted) Request() RequestKey {
	return RequestKey{Kind: RequestKindMinting, ID: e.CollateralReservationID}
}
func (e *CollateralReservationDeleted) Terminal() bool { return true }
