package event

import "math/big"

type UnderlyingBalanceToppedUp struct {
	Meta
	AgentVault       string
	UnderlyingTxHash string
	DepositedUBA     *big.Int
}

func (e *UnderlyingBalanceToppedUp) EventType() EventType { return EventTypeUnderlyingBalanceToppedUp }
func (e *UnderlyingBalanceToppedUp) Agent() string        { return e.AgentVault }

type DustChanged struct {
	Meta
	AgentVault string
	DustUBA    *big.Int
}

func (e *DustChanged) EventType() EventType { return EventTypeDustChanged }
func (e *DustChanged) Agent() string        { return e.AgentVault }

// UnderlyingWithdrawalAnnounced opens the agent's single active announcement.
type UnderlyingWithdrawalAnnounced struct {
	Meta
	AgentVault       string
	AnnouncementID   uint64
	PaymentReference string
}

func (e *UnderlyingWithdrawalAnnounced) EventType() EventType {
	return EventTypeUnderlyingWithdrawalAnnounced
}
func (e *UnderlyingWithdrawalAnnounced) Agent() string { return e.AgentVault }

type UnderlyingWithdrawalConfirmed struct {
	Meta
	AgentVault       string
	AnnouncementID   uint64
	SpentUBA         *big.Int
	UnderlyingTxHash string
}

func (e *UnderlyingWithdrawalConfirmed) EventType() EventType {
	return EventTypeUnderlyingWithdrawalConfirmed
}
func (e *UnderlyingWithdrawalConfirmed) Agent() string { return e.AgentVault }

type UnderlyingWithdrawalCancelled struct {
	Meta
	AgentVault     string
	AnnouncementID uint64
}

func (e *UnderlyingWithdrawalCancelled) EventType() EventType {
	return EventTypeUnderlyingWithdrawalCancelled
}
func (e *UnderlyingWithdrawalCancelled) Agent() string { return e.AgentVault }
