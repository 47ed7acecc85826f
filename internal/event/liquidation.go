package event

import "math/big"

type AgentInCCB struct {
	Meta
	AgentVault string
	Timestamp  uint64
}

func (e *AgentInCCB) EventType() EventType { return EventTypeAgentInCCB }
func (e *AgentInCCB) Agent() string        { return e.AgentVault }

type LiquidationStarted struct {
	Meta
	AgentVault string
	Timestamp  uint64
}

func (e *LiquidationStarted) EventType() EventType { return EventTypeLiquidationStarted }
func (e *LiquidationStarted) Agent() string        { return e.AgentVault }

// FullLiquidationStarted is emitted after a successful illegal payment or
// double payment challenge. The agent never leaves this state.
type FullLiquidationStarted struct {
	Meta
	AgentVault string
	Timestamp  uint64
}

func (e *FullLiquidationStarted) EventType() EventType { return EventTypeFullLiquidationStarted }
func (e *FullLiquidationStarted) Agent() string        { return e.AgentVault }

type LiquidationPerformed struct {
	Meta
	AgentVault             string
	Liquidator             string
	ValueUBA               *big.Int
	PaidVaultCollateralWei *big.Int
	PaidPoolCollateralWei  *big.Int
}

func (e *LiquidationPerformed) EventType() EventType { return EventTypeLiquidationPerformed }
func (e *LiquidationPerformed) Agent() string        { return e.AgentVault }

type LiquidationEnded struct {
	Meta
	AgentVault string
}

func (e *LiquidationEnded) EventType() EventType { return EventTypeLiquidationEnded }
func (e *LiquidationEnded) Agent() string        { return e.AgentVault }
