package event

import "math/big"

// CollateralClass of a collateral type
type CollateralClass uint8

const (
	CollateralClassPool  CollateralClass = 1
	CollateralClassVault CollateralClass = 2
)

func (c CollateralClass) String() string {
	switch c {
	case CollateralClassPool:
		return "POOL"
	case CollateralClassVault:
		return "VAULT"
	default:
		return "UNKNOWN"
	}
}

// AgentCreationData is the agent setup emitted with AgentVaultCreated.
type AgentCreationData struct {
	UnderlyingAddress               string
	CollateralPool                  string
	CollateralPoolToken             string
	VaultCollateralToken            string
	PoolWNatToken                   string
	FeeBIPS                         uint64
	PoolFeeShareBIPS                uint64
	MintingVaultCollateralRatioBIPS uint64
	MintingPoolCollateralRatioBIPS  uint64
	BuyFAssetByAgentFactorBIPS      uint64
	PoolExitCollateralRatioBIPS     uint64
	PoolTopupCollateralRatioBIPS    uint64
	PoolTopupTokenPriceFactorBIPS   uint64
	HandshakeType                   uint64
}

// AgentVaultCreated registers a new agent vault.
type AgentVaultCreated struct {
	Meta
	AgentVault   string
	Owner        string
	CreationData AgentCreationData
}

func (e *AgentVaultCreated) EventType() EventType { return EventTypeAgentVaultCreated }
func (e *AgentVaultCreated) Agent() string        { return e.AgentVault }

// AgentDestroyed is emitted once the vault is destroyed. The agent stays tracked.
type AgentDestroyed struct {
	Meta
	AgentVault string
}

func (e *AgentDestroyed) EventType() EventType { return EventTypeAgentDestroyed }
func (e *AgentDestroyed) Agent() string        { return e.AgentVault }

type AgentDestroyAnnounced struct {
	Meta
	AgentVault       string
	DestroyAllowedAt uint64
}

func (e *AgentDestroyAnnounced) EventType() EventType { return EventTypeAgentDestroyAnnounced }
func (e *AgentDestroyAnnounced) Agent() string        { return e.AgentVault }

// AgentSettingChanged carries the new value of one per-agent setting.
type AgentSettingChanged struct {
	Meta
	AgentVault string
	Name       string
	Value      *big.Int
}

func (e *AgentSettingChanged) EventType() EventType { return EventTypeAgentSettingChanged }
func (e *AgentSettingChanged) Agent() string        { return e.AgentVault }

type AgentCollateralTypeChanged struct {
	Meta
	AgentVault      string
	CollateralClass CollateralClass
	Token           string
}

func (e *AgentCollateralTypeChanged) EventType() EventType {
	return EventTypeAgentCollateralTypeChanged
}
func (e *AgentCollateralTypeChanged) Agent() string { return e.AgentVault }

// AgentAvailable is emitted when the agent enters the public minting list.
type AgentAvailable struct {
	Meta
	AgentVault                      string
	FeeBIPS                         uint64
	MintingVaultCollateralRatioBIPS uint64
	MintingPoolCollateralRatioBIPS  uint64
	FreeCollateralLots              uint64
}

func (e *AgentAvailable) EventType() EventType { return EventTypeAgentAvailable }
func (e *AgentAvailable) Agent() string        { return e.AgentVault }

type AvailableAgentExited struct {
	Meta
	AgentVault string
}

func (e *AvailableAgentExited) EventType() EventType { return EventTypeAvailableAgentExited }
func (e *AvailableAgentExited) Agent() string        { return e.AgentVault }
