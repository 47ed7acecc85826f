package event

import "math/big"

// CollateralTypeAdded registers a new vault or pool collateral token.
type CollateralTypeAdded struct {
	Meta
	CollateralClass              CollateralClass
	Token                        string
	Decimals                     uint64
	DirectPricePair              bool
	AssetFtsoSymbol              string
	TokenFtsoSymbol              string
	MinCollateralRatioBIPS       uint64
	CCBMinCollateralRatioBIPS    uint64
	SafetyMinCollateralRatioBIPS uint64
}

func (e *CollateralTypeAdded) EventType() EventType { return EventTypeCollateralTypeAdded }

type CollateralRatiosChanged struct {
	Meta
	CollateralClass              CollateralClass
	Token                        string
	MinCollateralRatioBIPS       uint64
	CCBMinCollateralRatioBIPS    uint64
	SafetyMinCollateralRatioBIPS uint64
}

func (e *CollateralRatiosChanged) EventType() EventType { return EventTypeCollateralRatiosChanged }

type CollateralTypeDeprecated struct {
	Meta
	CollateralClass CollateralClass
	Token           string
	ValidUntil      uint64
}

func (e *CollateralTypeDeprecated) EventType() EventType { return EventTypeCollateralTypeDeprecated }

// Transfer is an ERC20 transfer on one of the tracked collateral tokens.
// Meta.Contract is the token address.
type Transfer struct {
	Meta
	From  string
	To    string
	Value *big.Int
}

func (e *Transfer) EventType() EventType { return EventTypeTransfer }

// PricesPublished signals a new FTSO price epoch; prices are re-read.
type PricesPublished struct {
	Meta
	VotingRoundID uint64
}

func (e *PricesPublished) EventType() EventType { return EventTypePricesPublished }

// SettingChanged updates one asset manager setting.
type SettingChanged struct {
	Meta
	Name  string
	Value *big.Int
}

func (e *SettingChanged) EventType() EventType { return EventTypeSettingChanged }
