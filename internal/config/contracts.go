package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"fassetbots/internal/chain"
)

var (
	ErrMissingContract = errors.New("contract missing from contracts file")
	ErrMissingFAsset   = errors.New("fasset missing from contracts file")
)

// Contract names looked up besides the per-fasset entries.
const (
	ContractPriceReader = "PriceReader"
	ContractLiquidator  = "FAssetLiquidator"
	ContractPriceStore  = "FtsoV2PriceStore"
)

// ContractEntry is one element of the array form of a contracts file.
type ContractEntry struct {
	Name         string `json:"name"`
	ContractName string `json:"contractName,omitempty"`
	Address      string `json:"address"`
}

// Contracts maps contract names to native-chain addresses.
type Contracts map[string]string

// LoadContracts reads a contracts file. It accepts either an array of
// {name, contractName, address} entries or an object of name to address.
func LoadContracts(path string) (Contracts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contracts: %w", err)
	}
	c, err := ParseContracts(data)
	if err != nil {
		return nil, fmt.Errorf("parse contracts %s: %w", path, err)
	}
	return c, nil
}

func ParseContracts(data []byte) (Contracts, error) {
	data = bytes.TrimSpace(data)
	out := Contracts{}
	if len(data) > 0 && data[0] == '[' {
		var entries []ContractEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Name == "" || e.Address == "" {
				return nil, fmt.Errorf("entry %+v needs a name and an address", e)
			}
			out[e.Name] = e.Address
		}
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ForFAsset resolves the addresses the gateway needs for one fasset symbol.
// The asset manager and the fasset token are required.
func (c Contracts) ForFAsset(symbol string) (chain.Contracts, error) {
	am, ok := c["AssetManager_"+symbol]
	if !ok || am == "" {
		return chain.Contracts{}, fmt.Errorf("%w: AssetManager_%s", ErrMissingContract, symbol)
	}
	fasset, ok := c["FAsset_"+symbol]
	if !ok || fasset == "" {
		return chain.Contracts{}, fmt.Errorf("%w: FAsset_%s", ErrMissingFAsset, symbol)
	}
	return chain.Contracts{
		AssetManager: am,
		FAsset:       fasset,
		Liquidator:   c[ContractLiquidator],
		PriceStore:   c[ContractPriceStore],
	}, nil
}

// PriceReader is optional; without it prices come from the asset manager only.
func (c Contracts) PriceReader() string {
	return c[ContractPriceReader]
}
