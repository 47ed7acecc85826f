package state

import (
	"fmt"
	"math/big"

	"fassetbots/internal/event"
	fpmath "fassetbots/internal/math"
)

// CollateralType is one registered vault or pool collateral token.
type CollateralType struct {
	Class                        event.CollateralClass
	Token                        string
	Decimals                     uint64
	ValidUntil                   uint64 // 0 - not deprecated
	DirectPricePair              bool
	AssetFtsoSymbol              string
	TokenFtsoSymbol              string
	MinCollateralRatioBIPS       uint64
	CCBMinCollateralRatioBIPS    uint64
	SafetyMinCollateralRatioBIPS uint64
}

// Valid reports whether the collateral can still back minting at timestamp.
func (c CollateralType) Valid(timestamp uint64) bool {
	return c.ValidUntil == 0 || c.ValidUntil >= timestamp
}

type collateralKey struct {
	class event.CollateralClass
	token string
}

// CollateralList keeps registration order; the last pool-class entry is the
// active pool collateral.
type CollateralList struct {
	list  []CollateralType
	index map[collateralKey]int
}

func NewCollateralList() *CollateralList {
	return &CollateralList{index: make(map[collateralKey]int)}
}

// Add inserts or replaces a collateral type.
func (cl *CollateralList) Add(c CollateralType) {
	c.Token = event.NormalizeAddress(c.Token)
	key := collateralKey{c.Class, c.Token}
	if i, ok := cl.index[key]; ok {
		cl.list[i] = c
		return
	}
	cl.index[key] = len(cl.list)
	cl.list = append(cl.list, c)
}

func (cl *CollateralList) Get(class event.CollateralClass, token string) (CollateralType, error) {
	i, ok := cl.index[collateralKey{class, event.NormalizeAddress(token)}]
	if !ok {
		return CollateralType{}, fmt.Errorf("%w: %s %s", ErrUnknownCollateral, class, token)
	}
	return cl.list[i], nil
}

func (cl *CollateralList) update(class event.CollateralClass, token string, fn func(*CollateralType)) error {
	i, ok := cl.index[collateralKey{class, event.NormalizeAddress(token)}]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnknownCollateral, class, token)
	}
	fn(&cl.list[i])
	return nil
}

// HasToken reports whether token is registered in any class.
func (cl *CollateralList) HasToken(token string) bool {
	token = event.NormalizeAddress(token)
	for _, c := range cl.list {
		if c.Token == token {
			return true
		}
	}
	return false
}

// Tokens lists distinct collateral token addresses in registration order.
func (cl *CollateralList) Tokens() []string {
	seen := make(map[string]struct{}, len(cl.list))
	var out []string
	for _, c := range cl.list {
		if _, ok := seen[c.Token]; ok {
			continue
		}
		seen[c.Token] = struct{}{}
		out = append(out, c.Token)
	}
	return out
}

func (cl *CollateralList) List() []CollateralType {
	return append([]CollateralType(nil), cl.list...)
}

// --- prices ---

// FtsoPrice is a USD price with its decimals.
type FtsoPrice struct {
	Price     *big.Int
	Decimals  int
	Timestamp uint64
}

// Prices maps FTSO symbol to price.
type Prices map[string]FtsoPrice

func (p Prices) Clone() Prices {
	out := make(Prices, len(p))
	for k, v := range p {
		v.Price = fpmath.Clone(v.Price)
		out[k] = v
	}
	return out
}

var amgPriceScale = fpmath.Pow10(9)

// AMGToTokenWeiPrice returns token wei per AMG scaled by 1e9:
//
//	assetUSD * 10^(tokenDecimals + tokenFtsoDecimals + 9 - assetMintingDecimals - assetFtsoDecimals) / tokenUSD
//
// For a direct price pair the asset symbol is quoted in the token and the
// token price is taken as one unit.
func AMGToTokenWeiPrice(settings Settings, c CollateralType, prices Prices) (*big.Int, error) {
	asset, ok := prices[c.AssetFtsoSymbol]
	if !ok || fpmath.IsZero(asset.Price) {
		return nil, fmt.Errorf("no price for %s", c.AssetFtsoSymbol)
	}
	tokenPrice, tokenDecimals := big.NewInt(1), 0
	if !c.DirectPricePair {
		token, ok := prices[c.TokenFtsoSymbol]
		if !ok || fpmath.IsZero(token.Price) {
			return nil, fmt.Errorf("no price for %s", c.TokenFtsoSymbol)
		}
		tokenPrice, tokenDecimals = token.Price, token.Decimals
	}
	exp := int(c.Decimals) + tokenDecimals + 9 - int(settings.AssetMintingDecimals) - asset.Decimals
	if exp >= 0 {
		return fpmath.MulDiv(asset.Price, fpmath.Pow10(exp), tokenPrice, fpmath.RoundDown), nil
	}
	return fpmath.MulDiv(asset.Price, big.NewInt(1), new(big.Int).Mul(tokenPrice, fpmath.Pow10(-exp)), fpmath.RoundDown), nil
}

// ConvertAMGToTokenWei converts minted AMG to collateral wei at amgPrice.
func ConvertAMGToTokenWei(amg, amgPrice *big.Int) *big.Int {
	return fpmath.MulDiv(amg, amgPrice, amgPriceScale, fpmath.RoundDown)
}

// ConvertUBAToTokenWei converts UBA to collateral wei at amgPrice.
func ConvertUBAToTokenWei(settings Settings, uba, amgPrice *big.Int) *big.Int {
	den := new(big.Int).Mul(fpmath.Clone(settings.AssetMintingGranularityUBA), amgPriceScale)
	if den.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(uba, amgPrice, den, fpmath.RoundDown)
}

// ConvertTokenWeiToAMG is the inverse of ConvertAMGToTokenWei, rounded down.
func ConvertTokenWeiToAMG(wei, amgPrice *big.Int) *big.Int {
	if fpmath.IsZero(amgPrice) {
		return new(big.Int)
	}
	return fpmath.MulDiv(wei, amgPriceScale, amgPrice, fpmath.RoundDown)
}
