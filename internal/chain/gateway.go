package chain

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"fassetbots/internal/event"
	"fassetbots/internal/liquidation"
	fpmath "fassetbots/internal/math"
	"fassetbots/internal/state"
)

// Contracts are the native-chain addresses the gateway talks to.
type Contracts struct {
	AssetManager string
	FAsset       string
	Liquidator   string
	PriceStore   string
}

// Gateway implements the native-chain capabilities over a JSON-RPC gateway
// that ABI-encodes calls and decodes logs.
type Gateway struct {
	rpc       *Client
	contracts Contracts
}

var (
	_ EventSource  = (*Gateway)(nil)
	_ AssetManager = (*Gateway)(nil)
	_ Liquidator   = (*Gateway)(nil)
	_ Dexes        = (*Gateway)(nil)
	_ PriceStore   = (*Gateway)(nil)
)

func NewGateway(rpc *Client, contracts Contracts) *Gateway {
	return &Gateway{rpc: rpc, contracts: contracts}
}

type callParams struct {
	Contract string `json:"contract"`
	Method   string `json:"method"`
	Args     []any  `json:"args"`
	From     string `json:"from,omitempty"`
}

func (g *Gateway) call(ctx context.Context, out any, contract, method string, args ...any) error {
	return g.rpc.Call(ctx, out, "fasset_call", callParams{Contract: contract, Method: method, Args: nonNil(args)})
}

// send submits a transaction and waits for its receipt; reverts come back as RevertError.
func (g *Gateway) send(ctx context.Context, out any, from, contract, method string, args ...any) error {
	return g.rpc.Call(ctx, out, "fasset_send", callParams{Contract: contract, Method: method, Args: nonNil(args), From: from})
}

func nonNil(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

// --- EventSource ---

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := g.rpc.Call(ctx, &hex, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return parseQuantity(hex)
}

type logsParams struct {
	Address   string `json:"address"`
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
}

func (g *Gateway) Logs(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]event.RawLog, error) {
	var logs []event.RawLog
	err := g.rpc.Call(ctx, &logs, "fasset_getLogs", logsParams{Address: contract, FromBlock: fromBlock, ToBlock: toBlock})
	return logs, err
}

func parseQuantity(hex string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", hex, err)
	}
	return v, nil
}

// --- state.Loader ---

type settingsDTO struct {
	AssetDecimals                             uint64              `json:"assetDecimals"`
	AssetMintingDecimals                      uint64              `json:"assetMintingDecimals"`
	AssetMintingGranularityUBA                *big.Int            `json:"assetMintingGranularityUBA"`
	LotSizeAMG                                *big.Int            `json:"lotSizeAMG"`
	MinUnderlyingBackingBIPS                  uint64              `json:"minUnderlyingBackingBIPS"`
	CCBTimeSeconds                            uint64              `json:"ccbTimeSeconds"`
	LiquidationStepSeconds                    uint64              `json:"liquidationStepSeconds"`
	LiquidationCollateralFactorBIPS           []uint64            `json:"liquidationCollateralFactorBIPS"`
	LiquidationFactorVaultCollateralBIPS      []uint64            `json:"liquidationFactorVaultCollateralBIPS"`
	UnderlyingBlocksForPayment                uint64              `json:"underlyingBlocksForPayment"`
	UnderlyingSecondsForPayment               uint64              `json:"underlyingSecondsForPayment"`
	AnnouncedUnderlyingConfirmationMinSeconds uint64              `json:"announcedUnderlyingConfirmationMinSeconds"`
	ConfirmationByOthersAfterSeconds          uint64              `json:"confirmationByOthersAfterSeconds"`
	AttestationWindowSeconds                  uint64              `json:"attestationWindowSeconds"`
	PaymentChallengeRewardBIPS                uint64              `json:"paymentChallengeRewardBIPS"`
	Extra                                     map[string]*big.Int `json:"extra"`
}

func (g *Gateway) Settings(ctx context.Context) (state.Settings, error) {
	var d settingsDTO
	if err := g.call(ctx, &d, g.contracts.AssetManager, "getSettings"); err != nil {
		return state.Settings{}, err
	}
	return state.Settings{
		AssetDecimals:                             d.AssetDecimals,
		AssetMintingDecimals:                      d.AssetMintingDecimals,
		AssetMintingGranularityUBA:                d.AssetMintingGranularityUBA,
		LotSizeAMG:                                d.LotSizeAMG,
		MinUnderlyingBackingBIPS:                  d.MinUnderlyingBackingBIPS,
		CCBTimeSeconds:                            d.CCBTimeSeconds,
		LiquidationStepSeconds:                    d.LiquidationStepSeconds,
		LiquidationCollateralFactorBIPS:           d.LiquidationCollateralFactorBIPS,
		LiquidationFactorVaultCollateralBIPS:      d.LiquidationFactorVaultCollateralBIPS,
		UnderlyingBlocksForPayment:                d.UnderlyingBlocksForPayment,
		UnderlyingSecondsForPayment:               d.UnderlyingSecondsForPayment,
		AnnouncedUnderlyingConfirmationMinSeconds: d.AnnouncedUnderlyingConfirmationMinSeconds,
		ConfirmationByOthersAfterSeconds:          d.ConfirmationByOthersAfterSeconds,
		AttestationWindowSeconds:                  d.AttestationWindowSeconds,
		PaymentChallengeRewardBIPS:                d.PaymentChallengeRewardBIPS,
		Extra:                                     d.Extra,
	}, nil
}

type collateralDTO struct {
	CollateralClass              uint8  `json:"collateralClass"`
	Token                        string `json:"token"`
	Decimals                     uint64 `json:"decimals"`
	ValidUntil                   uint64 `json:"validUntil"`
	DirectPricePair              bool   `json:"directPricePair"`
	AssetFtsoSymbol              string `json:"assetFtsoSymbol"`
	TokenFtsoSymbol              string `json:"tokenFtsoSymbol"`
	MinCollateralRatioBIPS       uint64 `json:"minCollateralRatioBIPS"`
	CCBMinCollateralRatioBIPS    uint64 `json:"ccbMinCollateralRatioBIPS"`
	SafetyMinCollateralRatioBIPS uint64 `json:"safetyMinCollateralRatioBIPS"`
}

func (g *Gateway) CollateralTypes(ctx context.Context) ([]state.CollateralType, error) {
	var list []collateralDTO
	if err := g.call(ctx, &list, g.contracts.AssetManager, "getCollateralTypes"); err != nil {
		return nil, err
	}
	out := make([]state.CollateralType, 0, len(list))
	for _, d := range list {
		out = append(out, state.CollateralType{
			Class:                        event.CollateralClass(d.CollateralClass),
			Token:                        event.NormalizeAddress(d.Token),
			Decimals:                     d.Decimals,
			ValidUntil:                   d.ValidUntil,
			DirectPricePair:              d.DirectPricePair,
			AssetFtsoSymbol:              d.AssetFtsoSymbol,
			TokenFtsoSymbol:              d.TokenFtsoSymbol,
			MinCollateralRatioBIPS:       d.MinCollateralRatioBIPS,
			CCBMinCollateralRatioBIPS:    d.CCBMinCollateralRatioBIPS,
			SafetyMinCollateralRatioBIPS: d.SafetyMinCollateralRatioBIPS,
		})
	}
	return out, nil
}

type priceDTO struct {
	Price     *big.Int `json:"price"`
	Decimals  int      `json:"decimals"`
	Timestamp uint64   `json:"timestamp"`
}

type pricesDTO struct {
	Ftso    map[string]priceDTO `json:"ftso"`
	Trusted map[string]priceDTO `json:"trusted"`
}

func toPrices(m map[string]priceDTO) state.Prices {
	out := make(state.Prices, len(m))
	for symbol, p := range m {
		out[symbol] = state.FtsoPrice{Price: p.Price, Decimals: p.Decimals, Timestamp: p.Timestamp}
	}
	return out
}

func (g *Gateway) Prices(ctx context.Context) (state.Prices, state.Prices, error) {
	var d pricesDTO
	if err := g.call(ctx, &d, g.contracts.AssetManager, "getPrices"); err != nil {
		return nil, nil, err
	}
	return toPrices(d.Ftso), toPrices(d.Trusted), nil
}

type supplyDTO struct {
	TotalSupply *big.Int `json:"totalSupply"`
	BlockNumber uint64   `json:"blockNumber"`
}

func (g *Gateway) FAssetSupply(ctx context.Context) (*big.Int, uint64, error) {
	var d supplyDTO
	if err := g.call(ctx, &d, g.contracts.FAsset, "totalSupply"); err != nil {
		return nil, 0, err
	}
	return d.TotalSupply, d.BlockNumber, nil
}

func (g *Gateway) AllAgents(ctx context.Context) ([]string, error) {
	var vaults []string
	err := g.call(ctx, &vaults, g.contracts.AssetManager, "getAllAgents")
	return vaults, err
}

type agentInfoDTO struct {
	BlockNumber                     uint64              `json:"blockNumber"`
	Status                          int32               `json:"status"`
	OwnerAddress                    string              `json:"ownerManagementAddress"`
	UnderlyingAddress               string              `json:"underlyingAddressString"`
	CollateralPool                  string              `json:"collateralPool"`
	PubliclyAvailable               bool                `json:"publiclyAvailable"`
	VaultCollateralToken            string              `json:"vaultCollateralToken"`
	TotalVaultCollateralWei         map[string]*big.Int `json:"totalVaultCollateralWei"`
	TotalPoolCollateralNATWei       *big.Int            `json:"totalPoolCollateralNATWei"`
	FeeBIPS                         uint64              `json:"feeBIPS"`
	PoolFeeShareBIPS                uint64              `json:"poolFeeShareBIPS"`
	MintingVaultCollateralRatioBIPS uint64              `json:"mintingVaultCollateralRatioBIPS"`
	MintingPoolCollateralRatioBIPS  uint64              `json:"mintingPoolCollateralRatioBIPS"`
	PoolExitCollateralRatioBIPS     uint64              `json:"poolExitCollateralRatioBIPS"`
	ReservedUBA                     *big.Int            `json:"reservedUBA"`
	MintedUBA                       *big.Int            `json:"mintedUBA"`
	RedeemingUBA                    *big.Int            `json:"redeemingUBA"`
	PoolRedeemingUBA                *big.Int            `json:"poolRedeemingUBA"`
	DustUBA                         *big.Int            `json:"dustUBA"`
	UnderlyingBalanceUBA            *big.Int            `json:"underlyingBalanceUBA"`
	CCBStartTimestamp               uint64              `json:"ccbStartTimestamp"`
	LiquidationStartTimestamp       uint64              `json:"liquidationStartTimestamp"`
	AnnouncedUnderlyingWithdrawalID uint64              `json:"announcedUnderlyingWithdrawalId"`
}

func (g *Gateway) AgentInfo(ctx context.Context, vault string) (state.TrackedAgent, uint64, error) {
	var d agentInfoDTO
	if err := g.call(ctx, &d, g.contracts.AssetManager, "getAgentInfo", vault); err != nil {
		return state.TrackedAgent{}, 0, err
	}
	return state.TrackedAgent{
		VaultAddress:                    vault,
		OwnerAddress:                    d.OwnerAddress,
		UnderlyingAddress:               d.UnderlyingAddress,
		CollateralPoolAddress:           d.CollateralPool,
		Status:                          state.AgentStatus(d.Status),
		PubliclyAvailable:               d.PubliclyAvailable,
		TotalVaultCollateralWei:         d.TotalVaultCollateralWei,
		TotalPoolCollateralNATWei:       d.TotalPoolCollateralNATWei,
		CCBStartTimestamp:               d.CCBStartTimestamp,
		LiquidationStartTimestamp:       d.LiquidationStartTimestamp,
		AnnouncedUnderlyingWithdrawalID: d.AnnouncedUnderlyingWithdrawalID,
		Settings: state.AgentSettings{
			VaultCollateralToken:            d.VaultCollateralToken,
			FeeBIPS:                         d.FeeBIPS,
			PoolFeeShareBIPS:                d.PoolFeeShareBIPS,
			MintingVaultCollateralRatioBIPS: d.MintingVaultCollateralRatioBIPS,
			MintingPoolCollateralRatioBIPS:  d.MintingPoolCollateralRatioBIPS,
			PoolExitCollateralRatioBIPS:     d.PoolExitCollateralRatioBIPS,
		},
		ReservedUBA:          d.ReservedUBA,
		MintedUBA:            d.MintedUBA,
		RedeemingUBA:         d.RedeemingUBA,
		PoolRedeemingUBA:     d.PoolRedeemingUBA,
		DustUBA:              d.DustUBA,
		UnderlyingBalanceUBA: d.UnderlyingBalanceUBA,
	}, d.BlockNumber, nil
}

// --- reads ---

func (g *Gateway) Timestamp(ctx context.Context) (uint64, error) {
	var ts uint64
	err := g.rpc.Call(ctx, &ts, "fasset_latestTimestamp")
	return ts, err
}

func (g *Gateway) FAssetBalance(ctx context.Context, address string) (*big.Int, error) {
	return g.TokenBalance(ctx, g.contracts.FAsset, address)
}

func (g *Gateway) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	balance := new(big.Int)
	err := g.call(ctx, balance, token, "balanceOf", address)
	return balance, err
}

type underlyingBlockDTO struct {
	Height    uint64 `json:"underlyingBlock"`
	Timestamp uint64 `json:"underlyingTimestamp"`
}

func (g *Gateway) CurrentUnderlyingBlock(ctx context.Context) (uint64, uint64, error) {
	var d underlyingBlockDTO
	if err := g.call(ctx, &d, g.contracts.AssetManager, "currentUnderlyingBlock"); err != nil {
		return 0, 0, err
	}
	return d.Height, d.Timestamp, nil
}

// --- writes ---

func (g *Gateway) StartLiquidation(ctx context.Context, from, vault string) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "startLiquidation", vault)
}

func (g *Gateway) EndLiquidation(ctx context.Context, from, vault string) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "endLiquidation", vault)
}

func (g *Gateway) Liquidate(ctx context.Context, from, vault string, amountUBA *big.Int) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "liquidate", vault, amountUBA)
}

func (g *Gateway) IllegalPaymentChallenge(ctx context.Context, from string, proof Proof, vault string) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "illegalPaymentChallenge", proof, vault)
}

func (g *Gateway) DoublePaymentChallenge(ctx context.Context, from string, proof1, proof2 Proof, vault string) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "doublePaymentChallenge", proof1, proof2, vault)
}

func (g *Gateway) FreeBalanceNegativeChallenge(ctx context.Context, from string, proofs []Proof, vault string) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "freeBalanceNegativeChallenge", proofs, vault)
}

func (g *Gateway) UpdateCurrentBlock(ctx context.Context, from string, proof Proof) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "updateCurrentBlock", proof)
}

type announcementDTO struct {
	AnnouncementID   uint64 `json:"announcementId"`
	PaymentReference string `json:"paymentReference"`
}

func (g *Gateway) AnnounceUnderlyingWithdrawal(ctx context.Context, from, vault string) (uint64, string, error) {
	var d announcementDTO
	if err := g.send(ctx, &d, from, g.contracts.AssetManager, "announceUnderlyingWithdrawal", vault); err != nil {
		return 0, "", err
	}
	return d.AnnouncementID, event.NormalizeReference(d.PaymentReference), nil
}

func (g *Gateway) ConfirmUnderlyingWithdrawal(ctx context.Context, from string, proof Proof, vault string) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "confirmUnderlyingWithdrawal", proof, vault)
}

func (g *Gateway) CancelUnderlyingWithdrawal(ctx context.Context, from, vault string) error {
	return g.send(ctx, nil, from, g.contracts.AssetManager, "cancelUnderlyingWithdrawal", vault)
}

// --- liquidator contract ---

func (g *Gateway) RunArbitrage(ctx context.Context, from, vault string, dexIndex int, minProfit *big.Int) error {
	return g.send(ctx, nil, from, g.contracts.Liquidator, "runArbitrage", vault, dexIndex, minProfit)
}

type dexPairDTO struct {
	Name          string   `json:"name"`
	VaultReserve  *big.Int `json:"vaultReserve"`
	FAssetReserve *big.Int `json:"fAssetReserve"`
	PoolReserve   *big.Int `json:"poolReserve"`
	PoolVault     *big.Int `json:"poolVaultReserve"`
	FeeBIPS       uint64   `json:"feeBIPS"`
}

func (g *Gateway) Pairs(ctx context.Context, vaultToken, poolToken string) ([]liquidation.DexPair, error) {
	var list []dexPairDTO
	if err := g.call(ctx, &list, g.contracts.Liquidator, "getDexReserves", vaultToken, poolToken); err != nil {
		return nil, err
	}
	out := make([]liquidation.DexPair, 0, len(list))
	for i, d := range list {
		fee := d.FeeBIPS
		if fee == 0 {
			fee = liquidation.DefaultDexFeeBIPS
		}
		out = append(out, liquidation.DexPair{
			Index:         i,
			Name:          d.Name,
			VaultReserve:  fpmath.Clone(d.VaultReserve),
			FAssetReserve: fpmath.Clone(d.FAssetReserve),
			PoolReserve:   fpmath.Clone(d.PoolReserve),
			PoolVault:     fpmath.Clone(d.PoolVault),
			FeeBIPS:       fee,
		})
	}
	return out, nil
}

// --- price store ---

func (g *Gateway) LastPublishedRound(ctx context.Context) (uint64, error) {
	var round uint64
	err := g.call(ctx, &round, g.contracts.PriceStore, "lastPublishedVotingRoundId")
	return round, err
}

func (g *Gateway) FeedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.call(ctx, &ids, g.contracts.PriceStore, "getFeedIds")
	return ids, err
}

func (g *Gateway) PublishPrices(ctx context.Context, from string, feeds []FeedResult) error {
	return g.send(ctx, nil, from, g.contracts.PriceStore, "publishPrices", feeds)
}
