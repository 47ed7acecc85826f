// Package statetest provides an in-memory Loader and a small asset manager
// fixture for tests that need a populated TrackedState.
package statetest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"fassetbots/internal/event"
	"fassetbots/internal/state"
)

const (
	AgentVault      = "0xagent1"
	AgentOwner      = "0xowner1"
	AgentUnderlying = "rAgentUnderlying1"
	AgentPool       = "0xpool1"
	VaultToken      = "0xusdc"
	PoolToken       = "0xwnat"
	AssetSymbol     = "testXRP"
	VaultSymbol     = "testUSDC"
	PoolSymbol      = "CFLR"
)

// Settings: 6 asset decimals, granularity 1 UBA, 1 XRP lots.
func Settings() state.Settings {
	return state.Settings{
		AssetDecimals:                             6,
		AssetMintingDecimals:                      6,
		AssetMintingGranularityUBA:                big.NewInt(1),
		LotSizeAMG:                                big.NewInt(1_000_000),
		MinUnderlyingBackingBIPS:                  10_000,
		CCBTimeSeconds:                            180,
		LiquidationStepSeconds:                    180,
		LiquidationCollateralFactorBIPS:           []uint64{12_000, 16_000, 20_000},
		LiquidationFactorVaultCollateralBIPS:      []uint64{10_000, 10_000, 10_000},
		UnderlyingBlocksForPayment:                10,
		UnderlyingSecondsForPayment:               60,
		AnnouncedUnderlyingConfirmationMinSeconds: 30,
		ConfirmationByOthersAfterSeconds:          7200,
		AttestationWindowSeconds:                  86_400,
		PaymentChallengeRewardBIPS:                100,
	}
}

func VaultCollateral() state.CollateralType {
	return state.CollateralType{
		Class:                        event.CollateralClassVault,
		Token:                        VaultToken,
		Decimals:                     18,
		AssetFtsoSymbol:              AssetSymbol,
		TokenFtsoSymbol:              VaultSymbol,
		MinCollateralRatioBIPS:       14_000,
		CCBMinCollateralRatioBIPS:    13_000,
		SafetyMinCollateralRatioBIPS: 15_000,
	}
}

func PoolCollateral() state.CollateralType {
	return state.CollateralType{
		Class:                        event.CollateralClassPool,
		Token:                        PoolToken,
		Decimals:                     18,
		AssetFtsoSymbol:              AssetSymbol,
		TokenFtsoSymbol:              PoolSymbol,
		MinCollateralRatioBIPS:       20_000,
		CCBMinCollateralRatioBIPS:    19_000,
		SafetyMinCollateralRatioBIPS: 21_000,
	}
}

// Prices quotes XRP at assetUSD5/1e5 USD, USDC at 1 USD and CFLR at 0.02 USD.
func Prices(assetUSD5 int64) state.Prices {
	return state.Prices{
		AssetSymbol: {Price: big.NewInt(assetUSD5), Decimals: 5},
		VaultSymbol: {Price: big.NewInt(100_000), Decimals: 5},
		PoolSymbol:  {Price: big.NewInt(2_000), Decimals: 5},
	}
}

// Loader is a mutable in-memory state.Loader. Trusted prices follow FTSO prices
// unless Trusted is set.
type Loader struct {
	mu          sync.Mutex
	settings    state.Settings
	collaterals []state.CollateralType
	prices      state.Prices
	trusted     state.Prices
	supply      *big.Int
	block       uint64
	agents      map[string]state.TrackedAgent

	AgentInfoCalls int
	Err            error
}

func NewLoader() *Loader {
	return &Loader{
		settings:    Settings(),
		collaterals: []state.CollateralType{VaultCollateral(), PoolCollateral()},
		prices:      Prices(200_000),
		supply:      new(big.Int),
		block:       1,
		agents:      make(map[string]state.TrackedAgent),
	}
}

func (l *Loader) SetPrices(p state.Prices) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prices = p
}

func (l *Loader) SetTrusted(p state.Prices) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trusted = p
}

func (l *Loader) SetBlock(block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block = block
}

func (l *Loader) SetSupply(supply *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supply = new(big.Int).Set(supply)
}

// PutAgent registers an agent returned by AgentInfo and AllAgents.
func (l *Loader) PutAgent(a state.TrackedAgent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[event.NormalizeAddress(a.VaultAddress)] = a
}

func (l *Loader) Settings(context.Context) (state.Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings.Clone(), l.Err
}

func (l *Loader) CollateralTypes(context.Context) ([]state.CollateralType, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]state.CollateralType(nil), l.collaterals...), l.Err
}

func (l *Loader) Prices(context.Context) (state.Prices, state.Prices, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	trusted := l.trusted
	if trusted == nil {
		trusted = l.prices
	}
	return l.prices.Clone(), trusted.Clone(), l.Err
}

func (l *Loader) FAssetSupply(context.Context) (*big.Int, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply), l.block, l.Err
}

func (l *Loader) AllAgents(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.agents))
	for vault := range l.agents {
		out = append(out, vault)
	}
	return out, l.Err
}

func (l *Loader) AgentInfo(_ context.Context, vault string) (state.TrackedAgent, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.AgentInfoCalls++
	if l.Err != nil {
		return state.TrackedAgent{}, 0, l.Err
	}
	a, ok := l.agents[event.NormalizeAddress(vault)]
	if !ok {
		return state.TrackedAgent{}, 0, fmt.Errorf("%w: %s", state.ErrAgentNotFound, vault)
	}
	return a.Clone(), l.block, nil
}

// Meta builds event metadata with a per-block transaction hash.
func Meta(block, logIndex uint64) event.Meta {
	return event.Meta{
		Contract:        "0xassetmanager",
		BlockNumber:     block,
		BlockTimestamp:  1_700_000_000 + block*2,
		TransactionHash: fmt.Sprintf("0x%064x", block),
		LogIndex:        logIndex,
	}
}

func AgentCreated(block uint64) *event.AgentVaultCreated {
	return &event.AgentVaultCreated{
		Meta:       Meta(block, 0),
		AgentVault: AgentVault,
		Owner:      AgentOwner,
		CreationData: event.AgentCreationData{
			UnderlyingAddress:               AgentUnderlying,
			CollateralPool:                  AgentPool,
			VaultCollateralToken:            VaultToken,
			PoolWNatToken:                   PoolToken,
			FeeBIPS:                         100,
			PoolFeeShareBIPS:                4_000,
			MintingVaultCollateralRatioBIPS: 16_000,
			MintingPoolCollateralRatioBIPS:  24_000,
			PoolExitCollateralRatioBIPS:     26_000,
			BuyFAssetByAgentFactorBIPS:      9_000,
			PoolTopupCollateralRatioBIPS:    22_000,
			PoolTopupTokenPriceFactorBIPS:   8_000,
		},
	}
}

// Deposit transfers collateral token from the owner to to.
func Deposit(block, logIndex uint64, token, to string, value *big.Int) *event.Transfer {
	m := Meta(block, logIndex)
	m.Contract = token
	return &event.Transfer{Meta: m, From: AgentOwner, To: to, Value: value}
}

func Withdraw(block, logIndex uint64, token, from string, value *big.Int) *event.Transfer {
	m := Meta(block, logIndex)
	m.Contract = token
	return &event.Transfer{Meta: m, From: from, To: AgentOwner, Value: value}
}

// Minted returns a reservation and its execution for valueUBA with zero fees.
func Minted(block uint64, reservationID uint64, valueUBA *big.Int) []event.Event {
	return []event.Event{
		&event.CollateralReserved{
			Meta: Meta(block, 0), AgentVault: AgentVault, Minter: "0xminter",
			CollateralReservationID: reservationID, ValueUBA: valueUBA, FeeUBA: new(big.Int),
			PaymentAddress: AgentUnderlying,
		},
		&event.MintingExecuted{
			Meta: Meta(block, 1), AgentVault: AgentVault, CollateralReservationID: reservationID,
			MintedAmountUBA: valueUBA, AgentFeeUBA: new(big.Int), PoolFeeUBA: new(big.Int),
		},
	}
}

// Wei returns n * 10^18.
func Wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// XRP returns n whole units in UBA.
func XRP(n int64) *big.Int {
	return big.NewInt(n * 1_000_000)
}

// Populate creates the fixture agent with 300 USDC vault collateral, 30000 CFLR
// pool collateral and 100 XRP minted, starting at block. At the default price
// of 2 USD the vault ratio is 15000 BIPS and the pool ratio 30000 BIPS.
func Populate(ctx context.Context, ts *state.TrackedState, block uint64) error {
	events := []event.Event{
		AgentCreated(block),
		Deposit(block+1, 0, VaultToken, AgentVault, Wei(300)),
		Deposit(block+1, 1, PoolToken, AgentPool, Wei(30_000)),
	}
	events = append(events, Minted(block+2, 1, XRP(100))...)
	for _, ev := range events {
		if _, err := ts.ApplyEvent(ctx, ev); err != nil {
			return fmt.Errorf("apply %s: %w", ev.EventType(), err)
		}
	}
	return nil
}
