// Package simulation is an in-memory native chain and underlying chain that
// implement every capability in package chain. Each state-changing call mines
// one block and emits the logs the real contracts would.
package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
	"fassetbots/internal/liquidation"
	fpmath "fassetbots/internal/math"
	"fassetbots/internal/state"
)

const (
	AssetManagerAddress = "0xassetmanager"
	FAssetAddress       = "0xfasset"
	LiquidatorAddress   = "0xliquidator"
	PriceReaderAddress  = "0xpricereader"
	PriceStoreAddress   = "0xpricestore"

	DefaultBlockTime = 2
	startTimestamp   = 1_700_000_000
)

var (
	_ chain.EventSource  = (*Chain)(nil)
	_ chain.AssetManager = (*Chain)(nil)
	_ chain.Liquidator   = (*Chain)(nil)
	_ chain.Dexes        = (*Chain)(nil)
	_ chain.PriceStore   = (*Chain)(nil)
)

// Config seeds a Chain.
type Config struct {
	Settings    state.Settings
	Collaterals []state.CollateralType
	Prices      state.Prices
	// BlockTime in seconds; DefaultBlockTime when 0.
	BlockTime uint64
}

type announcement struct {
	id        uint64
	reference string
	timestamp uint64
}

type redemption struct {
	vault     string
	reference string
	valueUBA  *big.Int
}

// Chain is the simulated native chain with the asset manager, the f-asset
// and collateral tokens, the liquidator contract and its DEX pairs.
type Chain struct {
	mu sync.Mutex

	block     uint64
	timestamp uint64
	blockTime uint64
	logs      []event.RawLog
	logIndex  uint64

	settings        state.Settings
	collaterals     []state.CollateralType
	prices          state.Prices
	trusted         state.Prices
	supply          *big.Int
	agents          map[string]*state.TrackedAgent
	agentOrder      []string
	balances        map[string]map[string]*big.Int // token -> holder -> amount
	pairs           []liquidation.DexPair
	reservationSeq  uint64
	redemptionSeq   uint64
	redemptions     map[uint64]redemption
	announcementSeq uint64
	announcements   map[string]announcement
	feedIDs         []string
	publishedRound  uint64
	publishedFeeds  map[uint64][]chain.FeedResult

	underlyingHeight    uint64
	underlyingTimestamp uint64

	reverts map[string][]string
	calls   map[string]int
}

func NewChain(cfg Config) *Chain {
	if cfg.BlockTime == 0 {
		cfg.BlockTime = DefaultBlockTime
	}
	return &Chain{
		block:          1,
		timestamp:      startTimestamp,
		blockTime:      cfg.BlockTime,
		settings:       cfg.Settings.Clone(),
		collaterals:    append([]state.CollateralType(nil), cfg.Collaterals...),
		prices:         cfg.Prices.Clone(),
		supply:         new(big.Int),
		agents:         make(map[string]*state.TrackedAgent),
		balances:       make(map[string]map[string]*big.Int),
		redemptions:    make(map[uint64]redemption),
		announcements:  make(map[string]announcement),
		publishedFeeds: make(map[uint64][]chain.FeedResult),
		reverts:        make(map[string][]string),
		calls:          make(map[string]int),
	}
}

// --- block production ---

// mineLocked starts a new block; logs emitted until the next call share it.
func (c *Chain) mineLocked() {
	c.block++
	c.timestamp += c.blockTime
	c.logIndex = 0
}

func (c *Chain) emitLocked(contract, name string, args map[string]any) {
	raw := make(map[string]json.RawMessage, len(args))
	for k, v := range args {
		if b, ok := v.(*big.Int); ok {
			v = b.String()
		}
		data, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("simulation: encode %s.%s: %v", name, k, err))
		}
		raw[k] = data
	}
	c.logs = append(c.logs, event.RawLog{
		Event:           name,
		Address:         contract,
		BlockNumber:     c.block,
		BlockTimestamp:  c.timestamp,
		TransactionHash: fmt.Sprintf("0x%064x", c.block),
		LogIndex:        c.logIndex,
		Args:            raw,
	})
	c.logIndex++
}

// Mine produces n empty blocks.
func (c *Chain) Mine(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range n {
		c.mineLocked()
	}
}

// AdvanceTime moves the native clock forward and mines one block.
func (c *Chain) AdvanceTime(seconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timestamp += seconds
	c.mineLocked()
}

// FailNext makes the next call of method revert with reason.
func (c *Chain) FailNext(method, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverts[method] = append(c.reverts[method], reason)
}

// Calls returns how many times method was invoked.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// enterLocked counts a contract call and pops an injected revert.
func (c *Chain) enterLocked(method string) error {
	c.calls[method]++
	if queued := c.reverts[method]; len(queued) > 0 {
		c.reverts[method] = queued[1:]
		return chain.Revert(queued[0])
	}
	return nil
}

// --- event source ---

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

func (c *Chain) Logs(_ context.Context, contract string, fromBlock, toBlock uint64) ([]event.RawLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contract = event.NormalizeAddress(contract)
	var out []event.RawLog
	for _, l := range c.logs {
		if l.BlockNumber < fromBlock || l.BlockNumber > toBlock || l.Address != contract {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// --- state.Loader ---

func (c *Chain) Settings(context.Context) (state.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Clone(), nil
}

func (c *Chain) CollateralTypes(context.Context) ([]state.CollateralType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]state.CollateralType(nil), c.collaterals...), nil
}

func (c *Chain) Prices(context.Context) (state.Prices, state.Prices, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prices.Clone(), c.trustedLocked().Clone(), nil
}

func (c *Chain) trustedLocked() state.Prices {
	if c.trusted == nil {
		return c.prices
	}
	return c.trusted
}

func (c *Chain) FAssetSupply(context.Context) (*big.Int, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fpmath.Clone(c.supply), c.block, nil
}

func (c *Chain) AllAgents(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.agentOrder...), nil
}

func (c *Chain) AgentInfo(_ context.Context, vault string) (state.TrackedAgent, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.agentLocked(vault)
	if err != nil {
		return state.TrackedAgent{}, 0, err
	}
	return a.Clone(), c.block, nil
}

func (c *Chain) agentLocked(vault string) (*state.TrackedAgent, error) {
	a, ok := c.agents[event.NormalizeAddress(vault)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrAgentNotFound, vault)
	}
	return a, nil
}

// --- reads ---

func (c *Chain) Timestamp(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timestamp, nil
}

func (c *Chain) FAssetBalance(ctx context.Context, address string) (*big.Int, error) {
	return c.TokenBalance(ctx, FAssetAddress, address)
}

func (c *Chain) TokenBalance(_ context.Context, token, address string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(token, address), nil
}

func (c *Chain) CurrentUnderlyingBlock(context.Context) (uint64, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.underlyingHeight, c.underlyingTimestamp, nil
}

func (c *Chain) balanceLocked(token, holder string) *big.Int {
	return fpmath.Clone(c.balances[event.NormalizeAddress(token)][event.NormalizeAddress(holder)])
}

func (c *Chain) addBalanceLocked(token, holder string, delta *big.Int) {
	token, holder = event.NormalizeAddress(token), event.NormalizeAddress(holder)
	holders, ok := c.balances[token]
	if !ok {
		holders = make(map[string]*big.Int)
		c.balances[token] = holders
	}
	holders[holder] = fpmath.Sum(holders[holder], delta)
}

// transferLocked moves an ERC20 balance, emitting Transfer on the token, and
// keeps agent collateral in step.
func (c *Chain) transferLocked(token, from, to string, value *big.Int) error {
	token, from, to = event.NormalizeAddress(token), event.NormalizeAddress(from), event.NormalizeAddress(to)
	if from != ZeroAddress {
		if c.balanceLocked(token, from).Cmp(value) < 0 {
			return chain.Revert("ERC20: transfer amount exceeds balance")
		}
		c.addBalanceLocked(token, from, new(big.Int).Neg(value))
	}
	c.addBalanceLocked(token, to, value)
	if token != FAssetAddress {
		c.emitLocked(token, "Transfer", map[string]any{"from": from, "to": to, "value": value})
	}
	for _, a := range c.agents {
		if cur, ok := a.TotalVaultCollateralWei[token]; ok {
			if a.VaultAddress == from {
				a.TotalVaultCollateralWei[token] = new(big.Int).Sub(cur, value)
			}
			if a.VaultAddress == to {
				a.TotalVaultCollateralWei[token] = new(big.Int).Add(a.TotalVaultCollateralWei[token], value)
			}
		}
		if token == c.poolTokenLocked() {
			if a.CollateralPoolAddress == from {
				a.TotalPoolCollateralNATWei = new(big.Int).Sub(a.TotalPoolCollateralNATWei, value)
			}
			if a.CollateralPoolAddress == to {
				a.TotalPoolCollateralNATWei = new(big.Int).Add(a.TotalPoolCollateralNATWei, value)
			}
		}
	}
	return nil
}

func (c *Chain) poolTokenLocked() string {
	for _, ct := range c.collaterals {
		if ct.Class == event.CollateralClassPool {
			return event.NormalizeAddress(ct.Token)
		}
	}
	return ""
}

func (c *Chain) collateralLocked(class event.CollateralClass, token string) (state.CollateralType, error) {
	token = event.NormalizeAddress(token)
	for _, ct := range c.collaterals {
		if ct.Class == class && event.NormalizeAddress(ct.Token) == token {
			return ct, nil
		}
	}
	return state.CollateralType{}, fmt.Errorf("%w: %d %s", state.ErrUnknownCollateral, class, token)
}

func (c *Chain) positionLocked(a *state.TrackedAgent) (state.AgentPosition, error) {
	vaultC, err := c.collateralLocked(event.CollateralClassVault, a.Settings.VaultCollateralToken)
	if err != nil {
		return state.AgentPosition{}, err
	}
	poolC, err := c.collateralLocked(event.CollateralClassPool, c.poolTokenLocked())
	if err != nil {
		return state.AgentPosition{}, err
	}
	return state.NewAgentPosition(*a, c.settings, vaultC, poolC, c.prices, c.trustedLocked(), c.timestamp)
}

// Position evaluates an agent as the asset manager sees it now.
func (c *Chain) Position(vault string) (state.AgentPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.agentLocked(vault)
	if err != nil {
		return state.AgentPosition{}, err
	}
	return c.positionLocked(a)
}
