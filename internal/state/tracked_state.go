package state

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"fassetbots/internal/event"
	fpmath "fassetbots/internal/math"
	"fassetbots/internal/observability"
)

// DefaultIdempotencyCapacity bounds the LRU of applied event keys.
const DefaultIdempotencyCapacity = 100_000

// Loader reads the current asset manager view used to (re)build tracked state.
type Loader interface {
	Settings(ctx context.Context) (Settings, error)
	CollateralTypes(ctx context.Context) ([]CollateralType, error)
	// Prices returns the FTSO prices and the trusted prices.
	Prices(ctx context.Context) (Prices, Prices, error)
	// FAssetSupply returns the supply and the block it was read at.
	FAssetSupply(ctx context.Context) (*big.Int, uint64, error)
	AllAgents(ctx context.Context) ([]string, error)
	// AgentInfo returns the agent's current state and the block it was read at.
	AgentInfo(ctx context.Context, vault string) (TrackedAgent, uint64, error)
}

// Observer is notified after an event has been applied.
type Observer func(ev event.Event)

// Options tune a TrackedState.
type Options struct {
	IdempotencyCapacity int
	// ArchiveChecker is the optional second dedup tier.
	ArchiveChecker DBIdempotencyChecker
	// LoadAgents makes Initialize read every agent up front instead of lazily.
	LoadAgents bool
	// Metrics receives the dedup counters; may be nil.
	Metrics *observability.Metrics
}

// TrackedState is the in-memory view of the asset manager built by replaying
// events. ApplyEvent calls are serialized; queries may run concurrently and
// always return copies.
type TrackedState struct {
	loader Loader
	logger zerolog.Logger
	opts   Options

	// serializes writers (ApplyEvent, Initialize); guards idem
	applyMu sync.Mutex
	idem    *IdempotencyChecker

	mu                  sync.RWMutex
	initialized         bool
	settings            Settings
	collaterals         *CollateralList
	poolCollateralToken string
	prices              Prices
	trustedPrices       Prices
	fAssetSupply        *big.Int
	supplyBlock         uint64
	currentBlock        uint64
	agents              map[string]*TrackedAgent
	byUnderlying        map[string]*TrackedAgent
	byPool              map[string]*TrackedAgent
	terminated          map[event.RequestKey]struct{}

	observersMu sync.RWMutex
	observers   []Observer
}

func NewTrackedState(loader Loader, logger zerolog.Logger, opts Options) *TrackedState {
	if opts.IdempotencyCapacity <= 0 {
		opts.IdempotencyCapacity = DefaultIdempotencyCapacity
	}
	s := &TrackedState{
		loader: loader,
		logger: logger.With().Str("component", "tracked_state").Logger(),
		opts:   opts,
		idem:   NewIdempotencyChecker(opts.IdempotencyCapacity, opts.ArchiveChecker, opts.Metrics),
	}
	s.reset()
	return s
}

func (s *TrackedState) reset() {
	s.collaterals = NewCollateralList()
	s.fAssetSupply = new(big.Int)
	s.agents = make(map[string]*TrackedAgent)
	s.byUnderlying = make(map[string]*TrackedAgent)
	s.byPool = make(map[string]*TrackedAgent)
	s.terminated = make(map[event.RequestKey]struct{})
	s.prices = Prices{}
	s.trustedPrices = Prices{}
}

// Subscribe registers an observer called after every applied event, in apply order.
// Observers must not call ApplyEvent.
func (s *TrackedState) Subscribe(o Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

// Initialize (re)builds state from the asset manager. Any previously tracked
// agents and request bookkeeping are dropped.
func (s *TrackedState) Initialize(ctx context.Context) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.logger.Info().Msg("tracked state initializing")
	settings, err := s.loader.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	collaterals, err := s.loader.CollateralTypes(ctx)
	if err != nil {
		return fmt.Errorf("load collateral types: %w", err)
	}
	supply, supplyBlock, err := s.loader.FAssetSupply(ctx)
	if err != nil {
		return fmt.Errorf("load fasset supply: %w", err)
	}
	prices, trusted, err := s.loader.Prices(ctx)
	if err != nil {
		return fmt.Errorf("load prices: %w", err)
	}
	var agents []*TrackedAgent
	if s.opts.LoadAgents {
		vaults, err := s.loader.AllAgents(ctx)
		if err != nil {
			return fmt.Errorf("load agents: %w", err)
		}
		for _, vault := range vaults {
			agent, err := s.fetchAgent(ctx, vault)
			if err != nil {
				return err
			}
			agents = append(agents, agent)
		}
	}

	s.mu.Lock()
	s.reset()
	s.settings = settings.Clone()
	for _, c := range collaterals {
		s.addCollateralLocked(c)
	}
	s.fAssetSupply = fpmath.Clone(supply)
	s.supplyBlock = supplyBlock
	s.currentBlock = supplyBlock
	s.prices, s.trustedPrices = prices.Clone(), trusted.Clone()
	for _, agent := range agents {
		s.insertAgentLocked(agent)
	}
	s.initialized = true
	s.mu.Unlock()

	s.idem.Reset()
	s.logger.Info().
		Str("fasset_supply", supply.String()).
		Uint64("block", supplyBlock).
		Int("collaterals", len(collaterals)).
		Int("agents", len(agents)).
		Msg("tracked state initialized")
	return nil
}

// WarmIdempotency seeds the in-memory dedup tier with the newest keys of src,
// so a restart does not fall through to the archive for every replayed
// event. Call it after Initialize, which clears the tier.
func (s *TrackedState) WarmIdempotency(ctx context.Context, src KeySource) (int, error) {
	keys, err := src.RecentKeys(ctx, s.opts.IdempotencyCapacity)
	if err != nil {
		return 0, fmt.Errorf("warm idempotency: %w", err)
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.idem.Warm(keys)
	return len(keys), nil
}

func (s *TrackedState) fetchAgent(ctx context.Context, vault string) (*TrackedAgent, error) {
	info, block, err := s.loader.AgentInfo(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", vault, err)
	}
	agent := info.Clone()
	agent.normalize()
	agent.InitBlock = block
	return &agent, nil
}

// prefetched holds chain reads done before taking the write lock.
type prefetched struct {
	prices, trusted Prices
	agent           *TrackedAgent
}

// ApplyEvent applies one event. It returns applied=false for duplicates, events
// already reflected in a lazily loaded agent, and a repeated terminal event for
// a request. An error leaves the state unchanged.
func (s *TrackedState) ApplyEvent(ctx context.Context, ev event.Event) (bool, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if !s.isInitialized() {
		return false, ErrNotInitialized
	}
	typ, key := ev.EventType().String(), ev.IdempotencyKey()
	if s.idem.IsDuplicate(typ, key) {
		return false, nil
	}

	var pre prefetched
	switch e := ev.(type) {
	case *event.PricesPublished:
		prices, trusted, err := s.loader.Prices(ctx)
		if err != nil {
			return false, fmt.Errorf("load prices: %w", err)
		}
		pre.prices, pre.trusted = prices, trusted
	case *event.AgentVaultCreated:
	case event.AgentEvent:
		if !s.hasAgent(e.Agent()) {
			agent, err := s.fetchAgent(ctx, e.Agent())
			if err != nil {
				return false, err
			}
			pre.agent = agent
		}
	}

	s.mu.Lock()
	applied, err := s.applyLocked(ev, pre)
	if err == nil && ev.Metadata().BlockNumber > s.currentBlock {
		s.currentBlock = ev.Metadata().BlockNumber
	}
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	s.idem.MarkProcessed(typ, key)
	if applied {
		s.logger.Debug().Str("event", typ).Str("key", key).Msg("applied event")
		s.notify(ev)
	}
	return applied, nil
}

func (s *TrackedState) notify(ev event.Event) {
	s.observersMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, o := range observers {
		o(ev)
	}
}

func (s *TrackedState) applyLocked(ev event.Event, pre prefetched) (bool, error) {
	meta := ev.Metadata()
	switch e := ev.(type) {
	case *event.PricesPublished:
		s.prices, s.trustedPrices = pre.prices.Clone(), pre.trusted.Clone()
		return true, nil

	case *event.SettingChanged:
		settings := s.settings.Clone()
		if err := settings.Set(e.Name, e.Value); err != nil {
			return false, err
		}
		s.settings = settings
		s.logger.Info().Str("name", e.Name).Str("value", e.Value.String()).Msg("setting changed")
		return true, nil

	case *event.CollateralTypeAdded:
		s.addCollateralLocked(CollateralType{
			Class:                        e.CollateralClass,
			Token:                        e.Token,
			Decimals:                     e.Decimals,
			DirectPricePair:              e.DirectPricePair,
			AssetFtsoSymbol:              e.AssetFtsoSymbol,
			TokenFtsoSymbol:              e.TokenFtsoSymbol,
			MinCollateralRatioBIPS:       e.MinCollateralRatioBIPS,
			CCBMinCollateralRatioBIPS:    e.CCBMinCollateralRatioBIPS,
			SafetyMinCollateralRatioBIPS: e.SafetyMinCollateralRatioBIPS,
		})
		return true, nil

	case *event.CollateralRatiosChanged:
		err := s.collaterals.update(e.CollateralClass, e.Token, func(c *CollateralType) {
			c.MinCollateralRatioBIPS = e.MinCollateralRatioBIPS
			c.CCBMinCollateralRatioBIPS = e.CCBMinCollateralRatioBIPS
			c.SafetyMinCollateralRatioBIPS = e.SafetyMinCollateralRatioBIPS
		})
		return err == nil, err

	case *event.CollateralTypeDeprecated:
		err := s.collaterals.update(e.CollateralClass, e.Token, func(c *CollateralType) {
			c.ValidUntil = e.ValidUntil
		})
		return err == nil, err

	case *event.Transfer:
		return s.applyTransferLocked(e), nil

	case *event.AgentVaultCreated:
		if _, ok := s.agents[event.NormalizeAddress(e.AgentVault)]; ok {
			return false, nil
		}
		agent := NewTrackedAgent(e)
		s.insertAgentLocked(agent)
		s.logger.Info().Str("agent", agent.VaultAddress).Str("underlying", agent.UnderlyingAddress).Msg("agent added")
		return true, nil

	case event.AgentEvent:
		vault := event.NormalizeAddress(e.Agent())
		agent, ok := s.agents[vault]
		if !ok && pre.agent != nil {
			agent = pre.agent
			s.insertAgentLocked(agent)
			s.logger.Info().Str("agent", vault).Uint64("init_block", agent.InitBlock).Msg("agent loaded")
		}
		if agent == nil {
			return false, fmt.Errorf("%w: %s", ErrAgentNotFound, vault)
		}
		if agent.InitBlock != 0 && meta.BlockNumber <= agent.InitBlock {
			return false, nil
		}
		if req, ok := ev.(event.RequestEvent); ok && req.Terminal() {
			if _, done := s.terminated[req.Request()]; done {
				return false, nil
			}
			s.terminated[req.Request()] = struct{}{}
		}
		s.applyAgentEventLocked(agent, ev)
		return true, nil
	}
	return false, nil
}

func (s *TrackedState) applyAgentEventLocked(agent *TrackedAgent, ev event.Event) {
	meta := ev.Metadata()
	supplyTracked := meta.BlockNumber > s.supplyBlock
	switch e := ev.(type) {
	case *event.AgentDestroyed:
		agent.Status = StatusDestroyed
		s.logger.Info().Str("agent", agent.VaultAddress).Msg("agent destroyed")
	case *event.AgentDestroyAnnounced:
		agent.handleStatusChange(StatusDestroying, 0)
		agent.DestroyAllowedAt = e.DestroyAllowedAt
	case *event.AgentSettingChanged:
		if !agent.Settings.set(e.Name, e.Value) {
			s.logger.Warn().Str("agent", agent.VaultAddress).Str("name", e.Name).Msg("ignored agent setting")
		}
	case *event.AgentCollateralTypeChanged:
		if e.CollateralClass == event.CollateralClassVault {
			agent.handleAgentCollateralTypeChanged(e)
		}
	case *event.AgentAvailable:
		agent.handleAgentAvailable(e)
	case *event.AvailableAgentExited:
		agent.PubliclyAvailable = false

	case *event.CollateralReserved:
		agent.handleCollateralReserved(e, s.settings)
	case *event.MintingExecuted:
		if supplyTracked {
			s.fAssetSupply = fpmath.Sum(s.fAssetSupply, e.MintedAmountUBA, e.PoolFeeUBA)
		}
		agent.handleMintingExecuted(e)
	case *event.SelfMint:
		if supplyTracked {
			s.fAssetSupply = fpmath.Sum(s.fAssetSupply, e.MintedAmountUBA, e.PoolFeeUBA)
		}
		agent.handleSelfMint(e)
	case *event.MintingPaymentDefault:
		agent.releaseReservation(e.ReservedAmountUBA)
	case *event.CollateralReservationDeleted:
		agent.releaseReservation(e.ReservedAmountUBA)

	case *event.RedemptionRequested:
		if supplyTracked {
			s.fAssetSupply = new(big.Int).Sub(s.fAssetSupply, e.ValueUBA)
		}
		agent.handleRedemptionRequested(e)
	case *event.RedemptionPerformed:
		agent.handleRedemptionPaid(e.RequestID, e.RedemptionAmountUBA, e.SpentUnderlyingUBA)
	case *event.RedemptionPaymentBlocked:
		agent.handleRedemptionPaid(e.RequestID, e.RedemptionAmountUBA, e.SpentUnderlyingUBA)
	case *event.RedemptionPaymentFailed:
		agent.handleRedemptionPaymentFailed(e)
	case *event.RedemptionDefault:
		agent.handleRedemptionDefault(e)
	case *event.RedeemedInCollateral:
		agent.reduceMinted(e.RedemptionAmountUBA)
	case *event.SelfClose:
		if supplyTracked {
			s.fAssetSupply = new(big.Int).Sub(s.fAssetSupply, e.ValueUBA)
		}
		agent.reduceMinted(e.ValueUBA)

	case *event.AgentInCCB:
		agent.handleStatusChange(StatusCCB, e.Timestamp)
	case *event.LiquidationStarted:
		agent.handleStatusChange(StatusLiquidation, e.Timestamp)
	case *event.FullLiquidationStarted:
		agent.handleStatusChange(StatusFullLiquidation, e.Timestamp)
	case *event.LiquidationPerformed:
		if supplyTracked {
			s.fAssetSupply = new(big.Int).Sub(s.fAssetSupply, e.ValueUBA)
		}
		agent.reduceMinted(e.ValueUBA)
	case *event.LiquidationEnded:
		agent.handleStatusChange(StatusNormal, 0)

	case *event.UnderlyingBalanceToppedUp:
		agent.UnderlyingBalanceUBA = fpmath.Sum(agent.UnderlyingBalanceUBA, e.DepositedUBA)
	case *event.DustChanged:
		agent.DustUBA = fpmath.Clone(e.DustUBA)
	case *event.UnderlyingWithdrawalAnnounced:
		agent.AnnouncedUnderlyingWithdrawalID = e.AnnouncementID
	case *event.UnderlyingWithdrawalConfirmed:
		agent.handleUnderlyingWithdrawalConfirmed(e)
	case *event.UnderlyingWithdrawalCancelled:
		agent.AnnouncedUnderlyingWithdrawalID = 0
	}
}

// applyTransferLocked moves vault collateral for agents holding the token and
// pool collateral for transfers of the pool token.
func (s *TrackedState) applyTransferLocked(e *event.Transfer) bool {
	token := event.NormalizeAddress(e.Contract)
	if !s.collaterals.HasToken(token) {
		return false
	}
	from, to := event.NormalizeAddress(e.From), event.NormalizeAddress(e.To)
	value := fpmath.Clone(e.Value)
	if a, ok := s.agents[from]; ok {
		a.withdrawVaultCollateral(token, value)
	}
	if a, ok := s.agents[to]; ok {
		a.depositVaultCollateral(token, value)
	}
	if token == s.poolCollateralToken {
		if a, ok := s.byPool[from]; ok {
			a.withdrawPoolCollateral(value)
		}
		if a, ok := s.byPool[to]; ok {
			a.depositPoolCollateral(value)
		}
	}
	return true
}

func (s *TrackedState) addCollateralLocked(c CollateralType) {
	s.collaterals.Add(c)
	if c.Class == event.CollateralClassPool {
		s.poolCollateralToken = event.NormalizeAddress(c.Token)
	}
}

func (s *TrackedState) insertAgentLocked(agent *TrackedAgent) {
	s.agents[agent.VaultAddress] = agent
	if agent.UnderlyingAddress != "" {
		s.byUnderlying[agent.UnderlyingAddress] = agent
	}
	if agent.CollateralPoolAddress != "" {
		s.byPool[agent.CollateralPoolAddress] = agent
	}
}

func (s *TrackedState) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *TrackedState) hasAgent(vault string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[event.NormalizeAddress(vault)]
	return ok
}

// --- queries ---

// Agent returns a copy of the tracked agent or ErrAgentNotFound.
func (s *TrackedState) Agent(vault string) (TrackedAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[event.NormalizeAddress(vault)]
	if !ok {
		return TrackedAgent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, vault)
	}
	return a.Clone(), nil
}

// AgentByUnderlying looks an agent up by its underlying chain address.
func (s *TrackedState) AgentByUnderlying(address string) (TrackedAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byUnderlying[address]
	if !ok {
		return TrackedAgent{}, fmt.Errorf("%w: underlying %s", ErrAgentNotFound, address)
	}
	return a.Clone(), nil
}

// Agents returns copies of all tracked agents sorted by vault address.
func (s *TrackedState) Agents() []TrackedAgent {
	return s.AgentsByStatus()
}

// AgentsByStatus returns agents in any of the given statuses; no statuses means all.
func (s *TrackedState) AgentsByStatus(statuses ...AgentStatus) []TrackedAgent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackedAgent, 0, len(s.agents))
	for _, a := range s.agents {
		if len(statuses) > 0 && !containsStatus(statuses, a.Status) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VaultAddress < out[j].VaultAddress })
	return out
}

func containsStatus(statuses []AgentStatus, status AgentStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *TrackedState) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

func (s *TrackedState) Collaterals() []CollateralType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collaterals.List()
}

// CollateralTokens lists token contracts whose Transfer events must be read.
func (s *TrackedState) CollateralTokens() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collaterals.Tokens()
}

func (s *TrackedState) FAssetSupply() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fpmath.Clone(s.fAssetSupply)
}

// CurrentBlock is the highest native block reflected in the state.
func (s *TrackedState) CurrentBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBlock
}

// Initialized reports whether Initialize has completed.
func (s *TrackedState) Initialized() bool {
	return s.isInitialized()
}

// AgentPosition is a consistent snapshot of everything needed to judge one
// agent's collateralization.
type AgentPosition struct {
	Agent           TrackedAgent
	Settings        Settings
	VaultCollateral CollateralType
	PoolCollateral  CollateralType
	VaultCR         *big.Int
	PoolCR          *big.Int
	// token wei per AMG scaled by 1e9, from FTSO prices
	VaultAMGPrice *big.Int
	PoolAMGPrice  *big.Int
	Transition    AgentStatus
}

// Position computes collateral ratios, AMG prices and the possible liquidation
// transition for an agent at timestamp now.
func (s *TrackedState) Position(vault string, now uint64) (AgentPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[event.NormalizeAddress(vault)]
	if !ok {
		return AgentPosition{}, fmt.Errorf("%w: %s", ErrAgentNotFound, vault)
	}
	vaultC, err := s.collaterals.Get(event.CollateralClassVault, a.Settings.VaultCollateralToken)
	if err != nil {
		return AgentPosition{}, err
	}
	poolC, err := s.collaterals.Get(event.CollateralClassPool, s.poolCollateralToken)
	if err != nil {
		return AgentPosition{}, err
	}
	return NewAgentPosition(*a, s.settings, vaultC, poolC, s.prices, s.trustedPrices, now)
}

// NewAgentPosition evaluates agent a against the given settings, collateral
// types and prices at timestamp now.
func NewAgentPosition(a TrackedAgent, settings Settings, vaultC, poolC CollateralType, prices, trusted Prices, now uint64) (AgentPosition, error) {
	vaultPrice, err := AMGToTokenWeiPrice(settings, vaultC, prices)
	if err != nil {
		return AgentPosition{}, err
	}
	poolPrice, err := AMGToTokenWeiPrice(settings, poolC, prices)
	if err != nil {
		return AgentPosition{}, err
	}
	transition := a.possibleTransitionForCollateral(settings, vaultC, prices, trusted, now)
	if t := a.possibleTransitionForCollateral(settings, poolC, prices, trusted, now); t > transition {
		transition = t
	}
	return AgentPosition{
		Agent:           a.Clone(),
		Settings:        settings.Clone(),
		VaultCollateral: vaultC,
		PoolCollateral:  poolC,
		VaultCR:         a.CollateralRatioBIPS(settings, vaultC, prices, trusted, now),
		PoolCR:          a.CollateralRatioBIPS(settings, poolC, prices, trusted, now),
		VaultAMGPrice:   vaultPrice,
		PoolAMGPrice:    poolPrice,
		Transition:      transition,
	}, nil
}

// PossibleLiquidationTransition returns the more severe of the vault and pool
// transitions for the agent at timestamp now.
func (s *TrackedState) PossibleLiquidationTransition(vault string, now uint64) (AgentStatus, error) {
	pos, err := s.Position(vault, now)
	if err != nil {
		return 0, err
	}
	return pos.Transition, nil
}

// CollateralRatioBIPS returns the agent's ratio for one collateral class.
func (s *TrackedState) CollateralRatioBIPS(vault string, class event.CollateralClass, now uint64) (*big.Int, error) {
	pos, err := s.Position(vault, now)
	if err != nil {
		return nil, err
	}
	if class == event.CollateralClassPool {
		return pos.PoolCR, nil
	}
	return pos.VaultCR, nil
}
