package actor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
	"fassetbots/internal/liquidation"
	fpmath "fassetbots/internal/math"
	"fassetbots/internal/notifier"
	"fassetbots/internal/state"
)

const (
	// StrategyDex liquidates through a flash-loan arbitrage on the most
	// profitable DEX pair.
	StrategyDex = "dex"
	// StrategyDirect liquidates with the f-assets the liquidator holds.
	StrategyDirect = "direct"
)

var ErrUnknownStrategy = errors.New("unknown liquidation strategy")

type LiquidatorConfig struct {
	// Strategy is StrategyDex (default) or StrategyDirect.
	Strategy string
	// MinProfit in vault collateral wei; an arbitrage below it is skipped.
	MinProfit *big.Int
}

// Liquidator liquidates agents in LIQUIDATION or FULL_LIQUIDATION and starts
// liquidation of agents whose collateral ratio allows it.
type Liquidator struct {
	address  string
	deps     Deps
	contract chain.Liquidator
	dexes    chain.Dexes
	cfg      LiquidatorConfig
	logger   zerolog.Logger

	handling atomic.Bool
}

// NewLiquidator needs contract and dexes only for StrategyDex.
func NewLiquidator(address string, deps Deps, contract chain.Liquidator, dexes chain.Dexes, cfg LiquidatorConfig) (*Liquidator, error) {
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyDex
	case StrategyDex, StrategyDirect:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
	if cfg.Strategy == StrategyDex && (contract == nil || dexes == nil) {
		return nil, fmt.Errorf("strategy %s needs the liquidator contract and dex pairs", StrategyDex)
	}
	cfg.MinProfit = fpmath.Clone(cfg.MinProfit)
	return &Liquidator{
		address:  event.NormalizeAddress(address),
		deps:     deps,
		contract: contract,
		dexes:    dexes,
		cfg:      cfg,
		logger:   deps.logger("liquidator", address).With().Str("strategy", cfg.Strategy).Logger(),
	}, nil
}

func (l *Liquidator) Name() string { return "liquidator" }

// RunStep handles every agent with minted f-assets. A step that is still
// running when the next one fires makes the next one a no-op.
func (l *Liquidator) RunStep(ctx context.Context) error {
	if !l.handling.CompareAndSwap(false, true) {
		return nil
	}
	defer l.handling.Store(false)

	now, err := l.deps.now(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, agent := range l.deps.State.Agents() {
		if agent.MintedUBA == nil || agent.MintedUBA.Sign() <= 0 {
			continue
		}
		if err := l.handleAgent(ctx, agent.VaultAddress, now); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.VaultAddress, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Liquidator) handleAgent(ctx context.Context, vault string, now uint64) error {
	pos, err := l.deps.State.Position(vault, now)
	if err != nil {
		return err
	}
	switch status := pos.Agent.Status; {
	case status == state.StatusLiquidation || status == state.StatusFullLiquidation:
		return l.liquidate(ctx, pos, now)
	case status < state.StatusLiquidation && pos.Transition == state.StatusLiquidation:
		if err := l.deps.AssetManager.StartLiquidation(ctx, l.address, vault); err != nil {
			if errors.Is(err, chain.ErrReverted) {
				l.logger.Warn().Err(err).Str("agent", vault).Msg("could not start liquidation")
				return nil
			}
			return fmt.Errorf("start liquidation: %w", err)
		}
		pos.Agent.Status = state.StatusLiquidation
		pos.Agent.LiquidationStartTimestamp = now
		return l.liquidate(ctx, pos, now)
	case status == state.StatusNormal && pos.Transition == state.StatusCCB:
		// registering CCB starts the clock on the agent's top-up time
		if err := l.deps.AssetManager.StartLiquidation(ctx, l.address, vault); err != nil && !errors.Is(err, chain.ErrReverted) {
			return fmt.Errorf("register ccb: %w", err)
		}
		l.logger.Info().Str("agent", vault).Msg("registered ccb")
	}
	return nil
}

func (l *Liquidator) liquidate(ctx context.Context, pos state.AgentPosition, now uint64) error {
	vault := pos.Agent.VaultAddress
	log := l.logger.With().Str("agent", vault).Stringer("status", pos.Agent.Status).Logger()

	var err error
	switch l.cfg.Strategy {
	case StrategyDirect:
		err = l.liquidateDirect(ctx, log, pos, now)
	default:
		err = l.liquidateOnDex(ctx, log, pos, now)
	}
	outcome := "ok"
	switch {
	case errors.Is(err, errSkipLiquidation):
		l.count("skipped")
		return nil
	case err == nil:
		log.Info().Msg("agent liquidated")
		l.deps.Notifier.Info(notifier.TitleAgentLiquidated, "Liquidator %s liquidated agent %s.", l.address, vault)
	case errors.Is(err, chain.ErrReverted):
		outcome = "reverted"
		log.Warn().Err(err).Msg("liquidation reverted")
		l.deps.Notifier.Danger(notifier.TitleLiquidationFailed, "Liquidator %s failed to liquidate agent %s: %v", l.address, vault, err)
		err = nil
	default:
		outcome = "error"
	}
	l.count(outcome)
	return err
}

var errSkipLiquidation = errors.New("liquidation skipped")

func (l *Liquidator) liquidateOnDex(ctx context.Context, log zerolog.Logger, pos state.AgentPosition, now uint64) error {
	pairs, err := l.dexes.Pairs(ctx, pos.Agent.Settings.VaultCollateralToken, pos.PoolCollateral.Token)
	if err != nil {
		return fmt.Errorf("read dex pairs: %w", err)
	}
	market, err := liquidation.MarketFor(pos, now)
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	plan, err := liquidation.BestPlan(pairs, market)
	if errors.Is(err, liquidation.ErrNoProfit) {
		log.Debug().Int("pairs", len(pairs)).Msg("no profitable arbitrage")
		return errSkipLiquidation
	}
	if err != nil {
		return err
	}
	minProfit := fpmath.Clone(l.cfg.MinProfit)
	if plan.Profit.Cmp(minProfit) < 0 {
		log.Debug().Stringer("profit", plan.Profit).Stringer("min_profit", minProfit).Msg("arbitrage below minimum profit")
		return errSkipLiquidation
	}
	log.Info().
		Str("dex", plan.Pair.Name).
		Stringer("fassets", plan.FAssetLiquidated).
		Stringer("flash_loan", plan.VaultIn).
		Stringer("profit", plan.Profit).
		Msg("running arbitrage")
	return l.contract.RunArbitrage(ctx, l.address, pos.Agent.VaultAddress, plan.Pair.Index, minProfit)
}

func (l *Liquidator) liquidateDirect(ctx context.Context, log zerolog.Logger, pos state.AgentPosition, now uint64) error {
	maxUBA, err := liquidation.MaxLiquidatedFAssetUBA(pos, now)
	if err != nil {
		return fmt.Errorf("max liquidation: %w", err)
	}
	balance, err := l.deps.AssetManager.FAssetBalance(ctx, l.address)
	if err != nil {
		return fmt.Errorf("read f-asset balance: %w", err)
	}
	amount := fpmath.Min(maxUBA, balance)
	if amount.Sign() <= 0 {
		log.Debug().Stringer("max", maxUBA).Stringer("balance", balance).Msg("nothing to liquidate")
		return errSkipLiquidation
	}
	log.Info().Stringer("amount_uba", amount).Msg("liquidating")
	return l.deps.AssetManager.Liquidate(ctx, l.address, pos.Agent.VaultAddress, amount)
}

func (l *Liquidator) count(outcome string) {
	if l.deps.Metrics != nil {
		l.deps.Metrics.Liquidations.WithLabelValues(l.cfg.Strategy, outcome).Inc()
	}
}
