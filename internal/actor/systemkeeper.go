package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
	"fassetbots/internal/notifier"
	"fassetbots/internal/state"
)

// SystemKeeper moves agents between NORMAL, CCB and LIQUIDATION when their
// collateral ratios change. Price epochs mark every agent for a check,
// minting marks the minted agent.
type SystemKeeper struct {
	address string
	deps    Deps
	logger  zerolog.Logger

	mu       sync.Mutex
	marked   map[string]struct{}
	checkAll bool
}

func NewSystemKeeper(address string, deps Deps) *SystemKeeper {
	k := &SystemKeeper{
		address: event.NormalizeAddress(address),
		deps:    deps,
		logger:  deps.logger("systemKeeper", address),
		marked:  make(map[string]struct{}),
		// agents loaded at startup are checked once
		checkAll: true,
	}
	deps.State.Subscribe(k.observe)
	return k
}

func (k *SystemKeeper) Name() string { return "systemKeeper" }

func (k *SystemKeeper) observe(ev event.Event) {
	switch e := ev.(type) {
	case *event.PricesPublished:
		k.mu.Lock()
		k.checkAll = true
		k.mu.Unlock()
	case *event.MintingExecuted:
		k.mark(e.AgentVault)
	}
}

func (k *SystemKeeper) mark(vault string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.marked[event.NormalizeAddress(vault)] = struct{}{}
}

// Pending returns the number of agents waiting for a check.
func (k *SystemKeeper) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.checkAll {
		return len(k.deps.State.Agents())
	}
	return len(k.marked)
}

func (k *SystemKeeper) take() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.checkAll {
		for _, a := range k.deps.State.Agents() {
			k.marked[a.VaultAddress] = struct{}{}
		}
		k.checkAll = false
	}
	vaults := make([]string, 0, len(k.marked))
	for v := range k.marked {
		vaults = append(vaults, v)
	}
	clear(k.marked)
	sort.Strings(vaults)
	return vaults
}

// RunStep checks every marked agent. Agents whose check failed for a reason
// other than a revert stay marked.
func (k *SystemKeeper) RunStep(ctx context.Context) error {
	vaults := k.take()
	if len(vaults) == 0 {
		return nil
	}
	now, err := k.deps.now(ctx)
	if err != nil {
		for _, v := range vaults {
			k.mark(v)
		}
		return err
	}
	var errs []error
	for _, vault := range vaults {
		if err := k.checkAgent(ctx, vault, now); err != nil {
			k.mark(vault)
			errs = append(errs, fmt.Errorf("agent %s: %w", vault, err))
		}
	}
	return errors.Join(errs...)
}

func (k *SystemKeeper) checkAgent(ctx context.Context, vault string, now uint64) error {
	pos, err := k.deps.State.Position(vault, now)
	if errors.Is(err, state.ErrAgentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	status := pos.Agent.Status
	if status >= state.StatusFullLiquidation {
		return nil
	}
	log := k.logger.With().Str("agent", vault).Stringer("status", status).Stringer("transition", pos.Transition).Logger()
	switch {
	case pos.Transition > status:
		err = k.deps.AssetManager.StartLiquidation(ctx, k.address, vault)
		if k.handle(log, "start", vault, err) {
			return err
		}
		if err == nil {
			k.deps.Notifier.Info(notifier.TitleLiquidationStarted, "Agent %s moved from %s to %s.", vault, status, pos.Transition)
		}
	case pos.Transition < status && pos.Transition == state.StatusNormal:
		// the asset manager only ends CCB or liquidation on a healthy agent
		err = k.deps.AssetManager.EndLiquidation(ctx, k.address, vault)
		if k.handle(log, "end", vault, err) {
			return err
		}
		if err == nil {
			k.deps.Notifier.Info(notifier.TitleLiquidationEnded, "Agent %s is back to %s.", vault, state.StatusNormal)
		}
	}
	return nil
}

// handle records the outcome of a status call and reports whether err must
// be retried.
func (k *SystemKeeper) handle(log zerolog.Logger, call, vault string, err error) bool {
	outcome := "ok"
	retry := false
	switch {
	case err == nil:
		log.Info().Str("call", call).Msg("agent status changed")
	case errors.Is(err, chain.ErrReverted):
		outcome = "reverted"
		log.Warn().Err(err).Str("call", call).Msg("status change reverted")
		k.deps.Notifier.Danger(notifier.TitleLiquidationFailed, "%sLiquidation for agent %s reverted: %v", call, vault, err)
	default:
		outcome = "error"
		retry = true
	}
	if k.deps.Metrics != nil {
		k.deps.Metrics.LiquidationStarts.WithLabelValues(call, outcome).Inc()
	}
	return retry
}
