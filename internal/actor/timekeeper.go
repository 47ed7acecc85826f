package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
	"fassetbots/internal/notifier"
)

const DefaultUpdateInterval = 5 * time.Minute

// TimeKeeperConfig of a TimeKeeper.
type TimeKeeperConfig struct {
	// UpdateInterval between block height updates; DefaultUpdateInterval when 0.
	UpdateInterval time.Duration
	// Now is the wall clock; time.Now when nil.
	Now func() time.Time
}

// TimeKeeper proves the finalized underlying block height to the asset
// manager, so payment deadlines on the native chain stay current.
type TimeKeeper struct {
	address      string
	deps         Deps
	underlying   chain.UnderlyingChain
	attestations chain.Attestations
	interval     time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	mu         sync.Mutex
	lastHeight uint64
	lastTry    time.Time
}

func NewTimeKeeper(address string, deps Deps, underlying chain.UnderlyingChain, attestations chain.Attestations, cfg TimeKeeperConfig) *TimeKeeper {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TimeKeeper{
		address:      event.NormalizeAddress(address),
		deps:         deps,
		underlying:   underlying,
		attestations: attestations,
		interval:     cfg.UpdateInterval,
		now:          cfg.Now,
		logger:       deps.logger("timeKeeper", address),
	}
}

func (k *TimeKeeper) Name() string { return "timeKeeper" }

// LastUpdatedHeight is the height of the last successful update, 0 before.
func (k *TimeKeeper) LastUpdatedHeight() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastHeight
}

func (k *TimeKeeper) due() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	if !k.lastTry.IsZero() && now.Sub(k.lastTry) < k.interval {
		return false
	}
	k.lastTry = now
	return true
}

// retrySoon makes the next step try again instead of waiting an interval.
func (k *TimeKeeper) retrySoon() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastTry = time.Time{}
}

func (k *TimeKeeper) RunStep(ctx context.Context) error {
	if !k.due() {
		return nil
	}
	err := k.UpdateUnderlyingBlock(ctx)
	if errors.Is(err, chain.ErrProofUnavailable) {
		k.retrySoon()
		return nil
	}
	return err
}

// UpdateUnderlyingBlock proves the latest finalized underlying block and
// submits it. It is a no-op when the asset manager is already there.
func (k *TimeKeeper) UpdateUnderlyingBlock(ctx context.Context) error {
	height, err := k.underlying.BlockHeight(ctx)
	if err != nil {
		k.count("error")
		return fmt.Errorf("read underlying height: %w", err)
	}
	fin := k.underlying.FinalizationBlocks()
	if height <= fin {
		return nil
	}
	target := height - fin
	current, _, err := k.deps.AssetManager.CurrentUnderlyingBlock(ctx)
	if err != nil {
		k.count("error")
		return fmt.Errorf("read current underlying block: %w", err)
	}
	if target <= current || target <= k.LastUpdatedHeight() {
		k.count("skipped")
		return nil
	}

	log := k.logger.With().Uint64("height", target).Logger()
	proof, err := k.attestations.ProveConfirmedBlockHeightExists(ctx, target)
	if err != nil {
		if errors.Is(err, chain.ErrProofUnavailable) {
			k.count("no_proof")
			log.Warn().Err(err).Msg("no proof for underlying block")
			k.deps.Notifier.Danger(notifier.TitleNoProofObtained, "No proof obtained for underlying block %d.", target)
		} else {
			k.count("error")
		}
		return fmt.Errorf("prove block %d: %w", target, err)
	}
	if err := k.deps.AssetManager.UpdateCurrentBlock(ctx, k.address, proof); err != nil {
		if errors.Is(err, chain.ErrReverted) {
			k.count("reverted")
			k.deps.Notifier.Danger(notifier.TitleBlockHeightFailed, "Updating underlying block to %d reverted: %v", target, err)
		} else {
			k.count("error")
		}
		return fmt.Errorf("update current block %d: %w", target, err)
	}

	k.mu.Lock()
	k.lastHeight = target
	k.mu.Unlock()
	k.count("ok")
	log.Info().Uint64("timestamp", proof.BlockTimestamp).Msg("underlying block updated")
	return nil
}

func (k *TimeKeeper) count(outcome string) {
	if k.deps.Metrics != nil {
		k.deps.Metrics.TimeKeeperUpdates.WithLabelValues(outcome).Inc()
	}
}
