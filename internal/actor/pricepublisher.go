package actor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
)

const (
	DefaultPricePublisherLoopDelay = time.Second
	// DefaultPublishJitter spreads publishers of one round apart, so most of
	// them see it published instead of reverting.
	DefaultPublishJitter = 5 * time.Second
)

var alreadyPublishedReverts = []string{"prices already published"}

type PricePublisherConfig struct {
	// MaxJitter bounds the random wait before publishing; DefaultPublishJitter
	// when 0.
	MaxJitter time.Duration
}

// PricePublisher copies proved FTSO anchor feeds of the newest finalized
// voting round from the data access layer to the native price store.
type PricePublisher struct {
	address   string
	deps      Deps
	store     chain.PriceStore
	feeds     chain.FeedProvider
	maxJitter time.Duration
	logger    zerolog.Logger
}

func NewPricePublisher(address string, deps Deps, store chain.PriceStore, feeds chain.FeedProvider, cfg PricePublisherConfig) *PricePublisher {
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = DefaultPublishJitter
	}
	return &PricePublisher{
		address:   event.NormalizeAddress(address),
		deps:      deps,
		store:     store,
		feeds:     feeds,
		maxJitter: cfg.MaxJitter,
		logger:    deps.logger("pricePublisher", address),
	}
}

func (p *PricePublisher) Name() string { return "pricePublisher" }

// RunStep publishes the latest round when the store is behind. Unreachable
// providers and a round somebody else published first are not failures.
func (p *PricePublisher) RunStep(ctx context.Context) error {
	latest, err := p.feeds.LatestRound(ctx)
	if errors.Is(err, chain.ErrNoFeedProvider) {
		p.count("unavailable")
		p.logger.Error().Err(err).Msg("problem getting last price feed round id")
		return nil
	}
	if err != nil {
		p.count("error")
		return fmt.Errorf("read latest voting round: %w", err)
	}
	published, err := p.store.LastPublishedRound(ctx)
	if err != nil {
		p.count("error")
		return fmt.Errorf("read last published round: %w", err)
	}
	if latest <= published {
		return nil
	}
	if err := sleep(ctx, rand.N(p.maxJitter)); err != nil {
		return err
	}
	return p.publish(ctx, latest)
}

func (p *PricePublisher) publish(ctx context.Context, round uint64) error {
	log := p.logger.With().Uint64("round", round).Logger()
	ids, err := p.store.FeedIDs(ctx)
	if err != nil {
		p.count("error")
		return fmt.Errorf("read feed ids: %w", err)
	}
	feeds, err := p.feeds.AnchorFeeds(ctx, round, ids)
	if errors.Is(err, chain.ErrNoFeedProvider) {
		p.count("unavailable")
		log.Error().Err(err).Msg("problem getting price feeds")
		return nil
	}
	if err != nil {
		p.count("error")
		return fmt.Errorf("read feeds of round %d: %w", round, err)
	}
	if feeds == nil {
		log.Info().Msg("no new price data available")
		return nil
	}

	// the jitter gave other publishers a chance
	published, err := p.store.LastPublishedRound(ctx)
	if err != nil {
		p.count("error")
		return fmt.Errorf("read last published round: %w", err)
	}
	if round <= published {
		p.count("already_published")
		log.Info().Msg("prices already published")
		return nil
	}
	if err := p.store.PublishPrices(ctx, p.address, feeds); err != nil {
		if chain.IsExpectedRevert(err, alreadyPublishedReverts...) {
			p.count("already_published")
			log.Info().Msg("reverted with: prices already published")
			return nil
		}
		if errors.Is(err, chain.ErrReverted) {
			p.count("reverted")
		} else {
			p.count("error")
		}
		return fmt.Errorf("publish prices of round %d: %w", round, err)
	}
	p.count("ok")
	log.Info().Int("feeds", len(feeds)).Msg("prices published")
	return nil
}

func (p *PricePublisher) count(outcome string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.PricePublications.WithLabelValues(outcome).Inc()
	}
}
