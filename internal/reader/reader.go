// Package reader replays native-chain logs into tracked state, batch by
// batch, persisting the last processed block after each batch.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fassetbots/internal/chain"
	"fassetbots/internal/event"
	"fassetbots/internal/observability"
	"fassetbots/internal/state"
)

const (
	DefaultBatchSize           = 100
	DefaultLoopDelay           = time.Second
	DefaultMaxEventHandleRetry = 10
	DefaultBehindWarnBlocks    = 50
	DefaultPositionName        = "lastProcessedBlock"
)

// PositionStore persists the last processed block. Saves must be monotonic.
type PositionStore interface {
	Load(ctx context.Context, name string) (uint64, bool, error)
	Save(ctx context.Context, name string, value uint64) error
}

// Sink receives applied events. Submit must not block.
type Sink interface {
	Submit(ev event.Event) bool
}

// Config of a Reader. Zero values take the defaults above.
type Config struct {
	AssetManager string
	PriceReader  string
	// PositionName keys the durable position; one per tracked chain.
	PositionName       string
	BatchSize          uint64
	FinalizationBlocks uint64
	LoopDelay          time.Duration
	// RequestsPerSecond caps RPC calls; 0 means unlimited.
	RequestsPerSecond   float64
	Burst               int
	MaxEventHandleRetry int
	BehindWarnBlocks    uint64
}

func (c *Config) withDefaults() {
	if c.PositionName == "" {
		c.PositionName = DefaultPositionName
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LoopDelay <= 0 {
		c.LoopDelay = DefaultLoopDelay
	}
	if c.MaxEventHandleRetry <= 0 {
		c.MaxEventHandleRetry = DefaultMaxEventHandleRetry
	}
	if c.BehindWarnBlocks == 0 {
		c.BehindWarnBlocks = DefaultBehindWarnBlocks
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Reader is the event ledger reader of one native chain.
type Reader struct {
	source    chain.EventSource
	state     *state.TrackedState
	positions PositionStore
	cfg       Config
	limiter   *rate.Limiter
	metrics   *observability.Metrics
	logger    zerolog.Logger

	sinks    []Sink
	onCaught func()
	next     uint64
	hasNext  bool
	last     event.Meta
	hasLast  bool
	caughtUp bool
}

func New(source chain.EventSource, ts *state.TrackedState, positions PositionStore, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Reader {
	cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Reader{
		source:    source,
		state:     ts,
		positions: positions,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		metrics:   metrics,
		logger:    logger.With().Str("component", "reader").Logger(),
	}
}

// AddSink forwards every applied event to s.
func (r *Reader) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// OnCaughtUp is called once, the first time the reader reaches the head.
func (r *Reader) OnCaughtUp(fn func()) {
	r.onCaught = fn
}

// NextBlock returns the next block to read; valid after the first step.
func (r *Reader) NextBlock() uint64 {
	return r.next
}

// Run reads batches until ctx is cancelled. Errors never stop the loop.
func (r *Reader) Run(ctx context.Context) error {
	for {
		progressed, err := r.Step(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			r.logger.Error().Err(err).Uint64("next_block", r.next).Msg("reader step failed")
		}
		if err != nil || !progressed {
			if err := sleep(ctx, r.cfg.LoopDelay); err != nil {
				return err
			}
		}
	}
}

// Step processes at most one batch. It reports whether the position moved.
func (r *Reader) Step(ctx context.Context) (bool, error) {
	if !r.state.Initialized() {
		if err := r.state.Initialize(ctx); err != nil {
			r.countError("initialize")
			return false, fmt.Errorf("initialize tracked state: %w", err)
		}
	}

	head, err := r.blockNumber(ctx)
	if err != nil {
		r.countError("head")
		return false, fmt.Errorf("read head: %w", err)
	}
	if err := r.ensurePosition(ctx, head); err != nil {
		r.countError("position")
		return false, err
	}
	if head < r.cfg.FinalizationBlocks {
		return false, nil
	}
	finalized := head - r.cfg.FinalizationBlocks
	if r.metrics != nil {
		r.metrics.ReaderPosition.Set(float64(r.next))
	}
	if r.next > finalized {
		r.markCaughtUp()
		return false, nil
	}

	behind := finalized - r.next
	if r.metrics != nil {
		r.metrics.ReaderLagBlocks.Set(float64(behind))
	}
	if behind >= r.cfg.BehindWarnBlocks {
		r.logger.Warn().Uint64("behind", behind).Msg("reader is behind the chain head")
	}

	start := time.Now()
	to := min(r.next+r.cfg.BatchSize-1, finalized)
	logs, err := r.fetch(ctx, r.next, to)
	if err != nil {
		r.countError("fetch")
		return false, fmt.Errorf("fetch blocks %d-%d: %w", r.next, to, err)
	}
	if err := r.apply(ctx, logs); err != nil {
		r.countError("apply")
		return false, fmt.Errorf("apply blocks %d-%d: %w", r.next, to, err)
	}
	if err := r.positions.Save(ctx, r.cfg.PositionName, to); err != nil {
		r.countError("save")
		return false, fmt.Errorf("save position %d: %w", to, err)
	}

	if r.metrics != nil {
		r.metrics.ReaderBlocksProcessed.Add(float64(to - r.next + 1))
		r.metrics.ReaderBatchDuration.Observe(time.Since(start).Seconds())
		r.metrics.TrackedAgents.Set(float64(len(r.state.Agents())))
	}
	r.logger.Debug().Uint64("from", r.next).Uint64("to", to).Int("logs", len(logs)).Msg("processed batch")
	r.next = to + 1
	if r.next > finalized {
		r.markCaughtUp()
	}
	return true, nil
}

// ensurePosition loads the durable position, or starts just below head.
func (r *Reader) ensurePosition(ctx context.Context, head uint64) error {
	if r.hasNext {
		return nil
	}
	last, ok, err := r.positions.Load(ctx, r.cfg.PositionName)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if ok {
		r.next = last + 1
	} else if head > 0 {
		r.next = head - 1
	}
	r.hasNext = true
	r.logger.Info().Uint64("next_block", r.next).Bool("resumed", ok).Msg("reader position")
	return nil
}

func (r *Reader) blockNumber(ctx context.Context) (uint64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return r.source.BlockNumber(ctx)
}

// contracts lists the subscription in application order: collateral tokens,
// the asset manager, then the price reader.
func (r *Reader) contracts() []string {
	out := r.state.CollateralTokens()
	out = append(out, r.cfg.AssetManager)
	if r.cfg.PriceReader != "" {
		out = append(out, r.cfg.PriceReader)
	}
	return out
}

// fetch reads every subscribed contract concurrently and returns the logs in
// subscription order, stably sorted by (block, logIndex).
func (r *Reader) fetch(ctx context.Context, from, to uint64) ([]event.RawLog, error) {
	contracts := r.contracts()
	results := make([][]event.RawLog, len(contracts))

	g, gctx := errgroup.WithContext(ctx)
	for i, contract := range contracts {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			logs, err := r.source.Logs(gctx, contract, from, to)
			if err != nil {
				return fmt.Errorf("logs of %s: %w", contract, err)
			}
			results[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var logs []event.RawLog
	for _, rs := range results {
		logs = append(logs, rs...)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})
	return logs, nil
}

// apply decodes and applies logs in order. An event that keeps failing is
// retried MaxEventHandleRetry times; after that the state is rebuilt from
// chain and the rest of the batch is skipped.
func (r *Reader) apply(ctx context.Context, logs []event.RawLog) error {
	for _, raw := range logs {
		ev, err := event.Decode(raw)
		if err != nil {
			if !errors.Is(err, event.ErrUnknownEvent) {
				r.logger.Error().Err(err).Str("event", raw.Event).Uint64("block", raw.BlockNumber).Msg("undecodable log")
			}
			r.countIgnored(raw.Event)
			continue
		}
		if r.hasLast && !r.last.Before(ev.Metadata()) {
			r.logger.Warn().
				Str("key", ev.IdempotencyKey()).
				Uint64("block", raw.BlockNumber).
				Uint64("last_block", r.last.BlockNumber).
				Msg("skipping out-of-order event")
			r.countDuplicate(ev.EventType().String())
			continue
		}

		applied, err := r.applyWithRetry(ctx, ev)
		if errors.Is(err, errReinitialized) {
			return nil
		}
		if err != nil {
			return err
		}
		r.last, r.hasLast = ev.Metadata(), true
		if !applied {
			r.countDuplicate(ev.EventType().String())
			continue
		}
		if r.metrics != nil {
			r.metrics.EventsApplied.WithLabelValues(ev.EventType().String()).Inc()
		}
		for _, s := range r.sinks {
			s.Submit(ev)
		}
	}
	return nil
}

var errReinitialized = errors.New("tracked state reinitialized")

func (r *Reader) applyWithRetry(ctx context.Context, ev event.Event) (bool, error) {
	for retries := 0; ; retries++ {
		applied, err := r.state.ApplyEvent(ctx, ev)
		if err == nil {
			return applied, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if retries >= r.cfg.MaxEventHandleRetry {
			r.logger.Error().Err(err).Str("key", ev.IdempotencyKey()).Int("retries", retries).
				Msg("event keeps failing, rebuilding tracked state")
			if r.metrics != nil {
				r.metrics.ReaderReinitialized.Inc()
			}
			if err := r.state.Initialize(ctx); err != nil {
				return false, fmt.Errorf("reinitialize tracked state: %w", err)
			}
			r.hasLast = false
			return false, errReinitialized
		}
		r.logger.Warn().Err(err).Str("key", ev.IdempotencyKey()).Int("retry", retries+1).Msg("event handling failed")
		if err := sleep(ctx, r.cfg.LoopDelay); err != nil {
			return false, err
		}
	}
}

func (r *Reader) markCaughtUp() {
	if r.caughtUp {
		return
	}
	r.caughtUp = true
	r.logger.Info().Uint64("next_block", r.next).Msg("reader caught up with chain head")
	if r.onCaught != nil {
		r.onCaught()
	}
}

func (r *Reader) countError(stage string) {
	if r.metrics != nil {
		r.metrics.ReaderErrors.WithLabelValues(stage).Inc()
	}
}

func (r *Reader) countIgnored(name string) {
	if r.metrics != nil {
		r.metrics.EventsIgnored.WithLabelValues(name).Inc()
	}
}

func (r *Reader) countDuplicate(typ string) {
	if r.metrics != nil {
		r.metrics.EventsDuplicate.WithLabelValues(typ).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
