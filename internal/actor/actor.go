// Package actor runs the bots' control loops: the challenger, the liquidator,
// the system keeper, the time keeper and the price publisher. Each actor
// reads tracked state or feeds and sends transactions from its own address.
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/concurrency"
	"fassetbots/internal/notifier"
	"fassetbots/internal/observability"
	"fassetbots/internal/state"
)

const (
	DefaultLoopDelay    = 5 * time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Actor is one step of a control loop.
type Actor interface {
	Name() string
	RunStep(ctx context.Context) error
}

// Threaded is implemented by actors that start background work; the runner
// joins it after the loop ends.
type Threaded interface {
	Threads() *concurrency.ScopedRunner
}

// Deps are the collaborators shared by every actor.
type Deps struct {
	State        *state.TrackedState
	AssetManager chain.AssetManager
	Notifier     *notifier.Notifier
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

func (d Deps) logger(name, address string) zerolog.Logger {
	return d.Logger.With().Str("component", "actor").Str("actor", name).Str("address", address).Logger()
}

func (d Deps) threads(ctx context.Context, name string, logger zerolog.Logger, onError func(string, error)) *concurrency.ScopedRunner {
	opts := concurrency.ScopedRunnerOptions{OnError: onError}
	if d.Metrics != nil {
		opts.InFlight = d.Metrics.ScopedInFlight.WithLabelValues(name)
	}
	return concurrency.NewScopedRunner(ctx, logger, opts)
}

// now is the latest native block timestamp, the clock of every status check.
func (d Deps) now(ctx context.Context) (uint64, error) {
	ts, err := d.AssetManager.Timestamp(ctx)
	if err != nil {
		return 0, fmt.Errorf("read block timestamp: %w", err)
	}
	return ts, nil
}

// Runner calls an actor's RunStep every loop delay until stopped.
type Runner struct {
	actor        Actor
	loopDelay    time.Duration
	drainTimeout time.Duration
	notifier     *notifier.Notifier
	metrics      *observability.Metrics
	logger       zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRunner(a Actor, loopDelay time.Duration, n *notifier.Notifier, metrics *observability.Metrics, logger zerolog.Logger) *Runner {
	if loopDelay <= 0 {
		loopDelay = DefaultLoopDelay
	}
	return &Runner{
		actor:        a,
		loopDelay:    loopDelay,
		drainTimeout: DefaultDrainTimeout,
		notifier:     n,
		metrics:      metrics,
		logger:       logger.With().Str("component", "runner").Str("actor", a.Name()).Logger(),
		stop:         make(chan struct{}),
	}
}

// RequestStop lets the current step finish and prevents the next one.
func (r *Runner) RequestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runner) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Run loops until RequestStop (returns nil) or ctx is cancelled (returns
// ctx.Err()). A failed step is logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Dur("loop_delay", r.loopDelay).Msg("actor started")
	defer r.drain()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			r.logger.Info().Msg("actor stopped")
			return nil
		case <-timer.C:
		}
		if r.stopping() {
			continue
		}
		r.step(ctx)
		timer.Reset(r.loopDelay)
	}
}

func (r *Runner) step(ctx context.Context) {
	name := r.actor.Name()
	start := time.Now()
	err := r.runStep(ctx)
	if r.metrics != nil {
		r.metrics.ActorStepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err == nil || ctx.Err() != nil {
		return
	}
	if r.metrics != nil {
		r.metrics.ActorStepErrors.WithLabelValues(name).Inc()
	}
	r.logger.Error().Err(err).Msg("actor step failed")
	r.notifier.Danger(notifier.TitleActorStepFailed, "%s step failed: %v", name, err)
}

func (r *Runner) runStep(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step panicked: %v", p)
		}
	}()
	return r.actor.RunStep(ctx)
}

// drain waits for the actor's background threads.
func (r *Runner) drain() {
	t, ok := r.actor.(Threaded)
	if !ok {
		return
	}
	threads := t.Threads()
	threads.RequestStop()
	ctx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
	defer cancel()
	if err := threads.Wait(ctx); err != nil {
		r.logger.Warn().Err(err).Int("running", threads.Running()).Msg("background threads did not finish")
	}
}
