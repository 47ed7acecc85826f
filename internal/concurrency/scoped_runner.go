package concurrency

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var ErrRunnerStopped = errors.New("scoped runner stopped")

// DefaultMaxErrors bounds the thread errors a runner keeps for Err.
const DefaultMaxErrors = 64

// ScopedRunnerOptions configure error reporting and metrics for a runner.
type ScopedRunnerOptions struct {
	// OnError is called for every failed or panicked thread, from that thread.
	OnError func(name string, err error)
	// InFlight tracks the number of running threads when set.
	InFlight prometheus.Gauge
	// MaxErrors is how many of the newest thread errors Err reports;
	// DefaultMaxErrors when 0.
	MaxErrors int
}

// ScopedRunner runs background threads on behalf of an owner that must join
// them before exiting. Every thread error is logged and reported; Err keeps
// the newest MaxErrors of them.
type ScopedRunner struct {
	ctx    context.Context
	logger zerolog.Logger
	opts   ScopedRunnerOptions

	wg      sync.WaitGroup
	mu      sync.Mutex
	running int
	stopped bool
	errs    []error
	dropped int
}

// NewScopedRunner creates a runner whose threads receive ctx.
func NewScopedRunner(ctx context.Context, logger zerolog.Logger, opts ScopedRunnerOptions) *ScopedRunner {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	return &ScopedRunner{
		ctx:    ctx,
		logger: logger,
		opts:   opts,
	}
}

// StartThread runs fn in a new goroutine and returns its id. After RequestStop
// it returns ErrRunnerStopped and fn is not run.
func (r *ScopedRunner) StartThread(name string, fn func(ctx context.Context) error) (string, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: cannot start %s", ErrRunnerStopped, name)
	}
	r.running++
	r.wg.Add(1)
	r.mu.Unlock()
	if r.opts.InFlight != nil {
		r.opts.InFlight.Inc()
	}

	id := uuid.NewString()
	go r.run(id, name, fn)
	return id, nil
}

func (r *ScopedRunner) run(id, name string, fn func(ctx context.Context) error) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("thread %s panicked: %v", name, p)
			r.logger.Error().Str("thread", name).Str("id", id).Bytes("stack", debug.Stack()).Msg("scoped thread panicked")
		}
		r.finish(id, name, err)
	}()
	err = fn(r.ctx)
}

func (r *ScopedRunner) finish(id, name string, err error) {
	if err != nil {
		r.logger.Error().Err(err).Str("thread", name).Str("id", id).Msg("scoped thread failed")
		if r.opts.OnError != nil {
			r.opts.OnError(name, err)
		}
	}
	r.mu.Lock()
	r.running--
	if err != nil {
		if len(r.errs) == r.opts.MaxErrors {
			r.errs = append(r.errs[:0], r.errs[1:]...)
			r.dropped++
		}
		r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
	}
	r.mu.Unlock()
	if r.opts.InFlight != nil {
		r.opts.InFlight.Dec()
	}
	r.wg.Done()
}

// Running returns the number of threads that have not finished.
func (r *ScopedRunner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RequestStop rejects new threads. Running threads are not interrupted.
func (r *ScopedRunner) RequestStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *ScopedRunner) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Wait blocks until every started thread has finished or ctx is done.
func (r *ScopedRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d scoped threads: %w", r.Running(), ctx.Err())
	}
}

// Err joins the errors of the newest failed threads. Older errors have
// already gone to the log and OnError.
func (r *ScopedRunner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == 0 {
		return errors.Join(r.errs...)
	}
	errs := append([]error{fmt.Errorf("%d earlier thread errors omitted", r.dropped)}, r.errs...)
	return errors.Join(errs...)
}
