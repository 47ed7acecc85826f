package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/event"
	"fassetbots/internal/observability"
)

// ArchiveWorkerConfig tunes batching and retry of the archive worker.
type ArchiveWorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	QueueSize    int
	// InitialBackoff and MaxBackoff bound the retry delay of a failed flush.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *ArchiveWorkerConfig) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4 * c.BatchSize
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// EventArchiveWorker drains applied events and batch-writes them to the
// archive. It runs independently of the reader: Submit never blocks and a
// full queue drops the event (the archive is not the source of truth).
type EventArchiveWorker struct {
	writer  *ArchiveWriter
	input   chan event.Event
	cfg     ArchiveWorkerConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEventArchiveWorker(db *DB, cfg ArchiveWorkerConfig, metrics *observability.Metrics, logger zerolog.Logger) *EventArchiveWorker {
	cfg.withDefaults()
	return &EventArchiveWorker{
		writer:  NewArchiveWriter(db),
		input:   make(chan event.Event, cfg.QueueSize),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "archive_worker").Logger(),
	}
}

// Submit queues ev and reports whether it was accepted.
func (w *EventArchiveWorker) Submit(ev event.Event) bool {
	select {
	case w.input <- ev:
		return true
	default:
		if w.metrics != nil {
			w.metrics.ArchiveDrops.Inc()
		}
		return false
	}
}

// Run batches queued events and flushes either when the batch is full or
// the flush timeout expires. On cancellation the pending batch is flushed
// once more. Blocks until ctx is cancelled.
func (w *EventArchiveWorker) Run(ctx context.Context) error {
	batch := make([]ArchiveRow, 0, w.cfg.BatchSize)

	timer := time.NewTimer(w.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(&batch)
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("final archive flush failed")
				}
			}
			return ctx.Err()

		case ev := <-w.input:
			w.add(&batch, ev)
			if len(batch) >= w.cfg.BatchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("archive flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("archive flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.cfg.FlushTimeout)
		}
	}
}

func (w *EventArchiveWorker) add(batch *[]ArchiveRow, ev event.Event) {
	row, err := RowFromEvent(ev)
	if err != nil {
		w.logger.Warn().Err(err).Str("key", ev.IdempotencyKey()).Msg("skipping unarchivable event")
		if w.metrics != nil {
			w.metrics.ArchiveErrors.WithLabelValues("encode").Inc()
		}
		return
	}
	*batch = append(*batch, row)
}

func (w *EventArchiveWorker) drain(batch *[]ArchiveRow) {
	for {
		select {
		case ev := <-w.input:
			w.add(batch, ev)
		default:
			return
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last write is attempted.
func (w *EventArchiveWorker) flushWithRetry(ctx context.Context, rows []ArchiveRow) error {
	backoff := w.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(rows)).Msg("archive retry")
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), rows)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("archive flush succeeded")
			}
			return nil
		}
		w.logger.Debug().Err(err).Msg("archive flush failed")
		if w.metrics != nil {
			w.metrics.ArchiveErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *EventArchiveWorker) flush(ctx context.Context, rows []ArchiveRow) error {
	start := time.Now()
	inserted, err := w.writer.WriteBatch(ctx, rows)
	if err != nil {
		if w.metrics != nil {
			w.metrics.ArchiveErrors.WithLabelValues("write").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.ArchiveBatchDuration.Observe(time.Since(start).Seconds())
		w.metrics.ArchiveBatchSize.Observe(float64(len(rows)))
		w.metrics.ArchiveEventsWritten.Add(float64(len(rows)))
	}
	w.logger.Debug().Int("events", len(rows)).Int64("inserted", inserted).Msg("archived batch")
	return nil
}
