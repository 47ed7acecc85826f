package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the bots.
type Metrics struct {
	// --- Reader ---
	ReaderBlocksProcessed prometheus.Counter
	ReaderLagBlocks       prometheus.Gauge
	ReaderPosition        prometheus.Gauge
	ReaderBatchDuration   prometheus.Histogram
	ReaderErrors          *prometheus.CounterVec
	ReaderReinitialized   prometheus.Counter

	// --- Tracked state ---
	EventsApplied    *prometheus.CounterVec
	EventsIgnored    *prometheus.CounterVec
	EventsDuplicate  *prometheus.CounterVec
	TrackedAgents    prometheus.Gauge

	IdempotencyHits          *prometheus.CounterVec
	IdempotencyEvictions     prometheus.Counter
	IdempotencyArchiveErrors prometheus.Counter
	IdempotencyKeys          prometheus.Gauge

	MirrorDrops      prometheus.Counter
	ArchiveDrops     prometheus.Counter
	MirrorPublished  prometheus.Counter
	MirrorPublishErr prometheus.Counter

	// --- Actors ---
	ActorStepDuration *prometheus.HistogramVec
	ActorStepErrors   *prometheus.CounterVec
	Challenges        *prometheus.CounterVec
	Liquidations      *prometheus.CounterVec
	LiquidationStarts *prometheus.CounterVec
	TimeKeeperUpdates *prometheus.CounterVec
	PricePublications *prometheus.CounterVec
	ScopedInFlight    *prometheus.GaugeVec

	// --- Notifier ---
	NotificationsSent      *prometheus.CounterVec
	NotificationsThrottled *prometheus.CounterVec
	NotificationErrors     *prometheus.CounterVec

	// --- Archive ---
	ArchiveBatchSize     prometheus.Histogram
	ArchiveBatchDuration prometheus.Histogram
	ArchiveEventsWritten prometheus.Counter
	ArchiveErrors        *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them on reg. A nil reg uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	stepBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		ReaderBlocksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_reader_blocks_processed_total",
			Help: "Native blocks whose events have been applied",
		}),
		ReaderLagBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "fasset_reader_lag_blocks",
			Help: "Finalized head minus the next block to read",
		}),
		ReaderPosition: f.NewGauge(prometheus.GaugeOpts{
			Name: "fasset_reader_position",
			Help: "Next native block to read",
		}),
		ReaderBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fasset_reader_batch_duration_seconds",
			Help:    "Fetch and apply time of one block batch",
			Buckets: stepBuckets,
		}),
		ReaderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_reader_errors_total",
			Help: "Reader failures by stage",
		}, []string{"stage"}),
		ReaderReinitialized: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_reader_reinitialized_total",
			Help: "Tracked state rebuilds after repeated event failures",
		}),

		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_events_applied_total",
			Help: "Events applied to tracked state",
		}, []string{"event_type"}),
		EventsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_events_ignored_total",
			Help: "Logs skipped (unknown event, stale agent read)",
		}, []string{"event_type"}),
		EventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_events_duplicate_total",
			Help: "Events rejected as already applied",
		}, []string{"event_type"}),
		TrackedAgents: f.NewGauge(prometheus.GaugeOpts{
			Name: "fasset_tracked_agents",
			Help: "Agents currently tracked",
		}),
		IdempotencyHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_idempotency_hits_total",
			Help: "Duplicate events caught by dedup tier",
		}, []string{"tier"}),
		IdempotencyEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_idempotency_evictions_total",
			Help: "Keys evicted from the in-memory dedup tier",
		}),
		IdempotencyArchiveErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_idempotency_archive_errors_total",
			Help: "Failed archive dedup lookups",
		}),
		IdempotencyKeys: f.NewGauge(prometheus.GaugeOpts{
			Name: "fasset_idempotency_keys",
			Help: "Keys held by the in-memory dedup tier",
		}),
		MirrorDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_mirror_drops_total",
			Help: "Applied events dropped due to a full mirror channel",
		}),
		ArchiveDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_archive_drops_total",
			Help: "Applied events dropped due to a full archive channel",
		}),
		MirrorPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_mirror_published_total",
			Help: "Applied events published to NATS",
		}),
		MirrorPublishErr: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_mirror_publish_errors_total",
			Help: "Failed NATS publishes of applied events",
		}),

		ActorStepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fasset_actor_step_duration_seconds",
			Help:    "Duration of one actor step",
			Buckets: stepBuckets,
		}, []string{"actor"}),
		ActorStepErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_actor_step_errors_total",
			Help: "Failed actor steps",
		}, []string{"actor"}),
		Challenges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_challenges_total",
			Help: "Challenges submitted by kind and outcome",
		}, []string{"kind", "outcome"}),
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_liquidations_total",
			Help: "Liquidations submitted by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		LiquidationStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_liquidation_status_changes_total",
			Help: "startLiquidation/endLiquidation calls by outcome",
		}, []string{"call", "outcome"}),
		TimeKeeperUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_timekeeper_updates_total",
			Help: "Underlying block updates by outcome",
		}, []string{"outcome"}),
		PricePublications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_price_publications_total",
			Help: "FTSO price rounds submitted to the price store by outcome",
		}, []string{"outcome"}),
		ScopedInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fasset_scoped_threads_in_flight",
			Help: "Background threads running per owner",
		}, []string{"owner"}),

		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_notifications_sent_total",
			Help: "Notifications delivered per transport and level",
		}, []string{"transport", "level"}),
		NotificationsThrottled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_notifications_throttled_total",
			Help: "Notifications suppressed by throttling",
		}, []string{"title"}),
		NotificationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_notification_errors_total",
			Help: "Failed notification deliveries per transport",
		}, []string{"transport"}),

		ArchiveBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fasset_archive_batch_size",
			Help:    "Events per archive batch write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		ArchiveBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fasset_archive_batch_duration_seconds",
			Help:    "Archive batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
		ArchiveEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "fasset_archive_events_written_total",
			Help: "Events submitted to the archive",
		}),
		ArchiveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fasset_archive_errors_total",
			Help: "Archive write failures by stage",
		}, []string{"stage"}),
	}
}
