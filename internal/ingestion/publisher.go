package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"fassetbots/internal/event"
	"fassetbots/internal/observability"
)

const DefaultMirrorQueueSize = 1024

// msgIDSpace namespaces the name-based uuids used as JetStream message ids.
var msgIDSpace = uuid.MustParse("6f1c2f0e-3b7a-5d8e-9a41-2c0f5e7b9d13")

// MirroredEvent is the payload of a message on fasset.events.<type>.
type MirroredEvent struct {
	EventType      string          `json:"eventType"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Meta           event.Meta      `json:"meta"`
	Payload        json.RawMessage `json:"payload"`
	PublishedAt    time.Time       `json:"publishedAt"`
}

// Publisher is the part of jetstream.JetStream the mirror uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventMirror publishes applied events to NATS. Submit never blocks the
// reader; events that do not fit the queue are dropped and counted.
type EventMirror struct {
	js      Publisher
	input   chan event.Event
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEventMirror(js Publisher, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *EventMirror {
	if queueSize <= 0 {
		queueSize = DefaultMirrorQueueSize
	}
	return &EventMirror{
		js:      js,
		input:   make(chan event.Event, queueSize),
		metrics: metrics,
		logger:  logger.With().Str("component", "event_mirror").Logger(),
	}
}

func (m *EventMirror) Submit(ev event.Event) bool {
	select {
	case m.input <- ev:
		return true
	default:
		if m.metrics != nil {
			m.metrics.MirrorDrops.Inc()
		}
		return false
	}
}

// Run publishes queued events until ctx is cancelled. A failed publish is
// logged and skipped; consumers can read the archive for the gap.
func (m *EventMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.input:
			if err := m.publish(ctx, ev); err != nil {
				m.logger.Warn().Err(err).Str("key", ev.IdempotencyKey()).Msg("mirror publish failed")
				if m.metrics != nil {
					m.metrics.MirrorPublishErr.Inc()
				}
				continue
			}
			if m.metrics != nil {
				m.metrics.MirrorPublished.Inc()
			}
		}
	}
}

func (m *EventMirror) publish(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	data, err := json.Marshal(MirroredEvent{
		EventType:      ev.EventType().String(),
		IdempotencyKey: ev.IdempotencyKey(),
		Meta:           ev.Metadata(),
		Payload:        payload,
		PublishedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := Subject(ev)
	_, err = m.js.Publish(ctx, subject, data, jetstream.WithMsgID(MessageID(ev)))
	return err
}

// Subject is fasset.events.<EventType>.
func Subject(ev event.Event) string {
	return fmt.Sprintf("%s.%s", EventSubjectPrefix, ev.EventType())
}

// MessageID is a name-based uuid of the idempotency key, so a log replayed
// after a restart gets the same Nats-Msg-Id and is dropped by the stream.
func MessageID(ev event.Event) string {
	return uuid.NewSHA1(msgIDSpace, []byte(ev.IdempotencyKey())).String()
}
