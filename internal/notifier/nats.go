package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// AlertSubjectPrefix is the JetStream subject prefix; the level is appended.
const AlertSubjectPrefix = "fasset.alerts"

// Publisher is the part of jetstream.JetStream the transport uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSTransport publishes records to fasset.alerts.<level>.
type NATSTransport struct {
	js Publisher
}

func NewNATSTransport(js Publisher) *NATSTransport {
	return &NATSTransport{js: js}
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Send(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", AlertSubjectPrefix, rec.Level)
	if _, err := t.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
