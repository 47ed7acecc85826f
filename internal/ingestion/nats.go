// Package ingestion connects to NATS JetStream and mirrors applied chain
// events to it for downstream consumers.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"fassetbots/internal/notifier"
)

const (
	EventsStream = "FASSET_EVENTS"
	AlertsStream = "FASSET_ALERTS"

	// EventSubjectPrefix is followed by the event type.
	EventSubjectPrefix = "fasset.events"
)

// Streams returns the stream configurations the bots publish to. Message ids
// inside DuplicateWindow are dropped by the server.
func Streams() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:       EventsStream,
			Subjects:   []string{EventSubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      AlertsStream,
			Subjects:  []string{notifier.AlertSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		},
	}
}

// StreamCreator is the part of jetstream.JetStream EnsureStreams uses.
type StreamCreator interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// EnsureStreams creates or updates the bots' streams.
func EnsureStreams(ctx context.Context, js StreamCreator, logger zerolog.Logger) error {
	for _, cfg := range Streams() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Strs("subjects", cfg.Subjects).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection that reconnects forever and
// returns a JetStream context on it.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	logger = logger.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("fassetbots"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
