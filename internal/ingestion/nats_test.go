package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fassetbots/internal/ingestion"
	"fassetbots/internal/testutil"
)

func TestEventMirror_JetStreamDeduplicates(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	require.NoError(t, js.DeleteStream(ctx, ingestion.EventsStream))
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))

	m := ingestion.NewEventMirror(js, 8, nil, zerolog.Nop())
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go m.Run(runCtx)

	ev := mintingExecuted("0xdd", 2)
	m.Submit(ev)
	m.Submit(ev)

	stream, err := js.Stream(ctx, ingestion.EventsStream)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 1
	}, 5*time.Second, 20*time.Millisecond)

	msg, err := stream.GetLastMsgForSubject(ctx, "fasset.events.MintingExecuted")
	require.NoError(t, err)
	assert.Equal(t, ingestion.MessageID(ev), msg.Header.Get(jetstream.MsgIDHeader))
	var env ingestion.MirroredEvent
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, "0xdd:2", env.IdempotencyKey)
}
