package notifier_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fassetbots/internal/notifier"
	"fassetbots/internal/observability"
)

type recordingTransport struct {
	name string
	err  error

	mu      sync.Mutex
	records []notifier.Record
}

func (r *recordingTransport) Name() string { return r.name }

func (r *recordingTransport) Send(_ context.Context, rec notifier.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *recordingTransport) sent() []notifier.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifier.Record(nil), r.records...)
}

func closeNotifier(t *testing.T, n *notifier.Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Close(ctx))
}

// ============================================================================
// Notifier
// ============================================================================

func TestNotifier_FansOutToEveryTransport(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	a := &recordingTransport{name: "a"}
	b := &recordingTransport{name: "b"}
	n := notifier.New(context.Background(), notifier.BotLiquidator, "0xliq", []notifier.Transport{a, b}, metrics, zerolog.Nop())

	n.Danger(notifier.TitleAgentLiquidated, "agent %s liquidated for %d", "0xagent1", 60)
	closeNotifier(t, n)

	want := notifier.Record{
		BotType:     notifier.BotLiquidator,
		Address:     "0xliq",
		Level:       notifier.LevelDanger,
		Title:       notifier.TitleAgentLiquidated,
		Description: "agent 0xagent1 liquidated for 60",
	}
	assert.Equal(t, []notifier.Record{want}, a.sent())
	assert.Equal(t, []notifier.Record{want}, b.sent())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.NotificationsSent.WithLabelValues("a", "danger")))
	assert.NoError(t, n.Err())
}

func TestNotifier_TransportFailureIsIsolated(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	broken := &recordingTransport{name: "broken", err: errors.New("connection refused")}
	ok := &recordingTransport{name: "ok"}
	n := notifier.New(context.Background(), notifier.BotChallenger, "0xchl", []notifier.Transport{broken, ok}, metrics, zerolog.Nop())

	n.Critical(notifier.TitleChallengeFailed, "boom")
	closeNotifier(t, n)

	assert.Len(t, ok.sent(), 1)
	require.Error(t, n.Err())
	assert.Contains(t, n.Err().Error(), "connection refused")
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.NotificationErrors.WithLabelValues("broken")))
}

func TestNotifier_SendAfterCloseIsDropped(t *testing.T) {
	a := &recordingTransport{name: "a"}
	n := notifier.New(context.Background(), notifier.BotTimeKeeper, "0xtk", []notifier.Transport{a}, nil, zerolog.Nop())
	closeNotifier(t, n)

	n.Danger(notifier.TitleBlockHeightFailed, "height %d", 10)
	assert.Empty(t, a.sent())
}

func TestNotifier_NilDiscards(t *testing.T) {
	var n *notifier.Notifier
	n.Info("anything", "x")
	assert.NoError(t, n.Close(context.Background()))
	assert.NoError(t, n.Err())
}

// ============================================================================
// Transports
// ============================================================================

func sampleRecord(level notifier.Level) notifier.Record {
	return notifier.Record{
		BotType:     notifier.BotSystemKeeper,
		Address:     "0xkeeper",
		Level:       level,
		Title:       notifier.TitleLiquidationStarted,
		Description: "agent 0xagent1 entered liquidation",
	}
}

func TestConsoleTransport_Plain(t *testing.T) {
	var buf bytes.Buffer
	tr := notifier.NewConsoleTransportTo(&buf, true)

	require.NoError(t, tr.Send(context.Background(), sampleRecord(notifier.LevelInfo)))
	assert.Equal(t, "LIQUIDATION STARTED: agent 0xagent1 entered liquidation\n", buf.String())
}

func TestLoggerTransport_MapsLevels(t *testing.T) {
	tests := []struct {
		level notifier.Level
		want  string
	}{
		{notifier.LevelInfo, "info"},
		{notifier.LevelDanger, "warn"},
		{notifier.LevelCritical, "error"},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			var buf bytes.Buffer
			tr := notifier.NewLoggerTransport(zerolog.New(&buf))
			require.NoError(t, tr.Send(context.Background(), sampleRecord(tt.level)))

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tt.want, line["level"])
			assert.Equal(t, notifier.TitleLiquidationStarted, line["title"])
			assert.Equal(t, "0xkeeper", line["address"])
			assert.Equal(t, "agent 0xagent1 entered liquidation", line["message"])
		})
	}
}

func TestAPITransport_PostsRecord(t *testing.T) {
	var got notifier.Record
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-KEY")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := notifier.NewAPITransport(srv.URL+"/", "secret-key", srv.Client())
	rec := sampleRecord(notifier.LevelCritical)
	require.NoError(t, tr.Send(context.Background(), rec))

	assert.Equal(t, "/api/0/bot_alert", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, rec, got)
}

func TestAPITransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := notifier.NewAPITransport(srv.URL, "", srv.Client())
	err := tr.Send(context.Background(), sampleRecord(notifier.LevelInfo))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "database down")
}

func TestSlackTransport_PostsWebhook(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := notifier.NewSlackTransport(srv.URL)
	require.NoError(t, tr.Send(context.Background(), sampleRecord(notifier.LevelCritical)))

	assert.Equal(t, "[critical] LIQUIDATION STARTED", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "agent 0xagent1 entered liquidation", got.Attachments[0].Text)
}

type fakePublisher struct {
	subject string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subject = subject
	f.payload = payload
	return &jetstream.PubAck{Stream: "FASSET_ALERTS"}, f.err
}

func TestNATSTransport_SubjectPerLevel(t *testing.T) {
	pub := &fakePublisher{}
	tr := notifier.NewNATSTransport(pub)
	rec := sampleRecord(notifier.LevelDanger)
	require.NoError(t, tr.Send(context.Background(), rec))

	assert.Equal(t, "fasset.alerts.danger", pub.subject)
	var got notifier.Record
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, rec, got)

	pub.err = errors.New("no responders")
	assert.ErrorContains(t, tr.Send(context.Background(), rec), "no responders")
}

// ============================================================================
// Throttling
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestThrottlingTransport_MemoryStore(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	inner := &recordingTransport{name: "console"}
	rules := map[string]notifier.ThrottleRule{
		notifier.TitleNoProofObtained: {Duration: 30 * time.Minute, PerAddress: true},
	}
	tr := notifier.NewThrottlingTransport(inner, rules, notifier.NewMemoryThrottleStore(clock.Now), metrics, zerolog.Nop())
	ctx := context.Background()

	rec := notifier.Record{Address: "0xtk", Level: notifier.LevelDanger, Title: notifier.TitleNoProofObtained}
	require.NoError(t, tr.Send(ctx, rec))
	require.NoError(t, tr.Send(ctx, rec))
	assert.Len(t, inner.sent(), 1, "repeat inside the window is dropped")
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.NotificationsThrottled.WithLabelValues(notifier.TitleNoProofObtained)))

	other := rec
	other.Address = "0xother"
	require.NoError(t, tr.Send(ctx, other))
	assert.Len(t, inner.sent(), 2, "per-address rule keys on the address")

	unruled := rec
	unruled.Title = notifier.TitleAgentLiquidated
	require.NoError(t, tr.Send(ctx, unruled))
	require.NoError(t, tr.Send(ctx, unruled))
	assert.Len(t, inner.sent(), 4, "titles without a rule are never throttled")

	clock.Advance(30*time.Minute + time.Second)
	require.NoError(t, tr.Send(ctx, rec))
	assert.Len(t, inner.sent(), 5, "window expired")
}

func TestRedisThrottleStore_SharedWindow(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := notifier.NewRedisThrottleStore(client, "")
	ctx := context.Background()

	ok, err := store.Allow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Allow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("fassetbots:throttle:k"))

	mr.FastForward(time.Minute + time.Millisecond)
	ok, err = store.Allow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestThrottlingTransport_RedisAcrossProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rules := map[string]notifier.ThrottleRule{notifier.TitleBlockHeightFailed: {Duration: time.Hour}}
	first := &recordingTransport{name: "api"}
	second := &recordingTransport{name: "api"}
	newTransport := func(inner notifier.Transport) *notifier.ThrottlingTransport {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return notifier.NewThrottlingTransport(inner, rules, notifier.NewRedisThrottleStore(client, ""), nil, zerolog.Nop())
	}
	a, b := newTransport(first), newTransport(second)

	rec := notifier.Record{Address: "0xtk", Title: notifier.TitleBlockHeightFailed}
	require.NoError(t, a.Send(context.Background(), rec))
	require.NoError(t, b.Send(context.Background(), rec))

	assert.Len(t, first.sent(), 1)
	assert.Empty(t, second.sent())
}

type brokenStore struct{}

func (brokenStore) Allow(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection pool timeout")
}

func TestThrottlingTransport_StoreErrorStillSends(t *testing.T) {
	inner := &recordingTransport{name: "console"}
	rules := map[string]notifier.ThrottleRule{notifier.TitleNoProofObtained: {Duration: time.Hour}}
	tr := notifier.NewThrottlingTransport(inner, rules, brokenStore{}, nil, zerolog.Nop())

	require.NoError(t, tr.Send(context.Background(), notifier.Record{Title: notifier.TitleNoProofObtained}))
	assert.Len(t, inner.sent(), 1)
}
