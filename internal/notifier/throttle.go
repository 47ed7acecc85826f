package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fassetbots/internal/observability"
)

// ThrottleRule limits a title to one delivery per Duration, either globally
// or per bot address.
type ThrottleRule struct {
	Duration   time.Duration
	PerAddress bool
}

// DefaultThrottleRules covers the titles that repeat every actor step while
// a condition persists.
func DefaultThrottleRules() map[string]ThrottleRule {
	return map[string]ThrottleRule{
		TitleNoProofObtained:    {Duration: 30 * time.Minute, PerAddress: true},
		TitleBlockHeightFailed:  {Duration: 30 * time.Minute},
		TitleLiquidationFailed:  {Duration: 10 * time.Minute, PerAddress: true},
		TitleChallengeFailed:    {Duration: 10 * time.Minute, PerAddress: true},
		TitleActorStepFailed:    {Duration: 5 * time.Minute, PerAddress: true},
		TitleNoActiveWithdrawal: {Duration: time.Hour, PerAddress: true},
	}
}

// ThrottleStore remembers when a key was last let through.
type ThrottleStore interface {
	// Allow reports whether key may be sent now and, if so, blocks it for d.
	Allow(ctx context.Context, key string, d time.Duration) (bool, error)
}

// ThrottlingTransport drops repeats of throttled titles before they reach
// the wrapped transport. Titles without a rule always pass.
type ThrottlingTransport struct {
	next    Transport
	rules   map[string]ThrottleRule
	store   ThrottleStore
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewThrottlingTransport(next Transport, rules map[string]ThrottleRule, store ThrottleStore, metrics *observability.Metrics, logger zerolog.Logger) *ThrottlingTransport {
	if store == nil {
		store = NewMemoryThrottleStore(nil)
	}
	return &ThrottlingTransport{
		next:    next,
		rules:   rules,
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "throttle").Str("transport", next.Name()).Logger(),
	}
}

func (t *ThrottlingTransport) Name() string { return t.next.Name() }

func (t *ThrottlingTransport) Send(ctx context.Context, rec Record) error {
	rule, ok := t.rules[rec.Title]
	if !ok {
		return t.next.Send(ctx, rec)
	}
	key := throttleKey(t.next.Name(), rec, rule)
	allowed, err := t.store.Allow(ctx, key, rule.Duration)
	if err != nil {
		// A broken store must not swallow alerts.
		t.logger.Warn().Err(err).Str("key", key).Msg("throttle store failed, sending anyway")
		return t.next.Send(ctx, rec)
	}
	if !allowed {
		if t.metrics != nil {
			t.metrics.NotificationsThrottled.WithLabelValues(rec.Title).Inc()
		}
		return nil
	}
	return t.next.Send(ctx, rec)
}

func throttleKey(transport string, rec Record, rule ThrottleRule) string {
	if rule.PerAddress {
		return fmt.Sprintf("%s|%s|%s", transport, rec.Title, rec.Address)
	}
	return fmt.Sprintf("%s|%s", transport, rec.Title)
}

// MemoryThrottleStore keeps expiry times in process memory.
type MemoryThrottleStore struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemoryThrottleStore uses now as its clock; nil means time.Now.
func NewMemoryThrottleStore(now func() time.Time) *MemoryThrottleStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryThrottleStore{until: make(map[string]time.Time), now: now}
}

func (s *MemoryThrottleStore) Allow(_ context.Context, key string, d time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.until[key]; ok && now.Before(until) {
		return false, nil
	}
	s.until[key] = now.Add(d)
	return true, nil
}

// RedisThrottleStore shares throttling state between bot processes. A key
// is claimed with SET NX PX, so exactly one process sends per window.
type RedisThrottleStore struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisThrottleStore(client redis.Cmdable, keyPrefix string) *RedisThrottleStore {
	if keyPrefix == "" {
		keyPrefix = "fassetbots:throttle:"
	}
	return &RedisThrottleStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisThrottleStore) Allow(ctx context.Context, key string, d time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, time.Now().UnixMilli(), d).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}
