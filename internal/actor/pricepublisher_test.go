package actor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fassetbots/internal/actor"
	"fassetbots/internal/chain"
	"fassetbots/internal/simulation"
)

const publisherBot = "0xpublisherbot"

var feedIDs = []string{"0x01XRP", "0x01FLR", "0x01USDC"}

func newPricePublisher(t *testing.T, s *scenario) (*actor.PricePublisher, *simulation.Feeds) {
	t.Helper()
	s.chain.SetFeedIDs(feedIDs...)
	feeds := simulation.NewFeeds()
	p := actor.NewPricePublisher(publisherBot, s.deps(), s.chain, feeds, actor.PricePublisherConfig{MaxJitter: time.Millisecond})
	return p, feeds
}

func roundValues() map[string]int64 {
	return map[string]int64{"0x01XRP": 200_000, "0x01FLR": 2_000, "0x01USDC": 100_000}
}

func (s *scenario) publications(outcome string) float64 {
	return promtest.ToFloat64(s.metrics.PricePublications.WithLabelValues(outcome))
}

// ============================================================================
// Price publisher
// ============================================================================

func TestPricePublisher_PublishesNewestRoundOnce(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, standardAgent)
	p, feeds := newPricePublisher(t, s)

	feeds.FinalizeRound(6, roundValues())
	feeds.FinalizeRound(7, roundValues())
	require.NoError(t, p.RunStep(ctx))

	round, err := s.chain.LastPublishedRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), round)
	published := s.chain.PublishedFeeds(7)
	require.Len(t, published, len(feedIDs))
	for i, f := range published {
		assert.Equal(t, feedIDs[i], f.Body.ID)
	}
	assert.Empty(t, s.chain.PublishedFeeds(6), "only the newest round is published")

	require.NoError(t, p.RunStep(ctx))
	assert.Equal(t, 1, s.chain.Calls("publishPrices"))
	assert.Equal(t, 1, feeds.FeedRequests())
	assert.Equal(t, float64(1), s.publications("ok"))
}

func TestPricePublisher_LosingTheRaceIsNotAFailure(t *testing.T) {
	s := newScenario(t, standardAgent)
	p, feeds := newPricePublisher(t, s)

	feeds.FinalizeRound(7, roundValues())
	s.chain.FailNext("publishPrices", "prices already published")
	require.NoError(t, p.RunStep(context.Background()))

	assert.Equal(t, float64(1), s.publications("already_published"))
	assert.Equal(t, float64(0), s.publications("ok"))
}

func TestPricePublisher_UnavailableProvidersAreRetried(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, standardAgent)
	p, feeds := newPricePublisher(t, s)

	feeds.FinalizeRound(7, roundValues())
	feeds.SetDown(true)
	require.NoError(t, p.RunStep(ctx))
	assert.Equal(t, 0, s.chain.Calls("publishPrices"))
	assert.Equal(t, float64(1), s.publications("unavailable"))

	feeds.SetDown(false)
	require.NoError(t, p.RunStep(ctx))
	assert.Equal(t, float64(1), s.publications("ok"))
}

func TestPricePublisher_OtherRevertsFailTheStep(t *testing.T) {
	s := newScenario(t, standardAgent)
	p, feeds := newPricePublisher(t, s)

	feeds.FinalizeRound(7, roundValues())
	s.chain.FailNext("publishPrices", "merkle proof invalid")
	err := p.RunStep(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrReverted))
	assert.Equal(t, float64(1), s.publications("reverted"))
}
