package simulation

import (
	"context"
	"sync"

	"fassetbots/internal/chain"
)

// --- price store ---

// SetFeedIDs configures the feeds the price store accepts, in publish order.
func (c *Chain) SetFeedIDs(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedIDs = append([]string(nil), ids...)
}

// PublishedFeeds returns what was published for round.
func (c *Chain) PublishedFeeds(round uint64) []chain.FeedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.FeedResult(nil), c.publishedFeeds[round]...)
}

func (c *Chain) LastPublishedRound(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishedRound, nil
}

func (c *Chain) FeedIDs(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.feedIDs...), nil
}

// PublishPrices accepts one proved value per configured feed, all of a round
// newer than the last published one.
func (c *Chain) PublishPrices(_ context.Context, _ string, feeds []chain.FeedResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked("publishPrices"); err != nil {
		return err
	}
	if len(feeds) == 0 || len(feeds) != len(c.feedIDs) {
		return chain.Revert("wrong number of feeds")
	}
	round := feeds[0].Body.VotingRoundID
	if round <= c.publishedRound {
		return chain.Revert("prices already published")
	}
	for i, f := range feeds {
		if f.Body.ID != c.feedIDs[i] || f.Body.VotingRoundID != round {
			return chain.Revert("feed mismatch")
		}
		if len(f.Proof) == 0 {
			return chain.Revert("merkle proof invalid")
		}
	}
	c.mineLocked()
	c.publishedRound = round
	c.publishedFeeds[round] = append([]chain.FeedResult(nil), feeds...)
	return nil
}

// Feeds is an in-memory data access layer.
type Feeds struct {
	mu     sync.Mutex
	latest uint64
	rounds map[uint64]map[string]int64
	down   bool
	calls  int
}

var _ chain.FeedProvider = (*Feeds)(nil)

func NewFeeds() *Feeds {
	return &Feeds{rounds: make(map[uint64]map[string]int64)}
}

// FinalizeRound makes round the latest one with the given feed values.
func (f *Feeds) FinalizeRound(round uint64, values map[string]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds[round] = values
	if round > f.latest {
		f.latest = round
	}
}

// SetDown makes every request fail like unreachable providers.
func (f *Feeds) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// FeedRequests counts AnchorFeeds calls.
func (f *Feeds) FeedRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Feeds) LatestRound(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, chain.ErrNoFeedProvider
	}
	return f.latest, nil
}

func (f *Feeds) AnchorFeeds(_ context.Context, round uint64, feedIDs []string) ([]chain.FeedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return nil, chain.ErrNoFeedProvider
	}
	values, ok := f.rounds[round]
	if !ok {
		return nil, nil
	}
	out := make([]chain.FeedResult, 0, len(feedIDs))
	for _, id := range feedIDs {
		v, ok := values[id]
		if !ok {
			continue
		}
		out = append(out, chain.FeedResult{
			Body:  chain.FeedBody{VotingRoundID: round, ID: id, Value: v, TurnoutBIPS: 10_000, Decimals: 5},
			Proof: []string{"0xproof"},
		})
	}
	return out, nil
}
