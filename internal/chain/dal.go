package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrNoFeedProvider = errors.New("no working price feed providers")

// DALConfig configures the data access layer client.
type DALConfig struct {
	URLs []string
	// APIKeys match URLs by index; a missing key sends no header.
	APIKeys []string
	Timeout time.Duration
	// RequestsPerSecond applies to each provider; 0 disables the limit.
	RequestsPerSecond float64
	Burst             int
}

type dalProvider struct {
	url     string
	apiKey  string
	limiter *rate.Limiter
}

// DataAccessLayer reads finalized FTSO rounds and proved anchor feeds from
// data access layer providers. The latest round is the highest any provider
// reports; feeds come from the first provider that has the round.
type DataAccessLayer struct {
	providers []dalProvider
	http      *http.Client
	logger    zerolog.Logger
}

var _ FeedProvider = (*DataAccessLayer)(nil)

func NewDataAccessLayer(cfg DALConfig, logger zerolog.Logger) *DataAccessLayer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	d := &DataAccessLayer{
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "dal").Logger(),
	}
	for i, u := range cfg.URLs {
		p := dalProvider{url: strings.TrimRight(u, "/")}
		if i < len(cfg.APIKeys) {
			p.apiKey = cfg.APIKeys[i]
		}
		if cfg.RequestsPerSecond > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		}
		d.providers = append(d.providers, p)
	}
	return d
}

type fspStatus struct {
	LatestFtso struct {
		VotingRoundID *uint64 `json:"voting_round_id"`
	} `json:"latest_ftso"`
}

// LatestRound asks every provider at once. Failing providers are logged and
// skipped; ErrNoFeedProvider means none answered.
func (d *DataAccessLayer) LatestRound(ctx context.Context) (uint64, error) {
	rounds := make([]*uint64, len(d.providers))
	var g errgroup.Group
	for i, p := range d.providers {
		g.Go(func() error {
			var status fspStatus
			if err := d.do(ctx, p, http.MethodGet, "/api/v0/fsp/status", nil, &status); err != nil {
				d.logger.Error().Err(err).Str("url", p.url).Msg("problem getting last price feed round id")
				return nil
			}
			if status.LatestFtso.VotingRoundID == nil {
				d.logger.Error().Str("url", p.url).Msg("price feed status has no voting round")
				return nil
			}
			rounds[i] = status.LatestFtso.VotingRoundID
			return nil
		})
	}
	_ = g.Wait()

	var latest uint64
	found := false
	for _, r := range rounds {
		if r != nil && (!found || *r > latest) {
			latest, found = *r, true
		}
	}
	if !found {
		return 0, ErrNoFeedProvider
	}
	return latest, nil
}

type anchorFeedsRequest struct {
	FeedIDs []string `json:"feed_ids"`
}

// AnchorFeeds tries the providers in order. A provider that has not reached
// the round yet is skipped; nil, nil means none had it.
func (d *DataAccessLayer) AnchorFeeds(ctx context.Context, round uint64, feedIDs []string) ([]FeedResult, error) {
	failed := 0
	for _, p := range d.providers {
		feeds, err := d.anchorFeeds(ctx, p, round, feedIDs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Error().Err(err).Str("url", p.url).Uint64("round", round).Msg("problem getting price feed")
			failed++
			continue
		}
		if feeds != nil {
			return feeds, nil
		}
	}
	if failed == len(d.providers) {
		return nil, ErrNoFeedProvider
	}
	return nil, nil
}

func (d *DataAccessLayer) anchorFeeds(ctx context.Context, p dalProvider, round uint64, feedIDs []string) ([]FeedResult, error) {
	path := "/api/v0/ftso/anchor-feeds-with-proof?" + url.Values{"voting_round_id": {strconv.FormatUint(round, 10)}}.Encode()
	var feeds []FeedResult
	if err := d.do(ctx, p, http.MethodPost, path, anchorFeedsRequest{FeedIDs: feedIDs}, &feeds); err != nil {
		return nil, err
	}
	for _, f := range feeds {
		if f.Body.VotingRoundID != round {
			return nil, nil
		}
	}
	order := make(map[string]int, len(feedIDs))
	for i, id := range feedIDs {
		order[id] = i
	}
	sort.SliceStable(feeds, func(i, j int) bool {
		return order[feeds[i].Body.ID] < order[feeds[j].Body.ID]
	})
	return feeds, nil
}

func (d *DataAccessLayer) do(ctx context.Context, p dalProvider, method, path string, in, out any) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.url+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(p.apiKey) != "" {
		req.Header.Set("X-APIKEY", p.apiKey)
	}

	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	d.logger.Debug().Str("url", p.url).Str("path", path).Dur("took", time.Since(start)).Int("status", resp.StatusCode).Msg("dal request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
