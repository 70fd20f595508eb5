package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gary322/keeperfleet/internal/logging"
	"github.com/gary322/keeperfleet/internal/ratelimit"
)

// httpTimeout is spec.md §5's provider HTTP call budget.
const httpTimeout = 10 * time.Second

// Client is the Provider Client of spec.md §4.4: a rate-limited paginated
// fetch and a reconnecting push stream, sharing one tiered limiter with
// every other outbound caller.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	log     *logging.Logger
}

// NewClient builds a Client against baseURL, authenticating with apiKey
// and policing every call through limiter.
func NewClient(baseURL, apiKey string, limiter *ratelimit.Limiter, log *logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: httpTimeout},
		limiter: limiter,
		log:     log,
	}
}

// FetchMarkets pulls one page of markets, routed through the limiter's
// "markets" endpoint class (spec.md §4.4).
func (c *Client) FetchMarkets(ctx context.Context, limit, offset int, active bool) ([]Market, error) {
	var markets []Market
	err := c.limiter.Execute(ctx, ratelimit.ClassMarkets, 0, func(ctx context.Context) error {
		fetched, err := c.doFetchMarkets(ctx, limit, offset, active)
		if err != nil {
			return err
		}
		markets = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return markets, nil
}

func (c *Client) doFetchMarkets(ctx context.Context, limit, offset int, active bool) ([]Market, error) {
	u := c.baseURL + "/markets?" + url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
		"active": {strconv.FormatBool(active)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ratelimit.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ratelimit.ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider status %d", ratelimit.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("provider: unexpected status %d", resp.StatusCode)
	}

	var wire []wireMarket
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("provider: decode markets: %w", err)
	}

	markets := make([]Market, 0, len(wire))
	for _, w := range wire {
		m, err := w.toMarket()
		if err != nil {
			if c.log != nil {
				c.log.Debug().Str("market_id", w.ID).Err(err).Log("provider: dropping market with unparseable numeric field")
			}
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}
