// Package discovery finds tradable markets from a Gamma-style HTTP catalog
// and can turn them into threshold rules at startup.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"poly-sniper/internal/ingest"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Market is one discoverable outcome token.
type Market struct {
	MarketID string
	TokenID  string
	Question string
	Outcome  string
	Active   bool
}

// Finder lists candidate markets.
type Finder interface {
	FindMarkets(ctx context.Context, tags []string) ([]Market, error)
}

const minRequestInterval = 100 * time.Millisecond

// Client pages through the catalog endpoint. Requests are spaced at least
// minRequestInterval apart to stay under the API's rate limit.
type Client struct {
	baseURL  string
	pageSize int
	maxPages int
	http     *http.Client
	backoff  ingest.Backoff
	log      *zap.Logger

	mu       sync.Mutex
	lastCall time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

func New(baseURL string, pageSize, maxPages int, timeout time.Duration, log *zap.Logger) *Client {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		pageSize: pageSize,
		maxPages: maxPages,
		http:     &http.Client{Timeout: timeout},
		backoff:  ingest.DefaultBackoff(3),
		log:      log,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// FindMarkets walks the markets listing with offset pagination until a
// short page, the page cap, or an error.
func (c *Client) FindMarkets(ctx context.Context, tags []string) ([]Market, error) {
	var markets []Market
	for page := 0; page < c.maxPages; page++ {
		body, err := c.fetchPage(ctx, tags, page*c.pageSize)
		if err != nil {
			return markets, err
		}
		batch := parseMarkets(body)
		markets = append(markets, batch...)
		if len(batch) < c.pageSize {
			break
		}
	}
	c.log.Info("market discovery complete", zap.Int("markets", len(markets)), zap.Strings("tags", tags))
	return markets, nil
}

// fetchPage retries rate-limit and server errors with the usual backoff
// schedule before giving up.
func (c *Client) fetchPage(ctx context.Context, tags []string, offset int) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, retryable, err := c.doFetch(ctx, tags, offset)
		if err == nil {
			return body, nil
		}
		if !retryable || attempt >= c.backoff.MaxAttempts {
			return nil, err
		}
		c.log.Warn("catalog request failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
		c.sleep(c.backoff.Delay(attempt))
	}
}

func (c *Client) doFetch(ctx context.Context, tags []string, offset int) ([]byte, bool, error) {
	c.throttle()
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("active", "true")
	for _, tag := range tags {
		q.Add("tag", tag)
	}
	endpoint := c.baseURL + "/markets?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	body, err := io.ReadAll(resp.Body)
	return body, false, err
}

// throttle enforces the minimum spacing between catalog requests.
func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait := minRequestInterval - c.now().Sub(c.lastCall); wait > 0 {
		c.sleep(wait)
	}
	c.lastCall = c.now()
}

// parseMarkets flattens the listing. Each market row fans out into one
// Market per outcome token.
func parseMarkets(body []byte) []Market {
	var markets []Market
	gjson.ParseBytes(body).ForEach(func(_, row gjson.Result) bool {
		marketID := row.Get("id").String()
		question := row.Get("question").String()
		active := row.Get("active").Bool()
		tokens := row.Get("clobTokenIds").Array()
		outcomes := row.Get("outcomes").Array()
		for i, tok := range tokens {
			if tok.String() == "" {
				continue
			}
			m := Market{
				MarketID: marketID,
				TokenID:  tok.String(),
				Question: question,
				Active:   active,
			}
			if i < len(outcomes) {
				m.Outcome = outcomes[i].String()
			}
			markets = append(markets, m)
		}
		return true
	})
	return markets
}
