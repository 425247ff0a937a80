package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"oddsfeed/ingestion/internal/metrics"
	"oddsfeed/ingestion/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Options tunes request pacing against the odds API
type Options struct {
	// RatePerSecond and Burst size the global token bucket
	RatePerSecond float64
	Burst         int
	// MinKeyInterval is the minimum spacing between calls for one
	// (kind, event, market) key
	MinKeyInterval time.Duration
	// MaxConcurrency caps in-flight requests
	MaxConcurrency int
}

// DefaultOptions returns the production pacing
func DefaultOptions() Options {
	return Options{
		RatePerSecond:  5,
		Burst:          5,
		MinKeyInterval: time.Second,
		MaxConcurrency: 20,
	}
}

// Client is the odds API client. It never retries; retry policy belongs to
// the caller.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter chan struct{} // Concurrency semaphore
	limiter     *rate.Limiter
	minInterval time.Duration

	mu       sync.Mutex
	nextCall map[string]time.Time
}

// NewClient creates a new odds API client
func NewClient(baseURL string, timeout time.Duration, opts Options) *Client {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	rateLimiter := make(chan struct{}, opts.MaxConcurrency)
	for i := 0; i < opts.MaxConcurrency; i++ {
		rateLimiter <- struct{}{}
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		rateLimiter: rateLimiter,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		minInterval: opts.MinKeyInterval,
		nextCall:    make(map[string]time.Time),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// FetchOdds fetches one market for a feed and returns the envelope's data
// field untouched.
func (c *Client) FetchOdds(ctx context.Context, kind models.Kind, eventID, marketID string) ([]byte, error) {
	if err := c.waitKey(ctx, string(kind)+":"+eventID+":"+marketID); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/%s/%s", kind.Path(), eventID, marketID)
	return c.get(ctx, kind.Path(), path)
}

// FetchCompetitions lists the competitions of a sport
func (c *Client) FetchCompetitions(ctx context.Context, sportID string) ([]models.CompetitionInput, error) {
	data, err := c.get(ctx, "competitions", "competitions/"+sportID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch competitions: %w", err)
	}

	var comps []models.CompetitionInput
	if err := json.Unmarshal(data, &comps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal competitions: %w", err)
	}
	return comps, nil
}

// FetchEvents lists the events of one competition
func (c *Client) FetchEvents(ctx context.Context, sportID, competitionID string) ([]models.EventInput, error) {
	data, err := c.get(ctx, "event", fmt.Sprintf("event/%s/%s", sportID, competitionID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events for competition %s: %w", competitionID, err)
	}

	var events []models.EventInput
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return events, nil
}

// waitKey spaces calls for the same key by at least minInterval
func (c *Client) waitKey(ctx context.Context, key string) error {
	if c.minInterval <= 0 {
		return nil
	}

	c.mu.Lock()
	now := time.Now()
	for k, next := range c.nextCall {
		// Slots already in the past no longer hold anyone back.
		if !next.After(now) {
			delete(c.nextCall, k)
		}
	}
	at := c.nextCall[key]
	if at.Before(now) {
		at = now
	}
	c.nextCall[key] = at.Add(c.minInterval)
	c.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	log.Debug().Str("key", key).Dur("wait", wait).Msg("Pacing odds request")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrSourceUnavailable, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// get performs one GET and unwraps the {"data": ...} envelope
func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, path)
	start := time.Now()

	// Rate limiting: acquire semaphore
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, ctx.Err())
	case <-c.rateLimiter:
		defer func() { c.rateLimiter <- struct{}{} }()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "oddsfeed-ingestion/1.0")

	log.Debug().Str("url", url).Msg("Making API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPICall(endpoint, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: request failed: %v", models.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordAPICall(endpoint, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: failed to read response body: %v", models.ErrSourceUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordAPICall(endpoint, fmt.Sprintf("%d", resp.StatusCode), time.Since(start).Seconds())
		log.Warn().
			Str("url", url).
			Int("status", resp.StatusCode).
			Msg("API returned non-2xx status")
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrSourceUnavailable, resp.StatusCode, truncate(body, 200))
	}

	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.RecordAPICall(endpoint, "malformed", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: malformed envelope: %v", models.ErrSourceUnavailable, err)
	}
	if !env.HasData() {
		metrics.RecordAPICall(endpoint, "empty", time.Since(start).Seconds())
		return nil, models.ErrSourceEmpty
	}

	metrics.RecordAPICall(endpoint, "ok", time.Since(start).Seconds())
	log.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Int("size", len(body)).
		Msg("API request successful")
	return env.Data, nil
}

// IsSourceError reports whether err came from the odds API rather than from
// local processing
func IsSourceError(err error) bool {
	return errors.Is(err, models.ErrSourceUnavailable) || errors.Is(err, models.ErrSourceEmpty)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
