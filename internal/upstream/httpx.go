// Package upstream holds the three external API clients (wholesale
// price, weather observations, realtime weather) and the HTTP machinery
// they share: retry with exponential backoff, client-side rate limiting,
// and structured request logging.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Doer abstracts *http.Client for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the shared HTTP transport for one upstream. Every request
// waits on the limiter first, so all callers of a given upstream share
// one quota regardless of which job triggered the call.
type Client struct {
	Name        string
	HTTP        Doer
	Limiter     *rate.Limiter
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      bool
}

// NewClient builds a transport with the given minimum inter-request
// delay. Burst is 1: the limiter enforces spacing, not averaging.
func NewClient(name string, minDelay time.Duration, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		Name:        name,
		HTTP:        &http.Client{Timeout: timeout},
		Limiter:     rate.NewLimiter(rate.Every(minDelay), 1),
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		Jitter:      true,
	}
}

// GetJSON performs a rate-limited GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	body, err := c.Get(ctx, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		sample := body
		if len(sample) > 200 {
			sample = sample[:200]
		}
		return errkind.Wrap(errkind.UpstreamParse, err, "%s: decoding response (sample %q)", c.Name, string(sample))
	}
	return nil
}

// Get performs a rate-limited GET with retries and returns the body.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, errkind.Wrap(errkind.Cancelled, err, "%s: rate limit wait", c.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "%s: retry wait", c.Name)
			}
		}

		log.Debug().Str("client", c.Name).Str("url", url).
			Int("attempt", attempt).Int("max_attempts", c.MaxAttempts).
			Msg("upstream request")

		body, err := c.do(ctx, url, headers)
		if err == nil {
			metrics.UpstreamRequests.WithLabelValues(c.Name, "success").Inc()
			return body, nil
		}
		lastErr = err
		if !errkind.Retryable(err) {
			metrics.UpstreamRequests.WithLabelValues(c.Name, "error").Inc()
			return nil, err
		}
		log.Warn().Str("client", c.Name).Err(err).Int("attempt", attempt).Msg("upstream request failed, will retry")
	}

	metrics.UpstreamRequests.WithLabelValues(c.Name, "error").Inc()
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "%s: building request", c.Name)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chocowatt/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	metrics.UpstreamRequestDuration.WithLabelValues(c.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errkind.Wrap(errkind.UpstreamTimeout, err, "%s: request timed out", c.Name)
		}
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "%s: request cancelled", c.Name)
		}
		return nil, errkind.Wrap(errkind.UpstreamTimeout, err, "%s: connection error", c.Name)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamParse, err, "%s: reading body", c.Name)
	}

	log.Debug().Str("client", c.Name).Int("status", resp.StatusCode).
		Int("payload_bytes", len(body)).Msg("upstream response")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errkind.New(errkind.UpstreamRateLimited, "%s: rate limited by upstream", c.Name)
	case resp.StatusCode >= 400:
		sample := body
		if len(sample) > 200 {
			sample = sample[:200]
		}
		return nil, errkind.HTTPError(resp.StatusCode, "%s: %s", c.Name, string(sample))
	}
	return body, nil
}

func (c *Client) backoff(retries int) time.Duration {
	d := c.BaseBackoff << uint(retries-1)
	if c.Jitter {
		d += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	}
	return d
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// WarnIfStale emits the data-lag observability signal: the newest record
// in a fetch is older than the client's freshness threshold. This is a
// property of the upstream, not an error.
func WarnIfStale(client string, newest time.Time, threshold time.Duration) {
	if newest.IsZero() {
		return
	}
	lag := time.Since(newest)
	if lag > threshold {
		metrics.UpstreamLagWarnings.WithLabelValues(client).Inc()
		log.Warn().Str("client", client).
			Time("newest", newest).
			Dur("lag", lag).
			Dur("threshold", threshold).
			Msg("upstream data lags behind clock")
	}
}
