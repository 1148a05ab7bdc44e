// Package quote is the outbound client for the upstream quote provider.
// One call fetches the latest closed candle (or a bounded history) for a
// single pair/timeframe using a key supplied by the caller, and classifies
// the outcome: candle, rate-limited (with optional retry-after), transient
// upstream error, or malformed response. The client enforces the
// closed-candles-only invariant: an entry whose interval has not fully
// elapsed is discarded before it can reach the store.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"forexfeed/internal/keypool"
	"forexfeed/internal/model"
)

var (
	// ErrUpstreamTransient covers network failures, timeouts, 5xx responses
	// and still-forming data. Recoverable by retrying at the next boundary.
	ErrUpstreamTransient = errors.New("quote: transient upstream error")

	// ErrMalformed covers responses the client cannot interpret.
	ErrMalformed = errors.New("quote: malformed upstream response")
)

// RateLimitError signals that the key used for the request hit its limit.
// RetryAfter is zero when the upstream did not specify one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("quote: rate limited, retry after %s", e.RetryAfter)
	}
	return "quote: rate limited"
}

// Defaults for the upstream contract.
const (
	DefaultBaseURL = "https://api.twelvedata.com"
	DefaultTimeout = 10 * time.Second

	// upstream timestamps arrive as "2006-01-02 15:04:05" in UTC
	// (we request timezone=UTC explicitly).
	timeLayout = "2006-01-02 15:04:05"
)

// Config tunes the client; zero values fall back to the defaults above.
type Config struct {
	BaseURL string
	Timeout time.Duration // per-call timeout

	// Pacing of outbound requests across all keys. Zero disables pacing.
	RequestsPerSec float64
	Burst          int
}

// Client performs upstream fetches. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	now func() time.Time // injectable for tests
}

// New creates a quote client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
	}
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}
	return c
}

// timeSeriesResponse mirrors the upstream time_series payload. Numeric
// fields arrive as strings. Error responses carry code/message with
// HTTP 200, so both shapes are decoded from one body.
type timeSeriesResponse struct {
	Values []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume,omitempty"`
	} `json:"values"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FetchLatestClosed fetches the most recently closed candle for one
// pair/timeframe. Two rows are requested because the upstream's newest
// entry is the still-forming bucket at fire time; that head is discarded
// and the closed row behind it returned. ErrUpstreamTransient is returned
// only when no closed row survives the filter.
func (c *Client) FetchLatestClosed(ctx context.Context, pair model.Pair, tf model.Timeframe, key keypool.Key) (model.Candle, error) {
	candles, err := c.fetch(ctx, pair, tf, key, 2)
	if err != nil {
		return model.Candle{}, err
	}
	if len(candles) == 0 {
		return model.Candle{}, fmt.Errorf("%w: no closed entry for %s/%s", ErrUpstreamTransient, pair, tf)
	}
	return candles[len(candles)-1], nil
}

// FetchHistory fetches up to outputsize closed candles, oldest first.
// A forming head entry is silently dropped.
func (c *Client) FetchHistory(ctx context.Context, pair model.Pair, tf model.Timeframe, key keypool.Key, outputsize int) ([]model.Candle, error) {
	return c.fetch(ctx, pair, tf, key, outputsize)
}

func (c *Client) fetch(ctx context.Context, pair model.Pair, tf model.Timeframe, key keypool.Key, outputsize int) ([]model.Candle, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTransient, err)
		}
	}

	q := url.Values{}
	q.Set("symbol", pair.Symbol())
	q.Set("interval", string(tf))
	q.Set("outputsize", strconv.Itoa(outputsize))
	q.Set("apikey", key.Secret)
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/time_series?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: upstream status %d", ErrUpstreamTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %d", ErrMalformed, resp.StatusCode)
	}

	var body timeSeriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// The upstream reports credit exhaustion as an error object with
	// HTTP 200 and code 429.
	if body.Code == http.StatusTooManyRequests {
		return nil, &RateLimitError{}
	}
	if len(body.Values) == 0 {
		return nil, fmt.Errorf("%w: no values (%s)", ErrMalformed, body.Message)
	}

	return c.parseClosed(body, tf)
}

// parseClosed converts upstream rows (newest first) into chronological
// candles, dropping any entry whose interval has not fully elapsed.
func (c *Client) parseClosed(body timeSeriesResponse, tf model.Timeframe) ([]model.Candle, error) {
	formingOpen := tf.Truncate(c.now()) // open time of the still-forming bucket

	out := make([]model.Candle, 0, len(body.Values))
	for i := len(body.Values) - 1; i >= 0; i-- {
		v := body.Values[i]
		openTime, err := time.ParseInLocation(timeLayout, v.Datetime, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("%w: bad datetime %q", ErrMalformed, v.Datetime)
		}
		if !openTime.Before(formingOpen) {
			continue // still forming as of call time
		}

		cd := model.Candle{OpenTime: openTime}
		if cd.Open, err = strconv.ParseFloat(v.Open, 64); err != nil {
			return nil, fmt.Errorf("%w: bad open %q", ErrMalformed, v.Open)
		}
		if cd.High, err = strconv.ParseFloat(v.High, 64); err != nil {
			return nil, fmt.Errorf("%w: bad high %q", ErrMalformed, v.High)
		}
		if cd.Low, err = strconv.ParseFloat(v.Low, 64); err != nil {
			return nil, fmt.Errorf("%w: bad low %q", ErrMalformed, v.Low)
		}
		if cd.Close, err = strconv.ParseFloat(v.Close, 64); err != nil {
			return nil, fmt.Errorf("%w: bad close %q", ErrMalformed, v.Close)
		}
		if v.Volume != "" {
			if cd.Volume, err = strconv.ParseFloat(v.Volume, 64); err != nil {
				return nil, fmt.Errorf("%w: bad volume %q", ErrMalformed, v.Volume)
			}
		}
		out = append(out, cd)
	}
	return out, nil
}

// retryAfter parses the Retry-After header (delay-seconds form only).
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
