package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transitfuse/internal/domain"
)

// FetcherOptions bounds retries inside a single poll. The poller's timeout
// still applies on top through the request context.
type FetcherOptions struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	UserAgent       string
}

// Fetcher performs GET requests with exponential backoff on transient failures
type Fetcher struct {
	client *http.Client
	opts   FetcherOptions
	logger *slog.Logger
}

func NewFetcher(logger *slog.Logger, opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxElapsedTime <= 0 {
		opts.MaxElapsedTime = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "transitfuse/1.0"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:   opts,
		logger: logger.With("component", "feed_fetcher"),
	}
}

var errInvalidRequest = errors.New("invalid feed request")

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// retryable statuses: server errors and rate limiting
func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// Get returns the response body. Errors are *domain.FeedError: client errors
// other than 429 are permanent, everything else is transient.
func (f *Fetcher) Get(ctx context.Context, operator, url string, headers map[string]string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialInterval
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = f.opts.MaxElapsedTime
	b.MaxElapsedTime = f.opts.MaxElapsedTime

	body, err := backoff.RetryNotifyWithData(
		func() ([]byte, error) {
			body, err := f.do(ctx, url, headers)
			if err == nil {
				return body, nil
			}
			var se *statusError
			if errors.Is(err, errInvalidRequest) || (errors.As(err, &se) && !se.retryable()) {
				return nil, backoff.Permanent(domain.PermanentFeedError(operator, err))
			}
			return nil, err
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			f.logger.Warn("feed request failed, backing off",
				"operator", operator,
				"url", url,
				"retry_in_ms", d.Milliseconds(),
				"error", err,
			)
		},
	)
	if err != nil {
		return nil, domain.AsFeedError(operator, err)
	}
	return body, nil
}

func (f *Fetcher) do(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}
