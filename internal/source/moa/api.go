package moa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultURL is the MOA assertions endpoint.
const DefaultURL = "https://moalmanac.org/api/assertions"

// API downloads assertions from MOA.
type API struct {
	url        string
	httpClient *http.Client
	retries    int
	retryWait  time.Duration
	logger     *zap.Logger
}

// NewAPI creates a MOA client. An empty url uses DefaultURL.
func NewAPI(url string) *API {
	if url == "" {
		url = DefaultURL
	}
	return &API{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		retries:    3,
		retryWait:  5 * time.Second,
		logger:     zap.NewNop(),
	}
}

// SetLogger sets the logger for request tracing.
func (a *API) SetLogger(l *zap.Logger) {
	a.logger = l
}

// Assertions returns every MOA assertion. Server errors are retried.
func (a *API) Assertions(ctx context.Context) ([]Assertion, error) {
	var lastErr error
	for attempt := range a.retries + 1 {
		if attempt > 0 {
			a.logger.Warn("retrying moa request", zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.retryWait):
			}
		}
		assertions, retry, err := a.fetch(ctx)
		if err == nil {
			a.logger.Info("loaded moa assertions", zap.Int("assertions", len(assertions)))
			return assertions, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("GET %s: %w", a.url, lastErr)
}

func (a *API) fetch(ctx context.Context) ([]Assertion, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("GET %s: %w", a.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, fmt.Errorf("GET %s: %d %s", a.url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	assertions, err := DecodeAssertions(resp.Body)
	return assertions, false, err
}
