// Package entrez fetches genes, transcripts, reference SNPs and publications
// from the NCBI E-utilities and loads them into the knowledgebase. Each
// collaborator owns its caches, so one instance should serve one run.
package entrez

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the E-utilities endpoint.
const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// maxConsecutiveIDs is the largest id list sent in one summary request.
const maxConsecutiveIDs = 150

// Endpoints returning document summaries.
const (
	endpointSummary = "esummary.fcgi"
	endpointFetch   = "efetch.fcgi"
	endpointSearch  = "esearch.fcgi"
)

// Config configures the E-utilities client.
type Config struct {
	BaseURL string
	// APIKey raises the NCBI rate limit from 3 to 10 requests per second.
	APIKey string
	// RequestsPerSecond defaults to the NCBI limit for the key setting.
	RequestsPerSecond float64
	Timeout           time.Duration
	// Retries is how many times a request is retried on 429 and 5xx.
	Retries   int
	RetryWait time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Timeout:   30 * time.Second,
		Retries:   3,
		RetryWait: 3 * time.Second,
	}
}

// StatusError is a non-2xx E-utilities response.
type StatusError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, e.Message)
}

// Client is a rate-limited E-utilities client.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
	sleep       func(context.Context, time.Duration) error
}

// NewClient creates an E-utilities client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 3
		if cfg.APIKey != "" {
			cfg.RequestsPerSecond = 10
		}
	}
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:      zap.NewNop(),
		sleep:       sleepContext,
	}
}

// SetLogger sets the logger for request tracing.
func (c *Client) SetLogger(l *zap.Logger) {
	c.logger = l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Search returns the ids matching term in db.
func (c *Client) Search(ctx context.Context, db, term string) ([]string, error) {
	c.logger.Info("searching entrez", zap.String("db", db), zap.String("term", term))
	var resp struct {
		ESearchResult struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := c.get(ctx, endpointSearch, url.Values{"db": {db}, "term": {term}}, &resp); err != nil {
		return nil, fmt.Errorf("search %s for %q: %w", db, term, err)
	}
	return resp.ESearchResult.IDList, nil
}

// Summaries returns the document summaries for ids in db, in the order the
// service lists them.
func (c *Client) Summaries(ctx context.Context, db string, ids []string) ([]json.RawMessage, error) {
	return c.docsums(ctx, endpointSummary, db, ids)
}

// FetchDocsums is Summaries over the efetch endpoint, which dbSNP requires.
func (c *Client) FetchDocsums(ctx context.Context, db string, ids []string) ([]json.RawMessage, error) {
	return c.docsums(ctx, endpointFetch, db, ids)
}

func (c *Client) docsums(ctx context.Context, endpoint, db string, ids []string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for start := 0; start < len(ids); start += maxConsecutiveIDs {
		end := min(start+maxConsecutiveIDs, len(ids))
		var resp struct {
			Result map[string]json.RawMessage `json:"result"`
		}
		params := url.Values{"db": {db}, "id": {strings.Join(ids[start:end], ",")}}
		if err := c.get(ctx, endpoint, params, &resp); err != nil {
			return nil, fmt.Errorf("fetch %s summaries: %w", db, err)
		}
		var uids []string
		if raw, ok := resp.Result["uids"]; ok {
			if err := json.Unmarshal(raw, &uids); err != nil {
				return nil, fmt.Errorf("decode %s uids: %w", db, err)
			}
		}
		for _, uid := range uids {
			if doc, ok := resp.Result[uid]; ok {
				out = append(out, doc)
			}
		}
	}
	return out, nil
}

// get sends one GET, retrying rate-limit and server errors.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	params.Set("retmode", "json")
	params.Set("rettype", "docsum")
	if c.cfg.APIKey != "" {
		params.Set("api_key", c.cfg.APIKey)
	}
	u := c.cfg.BaseURL + "/" + endpoint + "?" + params.Encode()

	for attempt := 0; ; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		err := c.send(ctx, u, out)
		c.logger.Debug("entrez request", zap.String("endpoint", endpoint), zap.Int("attempt", attempt), zap.Error(err))

		var se *StatusError
		if err == nil || !errors.As(err, &se) || attempt >= c.cfg.Retries {
			return err
		}
		if se.StatusCode != http.StatusTooManyRequests && se.StatusCode < 500 {
			return err
		}
		c.logger.Warn("retrying entrez request", zap.Int("status", se.StatusCode), zap.Duration("wait", c.cfg.RetryWait))
		if err := c.sleep(ctx, c.cfg.RetryWait); err != nil {
			return err
		}
	}
}

func (c *Client) send(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("entrez request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		path, _, _ := strings.Cut(u, "?")
		return &StatusError{URL: path, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
