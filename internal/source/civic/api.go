package civic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the CIViC v1 API.
const DefaultBaseURL = "https://civicdb.org/api"

// pageSize is the number of evidence items requested per page.
const pageSize = 500

// API downloads evidence items from CIViC.
type API struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// NewAPI creates a CIViC API client. An empty baseURL uses DefaultBaseURL.
func NewAPI(baseURL string) *API {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &API{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(5), 1),
		logger:      zap.NewNop(),
	}
}

// SetLogger sets the logger for request tracing.
func (a *API) SetLogger(l *zap.Logger) {
	a.logger = l
}

type evidencePage struct {
	Meta struct {
		TotalPages int `json:"total_pages"`
	} `json:"_meta"`
	Records []EvidenceRecord `json:"records"`
}

// EvidenceItems returns every evidence item with the given status
// ("accepted", "submitted"), following the API's pagination.
func (a *API) EvidenceItems(ctx context.Context, status string) ([]EvidenceRecord, error) {
	var out []EvidenceRecord
	for page, total := 1, 1; page <= total; page++ {
		params := url.Values{
			"count":  {strconv.Itoa(pageSize)},
			"page":   {strconv.Itoa(page)},
			"status": {status},
		}
		var resp evidencePage
		if err := a.get(ctx, "/evidence_items?"+params.Encode(), &resp); err != nil {
			return nil, fmt.Errorf("evidence items page %d: %w", page, err)
		}
		total = resp.Meta.TotalPages
		a.logger.Info("loaded civic evidence page",
			zap.Int("page", page), zap.Int("totalPages", total), zap.Int("records", len(resp.Records)))
		out = append(out, resp.Records...)
	}
	return out, nil
}

func (a *API) get(ctx context.Context, path string, out any) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
