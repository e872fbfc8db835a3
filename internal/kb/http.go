package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// HTTPConfig configures the remote knowledgebase API client.
type HTTPConfig struct {
	BaseURL  string
	Username string
	Password string

	// Retries is how many times a request is retried on 429 and 5xx.
	Retries int
	// RetryWait is the pause after a 429 response.
	RetryWait time.Duration
	// ServerRetryWait is the pause after a 5xx response.
	ServerRetryWait time.Duration
	Timeout         time.Duration
}

// DefaultHTTPConfig returns the retry policy of the API client: three
// retries, 3s after rate limiting and 10s after server errors.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:         baseURL,
		Retries:         3,
		RetryWait:       3 * time.Second,
		ServerRetryWait: 10 * time.Second,
		Timeout:         60 * time.Second,
	}
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Method     string
	URI        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URI, e.StatusCode, e.Message)
}

// Is maps 404 and 409 responses onto ErrNotFound and ErrConflict.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// HTTPClient is a Transport over the knowledgebase REST API.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration) error

	mu    sync.Mutex
	token string
	exp   time.Time
}

// NewHTTPClient creates a client. Call Login before the first request when
// the API requires authentication.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     zap.NewNop(),
		sleep:      sleepContext,
	}
}

// SetLogger sets the logger for request tracing.
func (c *HTTPClient) SetLogger(l *zap.Logger) {
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

type tokenResponse struct {
	KBToken string `json:"kbToken"`
}

// Login exchanges the configured credentials for a token and records its
// expiry.
func (c *HTTPClient) Login(ctx context.Context) error {
	c.logger.Info("login", zap.String("url", c.cfg.BaseURL))
	body, err := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return &StatusError{Method: http.MethodPost, URI: "/token", StatusCode: resp.StatusCode, Message: string(msg)}
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.KBToken, claims); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}

	c.mu.Lock()
	c.token, c.exp = tok.KBToken, exp
	c.mu.Unlock()
	return nil
}

// authorization returns the current token, logging in again once it expires.
func (c *HTTPClient) authorization(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, exp := c.token, c.exp
	c.mu.Unlock()
	if token == "" || exp.IsZero() || time.Now().Before(exp) {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

type resultEnvelope struct {
	Result json.RawMessage `json:"result"`
}

// request sends one API call, retrying rate-limit and server errors. 400
// responses are never retried.
func (c *HTTPClient) request(ctx context.Context, method, uri string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}
	url := c.cfg.BaseURL + "/" + strings.TrimLeft(uri, "/")

	for attempt := 0; ; attempt++ {
		token, err := c.authorization(ctx)
		if err != nil {
			return err
		}
		start := time.Now()
		err = c.send(ctx, method, url, token, payload, out)
		c.logger.Debug("request",
			zap.String("method", method),
			zap.String("uri", uri),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))

		var se *StatusError
		if err == nil || !errors.As(err, &se) || attempt >= c.cfg.Retries {
			return err
		}
		var wait time.Duration
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			wait = c.cfg.RetryWait
		case se.StatusCode >= 500:
			wait = c.cfg.ServerRetryWait
		default:
			if se.StatusCode == http.StatusBadRequest {
				c.logger.Error("bad request", zap.String("method", method), zap.String("uri", uri), zap.ByteString("body", payload))
			}
			return err
		}
		c.logger.Warn("retrying request", zap.Int("status", se.StatusCode), zap.Duration("wait", wait))
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) send(ctx context.Context, method, url, token string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return &StatusError{Method: method, URI: strings.TrimPrefix(url, c.cfg.BaseURL), StatusCode: resp.StatusCode, Message: apiErrorMessage(msg)}
	}
	if out == nil {
		return nil
	}
	var env resultEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// apiErrorMessage extracts "name: message" from an API error body.
func apiErrorMessage(body []byte) string {
	var e struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Name + ": " + e.Message
	}
	return strings.TrimSpace(string(body))
}

func trimRID(rid string) string { return strings.TrimPrefix(rid, "#") }

// Create posts content to the class route.
func (c *HTTPClient) Create(ctx context.Context, target string, content map[string]any) (Record, error) {
	var out Record
	if err := c.request(ctx, http.MethodPost, RouteName(target), content, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update patches the record rid.
func (c *HTTPClient) Update(ctx context.Context, target, rid string, content map[string]any) (Record, error) {
	var out Record
	if err := c.request(ctx, http.MethodPatch, RouteName(target)+"/"+trimRID(rid), content, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query posts q to the query route.
func (c *HTTPClient) Query(ctx context.Context, q Query) ([]Record, error) {
	var out []Record
	if err := c.request(ctx, http.MethodPost, "/query", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete soft-deletes the record rid.
func (c *HTTPClient) Delete(ctx context.Context, target, rid string) error {
	return c.request(ctx, http.MethodDelete, RouteName(target)+"/"+trimRID(rid), nil, nil)
}
