// Package servicetitan pulls paginated entity data from the field-service
// ERP API and stages it in the raw store.
package servicetitan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/roach88/fieldsync/internal/backoff"
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string
	AppKey       string
	PageSize     int

	// HTTPClient is the transport underneath the OAuth2 client. Nil means a
	// client with a 30s timeout.
	HTTPClient *http.Client

	// MaxRetries bounds retries of 429 and 5xx responses inside one call.
	// Zero sends every request once and leaves retrying to the caller, which
	// is how the fetch path runs under the orchestrator's backoff.Retry.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

const (
	defaultBaseURL  = "https://api.servicetitan.io"
	defaultAuthURL  = "https://auth.servicetitan.io/connect/token"
	defaultPageSize = 500
)

// APIError is a non-2xx response. RetryAfter holds the server's
// Retry-After hint, zero when absent.
type APIError struct {
	Status     int
	Method     string
	Path       string
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("servicetitan %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// RetryDelay exposes the Retry-After hint to backoff.Retry.
func (e *APIError) RetryDelay() time.Duration { return e.RetryAfter }

// Client calls the ERP API with client-credentials auth and the app key
// header. With MaxRetries set, 429 and 5xx responses are retried in place,
// honouring Retry-After.
type Client struct {
	baseURL    string
	appKey     string
	pageSize   int
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        *slog.Logger
}

// NewClient builds a client. When ClientID is empty requests are sent
// without a bearer token, which is how tests talk to httptest servers.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	authURL := strings.TrimSpace(cfg.AuthURL)
	if authURL == "" {
		authURL = defaultAuthURL
	}

	httpClient := base
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     authURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
		httpClient.Timeout = base.Timeout
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxRetries := max(cfg.MaxRetries, 0)
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		appKey:     cfg.AppKey,
		pageSize:   pageSize,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		log:        log,
	}
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// do sends one request, retrying up to maxRetries times. Client errors other
// than 429 are returned as permanent so outer retry loops stop immediately.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("servicetitan %s %s: encode body: %w", method, path, err)
		}
		payload = b
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.appKey != "" {
			req.Header.Set("ST-App-Key", c.appKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if werr := sleepContext(ctx, c.retryDelay(attempt+1, 0)); werr != nil {
					return werr
				}
				continue
			}
			return fmt.Errorf("servicetitan %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("servicetitan %s %s: read body: %w", method, path, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("servicetitan %s %s: decode: %w", method, path, err))
			}
			return nil
		}

		apiErr := &APIError{
			Status:     resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(respBody)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if apiErr.Retryable() && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, apiErr.RetryAfter)
			c.log.Warn("servicetitan request throttled, retrying", "path", path, "status", resp.StatusCode, "delay", delay)
			if werr := sleepContext(ctx, delay); werr != nil {
				return werr
			}
			continue
		}
		if apiErr.Retryable() {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}
}

func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	p := backoff.Policy{Initial: c.baseDelay, Factor: 2, Max: c.maxDelay}
	return p.Delay(attempt)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
