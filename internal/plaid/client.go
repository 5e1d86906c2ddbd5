// Package plaid talks to the bank-account aggregator: it pulls transaction
// updates with cursor-based sync, handles webhook deliveries and verifies
// their signatures.
package plaid

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/model"
)

const (
	defaultBaseURL = "https://production.plaid.com"
	syncPageSize   = 500
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	ClientID   string
	Secret     string
	HTTPClient *http.Client
	Retry      backoff.Policy
}

// APIError is an error response from the aggregator.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"error_type"`
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("plaid: status %d: %s %s: %s", e.Status, e.Type, e.Code, e.Message)
}

// Client is a minimal aggregator API client.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
	retry      backoff.Policy
	log        *slog.Logger
}

// NewClient builds a client. A zero Retry policy means three quick attempts.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = backoff.Policy{Initial: 500 * time.Millisecond, Factor: 2, Max: 10 * time.Second, MaxAttempts: 3}
	}
	if retry.Logger == nil {
		retry.Logger = log
	}
	return &Client{
		baseURL:    baseURL,
		clientID:   cfg.ClientID,
		secret:     cfg.Secret,
		httpClient: hc,
		retry:      retry,
		log:        log,
	}
}

// SyncPage is one page of a transactions sync.
type SyncPage struct {
	Batch   model.TransactionBatch
	HasMore bool
}

type syncTransaction struct {
	TransactionID string  `json:"transaction_id"`
	AccountID     string  `json:"account_id"`
	Amount        float64 `json:"amount"`
	Date          string  `json:"date"`
	Name          string  `json:"name"`
	Pending       bool    `json:"pending"`
}

type syncResponse struct {
	Added    []json.RawMessage `json:"added"`
	Modified []json.RawMessage `json:"modified"`
	Removed  []struct {
		TransactionID string `json:"transaction_id"`
	} `json:"removed"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// TransactionsSync fetches the changes after cursor. An empty cursor starts
// from the beginning of the item's history.
func (c *Client) TransactionsSync(ctx context.Context, accessToken, cursor string) (SyncPage, error) {
	req := map[string]any{
		"client_id":    c.clientID,
		"secret":       c.secret,
		"access_token": accessToken,
		"count":        syncPageSize,
	}
	if cursor != "" {
		req["cursor"] = cursor
	}
	var resp syncResponse
	if err := c.post(ctx, "/transactions/sync", req, &resp); err != nil {
		return SyncPage{}, err
	}

	page := SyncPage{HasMore: resp.HasMore, Batch: model.TransactionBatch{NextCursor: resp.NextCursor}}
	var err error
	if page.Batch.Added, err = decodeTransactions(resp.Added); err != nil {
		return SyncPage{}, err
	}
	if page.Batch.Modified, err = decodeTransactions(resp.Modified); err != nil {
		return SyncPage{}, err
	}
	for _, r := range resp.Removed {
		page.Batch.Removed = append(page.Batch.Removed, r.TransactionID)
	}
	return page, nil
}

func decodeTransactions(raw []json.RawMessage) ([]model.BankTransaction, error) {
	out := make([]model.BankTransaction, 0, len(raw))
	for _, r := range raw {
		var t syncTransaction
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, model.BankTransaction{
			TransactionID: t.TransactionID,
			AccountID:     t.AccountID,
			Amount:        t.Amount,
			Date:          t.Date,
			Name:          t.Name,
			Pending:       t.Pending,
			Payload:       []byte(r),
		})
	}
	return out, nil
}

type jwk struct {
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	X         string `json:"x"`
	Y         string `json:"y"`
	ExpiredAt *int64 `json:"expired_at"`
}

// VerificationKey fetches the public key that signed webhooks with keyID.
func (c *Client) VerificationKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	var resp struct {
		Key jwk `json:"key"`
	}
	req := map[string]any{"client_id": c.clientID, "secret": c.secret, "key_id": keyID}
	if err := c.post(ctx, "/webhook_verification_key/get", req, &resp); err != nil {
		return nil, err
	}
	return resp.Key.publicKey()
}

func (k jwk) publicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported verification key %s/%s", k.Kty, k.Crv)
	}
	if k.ExpiredAt != nil {
		return nil, fmt.Errorf("verification key %s has expired", k.Kid)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode key x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode key y: %w", err)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}, nil
}

// post sends a JSON request, retrying 429 and 5xx responses and transport
// errors under the client's policy.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	return backoff.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}

		if resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode}
			if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
				apiErr.Message = strings.TrimSpace(string(data))
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	})
}

// ErrorCode returns the aggregator error code carried by err, if any.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
