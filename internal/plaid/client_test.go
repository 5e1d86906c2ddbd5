package plaid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/backoff"
)

func instant(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func testClient(url string) *Client {
	return NewClient(Config{
		BaseURL:  url,
		ClientID: "cid",
		Secret:   "sec",
		Retry:    backoff.Policy{Initial: time.Millisecond, Factor: 2, MaxAttempts: 3, After: instant},
	}, nil)
}

func TestTransactionsSync_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/sync", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "access-1", req["access_token"])
		assert.Equal(t, "c0", req["cursor"])

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{
			"added": [{"transaction_id": "tx-1", "account_id": "acc", "amount": 12.5, "date": "2025-01-02", "name": "Supply House", "pending": false}],
			"modified": [],
			"removed": [{"transaction_id": "tx-0"}],
			"next_cursor": "c1",
			"has_more": true
		}`))
	}))
	defer srv.Close()

	page, err := testClient(srv.URL).TransactionsSync(t.Context(), "access-1", "c0")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, page.HasMore)
	assert.Equal(t, "c1", page.Batch.NextCursor)
	require.Len(t, page.Batch.Added, 1)
	assert.Equal(t, "tx-1", page.Batch.Added[0].TransactionID)
	assert.Equal(t, 12.5, page.Batch.Added[0].Amount)
	assert.Contains(t, string(page.Batch.Added[0].Payload), `"Supply House"`)
	assert.Equal(t, []string{"tx-0"}, page.Batch.Removed)
}

func TestTransactionsSync_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type": "ITEM_ERROR", "error_code": "ITEM_LOGIN_REQUIRED", "error_message": "login required"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).TransactionsSync(t.Context(), "access-1", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "ITEM_LOGIN_REQUIRED", ErrorCode(err))
}

func TestVerificationKey_DecodesJWK(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	coord := func(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
	x := priv.PublicKey.X.FillBytes(make([]byte, 32))
	y := priv.PublicKey.Y.FillBytes(make([]byte, 32))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webhook_verification_key/get", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key": map[string]any{"alg": "ES256", "crv": "P-256", "kid": "k1", "kty": "EC", "x": coord(x), "y": coord(y), "expired_at": nil},
		})
	}))
	defer srv.Close()

	key, err := testClient(srv.URL).VerificationKey(t.Context(), "k1")
	require.NoError(t, err)
	assert.True(t, key.Equal(&priv.PublicKey))
}
