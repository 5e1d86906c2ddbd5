package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/testutil"
)

type countingKeys struct {
	key   *ecdsa.PublicKey
	calls atomic.Int32
}

func (k *countingKeys) VerificationKey(_ context.Context, kid string) (*ecdsa.PublicKey, error) {
	k.calls.Add(1)
	if kid != "k1" {
		return nil, errors.New("no such key")
	}
	return k.key, nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func signToken(t *testing.T, priv *ecdsa.PrivateKey, kid string, iat time.Time, hash string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{"iat": iat.Unix(), "request_body_sha256": hash})
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func TestVerifier(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	clock := testutil.NewFakeClock(time.Time{})
	now := clock.Now()
	body := []byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`)

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iat": now.Unix(), "request_body_sha256": bodyHash(body)}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{name: "valid", token: signToken(t, priv, "k1", now, bodyHash(body))},
		{name: "missing header", token: "", wantErr: "missing"},
		{name: "body tampered", token: signToken(t, priv, "k1", now, bodyHash([]byte("{}"))), wantErr: "body hash mismatch"},
		{name: "too old", token: signToken(t, priv, "k1", now.Add(-10*time.Minute), bodyHash(body)), wantErr: "old"},
		{name: "unknown key", token: signToken(t, priv, "k2", now, bodyHash(body)), wantErr: "no such key"},
		{name: "no key id", token: signToken(t, priv, "", now, bodyHash(body)), wantErr: "no key id"},
		{name: "hmac algorithm", token: hs, wantErr: "signing method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(&countingKeys{key: &priv.PublicKey}, clock.Now)
			err := v.Verify(t.Context(), tt.token, body)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrVerification)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerifier_CachesKeys(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	clock := testutil.NewFakeClock(time.Time{})
	keys := &countingKeys{key: &priv.PublicKey}
	v := NewVerifier(keys, clock.Now)
	body := []byte(`{}`)

	for range 3 {
		require.NoError(t, v.Verify(t.Context(), signToken(t, priv, "k1", clock.Now(), bodyHash(body)), body))
	}
	assert.Equal(t, int32(1), keys.calls.Load())
}

func TestParsePublicKeyPEM(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	key, err := ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)
	assert.True(t, key.Equal(&priv.PublicKey))

	_, err = StaticKey{}.VerificationKey(t.Context(), "k1")
	assert.Error(t, err)
}
