package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerificationHeader carries the signed JWT on webhook deliveries.
const VerificationHeader = "Plaid-Verification"

// DefaultMaxTokenAge bounds how old a verification token's iat may be.
const DefaultMaxTokenAge = 5 * time.Minute

// ErrVerification wraps every webhook verification failure.
var ErrVerification = errors.New("webhook verification failed")

// KeySource resolves a verification key by key id.
type KeySource interface {
	VerificationKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error)
}

// StaticKey serves one configured key for every key id.
type StaticKey struct {
	Key *ecdsa.PublicKey
}

func (k StaticKey) VerificationKey(context.Context, string) (*ecdsa.PublicKey, error) {
	if k.Key == nil {
		return nil, errors.New("no verification key configured")
	}
	return k.Key, nil
}

// ParsePublicKeyPEM parses a PEM-encoded ECDSA public key.
func ParsePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	return jwt.ParseECPublicKeyFromPEM(data)
}

// Verifier checks the ES256 JWT sent with each webhook: the signature, the
// token age and the SHA-256 of the body in the request_body_sha256 claim.
// Keys are cached by id.
//
// Thread-safety: safe for concurrent use.
type Verifier struct {
	keys   KeySource
	now    func() time.Time
	maxAge time.Duration

	mu    sync.Mutex
	cache map[string]*ecdsa.PublicKey
}

// NewVerifier creates a Verifier. A nil now means time.Now.
func NewVerifier(keys KeySource, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{keys: keys, now: now, maxAge: DefaultMaxTokenAge, cache: make(map[string]*ecdsa.PublicKey)}
}

// Verify checks token against body.
func (v *Verifier) Verify(ctx context.Context, token string, body []byte) error {
	if token == "" {
		return fmt.Errorf("%w: missing %s header", ErrVerification, VerificationHeader)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no key id")
		}
		return v.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: token has no issued-at time", ErrVerification)
	}
	if age := v.now().Sub(iat.Time); age > v.maxAge {
		return fmt.Errorf("%w: token is %s old", ErrVerification, age.Round(time.Second))
	}

	want, _ := claims["request_body_sha256"].(string)
	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return fmt.Errorf("%w: body hash mismatch", ErrVerification)
	}
	return nil
}

func (v *Verifier) key(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.Lock()
	k, ok := v.cache[kid]
	v.mu.Unlock()
	if ok {
		return k, nil
	}

	k, err := v.keys.VerificationKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("fetch key %s: %w", kid, err)
	}
	v.mu.Lock()
	v.cache[kid] = k
	v.mu.Unlock()
	return k, nil
}
