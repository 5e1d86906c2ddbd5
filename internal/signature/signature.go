// Package signature signs and verifies webhook bodies with HMAC-SHA256.
//
// The signed message is the RFC 3339 timestamp, a newline, then the raw
// body. The signature is the lowercase hex digest.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Header names carried by signed requests.
const (
	TimestampHeader = "X-Fieldsync-Timestamp"
	SignatureHeader = "X-Fieldsync-Signature"
)

// DefaultMaxSkew bounds how far a signed timestamp may be from now.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissing  = errors.New("missing signature headers")
	ErrExpired  = errors.New("signature timestamp outside replay window")
	ErrMismatch = errors.New("signature mismatch")
)

// Sign returns the hex signature of body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, timestamp, sig string, body []byte, now time.Time, maxSkew time.Duration) error {
	if timestamp == "" || sig == "" {
		return ErrMissing
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ErrExpired
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return ErrExpired
	}
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return ErrMismatch
	}
	return nil
}
