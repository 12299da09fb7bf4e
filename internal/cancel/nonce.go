package cancel

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidNonce covers both a wrong token and a task that never had
	// one issued.
	ErrInvalidNonce = errors.New("invalid_nonce")

	// ErrNonceExpired means the token matched but its validity window ended.
	ErrNonceExpired = errors.New("nonce_expired")
)

// Nonce is a short-lived, single-use capability token authorizing
// cancellation of one specific task. Issue mints it, Verify checks a
// presented value, and consumption happens when the cancel is persisted
// (token and expiry cleared together).
type Nonce struct {
	Value     string
	ExpiresAt time.Time
}

// Issue mints a random token valid for ttl from now.
func Issue(ttl time.Duration, now time.Time) (Nonce, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Nonce{
		Value:     hex.EncodeToString(buf),
		ExpiresAt: now.UTC().Add(ttl),
	}, nil
}

// Verify checks a presented token against the stored token and expiry.
// Token mismatch is reported before expiry, so a caller holding the wrong
// token learns nothing about the real token's validity window.
func Verify(stored *string, expiresAt *time.Time, presented string, now time.Time) error {
	if stored == nil || *stored == "" || presented == "" {
		return ErrInvalidNonce
	}
	if len(*stored) != len(presented) ||
		subtle.ConstantTimeCompare([]byte(*stored), []byte(presented)) != 1 {
		return ErrInvalidNonce
	}
	if expiresAt != nil && now.After(*expiresAt) {
		return ErrNonceExpired
	}
	return nil
}
