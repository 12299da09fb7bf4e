package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureHeader carries the HMAC of the request body on worker calls.
const SignatureHeader = "X-Signature-256"

// SignBody computes the HMAC-SHA256 signature for a request body, formatted
// as "sha256=<hex>" (GitHub style).
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a request body.
//
// This function uses constant-time comparison (crypto/subtle) to prevent
// timing attacks. Supported formats:
//   - "sha256=<hex>" (GitHub style)
//   - "<hex>" (plain hex)
//
// Returns nil if the signature is valid, error otherwise. All errors are
// generic to prevent information leakage.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" {
		return fmt.Errorf("signature verification failed")
	}

	if signature == "" {
		return fmt.Errorf("signature verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	actualMAC, err := parseSignature(signature)
	if err != nil {
		// Generic error - don't leak format details
		return fmt.Errorf("signature verification failed")
	}

	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// parseSignature extracts and decodes the HMAC signature from various formats.
func parseSignature(signature string) ([]byte, error) {
	if strings.HasPrefix(signature, "sha256=") {
		hexSig := strings.TrimPrefix(signature, "sha256=")
		return hex.DecodeString(hexSig)
	}

	return hex.DecodeString(signature)
}
