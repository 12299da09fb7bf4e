package task

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// dedupKeyLen is the fixed length of the rendered fingerprint digest.
const dedupKeyLen = 16

// SanitizePrompt normalizes a prompt for fingerprinting: whitespace runs
// collapse to single spaces and the result is case-folded.
func SanitizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}

// DedupKey derives the dedup fingerprint for a prompt: a fixed-length hex
// digest of the normalized text. Identical instructions map to the same key
// regardless of casing or spacing.
func DedupKey(prompt string) string {
	sum := blake3.Sum256([]byte(SanitizePrompt(prompt)))
	return hex.EncodeToString(sum[:])[:dedupKeyLen]
}
