package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"somnus/internal/inference"
)

// Fingerprint derives a stable cache key from a chat request. The request is
// reduced to canonical JSON (object keys sorted, insignificant whitespace
// stripped) before hashing, so two requests that differ only in field order
// share a key.
func Fingerprint(req *inference.ChatRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	// Round-trip through interface{} to canonicalize: encoding/json emits
	// map keys in sorted order.
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
