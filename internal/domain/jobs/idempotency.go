package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashPayload produces the canonical digest compared on idempotency-key
// reuse. Two payloads hash equal iff their JSON encodings match after
// normalization through encoding/json (map keys sorted).
func HashPayload(payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
