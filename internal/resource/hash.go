package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainEnvelope prefixes audit envelope hashes. The version suffix allows
// the algorithm to change without colliding with older hashes.
const DomainEnvelope = "bundled/envelope/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes the canonical form of v under the given domain.
func ContentHash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ContentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}
