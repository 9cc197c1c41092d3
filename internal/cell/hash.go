package cell

import (
	"crypto/sha256"
	"encoding/hex"
)

// DomainFingerprint separates content fingerprints from any other hash the
// system may compute over the same bytes.
const DomainFingerprint = "cellsync/fingerprint/v1"

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
