package visitors

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ErrEmptySecret is returned when no hashing secret is configured.
var ErrEmptySecret = errors.New("visitors: ip hash secret is empty")

// IPHasher turns client IPs into stable, non-reversible identifiers. The raw
// IP is only ever held in memory for the duration of Hash.
type IPHasher struct {
	key []byte
}

// NewIPHasher builds a keyed BLAKE2b-256 hasher from the process secret.
// Secrets longer than the 64 byte BLAKE2b key limit are compressed first.
func NewIPHasher(secret string) (*IPHasher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}

	// Validate the key once so Hash never fails.
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("visitors: invalid ip hash secret: %w", err)
	}

	return &IPHasher{key: key}, nil
}

// Hash returns the 64 character hex digest of ip.
func (h *IPHasher) Hash(ip string) string {
	mac, _ := blake2b.New256(h.key)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}
