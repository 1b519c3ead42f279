package visitors

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	// SessionCookieName is the cookie that carries the visitor session token.
	SessionCookieName = "pulse_session"
	// SessionCookieTTL is how long browsers keep the session token.
	SessionCookieTTL = 30 * 24 * time.Hour
	// MaxSessionIDLength bounds client supplied tokens.
	MaxSessionIDLength = 128
	// UniquenessWindow is the trailing window in which a repeat view of the
	// same page by the same session is not unique.
	UniquenessWindow = 24 * time.Hour

	sessionEntropyBytes = 32
)

// Session is the outcome of resolving a client supplied token.
type Session struct {
	ID string
	// Minted is true when ID was generated and must be sent back to the
	// client for persistence.
	Minted bool
}

// ValidSessionID reports whether s is 1..128 characters of [a-zA-Z0-9.].
func ValidSessionID(s string) bool {
	if len(s) == 0 || len(s) > MaxSessionIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.':
		default:
			return false
		}
	}
	return true
}

// SessionResolver validates session tokens and mints new ones. It keeps no
// server-side state.
type SessionResolver struct {
	random io.Reader
}

// NewSessionResolver uses random as the entropy source; nil means crypto/rand.
func NewSessionResolver(random io.Reader) *SessionResolver {
	if random == nil {
		random = rand.Reader
	}
	return &SessionResolver{random: random}
}

// Resolve returns candidate when it is valid, otherwise a freshly minted id.
func (r *SessionResolver) Resolve(candidate string) (Session, error) {
	if ValidSessionID(candidate) {
		return Session{ID: candidate}, nil
	}

	id, err := MintSessionID(r.random)
	if err != nil {
		return Session{}, err
	}
	return Session{ID: id, Minted: true}, nil
}

// MintSessionID returns 32 random bytes, hex encoded.
func MintSessionID(random io.Reader) (string, error) {
	buf := make([]byte, sessionEntropyBytes)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", fmt.Errorf("error generating session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
