// Package auth builds HTTP Authorization header values for publishing
// endpoints. Basic credentials and bearer-token claims can be rotated at
// any time; every header computation reads a consistent snapshot.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingKey indicates that a bearer claim was configured without a
// signing key.
var ErrMissingKey = errors.New("missing signing key for bearer claim")

// DefaultTokenTTL is applied to claims that carry no exp field.
const DefaultTokenTTL = time.Hour

// Header produces Authorization header values for a single endpoint.
// The zero value is usable and produces no header.
type Header struct {
	mu        sync.Mutex
	basicUser string
	basicPass string
	claim     map[string]any
	key       []byte

	// now is overridable in tests.
	now func() time.Time
}

// SetBasic configures basic authentication.
func (h *Header) SetBasic(username, password string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.basicUser = username
	h.basicPass = password
	h.claim = nil
	h.key = nil
}

// SetBearer configures bearer-token authentication with a claim mapping
// and a symmetric signing key.
func (h *Header) SetBearer(claim map[string]any, key []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claim = claim
	h.key = key
	h.basicUser = ""
	h.basicPass = ""
}

// Clear removes all configured credentials.
func (h *Header) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.basicUser = ""
	h.basicPass = ""
	h.claim = nil
	h.key = nil
}

// Value computes the Authorization header for the current credentials.
// It returns "" when no auth is configured; the caller omits the header.
//
// Bearer claims without an exp field are signed with exp set to
// now + DefaultTokenTTL; the stored claim is never mutated.
func (h *Header) Value() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.basicUser != "":
		cred := h.basicUser + ":" + h.basicPass
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred)), nil
	case h.claim != nil:
		if len(h.key) == 0 {
			return "", ErrMissingKey
		}
		token, err := signClaim(h.claim, h.key, h.clock())
		if err != nil {
			return "", fmt.Errorf("cannot sign bearer claim: %w", err)
		}
		return "Bearer " + token, nil
	default:
		return "", nil
	}
}

func (h *Header) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func signClaim(claim map[string]any, key []byte, now time.Time) (string, error) {
	claims := make(jwt.MapClaims, len(claim)+1)
	for k, v := range claim {
		claims[k] = v
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = now.Add(DefaultTokenTTL).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
