package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Policy controls when the shared secret is checked.
type Policy string

const (
	// PolicyHandshake validates the secret once when the socket is opened.
	PolicyHandshake Policy = "handshake"
	// PolicyPerMessage additionally validates every inbound message.
	PolicyPerMessage Policy = "per-message"
)

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyHandshake, PolicyPerMessage:
		return p, nil
	default:
		return "", fmt.Errorf("unknown auth policy %q", s)
	}
}

const tokenQueryParam = "token"

// Guard validates a candidate token against a shared secret.
// A Guard with an empty secret accepts everything.
type Guard struct {
	secret []byte
	policy Policy
}

func NewGuard(secret string, policy Policy) *Guard {
	return &Guard{secret: []byte(secret), policy: policy}
}

// Enabled reports whether a secret is configured.
func (g *Guard) Enabled() bool {
	return len(g.secret) > 0
}

// Policy returns the configured re-validation policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Authorize checks the first non-empty candidate, in the order given, against the secret.
func (g *Guard) Authorize(candidates ...string) bool {
	if !g.Enabled() {
		return true
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		return subtle.ConstantTimeCompare([]byte(c), g.secret) == 1
	}
	return false
}

// HandshakeToken extracts the token from a handshake request: the token query
// parameter wins over a bearer Authorization header.
func HandshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
