// Package dispatch implements inter-node task delegation: the swarm and
// batch dispatcher tools that let a leader session hand sub-tasks to peer
// nodes over HTTP and fold their reports back into its own output stream.
//
// Outbound requests are signed with a short-lived HS256 token derived
// from a cluster-shared secret; internal/registry provides peer discovery
// and internal/busylock the busy-state decoding.
package dispatch

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// nodeClaims identifies the calling node on an inter-node dispatch
// request. This signs node identity only — the swarm has no concept of
// end-user authentication between peers, just "this request really came
// from a node holding the shared signing key".
type nodeClaims struct {
	CallerPort int `json:"caller_port"`
	jwt.RegisteredClaims
}

// Signer issues and verifies short-lived HS256 tokens proving a dispatch
// request came from a node holding the shared cluster signing key.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a Signer from the cluster's shared signing key.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Sign issues a token asserting callerPort originated the request.
func (s *Signer) Sign(callerPort int) (string, error) {
	now := time.Now()
	claims := nodeClaims{
		CallerPort: callerPort,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("dispatch: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature and expiry and returns the caller's
// asserted port.
func (s *Signer) Verify(tokenString string) (int, error) {
	var claims nodeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("dispatch: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("dispatch: verify token: %w", err)
	}
	if !token.Valid {
		return 0, fmt.Errorf("dispatch: token invalid")
	}
	return claims.CallerPort, nil
}
