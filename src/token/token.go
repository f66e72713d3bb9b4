// Package token mints short-lived, signed JWTs for device authentication
// against the cloud gateway.
package token

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock returns the current time; injected so tests can control "now"
// without sleeping.
type Clock func() time.Time

// Minter produces compact signed JWTs from a private key. It holds no
// mutable state beyond its clock and caches nothing between calls.
type Minter struct {
	privateKey any
	audience   string
	lifetime   time.Duration
	method     jwt.SigningMethod
	now        Clock
}

// New validates the key pair's algorithm and constructs a Minter. privateKey
// must be an *rsa.PrivateKey or *ecdsa.PrivateKey.
func New(privateKey any, audience string, lifetime time.Duration, now Clock) (*Minter, error) {
	var method jwt.SigningMethod
	switch privateKey.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		method = jwt.SigningMethodES256
	default:
		return nil, fmt.Errorf("token: unsupported private key algorithm %T, want *rsa.PrivateKey or *ecdsa.PrivateKey", privateKey)
	}
	if now == nil {
		now = time.Now
	}
	return &Minter{
		privateKey: privateKey,
		audience:   audience,
		lifetime:   lifetime,
		method:     method,
		now:        now,
	}, nil
}

// Mint produces a new compact signed JWT. Each call stamps fresh iat/exp
// values from the minter's clock; tokens are never cached or reused. The
// claim set is the fixed one the gateway accepts: aud as a single string,
// and iat/exp truncated to whole seconds.
func (m *Minter) Mint() (string, error) {
	now := m.now().Truncate(time.Second)
	c := jwt.MapClaims{
		"aud": m.audience,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(m.lifetime)),
	}
	tok := jwt.NewWithClaims(m.method, c)
	signed, err := tok.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("token: signing failed: %w", err)
	}
	return signed, nil
}
