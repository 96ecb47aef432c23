// Package auth verifies the bearer credential carried in a join_room
// envelope. The fanout service treats the verifier as an opaque
// collaborator; the concrete implementation accepts HMAC-signed JWTs whose
// subject and name claims carry the user id and display name.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned for any credential the verifier rejects:
// bad signature, expired token, or missing identity claims.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the authenticated result of a successful verification.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier turns a bearer credential into an authenticated identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

type claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	token, err := jwt.ParseWithClaims(credential, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidCredential
	}

	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return Identity{UserID: c.Subject, DisplayName: name}, nil
}

// Sign mints a credential the verifier will accept. Used by tests and the
// example clients; a real deployment issues tokens from its auth service.
func Sign(secret []byte, userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}
