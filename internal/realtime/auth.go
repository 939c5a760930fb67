package realtime

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HandshakeClaims is the token a realtime client presents in its
// authenticate frame after the connection is upgraded, adapted from kolajAi/internal/security's JWTClaims
// down to the one field the WS handshake actually needs.
type HandshakeClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator verifies the bearer token a WS session presents in its
// first (authenticate) frame.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// IssueToken mints a short-lived handshake token for userID, signed
// with the same secret Authenticate verifies against.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &HandshakeClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Authenticate validates a handshake token and returns the user it
// authenticates.
func (a *Authenticator) Authenticate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HandshakeClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("realtime: invalid handshake token: %w", err)
	}
	claims, ok := token.Claims.(*HandshakeClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("realtime: invalid handshake claims")
	}
	return claims.UserID, nil
}
