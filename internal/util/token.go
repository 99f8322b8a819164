package util

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
)

const tokenIssuer = "stranger-chat"

// ClientClaims identify a hosted chat client.
type ClientClaims struct {
	jwt.RegisteredClaims
}

// TokenManager signs and verifies client tokens with HS256.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for clientID and its expiry.
func (m *TokenManager) Issue(clientID string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)

	claims := ClientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign client token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies token and returns the client id it was issued for.
func (m *TokenManager) Parse(token string) (string, error) {
	var claims ClientClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperrors.InvalidToken("Token expired")
		}
		return "", apperrors.InvalidToken("Invalid token")
	}
	if claims.Subject == "" {
		return "", apperrors.InvalidToken("Token has no subject")
	}
	return claims.Subject, nil
}
