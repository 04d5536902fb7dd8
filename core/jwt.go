package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// StateClaims travel through the provider's consent redirect and back.
// NonceHash binds them to the browser holding the matching nonce cookie.
type StateClaims struct {
	Provider  Provider `json:"provider"`
	Redirect  string   `json:"redirect,omitempty"`
	NonceHash string   `json:"nonce_hash"`
	jwt.RegisteredClaims
}

// MatchesNonce reports whether nonce is the one the state was issued for.
func (c *StateClaims) MatchesNonce(nonce string) bool {
	if nonce == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashNonce(nonce)), []byte(c.NonceHash)) == 1
}

func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateAccessToken issues a caller token for userID. The service only
// validates these in production; issuing them is for tooling and tests.
func GenerateAccessToken(userID string, lifetime time.Duration, config *Config) (string, error) {
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.JWT.Secret))
}

// ValidateAccessToken returns the user ID carried in the token's subject.
func ValidateAccessToken(tokenString string, config *Config) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if err := parseHS256(tokenString, claims, config); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func GenerateStateToken(userID string, provider Provider, redirect, nonce string, config *Config) (string, error) {
	if nonce == "" {
		return "", errors.New("state nonce is required")
	}

	now := time.Now()
	claims := &StateClaims{
		Provider:  provider,
		Redirect:  redirect,
		NonceHash: hashNonce(nonce),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(config.JWT.stateDuration())),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.JWT.Secret))
}

func ParseStateToken(tokenString string, config *Config) (*StateClaims, error) {
	claims := &StateClaims{}
	if err := parseHS256(tokenString, claims, config); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Provider == "" || claims.NonceHash == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseHS256(tokenString string, claims jwt.Claims, config *Config) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(config.JWT.Secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}

	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
