// Package auth reads the bearer credential handed to the sync engine.
// Issuing real credentials is the backend's job; Sign exists for the dev
// backend and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
)

type Identity struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

// Expired reports whether the credential has an expiry that lies before now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Claims are the claims Sign writes.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header empty: %w", apperr.ErrUnauthorized)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", fmt.Errorf("invalid authorization header format: %w", apperr.ErrUnauthorized)
	}
	return parts[1], nil
}

// Inspect reads the identity from token without verifying its signature. The
// client only needs to know who it is; the backend verifies.
func Inspect(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w: %w", apperr.ErrUnauthorized, err)
	}
	return identity(claims)
}

// Validate verifies an HS256 token signed with secret.
func Validate(secret, token string) (Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err)
	}
	return identity(claims)
}

// Sign issues an HS256 token for userID.
func Sign(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func identity(claims jwt.MapClaims) (Identity, error) {
	var id Identity
	for _, k := range []string{"user_id", "sub", "user_uuid"} {
		if s, ok := stringClaim(claims, k); ok && s != "" {
			id.UserID = s
			break
		}
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("token has no user id: %w", apperr.ErrUnauthorized)
	}
	id.Role, _ = stringClaim(claims, "role")
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, key string) (string, bool) {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
