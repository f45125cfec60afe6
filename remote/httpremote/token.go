// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpremote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pavelkorolev/go-offsync/internal/authctx"
)

// TokenSource supplies bearer tokens for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a TokenSource that always yields the same
// token, typically an API key or a long-lived token minted elsewhere.
func StaticTokenSource(token string) TokenSource {
	return staticToken(token)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }

// Claims represents JWT claims for single-user multi-device sync
type Claims struct {
	DeviceID string `json:"did"` // Device ID identifying this client installation
	jwt.RegisteredClaims
}

// JWTTokenSource mints short-lived HS256 tokens and refreshes them
// before expiry. The user ID travels in the standard 'sub' claim and
// the device ID in 'did'; both can be overridden per call through
// authctx values on the context.
type JWTTokenSource struct {
	secret   []byte
	userID   string
	deviceID string
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	token    string
	tokenFor string // userID+"/"+deviceID the cached token was minted for
	expires  time.Time
}

// NewJWTTokenSource creates a token source that signs with secret and
// mints tokens valid for ttl (default 1 hour when zero).
func NewJWTTokenSource(secret, userID, deviceID string, ttl time.Duration) *JWTTokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTTokenSource{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
		now:      time.Now,
	}
}

// refreshMargin is how long before expiry a cached token is considered
// stale and re-minted.
const refreshMargin = 30 * time.Second

// Token returns a signed JWT, reusing the cached one until it nears
// expiry.
func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	userID := s.userID
	if v, ok := authctx.GetUserID(ctx); ok {
		userID = v
	}
	deviceID := s.deviceID
	if v, ok := authctx.GetDeviceID(ctx); ok {
		deviceID = v
	}
	if userID == "" {
		return "", fmt.Errorf("missing user ID for token")
	}
	if deviceID == "" {
		return "", fmt.Errorf("missing device ID for token")
	}

	identity := userID + "/" + deviceID

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.tokenFor == identity && s.now().Add(refreshMargin).Before(s.expires) {
		return s.token, nil
	}

	issued := s.now()
	expires := issued.Add(s.ttl)
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			Issuer:    "go-offsync",
			Subject:   userID,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.token = token
	s.tokenFor = identity
	s.expires = expires
	return token, nil
}

// ParseClaims validates a token minted by JWTTokenSource and returns
// its claims. Servers accepting the simulator's traffic use it to
// recover user and device identity.
func ParseClaims(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}
