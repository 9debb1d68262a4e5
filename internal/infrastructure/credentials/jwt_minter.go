// Package credentials issues and verifies the short-lived tokens that admit a client to a
// media channel.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret     = errors.New("media credential secret is not configured")
	ErrInvalidToken = errors.New("invalid media credential")
)

type mediaClaims struct {
	Channel string           `json:"channel"`
	UID     uint32           `json:"uid"`
	Role    domain.MediaRole `json:"role"`
	jwt.RegisteredClaims
}

// JWTMinter signs HS256 media credentials scoped to one channel, uid and role.
type JWTMinter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTMinter(secret string, ttl time.Duration) *JWTMinter {
	return &JWTMinter{secret: []byte(secret), ttl: ttl, now: time.Now}
}

var (
	_ ports.CredentialMinter   = (*JWTMinter)(nil)
	_ ports.CredentialVerifier = (*JWTMinter)(nil)
)

func (m *JWTMinter) Mint(ctx context.Context, channelName string, uid uint32, role domain.MediaRole) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrNoSecret
	}
	if err := validation.ValidateChannelName(channelName); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown media role %q", domain.ErrInvalidInput, role)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := m.now()
	claims := &mediaClaims{
		Channel: channelName,
		UID:     uid,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *JWTMinter) Verify(token string) (*domain.MediaClaims, error) {
	if len(m.secret) == 0 {
		return nil, ErrNoSecret
	}

	parsed, err := jwt.ParseWithClaims(token, &mediaClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*mediaClaims)
	if !ok || !parsed.Valid || claims.Channel == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	out := &domain.MediaClaims{Channel: claims.Channel, UID: claims.UID, Role: claims.Role}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
