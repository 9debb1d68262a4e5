package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type Claims struct {
	UserID    domain.UserID `json:"user_id"`
	Role      domain.Role   `json:"role"`
	TokenType string        `json:"token_type"`
	jwt.RegisteredClaims
}

type authService struct {
	users           ports.UserRepository
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	now             func() time.Time
}

func NewAuthService(
	users ports.UserRepository,
	jwtSecret string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
) ports.AuthService {
	return &authService{
		users:           users,
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

// Login checks the password against the stored bcrypt hash. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *authService) Login(ctx context.Context, email, password string) (*ports.TokenPair, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if user.PasswordHash == "" {
		return nil, domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	return s.issue(user)
}

// Refresh re-reads the user so a deleted account cannot keep minting tokens.
func (s *authService) Refresh(ctx context.Context, refreshToken string) (*ports.TokenPair, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return s.issue(user)
}

func (s *authService) ValidateToken(tokenString string) (*domain.CurrentUser, error) {
	claims, err := s.parse(tokenString, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return &domain.CurrentUser{ID: claims.UserID, Role: claims.Role}, nil
}

func (s *authService) issue(user *domain.User) (*ports.TokenPair, error) {
	access, err := s.sign(user, tokenTypeAccess, s.accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := s.sign(user, tokenTypeRefresh, s.refreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return &ports.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
	}, nil
}

func (s *authService) sign(user *domain.User, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:    user.ID,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) parse(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenType || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
