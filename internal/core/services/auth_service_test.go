package services

import (
	"context"
	"testing"
	"time"

	"airwave/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(f *fixture) *authService {
	return NewAuthService(f.users, "test-secret", time.Minute, time.Hour).(*authService)
}

func TestAuthService_LoginAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, err := f.directory().CreateSubscriber(ctx, "login@example.com", "secret-pass")
	require.NoError(t, err)
	auth := newTestAuth(f)

	pair, err := auth.Login(ctx, "LOGIN@example.com", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, int64(60), pair.ExpiresIn)

	current, err := auth.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, current.ID)
	assert.Equal(t, domain.RoleSubscriber, current.Role)

	_, err = auth.ValidateToken(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "refresh tokens do not authenticate requests")
}

func TestAuthService_LoginFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.directory().CreateSubscriber(ctx, "user@example.com", "secret-pass")
	require.NoError(t, err)
	auth := newTestAuth(f)

	_, err = auth.Login(ctx, "user@example.com", "wrong-pass")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = auth.Login(ctx, "nobody@example.com", "secret-pass")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestAuthService_Refresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, err := f.directory().CreateAdmin(ctx, "admin@example.com", "secret-pass")
	require.NoError(t, err)
	auth := newTestAuth(f)

	pair, err := auth.Login(ctx, "admin@example.com", "secret-pass")
	require.NoError(t, err)

	refreshed, err := auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	current, err := auth.ValidateToken(refreshed.AccessToken)
	require.NoError(t, err)
	assert.True(t, current.IsAdmin())

	_, err = auth.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, f.users.Delete(ctx, user.ID))
	_, err = auth.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_ExpiredAndForeignTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.directory().CreateSubscriber(ctx, "old@example.com", "secret-pass")
	require.NoError(t, err)

	auth := newTestAuth(f)
	auth.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	pair, err := auth.Login(ctx, "old@example.com", "secret-pass")
	require.NoError(t, err)

	_, err = auth.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other := NewAuthService(f.users, "other-secret", time.Minute, time.Hour)
	fresh, err := newTestAuth(f).Login(ctx, "old@example.com", "secret-pass")
	require.NoError(t, err)
	_, err = other.ValidateToken(fresh.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
