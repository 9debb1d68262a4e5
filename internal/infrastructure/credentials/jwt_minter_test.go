package credentials

import (
	"context"
	"testing"
	"time"

	"airwave/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTMinter_RoundTrip(t *testing.T) {
	m := NewJWTMinter("media-secret", 24*time.Hour)

	token, err := m.Mint(context.Background(), "stream_abc", 1, domain.MediaRolePublisher)
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "stream_abc", claims.Channel)
	assert.Equal(t, uint32(1), claims.UID)
	assert.Equal(t, domain.MediaRolePublisher, claims.Role)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt, time.Minute)
}

func TestJWTMinter_Rejects(t *testing.T) {
	m := NewJWTMinter("media-secret", time.Hour)
	ctx := context.Background()

	_, err := NewJWTMinter("", time.Hour).Mint(ctx, "stream_a", 1, domain.MediaRolePublisher)
	assert.ErrorIs(t, err, ErrNoSecret)

	_, err = m.Mint(ctx, "", 1, domain.MediaRolePublisher)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.Mint(ctx, "lobby", 1, domain.MediaRolePublisher)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.Mint(ctx, "stream_a", 1, "owner")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	foreign, err := NewJWTMinter("other", time.Hour).Mint(ctx, "stream_a", 7, domain.MediaRoleSubscriber)
	require.NoError(t, err)
	_, err = m.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	old := NewJWTMinter("media-secret", time.Minute)
	old.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := old.Mint(ctx, "stream_a", 7, domain.MediaRoleSubscriber)
	require.NoError(t, err)
	_, err = m.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
