package services

import (
	"context"
	"strings"
	"testing"

	"airwave/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func (f *fixture) directory() *directoryService {
	return NewDirectoryService(f.streams, f.users, zaptest.NewLogger(f.t).Sugar(), bcrypt.MinCost).(*directoryService)
}

func TestDirectoryService_CreateStream(t *testing.T) {
	f := newFixture(t)
	dir := f.directory()
	ctx := context.Background()
	admin := domain.CurrentUser{ID: "admin-1", Role: domain.RoleAdmin}

	s, err := dir.CreateStream(ctx, admin, "  Morning\x07 Show ", "daily\x00")
	require.NoError(t, err)
	assert.Equal(t, "Morning Show", s.Title)
	assert.Equal(t, "stream_"+string(s.ID), s.ChannelName)
	assert.False(t, s.IsActive)
	assert.Equal(t, admin.ID, s.CreatedBy)

	_, err = dir.CreateStream(ctx, domain.CurrentUser{ID: "u", Role: domain.RoleSubscriber}, "x", "")
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = dir.CreateStream(ctx, admin, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	title := "Evening Show"
	updated, err := dir.UpdateStream(ctx, s.ID, &title, nil)
	require.NoError(t, err)
	assert.Equal(t, "Evening Show", updated.Title)
	assert.Equal(t, "daily", updated.Description)
	assert.Equal(t, s.ChannelName, updated.ChannelName)

	long := strings.Repeat("d", 2001)
	_, err = dir.UpdateStream(ctx, s.ID, nil, &long)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	list, err := dir.ListStreams(ctx, domain.StreamFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDirectoryService_CreateSubscriber(t *testing.T) {
	f := newFixture(t)
	dir := f.directory()
	ctx := context.Background()

	u, err := dir.CreateSubscriber(ctx, " New@Example.com ", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	assert.Equal(t, domain.RoleSubscriber, u.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("secret-pass")))

	_, err = dir.CreateSubscriber(ctx, "NEW@example.com", "another-pass")
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	_, err = dir.CreateSubscriber(ctx, "not-an-email", "secret-pass")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = dir.CreateSubscriber(ctx, "short@example.com", "123")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	admin, err := dir.CreateAdmin(ctx, "root@example.com", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, admin.Role)

	subs, err := dir.ListSubscribers(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, u.ID, subs[0].ID)
}

func TestDirectoryService_UpdateSubscriberEmail(t *testing.T) {
	f := newFixture(t)
	dir := f.directory()
	ctx := context.Background()

	a, err := dir.CreateSubscriber(ctx, "a@example.com", "secret-pass")
	require.NoError(t, err)
	_, err = dir.CreateSubscriber(ctx, "b@example.com", "secret-pass")
	require.NoError(t, err)
	admin, err := dir.CreateAdmin(ctx, "root@example.com", "secret-pass")
	require.NoError(t, err)

	updated, err := dir.UpdateSubscriberEmail(ctx, a.ID, "A2@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a2@example.com", updated.Email)

	_, err = dir.UpdateSubscriberEmail(ctx, a.ID, "b@example.com")
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	_, err = dir.UpdateSubscriberEmail(ctx, admin.ID, "x@example.com")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = dir.UpdateSubscriberEmail(ctx, "missing", "y@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
