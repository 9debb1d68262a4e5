package backup

import (
	"context"
	"testing"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/repositories/memory"
	"airwave/pkg/backup"
	"airwave/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type directory struct {
	users   ports.UserRepository
	streams ports.StreamRepository
}

func newDirectory() directory {
	hub := memory.NewChangeHub()
	return directory{
		users:   memory.NewMemoryUserRepository(hub),
		streams: memory.NewMemoryStreamRepository(hub),
	}
}

func (d directory) seed(t *testing.T) (*domain.User, *domain.Stream) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	user := &domain.User{
		ID:              "u1",
		Email:           "listener@example.com",
		Role:            domain.RoleSubscriber,
		CreatedAt:       now,
		AssignedStreams: []domain.StreamID{"s1"},
		PasswordHash:    "$2a$10$hash",
	}
	stream := &domain.Stream{
		ID:                  "s1",
		Title:               "Morning show",
		ChannelName:         "stream_s1",
		IsActive:            true,
		CreatedBy:           "admin",
		AssignedSubscribers: []domain.UserID{"u1"},
		CreatedAt:           now,
	}
	require.NoError(t, d.users.Create(ctx, user))
	require.NoError(t, d.streams.Create(ctx, stream))
	return user, stream
}

func newBackups(t *testing.T) *backup.Service {
	t.Helper()
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return backup.NewService(storage, "directory")
}

func TestSnapshotAndRestoreIntoEmptyStore(t *testing.T) {
	ctx := context.Background()
	backups := newBackups(t)
	logger := zaptest.NewLogger(t).Sugar()

	src := newDirectory()
	user, stream := src.seed(t)

	name, err := NewScheduler(backups, src.users, src.streams, Config{Interval: time.Hour}, logger).RunOnce(ctx)
	require.NoError(t, err)

	dst := newDirectory()
	report, err := NewRestorer(backups, dst.users, dst.streams, logger).Restore(ctx, name, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.StreamsCreated)
	assert.Equal(t, 1, report.UsersCreated)
	assert.Empty(t, report.Failed)
	assert.False(t, report.ReconcileAdvised)

	gotUser, err := dst.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, gotUser.Email)
	assert.Equal(t, user.PasswordHash, gotUser.PasswordHash)
	assert.Equal(t, user.AssignedStreams, gotUser.AssignedStreams)

	gotStream, err := dst.streams.GetByID(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, stream.ChannelName, gotStream.ChannelName)
	assert.Equal(t, stream.AssignedSubscribers, gotStream.AssignedSubscribers)
	assert.True(t, gotStream.CreatedAt.Equal(stream.CreatedAt))
}

func TestRestoreSkipsOrOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	backups := newBackups(t)
	logger := zaptest.NewLogger(t).Sugar()

	dir := newDirectory()
	_, stream := dir.seed(t)
	name, err := NewScheduler(backups, dir.users, dir.streams, Config{}, logger).RunOnce(ctx)
	require.NoError(t, err)

	renamed := "Renamed"
	_, err = dir.streams.Update(ctx, stream.ID, domain.StreamUpdate{Title: &renamed})
	require.NoError(t, err)

	restorer := NewRestorer(backups, dir.users, dir.streams, logger)

	report, err := restorer.Restore(ctx, name, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.StreamsSkipped)
	assert.Equal(t, 1, report.UsersSkipped)
	assert.True(t, report.ReconcileAdvised)
	got, err := dir.streams.GetByID(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	report, err = restorer.Restore(ctx, name, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.StreamsReplaced)
	assert.Equal(t, 1, report.UsersReplaced)
	got, err = dir.streams.GetByID(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning show", got.Title)
}

func TestSchedulerPrunesToRetention(t *testing.T) {
	ctx := context.Background()
	backups := newBackups(t)
	dir := newDirectory()
	dir.seed(t)

	s := NewScheduler(backups, dir.users, dir.streams, Config{Interval: time.Hour, Retain: 2}, zaptest.NewLogger(t).Sugar())
	for i := 0; i < 4; i++ {
		_, err := s.RunOnce(ctx)
		require.NoError(t, err)
		// names carry millisecond timestamps
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := backups.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRestoreLatestBefore(t *testing.T) {
	ctx := context.Background()
	backups := newBackups(t)
	logger := zaptest.NewLogger(t).Sugar()
	src := newDirectory()
	src.seed(t)

	_, err := NewScheduler(backups, src.users, src.streams, Config{}, logger).RunOnce(ctx)
	require.NoError(t, err)

	dst := newDirectory()
	restorer := NewRestorer(backups, dst.users, dst.streams, logger)

	_, err = restorer.RestoreLatestBefore(ctx, time.Now().Add(-time.Hour), RestoreOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	report, err := restorer.RestoreLatestBefore(ctx, time.Now().Add(time.Minute), RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsersCreated)
}

func TestNewServiceFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backup.Path = t.TempDir()

	svc, err := NewService(context.Background(), cfg)
	require.NoError(t, err)
	entries, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	cfg.Backup.Storage = "tape"
	_, err = NewService(context.Background(), cfg)
	assert.Error(t, err)
}
