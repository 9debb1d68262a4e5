package memory

import (
	"context"
	"testing"

	"airwave/internal/core/domain"
	"airwave/internal/infrastructure/repositories/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) repotest.Backend {
	hub := NewChangeHub()
	return repotest.Backend{
		Users:   NewMemoryUserRepository(hub),
		Streams: NewMemoryStreamRepository(hub),
		Changes: hub,
	}
}

func TestMemoryRepositories(t *testing.T) {
	repotest.Run(t, newBackend)
}

func TestChangeHub_DeliversSynchronously(t *testing.T) {
	hub := NewChangeHub()
	streams := NewMemoryStreamRepository(hub)
	ctx := context.Background()

	s := repotest.NewStream("Sync")
	require.NoError(t, streams.Create(ctx, s))

	var revs []int64
	unsub, err := hub.Watch(ctx, domain.CollectionStreams, string(s.ID), func(c domain.Change) {
		revs = append(revs, c.Revision)
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, revs, "snapshot is delivered before Watch returns")
	assert.Equal(t, 1, hub.Watchers())

	title := "Renamed"
	_, err = streams.Update(ctx, s.ID, domain.StreamUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, revs)

	unsub()
	assert.Equal(t, 0, hub.Watchers())
}

func TestChangeHub_UnknownCollection(t *testing.T) {
	hub := NewChangeHub()
	_, err := hub.Watch(context.Background(), domain.CollectionUsers, "u1", func(domain.Change) {}, nil)
	assert.Error(t, err)
}

func TestMemoryStreamRepository_ReturnsCopies(t *testing.T) {
	hub := NewChangeHub()
	streams := NewMemoryStreamRepository(hub)
	ctx := context.Background()

	s := repotest.NewStream("Copy")
	require.NoError(t, streams.Create(ctx, s))

	got, err := streams.GetByID(ctx, s.ID)
	require.NoError(t, err)
	got.AssignedSubscribers = append(got.AssignedSubscribers, "intruder")

	again, err := streams.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, again.AssignedSubscribers)
}
