package redis

import (
	"context"
	"testing"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/infrastructure/distributed"
	"airwave/internal/infrastructure/repositories/repotest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPrefix = "test:"

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newBackend(t *testing.T) repotest.Backend {
	t.Helper()

	_, client := newClient(t)
	logger := zap.NewNop().Sugar()
	bus := distributed.NewChangeBus(client, "test-instance", testPrefix, logger)

	users := NewRedisUserRepository(client, testPrefix, bus, logger)
	streams := NewRedisStreamRepository(client, testPrefix, bus, logger)
	bus.RegisterSnapshot(domain.CollectionUsers, users.Snapshot)
	bus.RegisterSnapshot(domain.CollectionStreams, streams.Snapshot)

	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { bus.Close() })

	return repotest.Backend{Users: users, Streams: streams, Changes: bus}
}

func TestRedisRepositories(t *testing.T) {
	repotest.Run(t, newBackend)
}

func TestRedisStreamRepository_ListSkipsMalformed(t *testing.T) {
	mr, client := newClient(t)
	repo := NewRedisStreamRepository(client, testPrefix, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	good := repotest.NewStream("Good")
	require.NoError(t, repo.Create(ctx, good))

	require.NoError(t, mr.Set(testPrefix+"stream:broken", `{"id":"broken"}`))
	_, err := mr.SAdd(testPrefix+"streams", "broken", "vanished")
	require.NoError(t, err)

	streams, err := repo.List(ctx, domain.StreamFilter{})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, good.ID, streams[0].ID)

	_, err = repo.GetByID(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrMalformedDocument)
}

func TestRedisStreamRepository_KeyLayout(t *testing.T) {
	mr, client := newClient(t)
	repo := NewRedisStreamRepository(client, testPrefix, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	s := repotest.NewStream("Layout")
	s.IsActive = true
	require.NoError(t, repo.Create(ctx, s))

	assert.True(t, mr.Exists(testPrefix+"stream:"+string(s.ID)))
	members, err := mr.Members(testPrefix + "streams:active")
	require.NoError(t, err)
	assert.Contains(t, members, string(s.ID))
}

func TestRedisStreamRepository_DeleteKeepsRevision(t *testing.T) {
	mr, client := newClient(t)
	repo := NewRedisStreamRepository(client, testPrefix, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	s := repotest.NewStream("Tombstone")
	require.NoError(t, repo.Create(ctx, s))
	require.NoError(t, repo.Delete(ctx, s.ID))

	revKey := testPrefix + "stream:" + string(s.ID) + ":rev"
	rev, err := mr.Get(revKey)
	require.NoError(t, err)
	assert.Equal(t, "2", rev)

	snap, err := repo.Snapshot(ctx, string(s.ID))
	require.NoError(t, err)
	assert.True(t, snap.Deleted())
	assert.Equal(t, int64(2), snap.Revision)

	require.NoError(t, repo.Create(ctx, s.Clone()))
	assert.False(t, mr.Exists(revKey))
	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Revision)
}

func TestMigrate_RebuildsIndexes(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	user := repotest.NewUser("idx@example.com", domain.RoleSubscriber)
	data, err := domain.EncodeUser(user)
	require.NoError(t, err)
	require.NoError(t, mr.Set(testPrefix+"user:"+string(user.ID), string(data)))
	_, err = mr.SAdd(testPrefix+"users", string(user.ID))
	require.NoError(t, err)

	stream := repotest.NewStream("Live")
	stream.IsActive = true
	data, err = domain.EncodeStream(stream)
	require.NoError(t, err)
	require.NoError(t, mr.Set(testPrefix+"stream:"+string(stream.ID), string(data)))
	_, err = mr.SAdd(testPrefix+"streams", string(stream.ID))
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, client, testPrefix, zap.NewNop().Sugar()))

	owner, err := mr.Get(testPrefix + "user:email:idx@example.com")
	require.NoError(t, err)
	assert.Equal(t, string(user.ID), owner)
	assert.True(t, mr.Exists(testPrefix+"streams:active"))

	version, err := mr.Get(testPrefix + "schema:version")
	require.NoError(t, err)
	assert.Equal(t, "2", version)

	require.NoError(t, Migrate(ctx, client, testPrefix, nil))
}

func TestChangeBus_WatchRequiresStart(t *testing.T) {
	_, client := newClient(t)
	bus := distributed.NewChangeBus(client, "i", testPrefix, zap.NewNop().Sugar())
	_, err := bus.Watch(context.Background(), domain.CollectionUsers, "u1", func(domain.Change) {}, nil)
	assert.ErrorIs(t, err, distributed.ErrBusNotStarted)
}

func TestChangeBus_CloseFailsOpenWatches(t *testing.T) {
	b := newBackend(t)
	bus := b.Changes.(*distributed.ChangeBus)

	failed := make(chan error, 1)
	_, err := bus.Watch(context.Background(), domain.CollectionUsers, "u1", func(domain.Change) {}, func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch was not notified")
	}
}
