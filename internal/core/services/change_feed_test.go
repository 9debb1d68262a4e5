package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type listRecorder struct {
	mu    sync.Mutex
	lists [][]*domain.Stream
	errs  []error
}

func (r *listRecorder) onChange(list []*domain.Stream) {
	r.mu.Lock()
	r.lists = append(r.lists, list)
	r.mu.Unlock()
}

func (r *listRecorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *listRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lists)
}

func (r *listRecorder) last() []domain.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lists) == 0 {
		return nil
	}
	ids := []domain.StreamID{}
	for _, s := range r.lists[len(r.lists)-1] {
		ids = append(ids, s.ID)
	}
	return ids
}

func (f *fixture) feed() *changeFeed {
	return NewChangeFeed(f.hub, f.metrics, zaptest.NewLogger(f.t).Sugar()).(*changeFeed)
}

func TestChangeFeed_EmptyStreamSet(t *testing.T) {
	f := newFixture(t)
	rec := &listRecorder{}

	unsub, err := f.feed().WatchStreamSet(context.Background(), nil, rec.onChange, rec.onError)
	require.NoError(t, err)
	defer unsub()

	require.Equal(t, 1, rec.count())
	assert.NotNil(t, rec.lists[0])
	assert.Empty(t, rec.lists[0])
	assert.Zero(t, f.hub.Watchers())
}

func TestChangeFeed_WatchUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.subscriber("watched@example.com")

	var seen []*domain.User
	unsub, err := f.feed().WatchUser(ctx, u.ID, func(u *domain.User) { seen = append(seen, u) }, nil)
	require.NoError(t, err)

	email := "renamed@example.com"
	_, err = f.users.Update(ctx, u.ID, domain.UserUpdate{Email: &email})
	require.NoError(t, err)
	require.NoError(t, f.users.Delete(ctx, u.ID))

	require.Len(t, seen, 3)
	assert.Equal(t, "watched@example.com", seen[0].Email)
	assert.Equal(t, "renamed@example.com", seen[1].Email)
	assert.Nil(t, seen[2])
	assert.Equal(t, 1, f.metrics.Snapshot().FeedWatchers)

	unsub()
	unsub()
	assert.Zero(t, f.metrics.Snapshot().FeedWatchers)
	assert.Zero(t, f.hub.Watchers())
}

func TestChangeFeed_StreamSetMaterializes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.stream("A")
	b := f.stream("B")

	rec := &listRecorder{}
	unsub, err := f.feed().WatchStreamSet(ctx, []domain.StreamID{b.ID, a.ID, "absent", a.ID}, rec.onChange, rec.onError)
	require.NoError(t, err)
	defer unsub()

	assert.Equal(t, 1, rec.count(), "one emission after every member reported")
	assert.Equal(t, []domain.StreamID{a.ID, b.ID}, rec.last())
	assert.Equal(t, 3, f.hub.Watchers())

	active := true
	_, err = f.streams.Update(ctx, b.ID, domain.StreamUpdate{IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count())

	require.NoError(t, f.streams.Delete(ctx, a.ID))
	assert.Equal(t, []domain.StreamID{b.ID}, rec.last())

	unsub()
	assert.Zero(t, f.hub.Watchers())
	_, err = f.streams.Update(ctx, b.ID, domain.StreamUpdate{IsActive: new(bool)})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.count(), "no emission after unsubscribe")
}

func TestChangeFeed_QuarantinesMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.stream("S")

	rec := &listRecorder{}
	unsub, err := f.feed().WatchStreamSet(ctx, []domain.StreamID{s.ID}, rec.onChange, rec.onError)
	require.NoError(t, err)
	defer unsub()
	require.Equal(t, 1, rec.count())

	f.hub.Publish(domain.Change{
		Collection: domain.CollectionStreams,
		ID:         string(s.ID),
		Revision:   50,
		Data:       []byte(`{"id":"` + string(s.ID) + `","title":""}`),
	})

	assert.Equal(t, 1, rec.count(), "malformed change is not emitted")
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], domain.ErrMalformedDocument)
	assert.Equal(t, 1, f.hub.Watchers(), "watch stays open")
}

func TestChangeFeed_DropsStaleRevisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.stream("S")

	var titles []string
	unsub, err := f.feed().WatchStream(ctx, s.ID, func(st *domain.Stream) { titles = append(titles, st.Title) }, nil)
	require.NoError(t, err)
	defer unsub()

	stale := s.Clone()
	stale.Title = "stale"
	stale.Revision = 1
	data, err := domain.EncodeStream(stale)
	require.NoError(t, err)
	f.hub.Publish(domain.Change{Collection: domain.CollectionStreams, ID: string(s.ID), Revision: 1, Data: data})

	assert.Equal(t, []string{"S"}, titles)
}

func TestChangeFeed_WatchAssignedStreamsResubscribes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.assignments()

	u := f.subscriber("dash@example.com")
	s1 := f.stream("S1")
	s2 := f.stream("S2")

	rec := &listRecorder{}
	unsub, err := f.feed().WatchAssignedStreams(ctx, u.ID, rec.onChange, rec.onError)
	require.NoError(t, err)
	defer unsub()

	assert.Equal(t, []domain.StreamID{}, rec.last())
	assert.Equal(t, 1, f.hub.Watchers(), "only the user watch for an empty set")

	_, err = svc.SetStreamAssignments(ctx, s1.ID, []domain.UserID{u.ID})
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamID{s1.ID}, rec.last())

	_, err = svc.SetStreamAssignments(ctx, s2.ID, []domain.UserID{u.ID})
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamID{s1.ID, s2.ID}, rec.last())
	assert.Equal(t, 3, f.hub.Watchers())

	n := rec.count()
	title := "S1 renamed"
	_, err = f.streams.Update(ctx, s1.ID, domain.StreamUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, n+1, rec.count(), "member changes flow through the inner watch")

	_, err = svc.UnassignAll(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamID{s2.ID}, rec.last())
	assert.Equal(t, 2, f.hub.Watchers())

	n = rec.count()
	_, err = f.streams.Update(ctx, s1.ID, domain.StreamUpdate{Title: &title, IsActive: new(bool)})
	require.NoError(t, err)
	active := true
	_, err = f.streams.Update(ctx, s1.ID, domain.StreamUpdate{IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, n, rec.count(), "superseded stream no longer emits")

	unsub()
	assert.Zero(t, f.hub.Watchers())
}

func TestChangeFeed_UnsubscribeFromCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.stream("S")

	var unsub func()
	calls := 0
	u, err := f.feed().WatchStreamSet(ctx, []domain.StreamID{s.ID}, func([]*domain.Stream) {
		calls++
		if unsub != nil {
			unsub()
		}
	}, nil)
	require.NoError(t, err)
	unsub = u

	title := "T"
	_, err = f.streams.Update(ctx, s.ID, domain.StreamUpdate{Title: &title})
	require.NoError(t, err)
	_, err = f.streams.Update(ctx, s.ID, domain.StreamUpdate{Description: &title})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Zero(t, f.hub.Watchers())
}

func TestChangeFeed_WatchErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	feed := NewChangeFeed(failingSource{}, f.metrics, zaptest.NewLogger(t).Sugar())

	_, err := feed.WatchStreamSet(context.Background(), []domain.StreamID{"a"}, func([]*domain.Stream) {}, nil)
	assert.Error(t, err)
	assert.Zero(t, f.metrics.Snapshot().FeedWatchers)
}

type failingSource struct{}

func (failingSource) Watch(context.Context, domain.Collection, string, func(domain.Change), func(error)) (ports.Unsubscribe, error) {
	return nil, errors.New("watch refused")
}
