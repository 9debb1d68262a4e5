// Package repotest holds behaviour checks every record store backend must pass.
package repotest

import (
	"context"
	"sync"
	"testing"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is a freshly constructed, empty store.
type Backend struct {
	Users   ports.UserRepository
	Streams ports.StreamRepository
	Changes ports.ChangeSource
}

func NewStream(title string) *domain.Stream {
	id := uuid.NewString()
	return &domain.Stream{
		ID:          domain.StreamID(id),
		Title:       title,
		ChannelName: "stream_" + id,
		CreatedBy:   "admin",
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func NewUser(email string, role domain.Role) *domain.User {
	return &domain.User{
		ID:        domain.UserID(uuid.NewString()),
		Email:     email,
		Role:      role,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run exercises the repository and change source contract. newBackend must return an
// isolated store on every call.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("StreamCRUD", func(t *testing.T) { testStreamCRUD(t, newBackend(t)) })
	t.Run("StreamModifyNoChange", func(t *testing.T) { testStreamModifyNoChange(t, newBackend(t)) })
	t.Run("StreamImmutableFields", func(t *testing.T) { testStreamImmutableFields(t, newBackend(t)) })
	t.Run("StreamListFilter", func(t *testing.T) { testStreamListFilter(t, newBackend(t)) })
	t.Run("UserCRUD", func(t *testing.T) { testUserCRUD(t, newBackend(t)) })
	t.Run("UserEmailUniqueness", func(t *testing.T) { testUserEmailUniqueness(t, newBackend(t)) })
	t.Run("ConcurrentModify", func(t *testing.T) { testConcurrentModify(t, newBackend(t)) })
	t.Run("WatchDocument", func(t *testing.T) { testWatchDocument(t, newBackend(t)) })
	t.Run("WatchMissingDocument", func(t *testing.T) { testWatchMissingDocument(t, newBackend(t)) })
	t.Run("RecreateStreamContinuesRevision", func(t *testing.T) { testRecreateStream(t, newBackend(t)) })
	t.Run("RecreateUserContinuesRevision", func(t *testing.T) { testRecreateUser(t, newBackend(t)) })
}

func testStreamCRUD(t *testing.T, b Backend) {
	ctx := context.Background()
	s := NewStream("Morning")

	require.NoError(t, b.Streams.Create(ctx, s))
	assert.ErrorIs(t, b.Streams.Create(ctx, s), domain.ErrAlreadyExists)

	got, err := b.Streams.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning", got.Title)
	assert.Equal(t, int64(1), got.Revision)

	title := "Evening"
	active := true
	updated, err := b.Streams.Update(ctx, s.ID, domain.StreamUpdate{Title: &title, IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, "Evening", updated.Title)
	assert.True(t, updated.IsActive)
	assert.Equal(t, int64(2), updated.Revision)

	require.NoError(t, b.Streams.Delete(ctx, s.ID))
	_, err = b.Streams.GetByID(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, b.Streams.Delete(ctx, s.ID), domain.ErrStreamNotFound)

	_, err = b.Streams.Modify(ctx, s.ID, func(*domain.Stream) bool { return true })
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func testStreamModifyNoChange(t *testing.T, b Backend) {
	ctx := context.Background()
	s := NewStream("Quiet")
	require.NoError(t, b.Streams.Create(ctx, s))

	written, err := b.Streams.Modify(ctx, s.ID, func(*domain.Stream) bool { return false })
	require.NoError(t, err)
	assert.False(t, written)

	got, err := b.Streams.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
}

func testStreamImmutableFields(t *testing.T, b Backend) {
	ctx := context.Background()
	s := NewStream("Fixed")
	require.NoError(t, b.Streams.Create(ctx, s))

	_, err := b.Streams.Modify(ctx, s.ID, func(st *domain.Stream) bool {
		st.ChannelName = "stream_other"
		st.CreatedBy = "someone"
		st.AssignedSubscribers = []domain.UserID{"u1", "u1", "u2"}
		return true
	})
	require.NoError(t, err)

	got, err := b.Streams.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ChannelName, got.ChannelName)
	assert.Equal(t, domain.UserID("admin"), got.CreatedBy)
	assert.Equal(t, []domain.UserID{"u1", "u2"}, got.AssignedSubscribers)
}

func testStreamListFilter(t *testing.T, b Backend) {
	ctx := context.Background()
	first := NewStream("First")
	second := NewStream("Second")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.IsActive = true
	require.NoError(t, b.Streams.Create(ctx, second))
	require.NoError(t, b.Streams.Create(ctx, first))

	all, err := b.Streams.List(ctx, domain.StreamFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	active, err := b.Streams.List(ctx, domain.StreamFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	off := false
	_, err = b.Streams.Update(ctx, second.ID, domain.StreamUpdate{IsActive: &off})
	require.NoError(t, err)
	active, err = b.Streams.List(ctx, domain.StreamFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testUserCRUD(t *testing.T, b Backend) {
	ctx := context.Background()
	admin := NewUser("Admin@Example.com", domain.RoleAdmin)
	sub := NewUser("sub@example.com", domain.RoleSubscriber)
	require.NoError(t, b.Users.Create(ctx, admin))
	require.NoError(t, b.Users.Create(ctx, sub))
	assert.Equal(t, "admin@example.com", admin.Email)

	got, err := b.Users.GetByEmail(ctx, "ADMIN@example.com")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, got.ID)

	subs, err := b.Users.List(ctx, domain.UserFilter{Role: domain.RoleSubscriber})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)

	streams := []domain.StreamID{"s1", "s1", "s2"}
	updated, err := b.Users.Update(ctx, sub.ID, domain.UserUpdate{AssignedStreams: &streams})
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamID{"s1", "s2"}, updated.AssignedStreams)

	_, err = b.Users.Modify(ctx, sub.ID, func(u *domain.User) bool {
		u.Role = domain.RoleAdmin
		return true
	})
	require.NoError(t, err)
	got, err = b.Users.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSubscriber, got.Role)

	require.NoError(t, b.Users.Delete(ctx, sub.ID))
	_, err = b.Users.GetByID(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = b.Users.GetByEmail(ctx, "sub@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testUserEmailUniqueness(t *testing.T, b Backend) {
	ctx := context.Background()
	first := NewUser("one@example.com", domain.RoleSubscriber)
	second := NewUser("two@example.com", domain.RoleSubscriber)
	require.NoError(t, b.Users.Create(ctx, first))
	require.NoError(t, b.Users.Create(ctx, second))

	dup := NewUser("ONE@example.com", domain.RoleSubscriber)
	assert.ErrorIs(t, b.Users.Create(ctx, dup), domain.ErrEmailTaken)

	taken := "one@example.com"
	_, err := b.Users.Update(ctx, second.ID, domain.UserUpdate{Email: &taken})
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	fresh := "three@example.com"
	_, err = b.Users.Update(ctx, second.ID, domain.UserUpdate{Email: &fresh})
	require.NoError(t, err)

	got, err := b.Users.GetByEmail(ctx, "three@example.com")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	_, err = b.Users.GetByEmail(ctx, "two@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	reuse := NewUser("two@example.com", domain.RoleSubscriber)
	assert.NoError(t, b.Users.Create(ctx, reuse))
}

func testConcurrentModify(t *testing.T, b Backend) {
	ctx := context.Background()
	u := NewUser("busy@example.com", domain.RoleSubscriber)
	require.NoError(t, b.Users.Create(ctx, u))

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.StreamID(uuid.NewString())
			_, err := b.Users.Modify(ctx, u.ID, func(u *domain.User) bool {
				next, changed := domain.WithID(u.AssignedStreams, id)
				u.AssignedStreams = next
				return changed
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := b.Users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, got.AssignedStreams, writers, "no update may be lost")
	assert.Equal(t, int64(writers+1), got.Revision)
}

type recorder struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (r *recorder) add(c domain.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []domain.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Change(nil), r.changes...)
}

func (r *recorder) last() (domain.Change, bool) {
	all := r.snapshot()
	if len(all) == 0 {
		return domain.Change{}, false
	}
	return all[len(all)-1], true
}

func testWatchDocument(t *testing.T, b Backend) {
	ctx := context.Background()
	s := NewStream("Watched")
	require.NoError(t, b.Streams.Create(ctx, s))

	rec := &recorder{}
	unsub, err := b.Changes.Watch(ctx, domain.CollectionStreams, string(s.ID), rec.add, func(error) {})
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		c, ok := rec.last()
		return ok && c.Revision == 1 && !c.Deleted()
	}, 2*time.Second, 10*time.Millisecond)

	active := true
	_, err = b.Streams.Update(ctx, s.ID, domain.StreamUpdate{IsActive: &active})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := rec.last()
		if !ok || c.Revision != 2 {
			return false
		}
		decoded, err := domain.DecodeStream(c.Data)
		return err == nil && decoded.IsActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Streams.Delete(ctx, s.ID))
	require.Eventually(t, func() bool {
		c, ok := rec.last()
		return ok && c.Deleted() && c.Revision == 3
	}, 2*time.Second, 10*time.Millisecond)

	unsub()
	unsub()
	n := len(rec.snapshot())

	other := NewStream("After")
	require.NoError(t, b.Streams.Create(ctx, other))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), n)

	revs := []int64{}
	for _, c := range rec.snapshot() {
		revs = append(revs, c.Revision)
	}
	assert.IsIncreasing(t, revs)
}

func testWatchMissingDocument(t *testing.T, b Backend) {
	ctx := context.Background()
	rec := &recorder{}

	unsub, err := b.Changes.Watch(ctx, domain.CollectionUsers, uuid.NewString(), rec.add, func(error) {})
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		c, ok := rec.last()
		return ok && c.Deleted()
	}, 2*time.Second, 10*time.Millisecond)
}

func testRecreateStream(t *testing.T, b Backend) {
	ctx := context.Background()
	s := NewStream("Again")
	require.NoError(t, b.Streams.Create(ctx, s))
	title := "Again and again"
	_, err := b.Streams.Update(ctx, s.ID, domain.StreamUpdate{Title: &title})
	require.NoError(t, err)

	rec := &recorder{}
	unsub, err := b.Changes.Watch(ctx, domain.CollectionStreams, string(s.ID), rec.add, func(error) {})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Streams.Delete(ctx, s.ID))
	require.Eventually(t, func() bool {
		c, ok := rec.last()
		return ok && c.Deleted() && c.Revision == 3
	}, 2*time.Second, 10*time.Millisecond)

	again := s.Clone()
	again.Title = "Back"
	require.NoError(t, b.Streams.Create(ctx, again))
	assert.Equal(t, int64(4), again.Revision)

	require.Eventually(t, func() bool {
		c, ok := rec.last()
		if !ok || c.Deleted() || c.Revision != 4 {
			return false
		}
		decoded, err := domain.DecodeStream(c.Data)
		return err == nil && decoded.Title == "Back"
	}, 2*time.Second, 10*time.Millisecond)

	got, err := b.Streams.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Revision)
}

func testRecreateUser(t *testing.T, b Backend) {
	ctx := context.Background()
	u := NewUser("gone@example.com", domain.RoleSubscriber)
	require.NoError(t, b.Users.Create(ctx, u))
	require.NoError(t, b.Users.Delete(ctx, u.ID))

	rec := &recorder{}
	unsub, err := b.Changes.Watch(ctx, domain.CollectionUsers, string(u.ID), rec.add, func(error) {})
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		c, ok := rec.last()
		return ok && c.Deleted() && c.Revision == 2
	}, 2*time.Second, 10*time.Millisecond)

	again := NewUser("gone@example.com", domain.RoleSubscriber)
	again.ID = u.ID
	require.NoError(t, b.Users.Create(ctx, again))
	assert.Equal(t, int64(3), again.Revision)

	require.Eventually(t, func() bool {
		c, ok := rec.last()
		return ok && !c.Deleted() && c.Revision == 3
	}, 2*time.Second, 10*time.Millisecond)
}
