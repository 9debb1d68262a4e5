package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/repositories/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// countingStreams counts store writes and can fail Update.
type countingStreams struct {
	ports.StreamRepository
	writes    atomic.Int64
	failWrite error
	calls     *callLog
}

func (r *countingStreams) Create(ctx context.Context, s *domain.Stream) error {
	r.writes.Add(1)
	return r.StreamRepository.Create(ctx, s)
}

func (r *countingStreams) Update(ctx context.Context, id domain.StreamID, patch domain.StreamUpdate) (*domain.Stream, error) {
	r.writes.Add(1)
	if r.calls != nil && patch.IsActive != nil {
		if *patch.IsActive {
			r.calls.add("activate")
		} else {
			r.calls.add("deactivate")
		}
	}
	if r.failWrite != nil {
		return nil, r.failWrite
	}
	return r.StreamRepository.Update(ctx, id, patch)
}

func (r *countingStreams) Modify(ctx context.Context, id domain.StreamID, fn func(*domain.Stream) bool) (bool, error) {
	written, err := r.StreamRepository.Modify(ctx, id, fn)
	if written {
		r.writes.Add(1)
	}
	return written, err
}

func (r *countingStreams) Delete(ctx context.Context, id domain.StreamID) error {
	r.writes.Add(1)
	return r.StreamRepository.Delete(ctx, id)
}

// countingUsers counts store writes and fails Modify for selected users.
type countingUsers struct {
	ports.UserRepository
	writes atomic.Int64
	mu     sync.Mutex
	failOn map[domain.UserID]error
	// flaky fails Modify for a user the given number of times, then lets it through.
	flaky map[domain.UserID]int
}

func (r *countingUsers) failTimes(id domain.UserID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flaky == nil {
		r.flaky = make(map[domain.UserID]int)
	}
	r.flaky[id] = n
}

func (r *countingUsers) failFor(id domain.UserID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == nil {
		r.failOn = make(map[domain.UserID]error)
	}
	r.failOn[id] = err
}

func (r *countingUsers) Create(ctx context.Context, u *domain.User) error {
	r.writes.Add(1)
	return r.UserRepository.Create(ctx, u)
}

func (r *countingUsers) Update(ctx context.Context, id domain.UserID, patch domain.UserUpdate) (*domain.User, error) {
	r.writes.Add(1)
	return r.UserRepository.Update(ctx, id, patch)
}

func (r *countingUsers) Modify(ctx context.Context, id domain.UserID, fn func(*domain.User) bool) (bool, error) {
	r.mu.Lock()
	err := r.failOn[id]
	if err == nil && r.flaky[id] > 0 {
		r.flaky[id]--
		err = errors.New("transient store error")
	}
	r.mu.Unlock()
	if err != nil {
		return false, err
	}
	written, err := r.UserRepository.Modify(ctx, id, fn)
	if written {
		r.writes.Add(1)
	}
	return written, err
}

func (r *countingUsers) Delete(ctx context.Context, id domain.UserID) error {
	r.writes.Add(1)
	return r.UserRepository.Delete(ctx, id)
}

type fixture struct {
	t       *testing.T
	created atomic.Int64
	hub     *memory.ChangeHub
	streams *countingStreams
	users   *countingUsers
	metrics *MetricsService
}

func newFixture(t *testing.T) *fixture {
	hub := memory.NewChangeHub()
	return &fixture{
		t:       t,
		hub:     hub,
		streams: &countingStreams{StreamRepository: memory.NewMemoryStreamRepository(hub)},
		users:   &countingUsers{UserRepository: memory.NewMemoryUserRepository(hub)},
		metrics: NewMetricsService(),
	}
}

func (f *fixture) writes() int64 {
	return f.streams.writes.Load() + f.users.writes.Load()
}

func (f *fixture) assignments() ports.AssignmentService {
	return NewAssignmentService(f.streams, f.users, &stubLocker{}, f.metrics, zaptest.NewLogger(f.t).Sugar(), 4, 0)
}

func (f *fixture) stream(title string, subscribers ...domain.UserID) *domain.Stream {
	f.t.Helper()
	id := uuid.NewString()
	s := &domain.Stream{
		ID:                  domain.StreamID(id),
		Title:               title,
		ChannelName:         "stream_" + id,
		CreatedBy:           "admin-1",
		AssignedSubscribers: subscribers,
		CreatedAt:           fixtureEpoch.Add(time.Duration(f.created.Add(1)) * time.Second),
	}
	require.NoError(f.t, f.streams.StreamRepository.Create(context.Background(), s))
	return s
}

func (f *fixture) user(email string, role domain.Role, streams ...domain.StreamID) *domain.User {
	f.t.Helper()
	u := &domain.User{
		ID:              domain.UserID(uuid.NewString()),
		Email:           email,
		Role:            role,
		AssignedStreams: streams,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(f.t, f.users.UserRepository.Create(context.Background(), u))
	return u
}

func (f *fixture) subscriber(email string, streams ...domain.StreamID) *domain.User {
	return f.user(email, domain.RoleSubscriber, streams...)
}

func (f *fixture) getStream(id domain.StreamID) *domain.Stream {
	f.t.Helper()
	s, err := f.streams.GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) getUser(id domain.UserID) *domain.User {
	f.t.Helper()
	u, err := f.users.GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return u
}

type stubLocker struct {
	held atomic.Bool
	err  error
}

func (l *stubLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.held.Store(false)
		return nil
	}, true, nil
}

type MockCredentialMinter struct {
	mock.Mock
}

func (m *MockCredentialMinter) Mint(ctx context.Context, channelName string, uid uint32, role domain.MediaRole) (string, error) {
	args := m.Called(ctx, channelName, uid, role)
	return args.String(0), args.Error(1)
}

// callLog records the order of media and store calls across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

var fixtureEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var errMediaDown = errors.New("media down")

type fakeMediaSession struct {
	calls *callLog
	role  domain.MediaRole

	mu        sync.Mutex
	state     domain.ConnectionState
	muted     bool
	sharing   bool
	failOpen  error
	failClose error
	failStop  error
	peers     []uint32
}

func (s *fakeMediaSession) Open(ctx context.Context, channelName, token string, uid uint32, role domain.MediaRole) error {
	s.calls.add("open")
	if s.failOpen != nil {
		return s.failOpen
	}
	s.mu.Lock()
	s.state = domain.ConnectionConnected
	s.mu.Unlock()
	return nil
}

func (s *fakeMediaSession) Close(ctx context.Context) error {
	s.calls.add("close")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClose != nil {
		return s.failClose
	}
	s.state = domain.ConnectionDisconnected
	return nil
}

func (s *fakeMediaSession) SetMuted(muted bool) error {
	s.calls.add("mute")
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}

func (s *fakeMediaSession) StartScreenShare(ctx context.Context) error {
	s.calls.add("start_share")
	s.mu.Lock()
	s.sharing = true
	s.mu.Unlock()
	return nil
}

func (s *fakeMediaSession) StopScreenShare(ctx context.Context) error {
	s.calls.add("stop_share")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStop != nil {
		return s.failStop
	}
	s.sharing = false
	return nil
}

func (s *fakeMediaSession) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return domain.ConnectionDisconnected
	}
	return s.state
}

func (s *fakeMediaSession) RemotePeers() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.peers...)
}

type fakeMediaFactory struct {
	calls    *callLog
	mu       sync.Mutex
	sessions []*fakeMediaSession
	failOpen error
}

func (f *fakeMediaFactory) NewSession(role domain.MediaRole) ports.MediaSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeMediaSession{calls: f.calls, role: role, failOpen: f.failOpen}
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeMediaFactory) last() *fakeMediaSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeMediaFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fixture) assignmentsLogger() *zap.SugaredLogger {
	return zaptest.NewLogger(f.t).Sugar()
}
