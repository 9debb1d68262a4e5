package services

import (
	"context"
	"errors"
	"testing"

	"airwave/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type gatewayFixture struct {
	*fixture
	calls   *callLog
	minter  *MockCredentialMinter
	media   *fakeMediaFactory
	gateway *sessionGateway
	admin   domain.CurrentUser
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	f := newFixture(t)
	calls := &callLog{}
	f.streams.calls = calls

	g := &gatewayFixture{
		fixture: f,
		calls:   calls,
		minter:  &MockCredentialMinter{},
		media:   &fakeMediaFactory{calls: calls},
		admin:   domain.CurrentUser{ID: "admin-1", Role: domain.RoleAdmin},
	}
	g.gateway = NewSessionGateway(f.streams, f.users, g.minter, g.media, f.metrics, zaptest.NewLogger(t).Sugar()).(*sessionGateway)
	return g
}

func TestSessionGateway_DeniedJoin(t *testing.T) {
	g := newGatewayFixture(t)
	s1 := g.stream("S1")
	u4 := g.subscriber("u4@example.com")

	_, err := g.gateway.JoinAsSubscriber(context.Background(), domain.CurrentUser{ID: u4.ID, Role: domain.RoleSubscriber}, s1.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	g.minter.AssertNotCalled(t, "Mint", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, g.writes())
	assert.Zero(t, g.media.count())
}

func TestSessionGateway_SubscriberJoin(t *testing.T) {
	g := newGatewayFixture(t)
	ctx := context.Background()
	u := g.subscriber("listener@example.com")
	s := g.stream("Live", u.ID)
	_, err := g.users.UserRepository.Update(ctx, u.ID, domain.UserUpdate{AssignedStreams: &[]domain.StreamID{s.ID}})
	require.NoError(t, err)
	caller := domain.CurrentUser{ID: u.ID, Role: domain.RoleSubscriber}

	_, err = g.gateway.JoinAsSubscriber(ctx, caller, s.ID)
	assert.ErrorIs(t, err, domain.ErrStreamInactive)

	active := true
	_, err = g.streams.StreamRepository.Update(ctx, s.ID, domain.StreamUpdate{IsActive: &active})
	require.NoError(t, err)

	g.minter.On("Mint", mock.Anything, s.ChannelName, mock.AnythingOfType("uint32"), domain.MediaRoleSubscriber).
		Return("listener-token", nil).Once()

	before := g.writes()
	handle, err := g.gateway.JoinAsSubscriber(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionListener, handle.Role)
	assert.GreaterOrEqual(t, handle.UID, domain.ListenerUIDMin)
	assert.Less(t, handle.UID, domain.ListenerUIDMin+domain.ListenerUIDRange)
	assert.Equal(t, "listener-token", handle.Token)
	assert.Equal(t, before, g.writes(), "listening never writes")
	g.minter.AssertExpectations(t)

	status, err := g.gateway.GetStatus(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionConnected, status.State)
	assert.Equal(t, domain.ConnectionConnected, status.ConnectionState)

	require.NoError(t, g.gateway.SetMuted(ctx, handle.ID, true))
	assert.NotContains(t, g.calls.list(), "mute", "listeners have nothing to mute")
	assert.ErrorIs(t, g.gateway.StartScreenShare(ctx, handle.ID), domain.ErrAccessDenied)

	require.NoError(t, g.gateway.Leave(ctx, handle.ID))
	assert.True(t, g.getStream(s.ID).IsActive, "a listener leaving does not end the broadcast")
}

func TestSessionGateway_SubscriberJoinUnknownStream(t *testing.T) {
	g := newGatewayFixture(t)
	u := g.subscriber("x@example.com", "deleted-stream")

	_, err := g.gateway.JoinAsSubscriber(context.Background(), domain.CurrentUser{ID: u.ID, Role: domain.RoleSubscriber}, "deleted-stream")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestSessionGateway_BroadcasterLifecycle(t *testing.T) {
	g := newGatewayFixture(t)
	ctx := context.Background()
	s := g.stream("Show")

	g.minter.On("Mint", mock.Anything, s.ChannelName, domain.BroadcasterUID, domain.MediaRolePublisher).
		Return("publisher-token", nil).Once()

	handle, err := g.gateway.JoinAsBroadcaster(ctx, g.admin, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcasterUID, handle.UID)
	assert.True(t, g.getStream(s.ID).IsActive)
	assert.Equal(t, []string{"open", "activate"}, g.calls.list())

	owner, ok := g.gateway.Owner(handle.ID)
	assert.True(t, ok)
	assert.Equal(t, g.admin.ID, owner)

	_, err = g.gateway.JoinAsBroadcaster(ctx, g.admin, s.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyBroadcasting)

	require.NoError(t, g.gateway.SetMuted(ctx, handle.ID, true))
	require.NoError(t, g.gateway.StartScreenShare(ctx, handle.ID))
	assert.ErrorIs(t, g.gateway.StartScreenShare(ctx, handle.ID), domain.ErrAlreadySharing)

	status, err := g.gateway.GetStatus(handle.ID)
	require.NoError(t, err)
	assert.True(t, status.Muted)
	assert.True(t, status.Sharing)
	assert.Equal(t, domain.SessionBroadcaster, status.Role)

	require.NoError(t, g.gateway.Leave(ctx, handle.ID))
	assert.Equal(t,
		[]string{"open", "activate", "mute", "start_share", "stop_share", "close", "deactivate"},
		g.calls.list(),
	)
	assert.False(t, g.getStream(s.ID).IsActive)

	_, err = g.gateway.GetStatus(handle.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.NoError(t, g.gateway.Leave(ctx, handle.ID), "leaving twice is a no-op")
	assert.Zero(t, g.metrics.Snapshot().ActiveSessions[domain.SessionBroadcaster])
}

func TestSessionGateway_LeaveRetriesAfterFailure(t *testing.T) {
	g := newGatewayFixture(t)
	ctx := context.Background()
	s := g.stream("Show")
	g.minter.On("Mint", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("tok", nil)

	handle, err := g.gateway.JoinAsBroadcaster(ctx, g.admin, s.ID)
	require.NoError(t, err)
	require.NoError(t, g.gateway.StartScreenShare(ctx, handle.ID))

	session := g.media.last()
	session.failClose = errMediaDown

	err = g.gateway.Leave(ctx, handle.ID)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.True(t, g.getStream(s.ID).IsActive, "isActive stays until the media session is closed")

	_, err = g.gateway.GetStatus(handle.ID)
	require.NoError(t, err, "handle is kept for retry")

	session.mu.Lock()
	session.failClose = nil
	session.mu.Unlock()

	require.NoError(t, g.gateway.Leave(ctx, handle.ID))
	assert.False(t, g.getStream(s.ID).IsActive)
	assert.Equal(t, 1, countOf(g.calls.list(), "stop_share"), "completed steps are not repeated")
}

func TestSessionGateway_BroadcasterFailures(t *testing.T) {
	t.Run("not admin", func(t *testing.T) {
		g := newGatewayFixture(t)
		s := g.stream("S")
		_, err := g.gateway.JoinAsBroadcaster(context.Background(), domain.CurrentUser{ID: "u", Role: domain.RoleSubscriber}, s.ID)
		assert.ErrorIs(t, err, domain.ErrAccessDenied)
		g.minter.AssertNotCalled(t, "Mint", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown stream", func(t *testing.T) {
		g := newGatewayFixture(t)
		_, err := g.gateway.JoinAsBroadcaster(context.Background(), g.admin, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("credential failure", func(t *testing.T) {
		g := newGatewayFixture(t)
		s := g.stream("S")
		g.minter.On("Mint", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("secret missing"))

		_, err := g.gateway.JoinAsBroadcaster(context.Background(), g.admin, s.ID)
		assert.ErrorIs(t, err, domain.ErrCredential)
		assert.False(t, g.getStream(s.ID).IsActive)
		assert.Zero(t, g.media.count())
		assert.Equal(t, 1, g.metrics.Snapshot().CredentialFailures[domain.MediaRolePublisher])
	})

	t.Run("transport failure", func(t *testing.T) {
		g := newGatewayFixture(t)
		g.media.failOpen = errMediaDown
		s := g.stream("S")
		g.minter.On("Mint", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("tok", nil)

		_, err := g.gateway.JoinAsBroadcaster(context.Background(), g.admin, s.ID)
		assert.ErrorIs(t, err, domain.ErrTransport)
		assert.ErrorIs(t, err, errMediaDown)
		assert.False(t, g.getStream(s.ID).IsActive)

		g.media.failOpen = nil
		_, err = g.gateway.JoinAsBroadcaster(context.Background(), g.admin, s.ID)
		assert.NoError(t, err, "a failed join releases the broadcaster slot")
	})

	t.Run("activation failure closes the session", func(t *testing.T) {
		g := newGatewayFixture(t)
		s := g.stream("S")
		g.streams.failWrite = errors.New("store down")
		g.minter.On("Mint", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("tok", nil)

		_, err := g.gateway.JoinAsBroadcaster(context.Background(), g.admin, s.ID)
		assert.Error(t, err)
		assert.Equal(t, []string{"open", "activate", "close"}, g.calls.list())
		assert.Empty(t, g.gateway.sessions)
	})
}

func TestSessionGateway_UnknownHandle(t *testing.T) {
	g := newGatewayFixture(t)
	ctx := context.Background()

	assert.NoError(t, g.gateway.Leave(ctx, "nope"))
	assert.ErrorIs(t, g.gateway.SetMuted(ctx, "nope", true), domain.ErrSessionNotFound)
	assert.ErrorIs(t, g.gateway.StartScreenShare(ctx, "nope"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, g.gateway.StopScreenShare(ctx, "nope"), domain.ErrSessionNotFound)
	_, err := g.gateway.GetStatus("nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, ok := g.gateway.Owner("nope")
	assert.False(t, ok)
}

func TestSessionGateway_Shutdown(t *testing.T) {
	g := newGatewayFixture(t)
	ctx := context.Background()
	a := g.stream("A")
	b := g.stream("B")
	g.minter.On("Mint", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("tok", nil)

	_, err := g.gateway.JoinAsBroadcaster(ctx, g.admin, a.ID)
	require.NoError(t, err)
	_, err = g.gateway.JoinAsBroadcaster(ctx, g.admin, b.ID)
	require.NoError(t, err)

	require.NoError(t, g.gateway.Shutdown(ctx))
	assert.Empty(t, g.gateway.sessions)
	assert.False(t, g.getStream(a.ID).IsActive)
	assert.False(t, g.getStream(b.ID).IsActive)
}

func countOf(list []string, item string) int {
	n := 0
	for _, v := range list {
		if v == item {
			n++
		}
	}
	return n
}
