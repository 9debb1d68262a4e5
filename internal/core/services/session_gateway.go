package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/tracing"
	"airwave/pkg/utils"

	"go.uber.org/zap"
)

// session is one joined media session. opMu serializes lifecycle operations; stateMu only
// guards the fields GetStatus reads, so status never waits on a slow teardown.
type session struct {
	opMu    sync.Mutex
	stateMu sync.Mutex

	handle domain.SessionHandle
	media  ports.MediaSession

	state   domain.SessionState
	sharing bool
	muted   bool
	closed  bool
	left    bool
}

func (s *session) setSharing(v bool) {
	s.stateMu.Lock()
	s.sharing = v
	s.stateMu.Unlock()
}

func (s *session) isSharing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sharing
}

type sessionGateway struct {
	streams ports.StreamRepository
	users   ports.UserRepository
	minter  ports.CredentialMinter
	media   ports.MediaSessionFactory
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu           sync.RWMutex
	sessions     map[domain.SessionID]*session
	broadcasters map[domain.StreamID]domain.SessionID
	listenerUID  func() uint32
}

func NewSessionGateway(
	streams ports.StreamRepository,
	users ports.UserRepository,
	minter ports.CredentialMinter,
	media ports.MediaSessionFactory,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) ports.SessionGateway {
	return &sessionGateway{
		streams:      streams,
		users:        users,
		minter:       minter,
		media:        media,
		metrics:      metrics,
		logger:       logger,
		sessions:     make(map[domain.SessionID]*session),
		broadcasters: make(map[domain.StreamID]domain.SessionID),
		listenerUID: func() uint32 {
			return utils.RandomUID(domain.ListenerUIDMin, domain.ListenerUIDRange)
		},
	}
}

func (g *sessionGateway) JoinAsBroadcaster(ctx context.Context, user domain.CurrentUser, streamID domain.StreamID) (*domain.SessionHandle, error) {
	if !user.IsAdmin() {
		return nil, domain.ErrAccessDenied
	}

	stream, err := g.streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}

	id := domain.SessionID(utils.GenerateSessionID())
	ctx, span := tracing.TraceSession(ctx, "join_broadcaster", string(id), string(streamID))
	defer span.End()

	g.mu.Lock()
	if _, busy := g.broadcasters[streamID]; busy {
		g.mu.Unlock()
		return nil, domain.ErrAlreadyBroadcasting
	}
	g.broadcasters[streamID] = id
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		if g.broadcasters[streamID] == id {
			delete(g.broadcasters, streamID)
		}
		g.mu.Unlock()
	}

	sess, err := g.open(ctx, id, user.ID, stream, domain.BroadcasterUID, domain.SessionBroadcaster)
	if err != nil {
		release()
		tracing.RecordError(ctx, err)
		return nil, err
	}

	active := true
	if _, err := g.streams.Update(ctx, streamID, domain.StreamUpdate{IsActive: &active}); err != nil {
		if closeErr := sess.media.Close(ctx); closeErr != nil {
			g.logger.Warnw("failed to close media session after activation failure",
				"session_id", id,
				"error", closeErr,
			)
		}
		release()
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to activate stream: %w", err)
	}

	g.register(sess)
	return handleCopy(sess), nil
}

func (g *sessionGateway) JoinAsSubscriber(ctx context.Context, user domain.CurrentUser, streamID domain.StreamID) (*domain.SessionHandle, error) {
	profile, err := g.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !profile.HasStream(streamID) {
		g.logger.Infow("listen denied", "user_id", user.ID, "stream_id", streamID)
		return nil, domain.ErrAccessDenied
	}

	stream, err := g.streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if !stream.IsActive {
		return nil, domain.ErrStreamInactive
	}

	id := domain.SessionID(utils.GenerateSessionID())
	ctx, span := tracing.TraceSession(ctx, "join_listener", string(id), string(streamID))
	defer span.End()

	sess, err := g.open(ctx, id, user.ID, stream, g.pickListenerUID(stream.ChannelName), domain.SessionListener)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	g.register(sess)
	return handleCopy(sess), nil
}

// open mints a credential and connects the media session. Nothing is registered yet.
func (g *sessionGateway) open(
	ctx context.Context,
	id domain.SessionID,
	userID domain.UserID,
	stream *domain.Stream,
	uid uint32,
	role domain.SessionRole,
) (*session, error) {
	mediaRole := domain.MediaRoleSubscriber
	if role == domain.SessionBroadcaster {
		mediaRole = domain.MediaRolePublisher
	}

	token, err := g.minter.Mint(ctx, stream.ChannelName, uid, mediaRole)
	g.metrics.CredentialMinted(mediaRole, err == nil)
	if err != nil {
		return nil, domain.CredentialError(err)
	}

	media := g.media.NewSession(mediaRole)
	if err := media.Open(ctx, stream.ChannelName, token, uid, mediaRole); err != nil {
		return nil, domain.TransportError(err)
	}

	return &session{
		handle: domain.SessionHandle{
			ID:          id,
			StreamID:    stream.ID,
			UserID:      userID,
			ChannelName: stream.ChannelName,
			UID:         uid,
			Role:        role,
			Token:       token,
			JoinedAt:    time.Now().UTC(),
		},
		media: media,
		state: domain.SessionConnected,
	}, nil
}

func (g *sessionGateway) register(sess *session) {
	g.mu.Lock()
	g.sessions[sess.handle.ID] = sess
	g.mu.Unlock()

	g.metrics.SessionOpened(sess.handle.Role)
	g.logger.Infow("session joined",
		"session_id", sess.handle.ID,
		"stream_id", sess.handle.StreamID,
		"user_id", sess.handle.UserID,
		"role", sess.handle.Role,
		"uid", sess.handle.UID,
	)
}

// pickListenerUID avoids uids already held by this gateway on the same channel.
func (g *sessionGateway) pickListenerUID(channel string) uint32 {
	g.mu.RLock()
	used := make(map[uint32]bool)
	for _, s := range g.sessions {
		if s.handle.ChannelName == channel {
			used[s.handle.UID] = true
		}
	}
	g.mu.RUnlock()

	uid := g.listenerUID()
	for i := 0; i < 8 && used[uid]; i++ {
		uid = g.listenerUID()
	}
	return uid
}

func handleCopy(s *session) *domain.SessionHandle {
	h := s.handle
	return &h
}

func (g *sessionGateway) lookup(id domain.SessionID) (*session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// Leave tears a session down in order: screen share, media session, then (for a
// broadcaster) the stream's live flag. On failure the session stays registered and Leave
// can be called again; completed steps are not repeated.
func (g *sessionGateway) Leave(ctx context.Context, id domain.SessionID) error {
	sess, err := g.lookup(id)
	if err != nil {
		return nil
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.left {
		return nil
	}

	ctx, span := tracing.TraceSession(ctx, "leave", string(id), string(sess.handle.StreamID))
	defer span.End()

	if sess.isSharing() {
		if err := sess.media.StopScreenShare(ctx); err != nil {
			tracing.RecordError(ctx, err)
			return domain.TransportError(err)
		}
		sess.setSharing(false)
	}

	if !sess.closed {
		if err := sess.media.Close(ctx); err != nil {
			tracing.RecordError(ctx, err)
			return domain.TransportError(err)
		}
		sess.closed = true
		sess.stateMu.Lock()
		sess.state = domain.SessionIdle
		sess.stateMu.Unlock()
	}

	if sess.handle.Role == domain.SessionBroadcaster {
		inactive := false
		_, err := g.streams.Update(ctx, sess.handle.StreamID, domain.StreamUpdate{IsActive: &inactive})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to deactivate stream: %w", err)
		}
	}

	sess.left = true
	g.mu.Lock()
	delete(g.sessions, id)
	if g.broadcasters[sess.handle.StreamID] == id {
		delete(g.broadcasters, sess.handle.StreamID)
	}
	g.mu.Unlock()

	g.metrics.SessionClosed(sess.handle.Role)
	g.logger.Infow("session left",
		"session_id", id,
		"stream_id", sess.handle.StreamID,
		"role", sess.handle.Role,
	)
	return nil
}

// SetMuted only affects broadcasters; listeners have no outgoing track.
func (g *sessionGateway) SetMuted(ctx context.Context, id domain.SessionID, muted bool) error {
	sess, err := g.lookup(id)
	if err != nil {
		return err
	}
	if sess.handle.Role != domain.SessionBroadcaster {
		return nil
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.left {
		return domain.ErrSessionNotFound
	}

	if err := sess.media.SetMuted(muted); err != nil {
		return domain.TransportError(err)
	}
	sess.stateMu.Lock()
	sess.muted = muted
	sess.stateMu.Unlock()
	return nil
}

func (g *sessionGateway) StartScreenShare(ctx context.Context, id domain.SessionID) error {
	sess, err := g.lookup(id)
	if err != nil {
		return err
	}
	if sess.handle.Role != domain.SessionBroadcaster {
		return domain.ErrAccessDenied
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.left {
		return domain.ErrSessionNotFound
	}
	if sess.isSharing() {
		return domain.ErrAlreadySharing
	}

	ctx, span := tracing.TraceSession(ctx, "start_screen_share", string(id), string(sess.handle.StreamID))
	defer span.End()

	if err := sess.media.StartScreenShare(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return domain.TransportError(err)
	}
	sess.setSharing(true)
	return nil
}

func (g *sessionGateway) StopScreenShare(ctx context.Context, id domain.SessionID) error {
	sess, err := g.lookup(id)
	if err != nil {
		return err
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.left || !sess.isSharing() {
		return nil
	}

	if err := sess.media.StopScreenShare(ctx); err != nil {
		return domain.TransportError(err)
	}
	sess.setSharing(false)
	return nil
}

func (g *sessionGateway) GetStatus(id domain.SessionID) (*domain.SessionStatus, error) {
	sess, err := g.lookup(id)
	if err != nil {
		return nil, err
	}

	sess.stateMu.Lock()
	status := &domain.SessionStatus{
		SessionID: id,
		StreamID:  sess.handle.StreamID,
		Role:      sess.handle.Role,
		State:     sess.state,
		Sharing:   sess.sharing,
		Muted:     sess.muted,
	}
	sess.stateMu.Unlock()

	status.ConnectionState = sess.media.ConnectionState()
	status.PeerCount = len(sess.media.RemotePeers())
	return status, nil
}

func (g *sessionGateway) Owner(id domain.SessionID) (domain.UserID, bool) {
	sess, err := g.lookup(id)
	if err != nil {
		return "", false
	}
	return sess.handle.UserID, true
}

// Shutdown leaves every open session, returning the joined errors of those that failed.
func (g *sessionGateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	ids := make([]domain.SessionID, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := g.Leave(ctx, id); err != nil {
			g.logger.Warnw("failed to leave session on shutdown", "session_id", id, "error", err)
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
