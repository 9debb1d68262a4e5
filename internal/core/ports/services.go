package ports

import (
	"context"

	"airwave/internal/core/domain"
)

type AssignmentService interface {
	SetStreamAssignments(ctx context.Context, streamID domain.StreamID, subscriberIDs []domain.UserID) (*domain.SyncReport, error)
	AssignAll(ctx context.Context, streamID domain.StreamID) (*domain.SyncReport, error)
	UnassignAll(ctx context.Context, streamID domain.StreamID) (*domain.SyncReport, error)
	Reconcile(ctx context.Context) (*domain.ReconcileReport, error)
	Audit(ctx context.Context) (*domain.AuditReport, error)
	ToggleStreamActive(ctx context.Context, streamID domain.StreamID, active bool) (*domain.Stream, error)
	DeleteStream(ctx context.Context, streamID domain.StreamID) (*domain.SyncReport, error)
	DeleteUser(ctx context.Context, userID domain.UserID) (*domain.SyncReport, error)
}

type DirectoryService interface {
	CreateStream(ctx context.Context, creator domain.CurrentUser, title, description string) (*domain.Stream, error)
	UpdateStream(ctx context.Context, id domain.StreamID, title, description *string) (*domain.Stream, error)
	GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	ListStreams(ctx context.Context, filter domain.StreamFilter) ([]*domain.Stream, error)
	CreateSubscriber(ctx context.Context, email, password string) (*domain.User, error)
	CreateAdmin(ctx context.Context, email, password string) (*domain.User, error)
	UpdateSubscriberEmail(ctx context.Context, id domain.UserID, email string) (*domain.User, error)
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	ListSubscribers(ctx context.Context) ([]*domain.User, error)
}

type ChangeFeed interface {
	WatchUser(ctx context.Context, id domain.UserID, onChange func(*domain.User), onError func(error)) (Unsubscribe, error)
	WatchStream(ctx context.Context, id domain.StreamID, onChange func(*domain.Stream), onError func(error)) (Unsubscribe, error)
	WatchStreamSet(ctx context.Context, ids []domain.StreamID, onChange func([]*domain.Stream), onError func(error)) (Unsubscribe, error)
	WatchAssignedStreams(ctx context.Context, userID domain.UserID, onChange func([]*domain.Stream), onError func(error)) (Unsubscribe, error)
}

type SessionGateway interface {
	JoinAsBroadcaster(ctx context.Context, user domain.CurrentUser, streamID domain.StreamID) (*domain.SessionHandle, error)
	JoinAsSubscriber(ctx context.Context, user domain.CurrentUser, streamID domain.StreamID) (*domain.SessionHandle, error)
	Leave(ctx context.Context, id domain.SessionID) error
	SetMuted(ctx context.Context, id domain.SessionID, muted bool) error
	StartScreenShare(ctx context.Context, id domain.SessionID) error
	StopScreenShare(ctx context.Context, id domain.SessionID) error
	GetStatus(id domain.SessionID) (*domain.SessionStatus, error)
	Owner(id domain.SessionID) (domain.UserID, bool)
	Shutdown(ctx context.Context) error
}

type AuthService interface {
	Login(ctx context.Context, email, password string) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	ValidateToken(token string) (*domain.CurrentUser, error)
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}
