package ports

import (
	"context"

	"airwave/internal/core/domain"
)

// StreamRepository stores stream documents. Every method is atomic for a single
// document; there are no multi-document transactions.
type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	List(ctx context.Context, filter domain.StreamFilter) ([]*domain.Stream, error)
	Update(ctx context.Context, id domain.StreamID, patch domain.StreamUpdate) (*domain.Stream, error)
	// Modify runs a read-modify-write against the current document. fn reports whether it
	// changed anything; when it returns false nothing is written.
	Modify(ctx context.Context, id domain.StreamID, fn func(*domain.Stream) bool) (bool, error)
	Delete(ctx context.Context, id domain.StreamID) error
}

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	List(ctx context.Context, filter domain.UserFilter) ([]*domain.User, error)
	Update(ctx context.Context, id domain.UserID, patch domain.UserUpdate) (*domain.User, error)
	Modify(ctx context.Context, id domain.UserID, fn func(*domain.User) bool) (bool, error)
	Delete(ctx context.Context, id domain.UserID) error
}

// Unsubscribe stops a watch. Calling it more than once is safe.
type Unsubscribe func()

// ChangeSource delivers the current state of one document followed by every later
// committed change. Deliveries for a single watch never run concurrently and never go
// backwards in revision.
type ChangeSource interface {
	Watch(
		ctx context.Context,
		collection domain.Collection,
		id string,
		onChange func(domain.Change),
		onError func(error),
	) (Unsubscribe, error)
}

// Locker guards cluster-wide maintenance jobs.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}
