package memory

import (
	"context"
	"fmt"
	"sync"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/utils"
)

type MemoryUserRepository struct {
	users      map[domain.UserID]*domain.User
	byEmail    map[string]domain.UserID
	tombstones map[domain.UserID]int64
	mu         sync.RWMutex
	hub        *ChangeHub
}

func NewMemoryUserRepository(hub *ChangeHub) ports.UserRepository {
	r := &MemoryUserRepository{
		users:      make(map[domain.UserID]*domain.User),
		byEmail:    make(map[string]domain.UserID),
		tombstones: make(map[domain.UserID]int64),
		hub:        hub,
	}
	hub.register(domain.CollectionUsers, r.snapshot)
	return r
}

func (r *MemoryUserRepository) snapshot(_ context.Context, id string) (domain.Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uid := domain.UserID(id)
	if u, ok := r.users[uid]; ok {
		return userChange(u)
	}
	return domain.Change{Collection: domain.CollectionUsers, ID: id, Revision: r.tombstones[uid]}, nil
}

func userChange(u *domain.User) (domain.Change, error) {
	data, err := domain.EncodeUser(u)
	if err != nil {
		return domain.Change{}, fmt.Errorf("failed to encode user: %w", err)
	}
	return domain.Change{
		Collection: domain.CollectionUsers,
		ID:         string(u.ID),
		Revision:   u.Revision,
		Data:       data,
	}, nil
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	email := utils.NormalizeEmail(user.Email)

	r.mu.Lock()
	if _, exists := r.users[user.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("user %s: %w", user.ID, domain.ErrAlreadyExists)
	}
	if _, taken := r.byEmail[email]; taken {
		r.mu.Unlock()
		return domain.ErrEmailTaken
	}

	stored := user.Clone()
	stored.Email = email
	stored.AssignedStreams = domain.UniqueIDs(stored.AssignedStreams)
	stored.Revision = r.tombstones[user.ID] + 1
	r.users[user.ID] = stored
	r.byEmail[email] = user.ID
	change, err := userChange(stored)
	r.mu.Unlock()

	user.Email = email
	user.Revision = stored.Revision
	if err == nil {
		r.hub.Publish(change)
	}
	return nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	return user.Clone(), nil
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[utils.NormalizeEmail(email)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return r.users[id].Clone(), nil
}

func (r *MemoryUserRepository) List(ctx context.Context, filter domain.UserFilter) ([]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*domain.User, 0, len(r.users))
	for _, user := range r.users {
		if filter.Match(user) {
			users = append(users, user.Clone())
		}
	}
	domain.SortUsers(users)
	return users, nil
}

func (r *MemoryUserRepository) Update(ctx context.Context, id domain.UserID, patch domain.UserUpdate) (*domain.User, error) {
	if patch.Email != nil {
		email := utils.NormalizeEmail(*patch.Email)
		patch.Email = &email
	}
	if _, err := r.Modify(ctx, id, patch.Apply); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryUserRepository) Modify(ctx context.Context, id domain.UserID, fn func(*domain.User) bool) (bool, error) {
	r.mu.Lock()
	current, exists := r.users[id]
	if !exists {
		r.mu.Unlock()
		return false, domain.ErrUserNotFound
	}

	next := current.Clone()
	if !fn(next) {
		r.mu.Unlock()
		return false, nil
	}
	next.ID = current.ID
	next.Role = current.Role
	next.CreatedAt = current.CreatedAt
	next.Email = utils.NormalizeEmail(next.Email)
	next.AssignedStreams = domain.UniqueIDs(next.AssignedStreams)

	if next.Email != current.Email {
		if owner, taken := r.byEmail[next.Email]; taken && owner != id {
			r.mu.Unlock()
			return false, domain.ErrEmailTaken
		}
		delete(r.byEmail, current.Email)
		r.byEmail[next.Email] = id
	}

	next.Revision = current.Revision + 1
	r.users[id] = next
	change, err := userChange(next)
	r.mu.Unlock()

	if err == nil {
		r.hub.Publish(change)
	}
	return true, nil
}

func (r *MemoryUserRepository) Delete(ctx context.Context, id domain.UserID) error {
	r.mu.Lock()
	current, exists := r.users[id]
	if !exists {
		r.mu.Unlock()
		return domain.ErrUserNotFound
	}
	delete(r.users, id)
	delete(r.byEmail, current.Email)
	rev := current.Revision + 1
	r.tombstones[id] = rev
	r.mu.Unlock()

	r.hub.Publish(domain.Change{Collection: domain.CollectionUsers, ID: string(id), Revision: rev})
	return nil
}
