package redis

import (
	"context"
	"fmt"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisUserRepository struct {
	store
}

func NewRedisUserRepository(client *redis.Client, prefix string, publisher ChangePublisher, logger *zap.SugaredLogger) *RedisUserRepository {
	return &RedisUserRepository{store: newStore(client, prefix, publisher, logger)}
}

var _ ports.UserRepository = (*RedisUserRepository)(nil)

func (r *RedisUserRepository) userKey(id domain.UserID) string {
	return r.key("user", string(id))
}

func (r *RedisUserRepository) emailKey(email string) string {
	return r.key("user", "email", email)
}

func (r *RedisUserRepository) revisionKey(id domain.UserID) string {
	return r.key("user", string(id), "rev")
}

func (r *RedisUserRepository) indexKey() string {
	return r.key("users")
}

func (r *RedisUserRepository) Snapshot(ctx context.Context, id string) (domain.Change, error) {
	return snapshotChange(ctx, r.client, domain.CollectionUsers, r.userKey(domain.UserID(id)), r.revisionKey(domain.UserID(id)), id)
}

func (r *RedisUserRepository) Create(ctx context.Context, user *domain.User) error {
	stored := user.Clone()
	stored.Email = utils.NormalizeEmail(user.Email)
	stored.AssignedStreams = domain.UniqueIDs(stored.AssignedStreams)

	key := r.userKey(user.ID)
	revKey := r.revisionKey(user.ID)
	emailKey := r.emailKey(stored.Email)
	var data []byte

	err := r.transact(ctx, "create", domain.CollectionUsers, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("user %s: %w", user.ID, domain.ErrAlreadyExists)
		}
		n, err = tx.Exists(ctx, emailKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrEmailTaken
		}
		last, err := lastRevision(ctx, tx, revKey)
		if err != nil {
			return err
		}
		stored.Revision = last + 1
		data, err = domain.EncodeUser(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Del(ctx, revKey)
			pipe.Set(ctx, emailKey, string(user.ID), 0)
			pipe.SAdd(ctx, r.indexKey(), string(user.ID))
			return nil
		})
		return err
	}, key, revKey, emailKey)
	if err != nil {
		return err
	}

	user.Email = stored.Email
	user.Revision = stored.Revision
	r.publish(ctx, domain.Change{Collection: domain.CollectionUsers, ID: string(user.ID), Revision: stored.Revision, Data: data})
	return nil
}

func (r *RedisUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	data, err := r.client.Get(ctx, r.userKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}
	return domain.DecodeUser(data)
}

func (r *RedisUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	id, err := r.client.Get(ctx, r.emailKey(utils.NormalizeEmail(email))).Result()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}
	return r.GetByID(ctx, domain.UserID(id))
}

func (r *RedisUserRepository) List(ctx context.Context, filter domain.UserFilter) ([]*domain.User, error) {
	all, err := loadAll(ctx, &r.store, domain.CollectionUsers, r.indexKey(), func(id string) string {
		return r.userKey(domain.UserID(id))
	}, domain.DecodeUser)
	if err != nil {
		return nil, err
	}

	users := make([]*domain.User, 0, len(all))
	for _, u := range all {
		if filter.Match(u) {
			users = append(users, u)
		}
	}
	domain.SortUsers(users)
	return users, nil
}

func (r *RedisUserRepository) Update(ctx context.Context, id domain.UserID, patch domain.UserUpdate) (*domain.User, error) {
	if patch.Email != nil {
		email := utils.NormalizeEmail(*patch.Email)
		patch.Email = &email
	}
	if _, err := r.Modify(ctx, id, patch.Apply); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *RedisUserRepository) Modify(ctx context.Context, id domain.UserID, fn func(*domain.User) bool) (bool, error) {
	key := r.userKey(id)
	var change *domain.Change

	err := r.transact(ctx, "modify", domain.CollectionUsers, func(tx *redis.Tx) error {
		change = nil

		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		current, err := domain.DecodeUser(data)
		if err != nil {
			return err
		}

		next := current.Clone()
		if !fn(next) {
			return nil
		}
		next.ID = current.ID
		next.Role = current.Role
		next.CreatedAt = current.CreatedAt
		next.Email = utils.NormalizeEmail(next.Email)
		next.AssignedStreams = domain.UniqueIDs(next.AssignedStreams)
		next.Revision = current.Revision + 1

		emailChanged := next.Email != current.Email
		if emailChanged {
			newEmailKey := r.emailKey(next.Email)
			if err := tx.Watch(ctx, newEmailKey).Err(); err != nil {
				return err
			}
			owner, err := tx.Get(ctx, newEmailKey).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil && owner != string(id) {
				return domain.ErrEmailTaken
			}
		}

		payload, err := domain.EncodeUser(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if emailChanged {
				pipe.Del(ctx, r.emailKey(current.Email))
				pipe.Set(ctx, r.emailKey(next.Email), string(id), 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		change = &domain.Change{Collection: domain.CollectionUsers, ID: string(id), Revision: next.Revision, Data: payload}
		return nil
	}, key)
	if err != nil {
		return false, err
	}

	if change == nil {
		return false, nil
	}
	r.publish(ctx, *change)
	return true, nil
}

func (r *RedisUserRepository) Delete(ctx context.Context, id domain.UserID) error {
	key := r.userKey(id)
	revKey := r.revisionKey(id)
	var rev int64

	err := r.transact(ctx, "delete", domain.CollectionUsers, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		rev = revisionOf(data) + 1

		var email string
		if current, err := domain.DecodeUser(data); err == nil {
			email = current.Email
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Set(ctx, revKey, rev, 0)
			pipe.SRem(ctx, r.indexKey(), string(id))
			if email != "" {
				pipe.Del(ctx, r.emailKey(email))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}

	r.publish(ctx, domain.Change{Collection: domain.CollectionUsers, ID: string(id), Revision: rev})
	return nil
}
