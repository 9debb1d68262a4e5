package redis

import (
	"context"
	"fmt"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisStreamRepository struct {
	store
}

func NewRedisStreamRepository(client *redis.Client, prefix string, publisher ChangePublisher, logger *zap.SugaredLogger) *RedisStreamRepository {
	return &RedisStreamRepository{store: newStore(client, prefix, publisher, logger)}
}

var _ ports.StreamRepository = (*RedisStreamRepository)(nil)

func (r *RedisStreamRepository) streamKey(id domain.StreamID) string {
	return r.key("stream", string(id))
}

func (r *RedisStreamRepository) revisionKey(id domain.StreamID) string {
	return r.key("stream", string(id), "rev")
}

func (r *RedisStreamRepository) indexKey() string {
	return r.key("streams")
}

func (r *RedisStreamRepository) activeStreamsKey() string {
	return r.key("streams", "active")
}

// Snapshot implements the change bus snapshot hook for the streams collection.
func (r *RedisStreamRepository) Snapshot(ctx context.Context, id string) (domain.Change, error) {
	return snapshotChange(ctx, r.client, domain.CollectionStreams, r.streamKey(domain.StreamID(id)), r.revisionKey(domain.StreamID(id)), id)
}

func (r *RedisStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	key := r.streamKey(stream.ID)
	revKey := r.revisionKey(stream.ID)
	stored := stream.Clone()
	stored.AssignedSubscribers = domain.UniqueIDs(stored.AssignedSubscribers)
	var data []byte

	err := r.transact(ctx, "create", domain.CollectionStreams, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("stream %s: %w", stream.ID, domain.ErrAlreadyExists)
		}
		last, err := lastRevision(ctx, tx, revKey)
		if err != nil {
			return err
		}
		stored.Revision = last + 1
		data, err = domain.EncodeStream(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal stream: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Del(ctx, revKey)
			pipe.SAdd(ctx, r.indexKey(), string(stream.ID))
			if stored.IsActive {
				pipe.SAdd(ctx, r.activeStreamsKey(), string(stream.ID))
			}
			return nil
		})
		return err
	}, key, revKey)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	stream.Revision = stored.Revision
	r.publish(ctx, domain.Change{Collection: domain.CollectionStreams, ID: string(stream.ID), Revision: stored.Revision, Data: data})
	return nil
}

func (r *RedisStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	data, err := r.client.Get(ctx, r.streamKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}
	return domain.DecodeStream(data)
}

func (r *RedisStreamRepository) List(ctx context.Context, filter domain.StreamFilter) ([]*domain.Stream, error) {
	index := r.indexKey()
	if filter.ActiveOnly {
		index = r.activeStreamsKey()
	}

	all, err := loadAll(ctx, &r.store, domain.CollectionStreams, index, func(id string) string {
		return r.streamKey(domain.StreamID(id))
	}, domain.DecodeStream)
	if err != nil {
		return nil, err
	}

	streams := make([]*domain.Stream, 0, len(all))
	for _, s := range all {
		if filter.Match(s) {
			streams = append(streams, s)
		}
	}
	domain.SortStreams(streams)
	return streams, nil
}

func (r *RedisStreamRepository) Update(ctx context.Context, id domain.StreamID, patch domain.StreamUpdate) (*domain.Stream, error) {
	if _, err := r.Modify(ctx, id, patch.Apply); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *RedisStreamRepository) Modify(ctx context.Context, id domain.StreamID, fn func(*domain.Stream) bool) (bool, error) {
	key := r.streamKey(id)
	var change *domain.Change

	err := r.transact(ctx, "modify", domain.CollectionStreams, func(tx *redis.Tx) error {
		change = nil

		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		current, err := domain.DecodeStream(data)
		if err != nil {
			return err
		}

		next := current.Clone()
		if !fn(next) {
			return nil
		}
		next.ID = current.ID
		next.ChannelName = current.ChannelName
		next.CreatedBy = current.CreatedBy
		next.CreatedAt = current.CreatedAt
		next.AssignedSubscribers = domain.UniqueIDs(next.AssignedSubscribers)
		next.Revision = current.Revision + 1

		payload, err := domain.EncodeStream(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if next.IsActive {
				pipe.SAdd(ctx, r.activeStreamsKey(), string(id))
			} else {
				pipe.SRem(ctx, r.activeStreamsKey(), string(id))
			}
			return nil
		})
		if err != nil {
			return err
		}
		change = &domain.Change{Collection: domain.CollectionStreams, ID: string(id), Revision: next.Revision, Data: payload}
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

func (r *RedisStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	key := r.streamKey(id)
	revKey := r.revisionKey(id)
	var rev int64

	err := r.transact(ctx, "delete", domain.CollectionStreams, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		rev = revisionOf(data) + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Set(ctx, revKey, rev, 0)
			pipe.SRem(ctx, r.indexKey(), string(id))
			pipe.SRem(ctx, r.activeStreamsKey(), string(id))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}

	r.publish(ctx, domain.Change{Collection: domain.CollectionStreams, ID: string(id), Revision: rev})
	return nil
}
