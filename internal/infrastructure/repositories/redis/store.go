package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"airwave/internal/core/domain"
	"airwave/pkg/retry"
	"airwave/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChangePublisher receives every committed write.
type ChangePublisher interface {
	Publish(ctx context.Context, change domain.Change) error
}

// store holds what the user and stream repositories share: the client, the key layout,
// optimistic-transaction retry and change publication.
type store struct {
	client    *redis.Client
	prefix    string
	publisher ChangePublisher
	logger    *zap.SugaredLogger
	txRetry   retry.Config
}

func newStore(client *redis.Client, prefix string, publisher ChangePublisher, logger *zap.SugaredLogger) store {
	return store{
		client:    client,
		prefix:    prefix,
		publisher: publisher,
		logger:    logger,
		txRetry: retry.Config{
			Enabled:      true,
			MaxAttempts:  32,
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2,
			Jitter:       true,
			Retryable: func(err error) bool {
				return errors.Is(err, redis.TxFailedErr)
			},
		},
	}
}

func (s *store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// transact runs fn inside WATCH/MULTI on keys, retrying when another client wins the race.
func (s *store) transact(ctx context.Context, op string, collection domain.Collection, fn func(tx *redis.Tx) error, keys ...string) error {
	ctx, span := tracing.TraceStoreOperation(ctx, op, string(collection))
	defer span.End()

	err := retry.Retry(ctx, s.txRetry, func() error {
		return s.client.Watch(ctx, fn, keys...)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *store) publish(ctx context.Context, change domain.Change) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, change); err != nil {
		s.logger.Warnw("failed to publish change",
			"collection", change.Collection,
			"id", change.ID,
			"revision", change.Revision,
			"error", err,
		)
	}
}

// loadAll fetches documents listed in an index set and decodes them. Stale index entries
// are skipped; malformed documents are logged and left out.
func loadAll[T any](ctx context.Context, s *store, collection domain.Collection, indexKey string, docKey func(string) string, decode func([]byte) (*T, error)) ([]*T, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "list", string(collection))
	defer span.End()

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", indexKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	out := make([]*T, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := decode([]byte(raw))
		if err != nil {
			s.logger.Warnw("skipping malformed document", "key", keys[i], "error", err)
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// revisionOf reads the revision of a stored document without full validation, so a
// malformed document can still be handed to watchers (who quarantine it).
func revisionOf(data []byte) int64 {
	var head struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0
	}
	return head.Revision
}

func snapshotChange(ctx context.Context, client *redis.Client, collection domain.Collection, key, revKey, id string) (domain.Change, error) {
	data, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		rev, err := lastRevision(ctx, client, revKey)
		if err != nil {
			return domain.Change{}, fmt.Errorf("failed to read %s %s: %w", collection, id, err)
		}
		return domain.Change{Collection: collection, ID: id, Revision: rev}, nil
	}
	if err != nil {
		return domain.Change{}, fmt.Errorf("failed to read %s %s: %w", collection, id, err)
	}
	return domain.Change{Collection: collection, ID: id, Revision: revisionOf(data), Data: data}, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// lastRevision returns the revision a deleted document reached, or 0 if the id was never
// deleted. A recreated document continues from there so watchers keep seeing increasing
// revisions.
func lastRevision(ctx context.Context, c getter, revKey string) (int64, error) {
	rev, err := c.Get(ctx, revKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return rev, err
}
