package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/changes"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrBusNotStarted = errors.New("change bus not started")

// envelope is the wire form of a change on the bus.
type envelope struct {
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Change     domain.Change `json:"change"`
}

// ChangeBus publishes committed document writes over Redis pub/sub and fans them out to
// local watchers. One pattern subscription serves every watch in the process.
type ChangeBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	prefix     string
	registry   *changes.Registry

	mu        sync.RWMutex
	snapshots map[domain.Collection]changes.SnapshotFunc
	pubsub    *redis.PubSub
	done      chan struct{}
}

func NewChangeBus(
	client *redis.Client,
	instanceID string,
	prefix string,
	logger *zap.SugaredLogger,
) *ChangeBus {
	return &ChangeBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		prefix:     prefix + "changes:",
		registry:   changes.NewRegistry(),
		snapshots:  make(map[domain.Collection]changes.SnapshotFunc),
	}
}

// RegisterSnapshot sets how the current state of a collection's document is read when a
// watch opens.
func (eb *ChangeBus) RegisterSnapshot(collection domain.Collection, fn changes.SnapshotFunc) {
	eb.mu.Lock()
	eb.snapshots[collection] = fn
	eb.mu.Unlock()
}

func (eb *ChangeBus) channel(collection domain.Collection, id string) string {
	return eb.prefix + string(collection) + ":" + id
}

// Publish implements the repositories' ChangePublisher.
func (eb *ChangeBus) Publish(ctx context.Context, change domain.Change) error {
	data, err := json.Marshal(envelope{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		Change:     change,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel(change.Collection, change.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}

	eb.logger.Debugw("published change",
		"collection", change.Collection,
		"id", change.ID,
		"revision", change.Revision,
	)
	return nil
}

// Start opens the pattern subscription and waits for Redis to confirm it, so no change
// published after Start returns is missed.
func (eb *ChangeBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	pubsub := eb.client.PSubscribe(ctx, eb.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	eb.pubsub = pubsub
	eb.done = make(chan struct{})
	go eb.run(pubsub.Channel(), eb.done)
	return nil
}

func (eb *ChangeBus) run(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			eb.logger.Warnw("failed to unmarshal change",
				"channel", msg.Channel,
				"error", err,
			)
			continue
		}
		eb.registry.Dispatch(env.Change)
	}

	eb.registry.FailAll(errors.New("change subscription closed"))
}

func (eb *ChangeBus) Watch(
	ctx context.Context,
	collection domain.Collection,
	id string,
	onChange func(domain.Change),
	onError func(error),
) (ports.Unsubscribe, error) {
	eb.mu.RLock()
	started := eb.pubsub != nil
	snapshot, ok := eb.snapshots[collection]
	eb.mu.RUnlock()

	if !started {
		return nil, ErrBusNotStarted
	}
	if !ok {
		return nil, fmt.Errorf("no snapshot registered for collection %q", collection)
	}
	return eb.registry.Watch(ctx, collection, id, snapshot, onChange, onError)
}

func (eb *ChangeBus) Watchers() int {
	return eb.registry.Len()
}

// Close stops the subscription; open watches receive an error.
func (eb *ChangeBus) Close() error {
	eb.mu.Lock()
	pubsub, done := eb.pubsub, eb.done
	eb.pubsub = nil
	eb.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
