package memory

import (
	"context"
	"fmt"
	"sync"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/changes"
)

// ChangeHub is the in-process ChangeSource for memory repositories. Writes are delivered
// synchronously on the writer's goroutine after the repository lock is released.
type ChangeHub struct {
	registry  *changes.Registry
	mu        sync.RWMutex
	snapshots map[domain.Collection]changes.SnapshotFunc
}

func NewChangeHub() *ChangeHub {
	return &ChangeHub{
		registry:  changes.NewRegistry(),
		snapshots: make(map[domain.Collection]changes.SnapshotFunc),
	}
}

func (h *ChangeHub) register(collection domain.Collection, fn changes.SnapshotFunc) {
	h.mu.Lock()
	h.snapshots[collection] = fn
	h.mu.Unlock()
}

// Publish delivers c to watchers of its document. Exported so tests can inject raw
// documents that bypass repository validation.
func (h *ChangeHub) Publish(c domain.Change) {
	h.registry.Dispatch(c)
}

func (h *ChangeHub) Watch(
	ctx context.Context,
	collection domain.Collection,
	id string,
	onChange func(domain.Change),
	onError func(error),
) (ports.Unsubscribe, error) {
	h.mu.RLock()
	snapshot, ok := h.snapshots[collection]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no repository registered for collection %q", collection)
	}
	return h.registry.Watch(ctx, collection, id, snapshot, onChange, onError)
}

func (h *ChangeHub) Watchers() int {
	return h.registry.Len()
}
