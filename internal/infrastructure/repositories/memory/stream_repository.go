package memory

import (
	"context"
	"fmt"
	"sync"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
)

type MemoryStreamRepository struct {
	streams    map[domain.StreamID]*domain.Stream
	tombstones map[domain.StreamID]int64
	mu         sync.RWMutex
	hub        *ChangeHub
}

func NewMemoryStreamRepository(hub *ChangeHub) ports.StreamRepository {
	r := &MemoryStreamRepository{
		streams:    make(map[domain.StreamID]*domain.Stream),
		tombstones: make(map[domain.StreamID]int64),
		hub:        hub,
	}
	hub.register(domain.CollectionStreams, r.snapshot)
	return r
}

func (r *MemoryStreamRepository) snapshot(_ context.Context, id string) (domain.Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sid := domain.StreamID(id)
	if s, ok := r.streams[sid]; ok {
		return streamChange(s)
	}
	return domain.Change{Collection: domain.CollectionStreams, ID: id, Revision: r.tombstones[sid]}, nil
}

func streamChange(s *domain.Stream) (domain.Change, error) {
	data, err := domain.EncodeStream(s)
	if err != nil {
		return domain.Change{}, fmt.Errorf("failed to encode stream: %w", err)
	}
	return domain.Change{
		Collection: domain.CollectionStreams,
		ID:         string(s.ID),
		Revision:   s.Revision,
		Data:       data,
	}, nil
}

func (r *MemoryStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	if _, exists := r.streams[stream.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("stream %s: %w", stream.ID, domain.ErrAlreadyExists)
	}

	stored := stream.Clone()
	stored.AssignedSubscribers = domain.UniqueIDs(stored.AssignedSubscribers)
	stored.Revision = r.tombstones[stream.ID] + 1
	r.streams[stream.ID] = stored
	change, err := streamChange(stored)
	r.mu.Unlock()

	stream.Revision = stored.Revision
	if err == nil {
		r.hub.Publish(change)
	}
	return nil
}

func (r *MemoryStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}
	return stream.Clone(), nil
}

func (r *MemoryStreamRepository) List(ctx context.Context, filter domain.StreamFilter) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	streams := make([]*domain.Stream, 0, len(r.streams))
	for _, stream := range r.streams {
		if filter.Match(stream) {
			streams = append(streams, stream.Clone())
		}
	}
	domain.SortStreams(streams)
	return streams, nil
}

func (r *MemoryStreamRepository) Update(ctx context.Context, id domain.StreamID, patch domain.StreamUpdate) (*domain.Stream, error) {
	if _, err := r.Modify(ctx, id, patch.Apply); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryStreamRepository) Modify(ctx context.Context, id domain.StreamID, fn func(*domain.Stream) bool) (bool, error) {
	r.mu.Lock()
	current, exists := r.streams[id]
	if !exists {
		r.mu.Unlock()
		return false, domain.ErrStreamNotFound
	}

	next := current.Clone()
	if !fn(next) {
		r.mu.Unlock()
		return false, nil
	}
	next.ID = current.ID
	next.ChannelName = current.ChannelName
	next.CreatedBy = current.CreatedBy
	next.CreatedAt = current.CreatedAt
	next.AssignedSubscribers = domain.UniqueIDs(next.AssignedSubscribers)
	next.Revision = current.Revision + 1
	r.streams[id] = next
	change, err := streamChange(next)
	r.mu.Unlock()

	if err == nil {
		r.hub.Publish(change)
	}
	return true, nil
}

func (r *MemoryStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	current, exists := r.streams[id]
	if !exists {
		r.mu.Unlock()
		return domain.ErrStreamNotFound
	}
	delete(r.streams, id)
	rev := current.Revision + 1
	r.tombstones[id] = rev
	r.mu.Unlock()

	r.hub.Publish(domain.Change{Collection: domain.CollectionStreams, ID: string(id), Revision: rev})
	return nil
}
