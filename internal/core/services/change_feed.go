package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"go.uber.org/zap"
)

type changeFeed struct {
	source  ports.ChangeSource
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

// NewChangeFeed decodes raw document changes into typed callbacks and composes per-document
// watches into the set and chained views the dashboards consume.
func NewChangeFeed(source ports.ChangeSource, metrics ports.Metrics, logger *zap.SugaredLogger) ports.ChangeFeed {
	return &changeFeed{source: source, metrics: metrics, logger: logger}
}

func (f *changeFeed) WatchUser(ctx context.Context, id domain.UserID, onChange func(*domain.User), onError func(error)) (ports.Unsubscribe, error) {
	return watchDocument(ctx, f, domain.CollectionUsers, string(id), domain.DecodeUser, onChange, onError)
}

func (f *changeFeed) WatchStream(ctx context.Context, id domain.StreamID, onChange func(*domain.Stream), onError func(error)) (ports.Unsubscribe, error) {
	return watchDocument(ctx, f, domain.CollectionStreams, string(id), domain.DecodeStream, onChange, onError)
}

// watchDocument opens one raw watch. Deletions and absent documents reach onChange as nil;
// malformed payloads go to onError and the watch stays open.
func watchDocument[T any](
	ctx context.Context,
	f *changeFeed,
	collection domain.Collection,
	id string,
	decode func([]byte) (*T, error),
	onChange func(*T),
	onError func(error),
) (ports.Unsubscribe, error) {
	unsub, err := f.source.Watch(ctx, collection, id, func(c domain.Change) {
		if c.Deleted() {
			onChange(nil)
			return
		}
		doc, err := decode(c.Data)
		if err != nil {
			f.logger.Warnw("quarantined malformed document",
				"collection", collection,
				"id", id,
				"revision", c.Revision,
				"error", err,
			)
			notify(onError, fmt.Errorf("%s %s: %w", collection, id, err))
			return
		}
		onChange(doc)
	}, func(err error) {
		notify(onError, err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s %s: %w", collection, id, err)
	}

	f.metrics.FeedWatchers(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			f.metrics.FeedWatchers(-1)
		})
	}, nil
}

func notify(onError func(error), err error) {
	if onError != nil {
		onError(err)
	}
}

// streamSet materializes the members of a WatchStreamSet.
type streamSet struct {
	mu       sync.Mutex
	closed   atomic.Bool
	total    int
	members  map[domain.StreamID]*domain.Stream
	reported map[domain.StreamID]bool
	onChange func([]*domain.Stream)
}

func (s *streamSet) update(id domain.StreamID, st *domain.Stream, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	initial := !s.reported[id]
	s.reported[id] = true
	if changed {
		if st == nil {
			delete(s.members, id)
		} else {
			s.members[id] = st
		}
	}
	if len(s.reported) < s.total {
		return
	}
	if !changed && !(initial && len(s.reported) == s.total) {
		return
	}

	list := make([]*domain.Stream, 0, len(s.members))
	for _, m := range s.members {
		list = append(list, m.Clone())
	}
	domain.SortStreams(list)
	s.onChange(list)
}

// WatchStreamSet emits the full list once every member has reported and again on each
// member change. Absent members are left out.
func (f *changeFeed) WatchStreamSet(ctx context.Context, ids []domain.StreamID, onChange func([]*domain.Stream), onError func(error)) (ports.Unsubscribe, error) {
	ids = domain.UniqueIDs(ids)
	if len(ids) == 0 {
		onChange([]*domain.Stream{})
		return func() {}, nil
	}

	set := &streamSet{
		total:    len(ids),
		members:  make(map[domain.StreamID]*domain.Stream, len(ids)),
		reported: make(map[domain.StreamID]bool, len(ids)),
		onChange: onChange,
	}

	unsubs := make([]ports.Unsubscribe, 0, len(ids))
	closeAll := func() {
		set.closed.Store(true)
		for _, u := range unsubs {
			u()
		}
	}

	for _, id := range ids {
		id := id
		unsub, err := f.WatchStream(ctx, id, func(st *domain.Stream) {
			set.update(id, st, true)
		}, func(err error) {
			if errors.Is(err, domain.ErrMalformedDocument) {
				set.update(id, nil, false)
			}
			if !set.closed.Load() {
				notify(onError, err)
			}
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}

	var once sync.Once
	return func() { once.Do(closeAll) }, nil
}

// assignedChain follows a user's assignedStreams and keeps one inner stream-set watch on it.
type assignedChain struct {
	mu     sync.Mutex
	ids    []domain.StreamID
	seen   bool
	inner  ports.Unsubscribe
	gen    atomic.Uint64
	closed atomic.Bool

	emitMu sync.Mutex
}

// WatchAssignedStreams emits the streams assigned to userID, re-subscribing whenever the
// user's assignment set changes. Lists from a superseded inner watch are dropped.
func (f *changeFeed) WatchAssignedStreams(ctx context.Context, userID domain.UserID, onChange func([]*domain.Stream), onError func(error)) (ports.Unsubscribe, error) {
	chain := &assignedChain{}

	resubscribe := func(u *domain.User) {
		var ids []domain.StreamID
		if u != nil {
			ids = u.AssignedStreams
		}

		chain.mu.Lock()
		if chain.closed.Load() || (chain.seen && domain.SameIDSet(chain.ids, ids)) {
			chain.mu.Unlock()
			return
		}
		chain.seen = true
		chain.ids = ids
		gen := chain.gen.Add(1)
		previous := chain.inner
		chain.inner = nil
		chain.mu.Unlock()

		if previous != nil {
			previous()
		}

		inner, err := f.WatchStreamSet(ctx, ids, func(list []*domain.Stream) {
			chain.emitMu.Lock()
			defer chain.emitMu.Unlock()
			if chain.closed.Load() || chain.gen.Load() != gen {
				return
			}
			onChange(list)
		}, onError)
		if err != nil {
			notify(onError, err)
			return
		}

		chain.mu.Lock()
		if chain.closed.Load() || chain.gen.Load() != gen {
			chain.mu.Unlock()
			inner()
			return
		}
		chain.inner = inner
		chain.mu.Unlock()
	}

	userUnsub, err := f.WatchUser(ctx, userID, resubscribe, onError)
	if err != nil {
		return nil, err
	}

	return func() {
		if chain.closed.Swap(true) {
			return
		}
		userUnsub()

		chain.mu.Lock()
		inner := chain.inner
		chain.inner = nil
		chain.mu.Unlock()
		if inner != nil {
			inner()
		}
	}, nil
}
