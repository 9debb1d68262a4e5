// Package changes fans committed document writes out to in-process watchers.
package changes

import (
	"context"
	"sync"
	"sync/atomic"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
)

// SnapshotFunc reads the current state of one document as a Change. A missing document
// is reported as a Change with nil Data, not as an error.
type SnapshotFunc func(ctx context.Context, id string) (domain.Change, error)

type docKey struct {
	collection domain.Collection
	id         string
}

// Watcher serializes deliveries for one subscription and drops anything at or below the
// last revision it handed out.
type Watcher struct {
	key      docKey
	mu       sync.Mutex
	lastRev  int64
	closed   atomic.Bool
	onChange func(domain.Change)
	onError  func(error)
}

func (w *Watcher) Deliver(c domain.Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() || c.Revision <= w.lastRev {
		return
	}
	w.lastRev = c.Revision
	w.onChange(c)
}

func (w *Watcher) Fail(err error) {
	if w.closed.Load() || w.onError == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError(err)
}

type Registry struct {
	mu       sync.RWMutex
	watchers map[docKey]map[*Watcher]struct{}
	count    atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{watchers: make(map[docKey]map[*Watcher]struct{})}
}

func (r *Registry) add(collection domain.Collection, id string, onChange func(domain.Change), onError func(error)) *Watcher {
	w := &Watcher{
		key:      docKey{collection: collection, id: id},
		lastRev:  -1,
		onChange: onChange,
		onError:  onError,
	}

	r.mu.Lock()
	set, ok := r.watchers[w.key]
	if !ok {
		set = make(map[*Watcher]struct{})
		r.watchers[w.key] = set
	}
	set[w] = struct{}{}
	r.mu.Unlock()

	r.count.Add(1)
	return w
}

func (r *Registry) remove(w *Watcher) {
	if w.closed.Swap(true) {
		return
	}

	r.mu.Lock()
	if set, ok := r.watchers[w.key]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(r.watchers, w.key)
		}
	}
	r.mu.Unlock()

	r.count.Add(-1)
}

// Watch registers a watcher, then delivers the snapshot. A write racing the snapshot read
// is either delivered first (and the older snapshot dropped) or covered by the snapshot.
func (r *Registry) Watch(
	ctx context.Context,
	collection domain.Collection,
	id string,
	snapshot SnapshotFunc,
	onChange func(domain.Change),
	onError func(error),
) (ports.Unsubscribe, error) {
	w := r.add(collection, id, onChange, onError)

	initial, err := snapshot(ctx, id)
	if err != nil {
		r.remove(w)
		return nil, err
	}
	w.Deliver(initial)

	return func() { r.remove(w) }, nil
}

// Dispatch hands c to every watcher of its document. Callbacks run on the caller's
// goroutine with no registry lock held, so they may open or close other watches.
func (r *Registry) Dispatch(c domain.Change) {
	key := docKey{collection: c.Collection, id: c.ID}

	r.mu.RLock()
	targets := make([]*Watcher, 0, len(r.watchers[key]))
	for w := range r.watchers[key] {
		targets = append(targets, w)
	}
	r.mu.RUnlock()

	for _, w := range targets {
		w.Deliver(c)
	}
}

// FailAll reports err to every open watcher, e.g. when the upstream subscription dies.
func (r *Registry) FailAll(err error) {
	r.mu.RLock()
	var targets []*Watcher
	for _, set := range r.watchers {
		for w := range set {
			targets = append(targets, w)
		}
	}
	r.mu.RUnlock()

	for _, w := range targets {
		w.Fail(err)
	}
}

// Len is the number of open watches.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
