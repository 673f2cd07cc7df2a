package cache

import (
	"context"
	"reflect"
	"sync"
)

// State is what a consumer renders: the most recent successful value (which
// may be stale), whether a fetch is in flight, and the last fetch error.
type State[T any] struct {
	Data    T
	Loading bool
	Err     error
}

// Query binds one consumer to one cache key. Its lifetime is the context it
// was created with: once that context is done, or Close is called, results
// that arrive later are still stored in the shared Cache but never applied
// to the query's own State.
type Query[T any] struct {
	cache *Cache
	key   string
	fetch Fetcher[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State[T]
	deps  []any
	ran   bool
}

// NewQuery creates a query for key. deps are the values the consumer last
// observed; Refresh re-runs the query only when they change.
func NewQuery[T any](ctx context.Context, c *Cache, key string, fetch Fetcher[T], deps ...any) *Query[T] {
	qctx, cancel := context.WithCancel(ctx)
	return &Query[T]{
		cache:  c,
		key:    key,
		fetch:  fetch,
		ctx:    qctx,
		cancel: cancel,
		deps:   deps,
	}
}

// Key returns the cache key the query reads.
func (q *Query[T]) Key() string {
	return q.key
}

// Run performs the fetch-or-serve decision and returns the resulting state.
// The producer is not cancelled when the query ends; it runs detached from
// the query's cancellation and its result is dropped for this consumer.
func (q *Query[T]) Run() State[T] {
	if q.ctx.Err() != nil {
		return q.State()
	}

	q.mu.Lock()
	q.ran = true
	if data, ok := q.cache.fresh(q.key); ok {
		if v, ok := data.(T); ok {
			q.cache.rec.Hit()
			q.state = State[T]{Data: v}
			st := q.state
			q.mu.Unlock()
			return st
		}
	}
	q.state.Loading = true
	q.state.Err = nil
	q.mu.Unlock()

	data, err := Get(context.WithoutCancel(q.ctx), q.cache, q.key, q.fetch)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx.Err() != nil {
		return q.state
	}
	if err != nil {
		q.state.Err = err
	} else {
		q.state.Data = data
	}
	q.state.Loading = false
	return q.state
}

// Refresh re-runs the query when deps differ from the last observed values
// or when it has never run. Otherwise it returns the current state.
func (q *Query[T]) Refresh(deps ...any) State[T] {
	q.mu.Lock()
	changed := !q.ran || !reflect.DeepEqual(q.deps, deps)
	if changed {
		q.deps = deps
	}
	q.mu.Unlock()

	if !changed {
		return q.State()
	}
	return q.Run()
}

// Invalidate drops the cache entry for the query's key so the next Run
// fetches regardless of age. The query's current State is kept.
func (q *Query[T]) Invalidate() {
	q.cache.Invalidate(q.key)
}

// State returns a snapshot of the query's state.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Close ends the query. Fetches still in flight complete but their results
// no longer reach this query.
func (q *Query[T]) Close() {
	q.cancel()
}
