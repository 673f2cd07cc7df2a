// Package cache implements the short-TTL read-through cache used for catalog
// and community reads. A Cache is an explicit service object: construct one
// at startup and hand it to every consumer. Entries are replaced wholesale
// and only leave the table through Invalidate or Clear; there is no size
// bound and no background eviction.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the freshness window applied to every entry of a cache.
const DefaultTTL = 5 * time.Minute

// Entry is the last successful result for a key and the time it was stored.
type Entry struct {
	Data      any
	Timestamp time.Time
}

// Fresh reports whether the entry is still within ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Timestamp) < ttl
}

// Fetcher produces the value for a key on a miss.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Clock abstracts wall-clock time so tests can move it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Recorder receives cache events for instrumentation.
type Recorder interface {
	Hit()
	Miss()
	FetchError()
	Entries(n int)
	Fetched(d time.Duration)
}

// NoopRecorder discards all events.
type NoopRecorder struct{}

func (NoopRecorder) Hit()                  {}
func (NoopRecorder) Miss()                 {}
func (NoopRecorder) FetchError()           {}
func (NoopRecorder) Entries(int)           {}
func (NoopRecorder) Fetched(time.Duration) {}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithSingleFlight makes concurrent misses on the same key share one
// producer call. Without it every caller that misses runs its own fetch and
// the last one to complete is what stays in the table.
func WithSingleFlight() Option {
	return func(c *Cache) { c.group = &singleflight.Group{} }
}

// WithLogger sets the logger used to report producer failures.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.rec = r
		}
	}
}

// Cache is a process-wide table from caller-built keys to entries. Keys must
// encode every parameter that affects the fetched result.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	clock   Clock
	group   *singleflight.Group // nil unless WithSingleFlight
	log     zerolog.Logger
	rec     Recorder
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     DefaultTTL,
		clock:   SystemClock{},
		log:     zerolog.Nop(),
		rec:     NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window of the cache.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get serves key from a fresh entry or runs fetch and stores its result.
//
// A failed fetch leaves the table untouched, so an older entry for key
// survives, and returns a *FetchError. A cached value whose dynamic type is
// not T counts as a miss and is overwritten by the next successful fetch.
func Get[T any](ctx context.Context, c *Cache, key string, fetch Fetcher[T]) (T, error) {
	if data, ok := c.fresh(key); ok {
		if v, ok := data.(T); ok {
			c.rec.Hit()
			return v, nil
		}
	}
	c.rec.Miss()

	load := func() (any, error) {
		return c.load(ctx, key, func(ctx context.Context) (any, error) {
			return fetch(ctx)
		})
	}

	var (
		val any
		err error
	)
	if c.group != nil {
		val, err, _ = c.group.Do(key, load)
	} else {
		val, err = load()
	}
	if err != nil {
		var zero T
		return zero, err
	}
	if v, ok := val.(T); ok {
		return v, nil
	}

	// A caller of another type led the shared flight. Fetch for T alone.
	val, err = load()
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := val.(T)
	return v, nil
}

// fresh returns the cached data for key if the entry is within the TTL.
func (c *Cache) fresh(key string) (any, bool) {
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !ent.Fresh(c.clock.Now(), c.ttl) {
		return nil, false
	}
	return ent.Data, true
}

// load runs the producer and stores a new entry on success. The check in
// Get and the write here are not atomic.
func (c *Cache) load(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	start := c.clock.Now()
	data, err := fetch(ctx)
	if err != nil {
		c.rec.FetchError()
		c.log.Error().Err(err).Str("key", key).Msg("cache fetch failed")
		return nil, &FetchError{Key: key, Err: err}
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.entries[key] = Entry{Data: data, Timestamp: now}
	n := len(c.entries)
	c.mu.Unlock()

	c.rec.Fetched(now.Sub(start))
	c.rec.Entries(n)
	c.log.Debug().Str("key", key).Msg("cache entry stored")
	return data, nil
}

// Peek returns the raw entry for key without checking freshness.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[key]
	return ent, ok
}

// Invalidate removes the entry for key. The next Get for key runs the
// producer regardless of age.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	n := len(c.entries)
	c.mu.Unlock()
	c.rec.Entries(n)
}

// Clear empties the table.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
	c.rec.Entries(0)
}

// Len returns the number of entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
