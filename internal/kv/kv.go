// Package kv provides the string key-value stores behind visitor and session
// identity. A durable store keeps values across sessions (one per device); a
// session store keeps values for one browsing session and lets them lapse.
package kv

import "context"

// Store is a string key-value store. Get reports a missing key as
// ("", false, nil); errors are reserved for an unavailable backend.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Scoped namespaces every key of s under scope, so a single backend can
// hold the values of many devices or tabs.
func Scoped(s Store, scope string) Store {
	return &scoped{inner: s, prefix: scope + ":"}
}

type scoped struct {
	inner  Store
	prefix string
}

func (s *scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *scoped) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *scoped) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.prefix+key)
}
