package messaging

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/cache"
	"github.com/counselly/edge/internal/identity"
)

// Invalidation is the cache.invalidate payload. Origin names the edge
// instance that published it.
type Invalidation struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// Session event kinds.
const (
	SessionCreated = "created"
	SessionRotated = "rotated"
	SessionCleared = "cleared"
)

// SessionEvent is the session.events payload.
type SessionEvent struct {
	Kind    string               `json:"kind"`
	Session identity.SessionData `json:"session"`
	At      time.Time            `json:"at"`
}

// ApplyInvalidations returns a handler that mirrors remote invalidations
// into c. Messages published by self are skipped since the publisher has
// already cleared its own table.
func ApplyInvalidations(c *cache.Cache, self string, log zerolog.Logger) func(Invalidation) {
	return func(inv Invalidation) {
		if inv.Origin == self {
			return
		}
		if inv.Key == "" {
			c.Clear()
			log.Debug().Str("origin", inv.Origin).Msg("remote clear all")
			return
		}
		c.Invalidate(inv.Key)
		log.Debug().Str("origin", inv.Origin).Str("key", inv.Key).Msg("remote invalidate")
	}
}
