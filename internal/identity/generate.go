package identity

import (
	crand "crypto/rand"
	"math/big"
	mrand "math/rand/v2"
	"strconv"

	"github.com/google/uuid"
)

const (
	visitorIDMin  = 1_000_000_000
	visitorIDSpan = 9_000_000_000 // ids fall in [1e9, 1e10)
)

// newSessionID returns a random version-4 UUID. When the crypto RNG fails it
// assembles a v4-shaped UUID from math/rand instead and reports weak=true;
// those ids are far more likely to collide and callers must log that.
func newSessionID() (id string, weak bool) {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String(), false
	}
	return weakUUID(), true
}

func weakUUID() string {
	var b uuid.UUID
	for i := range b {
		b[i] = byte(mrand.IntN(256))
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // RFC 4122 variant
	return b.String()
}

// newVisitorID returns a 10-digit numeric string.
func newVisitorID() string {
	n, err := crand.Int(crand.Reader, big.NewInt(visitorIDSpan))
	if err != nil {
		return strconv.FormatInt(visitorIDMin+mrand.Int64N(visitorIDSpan), 10)
	}
	return strconv.FormatInt(visitorIDMin+n.Int64(), 10)
}
