package chat

import (
	"sync"
	"time"
)

// DefaultTranscriptSize is how many recent lines are kept per session.
const DefaultTranscriptSize = 20

// Line is one transcript entry. Outbound lines were sent by the browser.
type Line struct {
	From     string `json:"from"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
	Outbound bool   `json:"outbound"`
}

// Transcript keeps the last N lines of every session in memory so a
// reconnecting tab can be replayed its recent conversation. It is
// goroutine-safe.
type Transcript struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring
}

type ring struct {
	lines   []Line
	next    int
	n       int
	touched time.Time
}

// NewTranscript creates a Transcript holding size lines per session.
// A non-positive size means DefaultTranscriptSize.
func NewTranscript(size int) *Transcript {
	if size <= 0 {
		size = DefaultTranscriptSize
	}
	return &Transcript{size: size, rings: make(map[string]*ring)}
}

// Append records a line for sessionID, dropping the oldest when full.
func (t *Transcript) Append(sessionID string, l Line) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[sessionID]
	if !ok {
		r = &ring{lines: make([]Line, t.size)}
		t.rings[sessionID] = r
	}
	r.lines[r.next] = l
	r.next = (r.next + 1) % t.size
	if r.n < t.size {
		r.n++
	}
	r.touched = time.Now()
}

// Touch marks the session's transcript as used at at. Unknown sessions are
// ignored.
func (t *Transcript) Touch(sessionID string, at time.Time) {
	t.mu.Lock()
	if r, ok := t.rings[sessionID]; ok && at.After(r.touched) {
		r.touched = at
	}
	t.mu.Unlock()
}

// Prune drops transcripts untouched since cutoff, except those keep
// reports as still in use, and returns how many were dropped. keep runs
// without the transcript lock held.
func (t *Transcript) Prune(cutoff time.Time, keep func(sessionID string) bool) int {
	t.mu.RLock()
	var idle []string
	for id, r := range t.rings {
		if r.touched.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	t.mu.RUnlock()

	dropped := 0
	for _, id := range idle {
		if keep != nil && keep(id) {
			continue
		}
		t.mu.Lock()
		if r, ok := t.rings[id]; ok && r.touched.Before(cutoff) {
			delete(t.rings, id)
			dropped++
		}
		t.mu.Unlock()
	}
	return dropped
}

// Recent returns the session's lines oldest first. The result is never nil.
func (t *Transcript) Recent(sessionID string) []Line {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.rings[sessionID]
	if !ok {
		return []Line{}
	}
	out := make([]Line, r.n)
	start := (r.next - r.n + t.size) % t.size
	for i := range out {
		out[i] = r.lines[(start+i)%t.size]
	}
	return out
}

// Forget drops the session's transcript, e.g. when the session is cleared.
func (t *Transcript) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.rings, sessionID)
	t.mu.Unlock()
}

// Sessions returns how many sessions currently have a transcript.
func (t *Transcript) Sessions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rings)
}
