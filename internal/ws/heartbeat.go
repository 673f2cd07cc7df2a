package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed ping before eviction
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Deadline is how long a connection may stay silent before it is evicted.
func (h HeartbeatConfig) Deadline() time.Duration {
	return h.Interval + h.Timeout
}

func (r *Relay) heartbeat() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.checkConnections(now)
		}
	}
}

// checkConnections evicts connections silent for longer than the heartbeat
// deadline and pings the rest. Browsers answer pings automatically, and
// every answer refreshes LastActive in the read loop. Transcripts of
// sessions gone for longer than TranscriptIdle are dropped.
func (r *Relay) checkConnections(now time.Time) {
	defer r.pruneTranscripts(now)

	deadline := r.cfg.Heartbeat.Deadline()

	for _, c := range r.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			r.log.Info().Str("conn", c.ID).Dur("idle", idle).Msg("heartbeat timeout")
			r.remove(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			r.log.Debug().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			r.remove(c)
		}
	}
}

func (r *Relay) pruneTranscripts(now time.Time) {
	if r.cfg.TranscriptIdle <= 0 {
		return
	}
	if n := r.transcript.Prune(now.Add(-r.cfg.TranscriptIdle), r.hasSockets); n > 0 {
		r.log.Debug().Int("dropped", n).Msg("idle transcripts pruned")
	}
}
