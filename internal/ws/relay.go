// Package ws is the chat relay. It upgrades browser requests to WebSocket
// with gobwas/ws, tags every outgoing chat frame with the connection's
// SessionData before publishing it, and fans replies for a session back out
// to every socket that session has open.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/chat"
	"github.com/counselly/edge/internal/identity"
	"github.com/counselly/edge/internal/protocol"
	"github.com/counselly/edge/internal/ratelimit"
)

// Bus carries chat frames to and from the chat backend.
type Bus interface {
	PublishChatOutbound(data []byte) error
	SubscribeChatInbound(key, sessionID string, handler func(data []byte)) error
	UnsubscribeChatInbound(key string) error
}

// Limiter throttles chat messages per session.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Frame labels passed to Recorder.Frame.
const (
	FrameOutbound    = "outbound"
	FrameInbound     = "inbound"
	FrameRejected    = "rejected"
	FrameRateLimited = "rate_limited"
)

// Recorder receives relay instrumentation.
type Recorder interface {
	Connections(n int)
	Frame(kind string)
}

// NoopRecorder discards all events.
type NoopRecorder struct{}

func (NoopRecorder) Connections(int) {}
func (NoopRecorder) Frame(string)    {}

// Config holds relay tuning parameters.
type Config struct {
	MaxConnections   int
	MaxFrameBytes    int64
	WriteTimeout     time.Duration
	Heartbeat        HeartbeatConfig
	TranscriptReplay bool
	// TranscriptIdle is how long a transcript outlives the last socket of
	// its session. Zero keeps transcripts until the session is forgotten.
	TranscriptIdle time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:   10000,
		MaxFrameBytes:    2 * chat.MaxMessageBytes,
		WriteTimeout:     10 * time.Second,
		Heartbeat:        DefaultHeartbeatConfig(),
		TranscriptReplay: true,
		TranscriptIdle:   30 * time.Minute,
	}
}

// Relay owns all chat sockets of one edge instance.
type Relay struct {
	cfg        Config
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	bus        Bus
	limiter    Limiter
	transcript *chat.Transcript
	log        zerolog.Logger
	rec        Recorder

	mu       sync.Mutex
	sessions map[string]map[string]*Connection // session id -> conn id -> conn

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRelay creates a Relay and starts its heartbeat. limiter may be nil to
// disable rate limiting.
func NewRelay(cfg Config, bus Bus, limiter Limiter, transcript *chat.Transcript, log zerolog.Logger, rec Recorder) *Relay {
	if rec == nil {
		rec = NoopRecorder{}
	}
	if transcript == nil {
		transcript = chat.NewTranscript(0)
	}
	r := &Relay{
		cfg:        cfg,
		conns:      NewConnectionManager(),
		bus:        bus,
		limiter:    limiter,
		transcript: transcript,
		log:        log,
		rec:        rec,
		sessions:   make(map[string]map[string]*Connection),
		done:       make(chan struct{}),
	}
	r.dispatcher = NewMessageDispatcher(log, rec)
	r.dispatcher.Register(protocol.TypeMessage, r.handleChat)

	if cfg.Heartbeat.Interval > 0 {
		r.wg.Add(1)
		go r.heartbeat()
	}
	return r
}

// Serve upgrades req and runs the connection for sd until either side
// closes it. It returns as soon as the socket is registered.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, sd identity.SessionData) {
	select {
	case <-r.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if r.cfg.MaxConnections > 0 && r.conns.Count() >= r.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Headers already set on w, such as scope cookies, ride on the 101.
	conn, _, _, err := ws.HTTPUpgrader{Header: w.Header()}.Upgrade(req, w)
	if err != nil {
		r.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, sd, r.cfg.WriteTimeout)
	r.conns.Add(c)
	r.rec.Connections(r.conns.Count())

	if err := r.join(c); err != nil {
		r.log.Warn().Err(err).Str("session", sd.SessionID).Msg("inbound subscribe failed")
	}

	sendJSON(c, r.log, protocol.TypeSession, protocol.SessionMsg{Session: sd})
	r.replay(c)
	r.publish(chat.Event{Type: chat.EventJoined, Session: sd, Ts: time.Now().UnixMilli()})

	r.log.Info().
		Str("conn", c.ID).
		Str("session", sd.SessionID).
		Str("user_type", string(sd.UserType)).
		Int("total", r.conns.Count()).
		Msg("connection opened")

	r.wg.Add(1)
	go r.readLoop(c)
}

func (r *Relay) readLoop(c *Connection) {
	defer r.wg.Done()
	defer r.remove(c)

	for {
		if d := r.cfg.Heartbeat.Deadline(); d > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(d))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
					return
				}
			}
			continue
		}

		if r.cfg.MaxFrameBytes > 0 && header.Length > r.cfg.MaxFrameBytes {
			r.rec.Frame(FrameRejected)
			sendError(c, r.log, protocol.CodeInvalidMessage, "frame too large", "")
			return
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if header.OpCode != ws.OpText || len(data) == 0 {
			continue
		}
		r.dispatcher.Dispatch(c, data)
	}
}

func (r *Relay) handleChat(c *Connection, msg any) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	if err := chat.ValidateMessage(m.Text); err != nil {
		r.rec.Frame(FrameRejected)
		sendError(c, r.log, protocol.CodeInvalidMessage, err.Error(), m.ClientID)
		return
	}

	sid := c.Session.SessionID
	if r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Allow fails open and logs its own errors.
		if ok, _ := r.limiter.Allow(ctx, sid, ratelimit.RuleMessage); !ok {
			r.rec.Frame(FrameRateLimited)
			retry := r.limiter.RetryAfter(ctx, sid, ratelimit.RuleMessage)
			sendJSON(c, r.log, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retry.Seconds())),
			})
			return
		}
	}

	ev := chat.Event{Type: chat.EventMessage, Session: c.Session, Text: m.Text, Ts: time.Now().UnixMilli()}
	if err := r.publish(ev); err != nil {
		sendError(c, r.log, protocol.CodeUnavailable, "chat is temporarily unavailable", m.ClientID)
		return
	}
	r.transcript.Append(sid, chat.Line{From: c.Session.UserID, Text: m.Text, Ts: ev.Ts, Outbound: true})
	r.rec.Frame(FrameOutbound)
}

// deliver fans one chat backend reply out to every socket of the session.
func (r *Relay) deliver(sessionID string, data []byte) {
	var reply chat.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		r.log.Warn().Err(err).Str("session", sessionID).Msg("bad inbound frame")
		return
	}
	if reply.Ts == 0 {
		reply.Ts = time.Now().UnixMilli()
	}
	r.transcript.Append(sessionID, chat.Line{From: reply.From, Text: reply.Text, Ts: reply.Ts})

	out, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		From: reply.From,
		Text: reply.Text,
		Ts:   reply.Ts,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("build inbound frame failed")
		return
	}

	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.sessions[sessionID]))
	for _, c := range r.sessions[sessionID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.WriteMessage(out); err != nil {
			r.log.Debug().Err(err).Str("conn", c.ID).Msg("inbound write failed")
			continue
		}
		r.rec.Frame(FrameInbound)
	}
}

func (r *Relay) replay(c *Connection) {
	if !r.cfg.TranscriptReplay {
		return
	}
	for _, l := range r.transcript.Recent(c.Session.SessionID) {
		sendJSON(c, r.log, protocol.TypeMessage, protocol.ServerChatMsg{From: l.From, Text: l.Text, Ts: l.Ts})
	}
}

// join subscribes to the session's inbound subject on its first socket.
func (r *Relay) join(c *Connection) error {
	sid := c.Session.SessionID
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.sessions[sid]
	if !ok {
		err := r.bus.SubscribeChatInbound(sid, sid, func(data []byte) {
			r.deliver(sid, data)
		})
		if err != nil {
			return err
		}
		conns = make(map[string]*Connection)
		r.sessions[sid] = conns
	}
	conns[c.ID] = c
	return nil
}

// leave drops the inbound subscription with the session's last socket.
func (r *Relay) leave(c *Connection) {
	sid := c.Session.SessionID
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.sessions[sid]
	if !ok {
		return
	}
	delete(conns, c.ID)
	if len(conns) > 0 {
		return
	}
	delete(r.sessions, sid)
	if err := r.bus.UnsubscribeChatInbound(sid); err != nil {
		r.log.Debug().Err(err).Str("session", sid).Msg("inbound unsubscribe failed")
	}
	r.transcript.Touch(sid, time.Now())
}

// hasSockets reports whether the session has a socket on this relay.
func (r *Relay) hasSockets(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID]) > 0
}

func (r *Relay) remove(c *Connection) {
	if !r.conns.Remove(c.ID) {
		return
	}
	r.leave(c)
	r.rec.Connections(r.conns.Count())
	r.publish(chat.Event{Type: chat.EventLeft, Session: c.Session, Ts: time.Now().UnixMilli()})

	r.log.Info().
		Str("conn", c.ID).
		Str("session", c.Session.SessionID).
		Dur("age", time.Since(c.CreatedAt).Round(time.Second)).
		Int("total", r.conns.Count()).
		Msg("connection closed")
}

func (r *Relay) publish(ev chat.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws: encode event: %w", err)
	}
	if err := r.bus.PublishChatOutbound(data); err != nil {
		r.log.Warn().Err(err).Str("type", ev.Type).Str("session", ev.Session.SessionID).Msg("publish failed")
		return fmt.Errorf("ws: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Count returns the number of live connections.
func (r *Relay) Count() int {
	return r.conns.Count()
}

// Forget drops the transcript of a session, e.g. after it was cleared.
func (r *Relay) Forget(sessionID string) {
	r.transcript.Forget(sessionID)
}

// Shutdown stops accepting sockets, tells every client the relay is going
// away, closes all connections and waits for their goroutines or ctx.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.done) })

	if msg, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    protocol.CodeUnavailable,
		Message: "server shutting down",
	}); err == nil {
		r.conns.Broadcast(msg)
	}
	for _, c := range r.conns.All() {
		r.remove(c)
	}

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		r.log.Info().Msg("relay stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}
