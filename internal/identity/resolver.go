package identity

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/kv"
)

// Recorder receives identity events for instrumentation.
type Recorder interface {
	Fallback(op string)
	SessionCreated()
}

// NoopRecorder discards all events.
type NoopRecorder struct{}

func (NoopRecorder) Fallback(string) {}
func (NoopRecorder) SessionCreated() {}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for degraded-mode reports.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// WithEnv sets the ambient probe used by source detection.
func WithEnv(env Env) Option {
	return func(r *Resolver) { r.env = env }
}

// WithGenerators replaces the id generators. Either may be nil to keep the
// default.
func WithGenerators(sessionID func() (string, bool), visitorID func() string) Option {
	return func(r *Resolver) {
		if sessionID != nil {
			r.genSession = sessionID
		}
		if visitorID != nil {
			r.genVisitor = visitorID
		}
	}
}

// Resolver derives session and visitor identity for one browser, backed by
// a durable store (device lifetime) and a session store (session lifetime).
// Values found in either store are trusted as-is.
type Resolver struct {
	durable kv.Store
	session kv.Store
	env     Env
	log     zerolog.Logger
	rec     Recorder

	genSession func() (string, bool)
	genVisitor func() string
}

// NewResolver creates a Resolver over the given stores.
func NewResolver(durable, session kv.Store, opts ...Option) *Resolver {
	r := &Resolver{
		durable:    durable,
		session:    session,
		env:        NoEnv,
		log:        zerolog.Nop(),
		rec:        NoopRecorder{},
		genSession: newSessionID,
		genVisitor: newVisitorID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateVisitorID returns the durable visitor id, creating and persisting one on
// first use. If the durable store fails, a fresh id is returned without
// being persisted, so repeated calls may disagree until storage recovers.
func (r *Resolver) GetOrCreateVisitorID(ctx context.Context) string {
	id, ok, err := r.durable.Get(ctx, VisitorIDKey)
	if err != nil {
		return r.fallback("visitor_id", err, r.genVisitor())
	}
	if ok && id != "" {
		return id
	}

	id = r.genVisitor()
	if err := r.durable.Set(ctx, VisitorIDKey, id); err != nil {
		return r.fallback("visitor_id", err, id)
	}
	r.log.Debug().Str("visitor_id", id).Msg("visitor id created")
	return id
}

// GetCurrentSessionID returns the session id for the current session scope,
// creating and persisting one on first use. Store failures yield a fresh,
// non-persisted id.
func (r *Resolver) GetCurrentSessionID(ctx context.Context) string {
	id, ok, err := r.session.Get(ctx, SessionIDKey)
	if err != nil {
		return r.fallback("session_id", err, r.sessionID())
	}
	if ok && id != "" {
		return id
	}
	return r.CreateNewSession(ctx)
}

// StoredSessionID returns the session id already stored for the current
// scope without creating one. A store error reports no session.
func (r *Resolver) StoredSessionID(ctx context.Context) (string, bool) {
	id, ok, err := r.session.Get(ctx, SessionIDKey)
	if err != nil {
		r.fallback("session_id", err, "")
		return "", false
	}
	return id, ok && id != ""
}

// CreateNewSession generates a session id and overwrites the stored one. Used to
// rotate session identity, for example on logout.
func (r *Resolver) CreateNewSession(ctx context.Context) string {
	id := r.sessionID()
	if err := r.session.Set(ctx, SessionIDKey, id); err != nil {
		return r.fallback("session_id", err, id)
	}
	r.log.Debug().Str("session_id", id).Msg("session created")
	return id
}

// ClearSession removes the stored session id. It is idempotent and never
// fails; a store error is logged.
func (r *Resolver) ClearSession(ctx context.Context) {
	if err := r.session.Remove(ctx, SessionIDKey); err != nil {
		r.rec.Fallback("clear_session")
		r.log.Warn().Err(err).Msg("clear session failed")
	}
}

// GetSessionData composes the identity tuple. A non-empty userID is an
// authenticated user: UserType is counselor exactly when role equals
// RoleCounselor, user otherwise. An empty userID is a visitor identified by
// the durable visitor id.
func (r *Resolver) GetSessionData(ctx context.Context, userID, role string) SessionData {
	sd := SessionData{
		SessionID: r.GetCurrentSessionID(ctx),
		Source:    DetectSource(r.env),
	}
	switch {
	case userID == "":
		sd.UserID = r.GetOrCreateVisitorID(ctx)
		sd.UserType = UserTypeVisitor
	case role == RoleCounselor:
		sd.UserID = userID
		sd.UserType = UserTypeCounselor
	default:
		sd.UserID = userID
		sd.UserType = UserTypeUser
	}
	return sd
}

// Source reports the platform class of the resolver's environment.
func (r *Resolver) Source() Source {
	return DetectSource(r.env)
}

func (r *Resolver) sessionID() string {
	id, weak := r.genSession()
	if weak {
		r.log.Warn().Msg("crypto random unavailable: session id generated from math/rand with reduced collision resistance")
	}
	r.rec.SessionCreated()
	return id
}

func (r *Resolver) fallback(op string, err error, id string) string {
	r.rec.Fallback(op)
	r.log.Warn().Err(err).Str("op", op).Msg("identity store unavailable, using ephemeral value")
	return id
}
