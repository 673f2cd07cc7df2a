// Package identity resolves the identity tuple that tags outbound chat and
// analytics traffic: a per-session id, a durable per-device visitor id, and
// the authenticated user context when there is one. Storage failures never
// reach the caller; every operation degrades to a freshly generated,
// non-persisted value and logs the failure.
package identity

// Storage keys for identity values.
const (
	VisitorIDKey = "visitor_id"
	SessionIDKey = "chat_session_id"
)

// RoleCounselor is the role string that marks an authenticated counsellor.
const RoleCounselor = "counselor"

// UserType classifies the identity behind a request.
type UserType string

const (
	UserTypeUser      UserType = "user"
	UserTypeVisitor   UserType = "visitor"
	UserTypeCounselor UserType = "counselor"
)

// Source is the platform class derived from the user agent.
type Source string

const (
	SourceWeb    Source = "web"
	SourceMobile Source = "mobile"
)

// SessionData is the identity descriptor attached to chat and analytics
// requests. UserType and Source are always derived, never set directly.
type SessionData struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	UserType  UserType `json:"userType"`
	Source    Source   `json:"source"`
}
