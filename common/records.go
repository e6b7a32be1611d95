package common

import (
	"encoding/json"
	"time"
)

// SessionStatus the lifecycle state of a connection session
type SessionStatus string

const (
	// SessionActive session backs a live connection
	SessionActive SessionStatus = "active"
	// SessionInactive session was closed gracefully
	SessionInactive SessionStatus = "inactive"
	// SessionExpired session was closed by the expiry sweep
	SessionExpired SessionStatus = "expired"
)

// Terminal whether this status is an end state
func (s SessionStatus) Terminal() bool {
	return s == SessionInactive || s == SessionExpired
}

// SessionEndReason why a session was ended
type SessionEndReason string

const (
	// EndReasonGraceful the client disconnected or logged out
	EndReasonGraceful SessionEndReason = "graceful"
	// EndReasonExpired the expiry sweep closed the session
	EndReasonExpired SessionEndReason = "expired"
)

// ClientMeta informational transport metadata attached to a session.
//
// Never used in any presence or replay decision.
type ClientMeta struct {
	// RemoteAddr the transport level peer address
	RemoteAddr string `json:"remote_addr,omitempty"`
	// UserAgent the client user-agent string
	UserAgent string `json:"user_agent,omitempty"`
	// GeoHint optional client supplied location hint
	GeoHint string `json:"geo_hint,omitempty"`
	// LastActivityLabel label of the most recent activity signal
	LastActivityLabel string `json:"last_activity_label,omitempty"`
}

// ConnectionSession the server side record of one physical connection
type ConnectionSession struct {
	// ID unique session ID, minted on creation, never reused
	ID string `json:"session_id" validate:"required"`
	// RepID the rep this session belongs to
	RepID string `json:"rep_id" validate:"required"`
	// Status lifecycle state
	Status SessionStatus `json:"status" validate:"required,oneof=active inactive expired"`
	// ConnectedAt when the session was created
	ConnectedAt time.Time `json:"connected_at"`
	// LastActivityAt last time any activity signal arrived
	LastActivityAt time.Time `json:"last_activity_at"`
	// LastHeartbeatAt last time a heartbeat arrived
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// DisconnectedAt when the session reached a terminal state
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	// DurationMS session length in milliseconds, recorded on close
	DurationMS int64 `json:"duration_ms,omitempty"`
	// Meta informational transport metadata
	Meta ClientMeta `json:"client_meta,omitempty"`
}

// RepPresence derived online state of one rep
type RepPresence struct {
	// RepID the rep
	RepID string `json:"rep_id" validate:"required"`
	// IsOnline true when the rep owns at least one active session
	IsOnline bool `json:"is_online"`
	// LastOnlineAt stamped when the last active session ends. Replay cursor.
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
}

// DomainEvent one business event visible to reps. Read-only within this subsystem.
type DomainEvent struct {
	// ID unique event ID
	ID string `json:"event_id" validate:"required"`
	// AuthorRepID the rep who produced the event
	AuthorRepID string `json:"author_rep_id" validate:"required"`
	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// Payload opaque event content
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionStats aggregate session counters
type SessionStats struct {
	// TotalActiveSessions number of sessions currently active
	TotalActiveSessions int `json:"total_active_sessions"`
	// TotalOnlineReps number of distinct reps with at least one active session
	TotalOnlineReps int `json:"total_online_reps"`
	// AverageSessionDurationMS mean duration over closed sessions
	AverageSessionDurationMS int64 `json:"average_session_duration_ms"`
	// SessionsToday sessions created since local midnight
	SessionsToday int `json:"sessions_today"`
}
