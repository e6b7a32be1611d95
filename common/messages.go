package common

import "time"

// Outbound message types
const (
	// MsgTypeConnectionEstablished sent once on transport connect
	MsgTypeConnectionEstablished = "connection:established"
	// MsgTypeAuthSuccess authentication accepted
	MsgTypeAuthSuccess = "auth:success"
	// MsgTypeAuthError authentication rejected
	MsgTypeAuthError = "auth:error"
	// MsgTypeLogoutSuccess logout acknowledged, connection back to anonymous
	MsgTypeLogoutSuccess = "auth:logout-success"
	// MsgTypeActivityNew a live domain event
	MsgTypeActivityNew = "activity:new"
	// MsgTypeReplayStart marks the start of a non-empty replay batch
	MsgTypeReplayStart = "activity:replay-start"
	// MsgTypeReplay one replayed domain event
	MsgTypeReplay = "activity:replay"
	// MsgTypeReplayComplete marks the end of replay
	MsgTypeReplayComplete = "activity:replay-complete"
	// MsgTypeReplayError replay lookup failed
	MsgTypeReplayError = "activity:replay-error"
	// MsgTypeNotification a system notification
	MsgTypeNotification = "notification"
	// MsgTypePresenceChanged a rep transitioned online or offline
	MsgTypePresenceChanged = "presence:changed"
	// MsgTypeSessionStats aggregate session counters
	MsgTypeSessionStats = "session:stats"
	// MsgTypeOnlineUsers snapshot of online rep IDs
	MsgTypeOnlineUsers = "session:online-users"
)

// Inbound control message types
const (
	// CtrlTypeAuthenticate bind the connection to a rep
	CtrlTypeAuthenticate = "authenticate"
	// CtrlTypeHeartbeat refresh session liveness
	CtrlTypeHeartbeat = "heartbeat"
	// CtrlTypeActivity refresh the session activity timestamp
	CtrlTypeActivity = "activity"
	// CtrlTypeLogout end the session without closing the transport
	CtrlTypeLogout = "logout"
	// CtrlTypeGetOnlineUsers request the online rep snapshot
	CtrlTypeGetOnlineUsers = "getOnlineUsers"
	// CtrlTypeGetStats request aggregate session counters
	CtrlTypeGetStats = "getStats"
)

// ReplayInfo details of one replay batch
type ReplayInfo struct {
	// Count number of events in the batch
	Count int `json:"count"`
	// From exclusive lower bound of the replay window
	From *time.Time `json:"from,omitempty"`
	// To upper bound of the replay window
	To *time.Time `json:"to,omitempty"`
	// NothingMissed set on replay-complete when no events qualified
	NothingMissed bool `json:"nothing_missed,omitempty"`
}

// ServerMessage one outbound message to a connection
type ServerMessage struct {
	// Type the message type
	Type string `json:"type" validate:"required"`
	// ConnectionID set on connection:established
	ConnectionID string `json:"connection_id,omitempty"`
	// RepID subject rep for auth:success and presence:changed
	RepID string `json:"rep_id,omitempty"`
	// IsOnline new presence state for presence:changed
	IsOnline *bool `json:"is_online,omitempty"`
	// Reason failure description for auth:error and activity:replay-error
	Reason string `json:"reason,omitempty"`
	// Text notification content
	Text string `json:"text,omitempty"`
	// Event domain event for activity:new and activity:replay
	Event *DomainEvent `json:"event,omitempty"`
	// Replay replay batch details
	Replay *ReplayInfo `json:"replay,omitempty"`
	// Stats aggregate counters for session:stats
	Stats *SessionStats `json:"stats,omitempty"`
	// OnlineReps online rep snapshot for session:online-users
	OnlineReps []string `json:"online_reps,omitempty"`
}

// ClientMessage one inbound control message from a connection
type ClientMessage struct {
	// Type the control message type
	Type string `json:"type" validate:"required,oneof=authenticate heartbeat activity logout getOnlineUsers getStats"`
	// Credential client presented credential for authenticate
	Credential string `json:"credential,omitempty"`
	// LocationHint optional client location hint for authenticate
	LocationHint string `json:"location_hint,omitempty"`
	// Label optional activity label
	Label string `json:"label,omitempty"`
}

// MessageSink receiver of outbound messages.
//
// Send preserves the caller's call order for any single sink.
type MessageSink interface {
	// Send queue one message for delivery
	Send(msg ServerMessage) error
}

// NewPresenceChangedMessage build a presence:changed message
func NewPresenceChangedMessage(repID string, isOnline bool) ServerMessage {
	return ServerMessage{
		Type: MsgTypePresenceChanged, RepID: repID, IsOnline: &isOnline,
	}
}

// NewDomainEventMessage build an activity:new message
func NewDomainEventMessage(event DomainEvent) ServerMessage {
	return ServerMessage{Type: MsgTypeActivityNew, Event: &event}
}

// NewNotificationMessage build a notification message
func NewNotificationMessage(text string) ServerMessage {
	return ServerMessage{Type: MsgTypeNotification, Text: text}
}
