package storage

import (
	"context"
	"time"

	"github.com/alwitt/presencehub/common"
)

// SessionStore durable record of connection sessions.
//
// Status changing updates are conditional on the session still being active,
// so a session can not be both gracefully ended and swept as expired; the
// loser of that race observes false and treats the call as a no-op.
type SessionStore interface {
	// CreateSession persist a new active session record
	CreateSession(ctxt context.Context, session common.ConnectionSession) error
	// GetSession fetch one session record
	GetSession(ctxt context.Context, sessionID string) (common.ConnectionSession, error)
	// CloseSession move an active session to a terminal status. Returns false
	// without error if the session is not currently active.
	CloseSession(
		ctxt context.Context,
		sessionID string,
		status common.SessionStatus,
		disconnectedAt time.Time,
		durationMS int64,
	) (bool, error)
	// RefreshHeartbeat update the heartbeat and activity timestamps of an
	// active session. Returns false if the session is not active.
	RefreshHeartbeat(ctxt context.Context, sessionID string, timestamp time.Time) (bool, error)
	// RefreshActivity update the activity timestamp of an active session.
	// Returns false if the session is not active.
	RefreshActivity(
		ctxt context.Context, sessionID string, timestamp time.Time, label string,
	) (bool, error)
	// CountActiveForRep authoritative count of active sessions owned by a rep
	CountActiveForRep(ctxt context.Context, repID string) (int, error)
	// ListActiveSessions fetch all currently active sessions
	ListActiveSessions(ctxt context.Context) ([]common.ConnectionSession, error)
	// ListExpiredCandidates fetch active sessions whose heartbeat predates
	// heartbeatBefore or whose activity predates activityBefore
	ListExpiredCandidates(
		ctxt context.Context, heartbeatBefore, activityBefore time.Time,
	) ([]common.ConnectionSession, error)
	// ListRepSessions fetch the most recent sessions of a rep, newest first
	ListRepSessions(
		ctxt context.Context, repID string, limit int,
	) ([]common.ConnectionSession, error)
	// OnlineRepIDs distinct rep IDs owning at least one active session
	OnlineRepIDs(ctxt context.Context) ([]string, error)
	// SessionStats aggregate counters. dayStart bounds the sessions-today count.
	SessionStats(ctxt context.Context, dayStart time.Time) (common.SessionStats, error)
	// PurgeTerminalBefore delete terminal sessions which disconnected before
	// the cutoff. Returns the number removed.
	PurgeTerminalBefore(ctxt context.Context, cutoff time.Time) (int, error)
	// Ready verify the store is reachable
	Ready(ctxt context.Context) error
}

// PresenceStore persisted per-rep presence cursor
type PresenceStore interface {
	// GetPresence fetch the presence record of a rep. Reps never seen
	// before read back as offline with no cursor.
	GetPresence(ctxt context.Context, repID string) (common.RepPresence, error)
	// UpsertPresence write a presence record
	UpsertPresence(ctxt context.Context, presence common.RepPresence) error
}

// RecordStore read access to persisted domain events
type RecordStore interface {
	// QueryEventsAfter fetch events with timestamp strictly after the given
	// instant, excluding those authored by excludeAuthor, ascending by
	// (timestamp, event ID), capped at limit
	QueryEventsAfter(
		ctxt context.Context, after time.Time, excludeAuthor string, limit int,
	) ([]common.DomainEvent, error)
}

// RecordIngest write access to the domain event history
type RecordIngest interface {
	// InsertEvent persist one domain event
	InsertEvent(ctxt context.Context, event common.DomainEvent) error
}

// RepDirectory lookup of rep identities known to the system
type RepDirectory interface {
	// Exists whether the rep ID resolves to a known rep
	Exists(ctxt context.Context, repID string) (bool, error)
}

// Backend one store implementation covering every persistence concern
type Backend interface {
	SessionStore
	PresenceStore
	RecordStore
	RecordIngest
	RepDirectory
	// Close release backend resources
	Close()
}
