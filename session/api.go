package session

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/presencehub/common"
)

// PresenceSink receiver of presence recompute requests.
//
// The session manager fires this after every session lifecycle change which
// can move a rep between online and offline.
type PresenceSink interface {
	// Recompute re-derive the presence of a rep
	Recompute(ctxt context.Context, repID string, timestamp time.Time) error
}

// Manager tracks connection session lifecycles.
//
// Lifecycle changing operations are serialized through one event loop.
// Heartbeat and activity refreshes write to the store directly; they are
// conditional updates which only touch still active sessions, so they can
// not resurrect a session the event loop already closed.
type Manager interface {
	// CreateSession start a new active session for a rep. The rep must be
	// known to the rep directory.
	CreateSession(
		ctxt context.Context, repID string, meta common.ClientMeta,
	) (common.ConnectionSession, error)
	// EndSession move a session to its terminal status. Repeated calls
	// against an already ended session are no-ops.
	EndSession(
		ctxt context.Context, sessionID string, reason common.SessionEndReason,
	) error
	// Heartbeat refresh the heartbeat and activity timestamps of a session
	Heartbeat(ctxt context.Context, sessionID string) error
	// TouchActivity refresh the activity timestamp of a session
	TouchActivity(ctxt context.Context, sessionID string, label string) error
	// SweepExpired close every active session which breached the heartbeat
	// or activity timeout. Returns the number of sessions closed.
	SweepExpired(ctxt context.Context) (int, error)
	// CloseAllActive close every active session. Used on shutdown.
	CloseAllActive(ctxt context.Context) (int, error)
	// PurgeOldSessions delete terminal sessions past the retention window
	PurgeOldSessions(ctxt context.Context) (int, error)
	// Stats fetch aggregate session counters
	Stats(ctxt context.Context) (common.SessionStats, error)
	// OnlineReps fetch the IDs of reps with at least one active session
	OnlineReps(ctxt context.Context) ([]string, error)
	// SessionHistory fetch the most recent sessions of a rep, newest first
	SessionHistory(
		ctxt context.Context, repID string, limit int,
	) ([]common.ConnectionSession, error)
	// Ready verify the backing store is reachable
	Ready(ctxt context.Context) error
	// StartEventLoop starts the manager's event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stops the manager's event loop
	StopEventLoop() error
}
