package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/apex/log"
)

// inMemoryStoreImpl implements Backend against process local maps.
//
// Valid only for a single-instance deployment; state is lost on restart.
type inMemoryStoreImpl struct {
	common.Component
	lock     sync.RWMutex
	sessions map[string]common.ConnectionSession
	presence map[string]common.RepPresence
	events   []common.DomainEvent
	eventIDs map[string]bool
	reps     map[string]bool
}

// GetInMemoryStore define an in-memory store backend
func GetInMemoryStore(knownReps []string) (Backend, error) {
	logTags := log.Fields{
		"module": "storage", "component": "in-memory-store",
	}
	reps := make(map[string]bool)
	for _, repID := range knownReps {
		reps[repID] = true
	}
	return &inMemoryStoreImpl{
		Component: common.Component{LogTags: logTags},
		sessions:  make(map[string]common.ConnectionSession),
		presence:  make(map[string]common.RepPresence),
		events:    nil,
		eventIDs:  make(map[string]bool),
		reps:      reps,
	}, nil
}

// CreateSession persist a new active session record
func (s *inMemoryStoreImpl) CreateSession(
	ctxt context.Context, session common.ConnectionSession,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sessions[session.ID] = session
	return nil
}

// GetSession fetch one session record
func (s *inMemoryStoreImpl) GetSession(
	ctxt context.Context, sessionID string,
) (common.ConnectionSession, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return common.ConnectionSession{}, common.SessionNotFoundError{SessionID: sessionID}
	}
	return session, nil
}

// CloseSession move an active session to a terminal status
func (s *inMemoryStoreImpl) CloseSession(
	ctxt context.Context,
	sessionID string,
	status common.SessionStatus,
	disconnectedAt time.Time,
	durationMS int64,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return false, common.SessionNotFoundError{SessionID: sessionID}
	}
	if session.Status != common.SessionActive {
		return false, nil
	}
	session.Status = status
	session.DisconnectedAt = &disconnectedAt
	session.DurationMS = durationMS
	s.sessions[sessionID] = session
	return true, nil
}

// RefreshHeartbeat update heartbeat and activity timestamps of an active session
func (s *inMemoryStoreImpl) RefreshHeartbeat(
	ctxt context.Context, sessionID string, timestamp time.Time,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Status != common.SessionActive {
		return false, nil
	}
	session.LastHeartbeatAt = timestamp
	session.LastActivityAt = timestamp
	s.sessions[sessionID] = session
	return true, nil
}

// RefreshActivity update the activity timestamp of an active session
func (s *inMemoryStoreImpl) RefreshActivity(
	ctxt context.Context, sessionID string, timestamp time.Time, label string,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Status != common.SessionActive {
		return false, nil
	}
	session.LastActivityAt = timestamp
	if label != "" {
		session.Meta.LastActivityLabel = label
	}
	s.sessions[sessionID] = session
	return true, nil
}

// CountActiveForRep authoritative count of active sessions owned by a rep
func (s *inMemoryStoreImpl) CountActiveForRep(
	ctxt context.Context, repID string,
) (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	count := 0
	for _, session := range s.sessions {
		if session.RepID == repID && session.Status == common.SessionActive {
			count++
		}
	}
	return count, nil
}

// ListActiveSessions fetch all currently active sessions
func (s *inMemoryStoreImpl) ListActiveSessions(
	ctxt context.Context,
) ([]common.ConnectionSession, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var result []common.ConnectionSession
	for _, session := range s.sessions {
		if session.Status == common.SessionActive {
			result = append(result, session)
		}
	}
	return result, nil
}

// ListExpiredCandidates fetch active sessions past either liveness deadline
func (s *inMemoryStoreImpl) ListExpiredCandidates(
	ctxt context.Context, heartbeatBefore, activityBefore time.Time,
) ([]common.ConnectionSession, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var result []common.ConnectionSession
	for _, session := range s.sessions {
		if session.Status != common.SessionActive {
			continue
		}
		if session.LastHeartbeatAt.Before(heartbeatBefore) ||
			session.LastActivityAt.Before(activityBefore) {
			result = append(result, session)
		}
	}
	return result, nil
}

// ListRepSessions fetch the most recent sessions of a rep, newest first
func (s *inMemoryStoreImpl) ListRepSessions(
	ctxt context.Context, repID string, limit int,
) ([]common.ConnectionSession, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var result []common.ConnectionSession
	for _, session := range s.sessions {
		if session.RepID == repID {
			result = append(result, session)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.After(result[j].ConnectedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// OnlineRepIDs distinct rep IDs owning at least one active session
func (s *inMemoryStoreImpl) OnlineRepIDs(ctxt context.Context) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	seen := make(map[string]bool)
	for _, session := range s.sessions {
		if session.Status == common.SessionActive {
			seen[session.RepID] = true
		}
	}
	result := make([]string, 0, len(seen))
	for repID := range seen {
		result = append(result, repID)
	}
	sort.Strings(result)
	return result, nil
}

// SessionStats aggregate counters
func (s *inMemoryStoreImpl) SessionStats(
	ctxt context.Context, dayStart time.Time,
) (common.SessionStats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	stats := common.SessionStats{}
	onlineReps := make(map[string]bool)
	var totalDurationMS int64
	closedSessions := 0
	for _, session := range s.sessions {
		if session.Status == common.SessionActive {
			stats.TotalActiveSessions++
			onlineReps[session.RepID] = true
		} else if session.DurationMS > 0 {
			totalDurationMS += session.DurationMS
			closedSessions++
		}
		if !session.ConnectedAt.Before(dayStart) {
			stats.SessionsToday++
		}
	}
	stats.TotalOnlineReps = len(onlineReps)
	if closedSessions > 0 {
		stats.AverageSessionDurationMS = totalDurationMS / int64(closedSessions)
	}
	return stats, nil
}

// PurgeTerminalBefore delete terminal sessions past the retention cutoff
func (s *inMemoryStoreImpl) PurgeTerminalBefore(
	ctxt context.Context, cutoff time.Time,
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	removed := 0
	for sessionID, session := range s.sessions {
		if session.Status.Terminal() && session.DisconnectedAt != nil &&
			session.DisconnectedAt.Before(cutoff) {
			delete(s.sessions, sessionID)
			removed++
		}
	}
	return removed, nil
}

// Ready verify the store is reachable
func (s *inMemoryStoreImpl) Ready(ctxt context.Context) error {
	return nil
}

// GetPresence fetch the presence record of a rep
func (s *inMemoryStoreImpl) GetPresence(
	ctxt context.Context, repID string,
) (common.RepPresence, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	presence, ok := s.presence[repID]
	if !ok {
		return common.RepPresence{RepID: repID, IsOnline: false}, nil
	}
	return presence, nil
}

// UpsertPresence write a presence record
func (s *inMemoryStoreImpl) UpsertPresence(
	ctxt context.Context, presence common.RepPresence,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.presence[presence.RepID] = presence
	return nil
}

// QueryEventsAfter fetch qualifying events ascending by (timestamp, event ID)
func (s *inMemoryStoreImpl) QueryEventsAfter(
	ctxt context.Context, after time.Time, excludeAuthor string, limit int,
) ([]common.DomainEvent, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var result []common.DomainEvent
	for _, event := range s.events {
		if !event.Timestamp.After(after) {
			continue
		}
		if event.AuthorRepID == excludeAuthor {
			continue
		}
		result = append(result, event)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// InsertEvent persist one domain event. Repeated inserts of the same event
// ID are dropped, so replay never yields an event ID twice.
func (s *inMemoryStoreImpl) InsertEvent(
	ctxt context.Context, event common.DomainEvent,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.eventIDs[event.ID] {
		return nil
	}
	s.eventIDs[event.ID] = true
	s.events = append(s.events, event)
	return nil
}

// Exists whether the rep ID resolves to a known rep
func (s *inMemoryStoreImpl) Exists(ctxt context.Context, repID string) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.reps[repID], nil
}

// Close release backend resources
func (s *inMemoryStoreImpl) Close() {}
