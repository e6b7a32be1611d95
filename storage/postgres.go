package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStoreImpl implements Backend against PostgreSQL.
//
// Status changing updates carry a `status = 'active'` guard so the database
// serializes conflicting closes of the same session.
type pgStoreImpl struct {
	common.Component
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS rep_sessions (
	session_id          TEXT PRIMARY KEY,
	rep_id              TEXT NOT NULL,
	status              TEXT NOT NULL,
	connected_at        TIMESTAMPTZ NOT NULL,
	last_activity_at    TIMESTAMPTZ NOT NULL,
	last_heartbeat_at   TIMESTAMPTZ NOT NULL,
	disconnected_at     TIMESTAMPTZ,
	duration_ms         BIGINT NOT NULL DEFAULT 0,
	remote_addr         TEXT NOT NULL DEFAULT '',
	user_agent          TEXT NOT NULL DEFAULT '',
	geo_hint            TEXT NOT NULL DEFAULT '',
	last_activity_label TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS rep_sessions_rep_status_idx ON rep_sessions (rep_id, status);
CREATE INDEX IF NOT EXISTS rep_sessions_status_idx ON rep_sessions (status);
CREATE TABLE IF NOT EXISTS rep_presence (
	rep_id         TEXT PRIMARY KEY,
	is_online      BOOLEAN NOT NULL,
	last_online_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS domain_events (
	event_id      TEXT PRIMARY KEY,
	author_rep_id TEXT NOT NULL,
	event_ts      TIMESTAMPTZ NOT NULL,
	payload       JSONB
);
CREATE INDEX IF NOT EXISTS domain_events_ts_idx ON domain_events (event_ts, event_id);
CREATE TABLE IF NOT EXISTS reps (
	rep_id TEXT PRIMARY KEY
);
`

// GetPostgresStore define a PostgreSQL store backend
func GetPostgresStore(
	ctxt context.Context, config common.PostgresConfig,
) (Backend, error) {
	logTags := log.Fields{
		"module": "storage", "component": "postgres-store",
	}
	poolConfig, err := pgxpool.ParseConfig(config.URI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse connection URI")
		return nil, err
	}
	poolConfig.MaxConns = int32(config.MaxConns)
	connectCtxt, cancel := context.WithTimeout(
		ctxt, time.Second*time.Duration(config.ConnectTimeout),
	)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to create connection pool")
		return nil, err
	}
	if err := pool.Ping(connectCtxt); err != nil {
		pool.Close()
		log.WithError(err).WithFields(logTags).Error("Unable to reach PostgreSQL")
		return nil, err
	}
	if _, err := pool.Exec(connectCtxt, pgSchema); err != nil {
		pool.Close()
		log.WithError(err).WithFields(logTags).Error("Unable to apply schema")
		return nil, err
	}
	log.WithFields(logTags).Info("Connected with PostgreSQL")
	return &pgStoreImpl{
		Component: common.Component{LogTags: logTags}, pool: pool,
	}, nil
}

// CreateSession persist a new active session record
func (s *pgStoreImpl) CreateSession(
	ctxt context.Context, session common.ConnectionSession,
) error {
	_, err := s.pool.Exec(
		ctxt,
		`INSERT INTO rep_sessions (
			session_id, rep_id, status, connected_at, last_activity_at,
			last_heartbeat_at, remote_addr, user_agent, geo_hint
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID,
		session.RepID,
		string(session.Status),
		session.ConnectedAt,
		session.LastActivityAt,
		session.LastHeartbeatAt,
		session.Meta.RemoteAddr,
		session.Meta.UserAgent,
		session.Meta.GeoHint,
	)
	return err
}

const sessionColumns = `session_id, rep_id, status, connected_at, last_activity_at,
	last_heartbeat_at, disconnected_at, duration_ms, remote_addr, user_agent,
	geo_hint, last_activity_label`

func scanSession(row pgx.Row) (common.ConnectionSession, error) {
	var session common.ConnectionSession
	var status string
	err := row.Scan(
		&session.ID,
		&session.RepID,
		&status,
		&session.ConnectedAt,
		&session.LastActivityAt,
		&session.LastHeartbeatAt,
		&session.DisconnectedAt,
		&session.DurationMS,
		&session.Meta.RemoteAddr,
		&session.Meta.UserAgent,
		&session.Meta.GeoHint,
		&session.Meta.LastActivityLabel,
	)
	session.Status = common.SessionStatus(status)
	return session, err
}

func (s *pgStoreImpl) querySessions(
	ctxt context.Context, query string, args ...interface{},
) ([]common.ConnectionSession, error) {
	rows, err := s.pool.Query(ctxt, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []common.ConnectionSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// GetSession fetch one session record
func (s *pgStoreImpl) GetSession(
	ctxt context.Context, sessionID string,
) (common.ConnectionSession, error) {
	row := s.pool.QueryRow(
		ctxt,
		fmt.Sprintf("SELECT %s FROM rep_sessions WHERE session_id = $1", sessionColumns),
		sessionID,
	)
	session, err := scanSession(row)
	if err == pgx.ErrNoRows {
		return common.ConnectionSession{}, common.SessionNotFoundError{SessionID: sessionID}
	}
	return session, err
}

// CloseSession move an active session to a terminal status
func (s *pgStoreImpl) CloseSession(
	ctxt context.Context,
	sessionID string,
	status common.SessionStatus,
	disconnectedAt time.Time,
	durationMS int64,
) (bool, error) {
	tag, err := s.pool.Exec(
		ctxt,
		`UPDATE rep_sessions SET status = $1, disconnected_at = $2, duration_ms = $3
			WHERE session_id = $4 AND status = 'active'`,
		string(status),
		disconnectedAt,
		durationMS,
		sessionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RefreshHeartbeat update heartbeat and activity timestamps of an active session
func (s *pgStoreImpl) RefreshHeartbeat(
	ctxt context.Context, sessionID string, timestamp time.Time,
) (bool, error) {
	tag, err := s.pool.Exec(
		ctxt,
		`UPDATE rep_sessions SET last_heartbeat_at = $1, last_activity_at = $1
			WHERE session_id = $2 AND status = 'active'`,
		timestamp,
		sessionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RefreshActivity update the activity timestamp of an active session
func (s *pgStoreImpl) RefreshActivity(
	ctxt context.Context, sessionID string, timestamp time.Time, label string,
) (bool, error) {
	tag, err := s.pool.Exec(
		ctxt,
		`UPDATE rep_sessions SET last_activity_at = $1,
			last_activity_label = CASE WHEN $2 = '' THEN last_activity_label ELSE $2 END
			WHERE session_id = $3 AND status = 'active'`,
		timestamp,
		label,
		sessionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountActiveForRep authoritative count of active sessions owned by a rep
func (s *pgStoreImpl) CountActiveForRep(
	ctxt context.Context, repID string,
) (int, error) {
	var count int
	err := s.pool.QueryRow(
		ctxt,
		`SELECT COUNT(*) FROM rep_sessions WHERE rep_id = $1 AND status = 'active'`,
		repID,
	).Scan(&count)
	return count, err
}

// ListActiveSessions fetch all currently active sessions
func (s *pgStoreImpl) ListActiveSessions(
	ctxt context.Context,
) ([]common.ConnectionSession, error) {
	return s.querySessions(
		ctxt,
		fmt.Sprintf("SELECT %s FROM rep_sessions WHERE status = 'active'", sessionColumns),
	)
}

// ListExpiredCandidates fetch active sessions past either liveness deadline
func (s *pgStoreImpl) ListExpiredCandidates(
	ctxt context.Context, heartbeatBefore, activityBefore time.Time,
) ([]common.ConnectionSession, error) {
	return s.querySessions(
		ctxt,
		fmt.Sprintf(
			`SELECT %s FROM rep_sessions WHERE status = 'active'
				AND (last_heartbeat_at < $1 OR last_activity_at < $2)`,
			sessionColumns,
		),
		heartbeatBefore,
		activityBefore,
	)
}

// ListRepSessions fetch the most recent sessions of a rep, newest first
func (s *pgStoreImpl) ListRepSessions(
	ctxt context.Context, repID string, limit int,
) ([]common.ConnectionSession, error) {
	return s.querySessions(
		ctxt,
		fmt.Sprintf(
			`SELECT %s FROM rep_sessions WHERE rep_id = $1
				ORDER BY connected_at DESC LIMIT $2`,
			sessionColumns,
		),
		repID,
		limit,
	)
}

// OnlineRepIDs distinct rep IDs owning at least one active session
func (s *pgStoreImpl) OnlineRepIDs(ctxt context.Context) ([]string, error) {
	rows, err := s.pool.Query(
		ctxt,
		`SELECT DISTINCT rep_id FROM rep_sessions WHERE status = 'active' ORDER BY rep_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var repID string
		if err := rows.Scan(&repID); err != nil {
			return nil, err
		}
		result = append(result, repID)
	}
	return result, rows.Err()
}

// SessionStats aggregate counters
func (s *pgStoreImpl) SessionStats(
	ctxt context.Context, dayStart time.Time,
) (common.SessionStats, error) {
	var stats common.SessionStats
	err := s.pool.QueryRow(
		ctxt,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(DISTINCT rep_id) FILTER (WHERE status = 'active'),
			COALESCE(AVG(duration_ms) FILTER (
				WHERE status <> 'active' AND duration_ms > 0
			), 0)::BIGINT,
			COUNT(*) FILTER (WHERE connected_at >= $1)
			FROM rep_sessions`,
		dayStart,
	).Scan(
		&stats.TotalActiveSessions,
		&stats.TotalOnlineReps,
		&stats.AverageSessionDurationMS,
		&stats.SessionsToday,
	)
	return stats, err
}

// PurgeTerminalBefore delete terminal sessions past the retention cutoff
func (s *pgStoreImpl) PurgeTerminalBefore(
	ctxt context.Context, cutoff time.Time,
) (int, error) {
	tag, err := s.pool.Exec(
		ctxt,
		`DELETE FROM rep_sessions WHERE status <> 'active' AND disconnected_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ready verify the store is reachable
func (s *pgStoreImpl) Ready(ctxt context.Context) error {
	return s.pool.Ping(ctxt)
}

// GetPresence fetch the presence record of a rep
func (s *pgStoreImpl) GetPresence(
	ctxt context.Context, repID string,
) (common.RepPresence, error) {
	presence := common.RepPresence{RepID: repID}
	err := s.pool.QueryRow(
		ctxt,
		`SELECT is_online, last_online_at FROM rep_presence WHERE rep_id = $1`,
		repID,
	).Scan(&presence.IsOnline, &presence.LastOnlineAt)
	if err == pgx.ErrNoRows {
		return common.RepPresence{RepID: repID, IsOnline: false}, nil
	}
	return presence, err
}

// UpsertPresence write a presence record
func (s *pgStoreImpl) UpsertPresence(
	ctxt context.Context, presence common.RepPresence,
) error {
	_, err := s.pool.Exec(
		ctxt,
		`INSERT INTO rep_presence (rep_id, is_online, last_online_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (rep_id) DO UPDATE
			SET is_online = EXCLUDED.is_online, last_online_at = EXCLUDED.last_online_at`,
		presence.RepID,
		presence.IsOnline,
		presence.LastOnlineAt,
	)
	return err
}

// QueryEventsAfter fetch qualifying events ascending by (timestamp, event ID)
func (s *pgStoreImpl) QueryEventsAfter(
	ctxt context.Context, after time.Time, excludeAuthor string, limit int,
) ([]common.DomainEvent, error) {
	rows, err := s.pool.Query(
		ctxt,
		`SELECT event_id, author_rep_id, event_ts, payload FROM domain_events
			WHERE event_ts > $1 AND author_rep_id <> $2
			ORDER BY event_ts ASC, event_id ASC LIMIT $3`,
		after,
		excludeAuthor,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []common.DomainEvent
	for rows.Next() {
		var event common.DomainEvent
		if err := rows.Scan(
			&event.ID, &event.AuthorRepID, &event.Timestamp, &event.Payload,
		); err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// InsertEvent persist one domain event
func (s *pgStoreImpl) InsertEvent(
	ctxt context.Context, event common.DomainEvent,
) error {
	_, err := s.pool.Exec(
		ctxt,
		`INSERT INTO domain_events (event_id, author_rep_id, event_ts, payload)
			VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
		event.ID,
		event.AuthorRepID,
		event.Timestamp,
		event.Payload,
	)
	return err
}

// Exists whether the rep ID resolves to a known rep
func (s *pgStoreImpl) Exists(ctxt context.Context, repID string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(
		ctxt,
		`SELECT EXISTS (SELECT 1 FROM reps WHERE rep_id = $1)`,
		repID,
	).Scan(&found)
	return found, err
}

// Close release backend resources
func (s *pgStoreImpl) Close() {
	s.pool.Close()
}
