package replay

import (
	"context"
	"sort"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/storage"
	"github.com/apex/log"
)

// Engine delivers the domain events a rep missed while offline.
//
// The replay cursor is the rep's last-online timestamp. Reps with no
// recorded cursor fall back to a fixed look-back window.
type Engine interface {
	// ReplayMissed send the missed events of a rep to a sink, framed by
	// replay start / complete markers. Events authored by the rep itself
	// are never replayed.
	ReplayMissed(ctxt context.Context, repID string, sink common.MessageSink) error
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	records  storage.RecordStore
	presence storage.PresenceStore
	window   time.Duration
	maxBatch int
}

// GetEngineInstance define a replay engine
func GetEngineInstance(
	records storage.RecordStore,
	presence storage.PresenceStore,
	config common.ReplayConfig,
) (Engine, error) {
	logTags := log.Fields{
		"module": "replay", "component": "engine",
	}
	return &engineImpl{
		Component: common.Component{LogTags: logTags},
		records:   records,
		presence:  presence,
		window:    time.Hour * time.Duration(config.WindowHours),
		maxBatch:  config.MaxEvents,
	}, nil
}

// ReplayMissed send the missed events of a rep to a sink
func (e *engineImpl) ReplayMissed(
	ctxt context.Context, repID string, sink common.MessageSink,
) error {
	now := time.Now().UTC()

	cursor, err := e.replayCursor(ctxt, repID, now)
	if err != nil {
		e.sendReplayError(repID, sink)
		return common.ReplayQueryError{Cause: err}
	}

	events, err := e.records.QueryEventsAfter(ctxt, cursor, repID, e.maxBatch)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Missed event lookup for %s failed", repID,
		)
		e.sendReplayError(repID, sink)
		return common.ReplayQueryError{Cause: err}
	}
	// The store already orders these; re-assert in case it does not
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	if len(events) == 0 {
		return sink.Send(common.ServerMessage{
			Type:   common.MsgTypeReplayComplete,
			Replay: &common.ReplayInfo{Count: 0, NothingMissed: true},
		})
	}

	info := common.ReplayInfo{Count: len(events), From: &cursor, To: &now}
	if err := sink.Send(common.ServerMessage{
		Type: common.MsgTypeReplayStart, Replay: &info,
	}); err != nil {
		return err
	}
	for idx := range events {
		if err := sink.Send(common.ServerMessage{
			Type: common.MsgTypeReplay, Event: &events[idx],
		}); err != nil {
			return err
		}
	}
	log.WithFields(e.LogTags).Infof(
		"Replayed %d events for rep %s from cursor %s", len(events), repID, cursor,
	)
	return sink.Send(common.ServerMessage{
		Type: common.MsgTypeReplayComplete, Replay: &info,
	})
}

// replayCursor the instant after which events count as missed
func (e *engineImpl) replayCursor(
	ctxt context.Context, repID string, now time.Time,
) (time.Time, error) {
	presence, err := e.presence.GetPresence(ctxt, repID)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Presence cursor lookup for %s failed", repID,
		)
		return time.Time{}, err
	}
	if presence.LastOnlineAt != nil {
		return *presence.LastOnlineAt, nil
	}
	return now.Add(-e.window), nil
}

func (e *engineImpl) sendReplayError(repID string, sink common.MessageSink) {
	if err := sink.Send(common.ServerMessage{
		Type: common.MsgTypeReplayError, Reason: "missed event lookup failed",
	}); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Failed to notify %s of replay failure", repID,
		)
	}
}
