package presence

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/storage"
	"github.com/apex/log"
)

// ChangeSink receiver of presence transition events
type ChangeSink interface {
	// PresenceChanged a rep moved between online and offline
	PresenceChanged(ctxt context.Context, presence common.RepPresence) error
}

// Tracker maintains the derived per-rep presence state.
//
// Recompute requests are serialized through one event loop, so two sessions
// of the same rep ending at once still produce exactly one offline event.
type Tracker interface {
	// Recompute re-derive the presence of a rep from its active session
	// count, persist it, and emit a transition event when it changed
	Recompute(ctxt context.Context, repID string, timestamp time.Time) error
	// GetPresence fetch the current presence record of a rep
	GetPresence(ctxt context.Context, repID string) (common.RepPresence, error)
	// StartEventLoop starts the tracker's event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stops the tracker's event loop
	StopEventLoop() error
}

// trackerImpl implements Tracker
type trackerImpl struct {
	common.Component
	sessions  storage.SessionStore
	presence  storage.PresenceStore
	sink      ChangeSink
	tp        common.TaskProcessor
	callTime  time.Duration
	operation context.Context
}

// GetTrackerInstance define a presence tracker
func GetTrackerInstance(
	rootCtxt context.Context,
	sessions storage.SessionStore,
	presence storage.PresenceStore,
	sink ChangeSink,
	taskBuffer int,
	callTimeout time.Duration,
) (Tracker, error) {
	logTags := log.Fields{
		"module": "presence", "component": "tracker",
	}
	tp, err := common.GetNewTaskProcessorInstance("presence-tracker", taskBuffer, rootCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &trackerImpl{
		Component: common.Component{LogTags: logTags},
		sessions:  sessions,
		presence:  presence,
		sink:      sink,
		tp:        tp,
		callTime:  callTimeout,
		operation: rootCtxt,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(trackerRecomputeRequest{}), instance.processRecompute,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register task handler")
		return nil, err
	}
	return instance, nil
}

// StartEventLoop starts the tracker's event loop
func (t *trackerImpl) StartEventLoop(wg *sync.WaitGroup) error {
	return t.tp.StartEventLoop(wg)
}

// StopEventLoop stops the tracker's event loop
func (t *trackerImpl) StopEventLoop() error {
	return t.tp.StopEventLoop()
}

// =======================================================================

type trackerRecomputeRequest struct {
	repID     string
	timestamp time.Time
	resultCB  func(err error)
}

// Recompute re-derive the presence of a rep
func (t *trackerImpl) Recompute(
	ctxt context.Context, repID string, timestamp time.Time,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := trackerRecomputeRequest{
		repID: repID, timestamp: timestamp, resultCB: handler,
	}

	if err := t.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Failed to submit presence recompute for %s", repID,
		)
		return err
	}

	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return ctxt.Err()
	}

	return processError
}

// processRecompute support task processor, handle trackerRecomputeRequest
func (t *trackerImpl) processRecompute(param interface{}) error {
	request, ok := param.(trackerRecomputeRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for presence recompute", reflect.TypeOf(param),
		)
	}
	err := t.handleRecompute(request)
	request.resultCB(err)
	return err
}

func (t *trackerImpl) handleRecompute(request trackerRecomputeRequest) error {
	ctxt, cancel := context.WithTimeout(t.operation, t.callTime)
	defer cancel()

	activeCount, err := t.sessions.CountActiveForRep(ctxt, request.repID)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Failed to count active sessions of %s", request.repID,
		)
		return err
	}
	nowOnline := activeCount > 0

	current, err := t.presence.GetPresence(ctxt, request.repID)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Failed to read presence of %s", request.repID,
		)
		return err
	}

	if current.IsOnline == nowOnline {
		// No transition
		return nil
	}

	updated := common.RepPresence{
		RepID: request.repID, IsOnline: nowOnline, LastOnlineAt: current.LastOnlineAt,
	}
	if !nowOnline {
		// The replay cursor only moves when the last active session ends
		stamp := request.timestamp
		updated.LastOnlineAt = &stamp
	}
	if err := t.presence.UpsertPresence(ctxt, updated); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Failed to persist presence of %s", request.repID,
		)
		return err
	}
	log.WithFields(t.LogTags).Infof(
		"Rep %s presence changed to online=%v", request.repID, nowOnline,
	)

	if t.sink != nil {
		if err := t.sink.PresenceChanged(ctxt, updated); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Presence change notification for %s failed", request.repID,
			)
		}
	}
	return nil
}

// GetPresence fetch the current presence record of a rep
func (t *trackerImpl) GetPresence(
	ctxt context.Context, repID string,
) (common.RepPresence, error) {
	return t.presence.GetPresence(ctxt, repID)
}
