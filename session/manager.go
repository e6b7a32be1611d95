package session

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	store     storage.SessionStore
	reps      storage.RepDirectory
	presence  PresenceSink
	policy    common.SessionConfig
	callTime  time.Duration
	tp        common.TaskProcessor
	operation context.Context
}

// GetManagerInstance define a session manager
func GetManagerInstance(
	rootCtxt context.Context,
	store storage.SessionStore,
	reps storage.RepDirectory,
	presence PresenceSink,
	policy common.SessionConfig,
	callTimeout time.Duration,
) (Manager, error) {
	logTags := log.Fields{
		"module": "session", "component": "manager",
	}
	tp, err := common.GetNewTaskProcessorInstance(
		"session-manager", policy.TaskQueueLen, rootCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &managerImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		reps:      reps,
		presence:  presence,
		policy:    policy,
		callTime:  callTimeout,
		tp:        tp,
		operation: rootCtxt,
	}

	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(mgrCreateRequest{}):   instance.processCreateSession,
		reflect.TypeOf(mgrEndRequest{}):      instance.processEndSession,
		reflect.TypeOf(mgrSweepRequest{}):    instance.processSweepExpired,
		reflect.TypeOf(mgrCloseAllRequest{}): instance.processCloseAllActive,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register task handlers")
		return nil, err
	}
	return instance, nil
}

// StartEventLoop starts the manager's event loop
func (m *managerImpl) StartEventLoop(wg *sync.WaitGroup) error {
	return m.tp.StartEventLoop(wg)
}

// StopEventLoop stops the manager's event loop
func (m *managerImpl) StopEventLoop() error {
	return m.tp.StopEventLoop()
}

func (m *managerImpl) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.operation, m.callTime)
}

// =======================================================================
// Session creation

type mgrCreateRequest struct {
	repID     string
	meta      common.ClientMeta
	timestamp time.Time
	resultCB  func(session common.ConnectionSession, err error)
}

// CreateSession start a new active session for a rep
func (m *managerImpl) CreateSession(
	ctxt context.Context, repID string, meta common.ClientMeta,
) (common.ConnectionSession, error) {
	complete := make(chan bool, 1)
	var session common.ConnectionSession
	var processError error
	handler := func(result common.ConnectionSession, err error) {
		session = result
		processError = err
		complete <- true
	}

	request := mgrCreateRequest{
		repID: repID, meta: meta, timestamp: time.Now().UTC(), resultCB: handler,
	}

	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to submit session create for %s", repID,
		)
		return common.ConnectionSession{}, err
	}

	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return common.ConnectionSession{}, ctxt.Err()
	}

	return session, processError
}

// processCreateSession support task processor, handle mgrCreateRequest
func (m *managerImpl) processCreateSession(param interface{}) error {
	request, ok := param.(mgrCreateRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session create", reflect.TypeOf(param),
		)
	}
	session, err := m.handleCreateSession(request)
	request.resultCB(session, err)
	return err
}

func (m *managerImpl) handleCreateSession(
	request mgrCreateRequest,
) (common.ConnectionSession, error) {
	ctxt, cancel := m.storeContext()
	defer cancel()

	known, err := m.reps.Exists(ctxt, request.repID)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Rep directory lookup for %s failed", request.repID,
		)
		return common.ConnectionSession{}, err
	}
	if !known {
		return common.ConnectionSession{}, common.NewIdentityError(
			"rep %s is not known", request.repID,
		)
	}

	session := common.ConnectionSession{
		ID:              uuid.New().String(),
		RepID:           request.repID,
		Status:          common.SessionActive,
		ConnectedAt:     request.timestamp,
		LastActivityAt:  request.timestamp,
		LastHeartbeatAt: request.timestamp,
		Meta:            request.meta,
	}
	if err := m.store.CreateSession(ctxt, session); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to persist session %s", session.ID,
		)
		return common.ConnectionSession{}, err
	}
	log.WithFields(m.LogTags).Infof(
		"Started session %s for rep %s", session.ID, session.RepID,
	)

	if err := m.presence.Recompute(ctxt, request.repID, request.timestamp); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Presence recompute for %s failed", request.repID,
		)
	}
	return session, nil
}

// =======================================================================
// Session termination

type mgrEndRequest struct {
	sessionID string
	reason    common.SessionEndReason
	timestamp time.Time
	resultCB  func(err error)
}

// EndSession move a session to its terminal status
func (m *managerImpl) EndSession(
	ctxt context.Context, sessionID string, reason common.SessionEndReason,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := mgrEndRequest{
		sessionID: sessionID, reason: reason, timestamp: time.Now().UTC(), resultCB: handler,
	}

	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to submit session end for %s", sessionID,
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

// processEndSession support task processor, handle mgrEndRequest
func (m *managerImpl) processEndSession(param interface{}) error {
	request, ok := param.(mgrEndRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session end", reflect.TypeOf(param),
		)
	}
	err := m.handleEndSession(request)
	request.resultCB(err)
	return err
}

func (m *managerImpl) handleEndSession(request mgrEndRequest) error {
	ctxt, cancel := m.storeContext()
	defer cancel()

	session, err := m.store.GetSession(ctxt, request.sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		// Already ended, lost the race against the sweep or a duplicate call
		return nil
	}

	status := common.SessionInactive
	if request.reason == common.EndReasonExpired {
		status = common.SessionExpired
	}
	duration := request.timestamp.Sub(session.ConnectedAt).Milliseconds()
	closed, err := m.store.CloseSession(
		ctxt, request.sessionID, status, request.timestamp, duration,
	)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to close session %s", request.sessionID,
		)
		return err
	}
	if !closed {
		return nil
	}
	log.WithFields(m.LogTags).Infof(
		"Ended session %s of rep %s as %s after %dms",
		session.ID, session.RepID, status, duration,
	)

	if err := m.presence.Recompute(ctxt, session.RepID, request.timestamp); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Presence recompute for %s failed", session.RepID,
		)
	}
	return nil
}

// =======================================================================
// Expiry sweep

type mgrSweepRequest struct {
	timestamp time.Time
	resultCB  func(closed int, err error)
}

// SweepExpired close every active session which breached a timeout
func (m *managerImpl) SweepExpired(ctxt context.Context) (int, error) {
	complete := make(chan bool, 1)
	var closed int
	var processError error
	handler := func(count int, err error) {
		closed = count
		processError = err
		complete <- true
	}

	request := mgrSweepRequest{timestamp: time.Now().UTC(), resultCB: handler}

	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to submit expiry sweep")
		return 0, err
	}

	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}

	return closed, processError
}

// processSweepExpired support task processor, handle mgrSweepRequest
func (m *managerImpl) processSweepExpired(param interface{}) error {
	request, ok := param.(mgrSweepRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for expiry sweep", reflect.TypeOf(param),
		)
	}
	closed, err := m.handleSweepExpired(request)
	request.resultCB(closed, err)
	return err
}

func (m *managerImpl) handleSweepExpired(request mgrSweepRequest) (int, error) {
	ctxt, cancel := m.storeContext()
	defer cancel()

	heartbeatBefore := request.timestamp.Add(
		-time.Second * time.Duration(m.policy.HeartbeatTimeout),
	)
	activityBefore := request.timestamp.Add(
		-time.Second * time.Duration(m.policy.ActivityTimeout),
	)
	candidates, err := m.store.ListExpiredCandidates(ctxt, heartbeatBefore, activityBefore)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Expiry candidate lookup failed")
		return 0, err
	}

	closed := m.closeSessions(ctxt, candidates, common.SessionExpired, request.timestamp)
	if closed > 0 {
		log.WithFields(m.LogTags).Infof("Expiry sweep closed %d sessions", closed)
	}
	return closed, nil
}

// =======================================================================
// Shutdown

type mgrCloseAllRequest struct {
	timestamp time.Time
	resultCB  func(closed int, err error)
}

// CloseAllActive close every active session
func (m *managerImpl) CloseAllActive(ctxt context.Context) (int, error) {
	complete := make(chan bool, 1)
	var closed int
	var processError error
	handler := func(count int, err error) {
		closed = count
		processError = err
		complete <- true
	}

	request := mgrCloseAllRequest{timestamp: time.Now().UTC(), resultCB: handler}

	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to submit close-all")
		return 0, err
	}

	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}

	return closed, processError
}

// processCloseAllActive support task processor, handle mgrCloseAllRequest
func (m *managerImpl) processCloseAllActive(param interface{}) error {
	request, ok := param.(mgrCloseAllRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for close-all", reflect.TypeOf(param),
		)
	}
	closed, err := m.handleCloseAllActive(request)
	request.resultCB(closed, err)
	return err
}

func (m *managerImpl) handleCloseAllActive(request mgrCloseAllRequest) (int, error) {
	ctxt, cancel := m.storeContext()
	defer cancel()

	active, err := m.store.ListActiveSessions(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Active session lookup failed")
		return 0, err
	}

	closed := m.closeSessions(ctxt, active, common.SessionInactive, request.timestamp)
	log.WithFields(m.LogTags).Infof("Closed all %d active sessions", closed)
	return closed, nil
}

// closeSessions close a batch of sessions, then recompute presence once per
// affected rep. A failure on one session does not stop the batch.
func (m *managerImpl) closeSessions(
	ctxt context.Context,
	sessions []common.ConnectionSession,
	status common.SessionStatus,
	timestamp time.Time,
) int {
	closed := 0
	affectedReps := map[string]bool{}
	for _, session := range sessions {
		duration := timestamp.Sub(session.ConnectedAt).Milliseconds()
		changed, err := m.store.CloseSession(ctxt, session.ID, status, timestamp, duration)
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Failed to close session %s", session.ID,
			)
			continue
		}
		if changed {
			closed++
			affectedReps[session.RepID] = true
		}
	}
	for repID := range affectedReps {
		if err := m.presence.Recompute(ctxt, repID, timestamp); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Presence recompute for %s failed", repID,
			)
		}
	}
	return closed
}

// =======================================================================
// Liveness refreshes

// Heartbeat refresh the heartbeat and activity timestamps of a session
func (m *managerImpl) Heartbeat(ctxt context.Context, sessionID string) error {
	refreshed, err := m.store.RefreshHeartbeat(ctxt, sessionID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !refreshed {
		return common.SessionNotFoundError{SessionID: sessionID}
	}
	return nil
}

// TouchActivity refresh the activity timestamp of a session
func (m *managerImpl) TouchActivity(
	ctxt context.Context, sessionID string, label string,
) error {
	refreshed, err := m.store.RefreshActivity(ctxt, sessionID, time.Now().UTC(), label)
	if err != nil {
		return err
	}
	if !refreshed {
		return common.SessionNotFoundError{SessionID: sessionID}
	}
	return nil
}

// =======================================================================
// Queries and maintenance

// PurgeOldSessions delete terminal sessions past the retention window
func (m *managerImpl) PurgeOldSessions(ctxt context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.policy.RetentionDays)
	purged, err := m.store.PurgeTerminalBefore(ctxt, cutoff)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Session purge failed")
		return 0, err
	}
	if purged > 0 {
		log.WithFields(m.LogTags).Infof("Purged %d sessions older than %s", purged, cutoff)
	}
	return purged, nil
}

// Stats fetch aggregate session counters
func (m *managerImpl) Stats(ctxt context.Context) (common.SessionStats, error) {
	return m.store.SessionStats(ctxt, common.StartOfDay(time.Now()))
}

// OnlineReps fetch the IDs of reps with at least one active session
func (m *managerImpl) OnlineReps(ctxt context.Context) ([]string, error) {
	return m.store.OnlineRepIDs(ctxt)
}

// SessionHistory fetch the most recent sessions of a rep, newest first
func (m *managerImpl) SessionHistory(
	ctxt context.Context, repID string, limit int,
) ([]common.ConnectionSession, error) {
	return m.store.ListRepSessions(ctxt, repID, limit)
}

// Ready verify the backing store is reachable
func (m *managerImpl) Ready(ctxt context.Context) error {
	return m.store.Ready(ctxt)
}
