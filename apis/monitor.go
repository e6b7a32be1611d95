package apis

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/presencehub/broadcast"
	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/presence"
	"github.com/alwitt/presencehub/session"
	"github.com/alwitt/presencehub/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// defaultSessionHistoryLimit cap on /session results when no limit given
const defaultSessionHistoryLimit = 20

// APIRestMonitorHandler REST handler for session and presence queries
type APIRestMonitorHandler struct {
	goutils.RestAPIHandler
	sessions    session.Manager
	presence    presence.Tracker
	ingest      storage.RecordIngest
	broadcaster broadcast.Broadcaster
	validate    *validator.Validate
}

// GetAPIRestMonitorHandler define APIRestMonitorHandler
func GetAPIRestMonitorHandler(
	sessions session.Manager,
	presenceTracker presence.Tracker,
	ingest storage.RecordIngest,
	broadcaster broadcast.Broadcaster,
	httpConfig *common.HTTPConfig,
) (APIRestMonitorHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "monitor",
	}
	return APIRestMonitorHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		sessions:    sessions,
		presence:    presenceTracker,
		ingest:      ingest,
		broadcaster: broadcaster,
		validate:    validator.New(),
	}, nil
}

// =======================================================================
// Session queries

// -----------------------------------------------------------------------

// APIRestRespSessionStats response for session counter query
type APIRestRespSessionStats struct {
	goutils.RestAPIBaseResponse
	// Stats the aggregate session counters
	Stats common.SessionStats `json:"stats"`
}

// GetStats query the aggregate session counters
func (h APIRestMonitorHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		msg := "Session stats lookup failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessionStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: stats,
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestMonitorHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOnlineReps response for online rep query
type APIRestRespOnlineReps struct {
	goutils.RestAPIBaseResponse
	// OnlineReps IDs of reps with at least one active session
	OnlineReps []string `json:"online_reps"`
}

// GetOnlineReps query the set of currently online reps
func (h APIRestMonitorHandler) GetOnlineReps(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	reps, err := h.sessions.OnlineReps(r.Context())
	if err != nil {
		msg := "Online rep lookup failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOnlineReps{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, OnlineReps: reps,
	}
}

// GetOnlineRepsHandler Wrapper around GetOnlineReps
func (h APIRestMonitorHandler) GetOnlineRepsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetOnlineReps(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRepPresence response for per-rep presence query
type APIRestRespRepPresence struct {
	goutils.RestAPIBaseResponse
	// Presence the rep's presence record
	Presence common.RepPresence `json:"presence"`
}

// GetRepPresence query the presence record of one rep
func (h APIRestMonitorHandler) GetRepPresence(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	repID, ok := vars["repID"]
	if !ok {
		msg := "No rep ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	record, err := h.presence.GetPresence(r.Context(), repID)
	if err != nil {
		msg := "Presence lookup failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRepPresence{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Presence: record,
	}
}

// GetRepPresenceHandler Wrapper around GetRepPresence
func (h APIRestMonitorHandler) GetRepPresenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRepPresence(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRepSessions response for per-rep session history query
type APIRestRespRepSessions struct {
	goutils.RestAPIBaseResponse
	// Sessions the rep's most recent sessions, newest first
	Sessions []common.ConnectionSession `json:"sessions"`
}

// GetRepSessions query the recent sessions of one rep
func (h APIRestMonitorHandler) GetRepSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	repID, ok := vars["repID"]
	if !ok {
		msg := "No rep ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	limit := defaultSessionHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			msg := "Invalid limit"
			log.WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		}
		limit = parsed
	}

	sessions, err := h.sessions.SessionHistory(r.Context(), repID, limit)
	if err != nil {
		msg := "Session history lookup failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRepSessions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Sessions: sessions,
	}
}

// GetRepSessionsHandler Wrapper around GetRepSessions
func (h APIRestMonitorHandler) GetRepSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRepSessions(w, r)
	}
}

// =======================================================================
// Event ingest

// APIRestReqDomainEvent request body for publishing a domain event
type APIRestReqDomainEvent struct {
	// ID event ID. One is minted when absent.
	ID string `json:"event_id,omitempty"`
	// AuthorRepID the rep who produced the event
	AuthorRepID string `json:"author_rep_id" validate:"required"`
	// Timestamp when the event occurred. Defaults to now.
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// Payload opaque event content
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublishEvent persist a domain event and broadcast it to connected reps
func (h APIRestMonitorHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request APIRestReqDomainEvent
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	event := common.DomainEvent{
		ID:          request.ID,
		AuthorRepID: request.AuthorRepID,
		Timestamp:   time.Now().UTC(),
		Payload:     request.Payload,
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if request.Timestamp != nil {
		event.Timestamp = request.Timestamp.UTC()
	}

	if err := h.ingest.InsertEvent(r.Context(), event); err != nil {
		msg := "Failed to persist event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	if err := h.broadcaster.BroadcastEvent(r.Context(), event); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Broadcast of event %s failed", event.ID,
		)
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestMonitorHandler) PublishEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestMonitorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestMonitorHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready readiness check
func (h APIRestMonitorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.sessions.Ready(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", err.Error(),
		)
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestMonitorHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
