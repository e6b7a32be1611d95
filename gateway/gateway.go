package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/presencehub/broadcast"
	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/identity"
	"github.com/alwitt/presencehub/replay"
	"github.com/alwitt/presencehub/session"
	"github.com/apex/log"
)

// Gateway drives the control protocol of client connections.
//
// A connection starts anonymous. A valid authenticate message binds it to a
// rep and a session; logout or transport loss unbinds it. All other control
// messages are ignored while anonymous.
type Gateway interface {
	// RunConnection drive one connection until its transport closes
	RunConnection(ctxt context.Context, conn Connection)
}

// gatewayImpl implements Gateway
type gatewayImpl struct {
	common.Component
	sessions       session.Manager
	verifier       identity.Verifier
	replayer       replay.Engine
	broadcaster    broadcast.Broadcaster
	resolveTimeout time.Duration
}

// GetGatewayInstance define a connection gateway
func GetGatewayInstance(
	sessions session.Manager,
	verifier identity.Verifier,
	replayer replay.Engine,
	broadcaster broadcast.Broadcaster,
	authConfig common.AuthConfig,
) (Gateway, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "control",
	}
	return &gatewayImpl{
		Component:      common.Component{LogTags: logTags},
		sessions:       sessions,
		verifier:       verifier,
		replayer:       replayer,
		broadcaster:    broadcaster,
		resolveTimeout: time.Second * time.Duration(authConfig.ResolveTimeout),
	}, nil
}

// connectionState per-connection mutable state. Touched only by the
// connection's read loop, so no lock.
type connectionState struct {
	conn    Connection
	session *common.ConnectionSession
}

func (s *connectionState) authenticated() bool {
	return s.session != nil
}

// RunConnection drive one connection until its transport closes
func (g *gatewayImpl) RunConnection(ctxt context.Context, conn Connection) {
	logTags := log.Fields{}
	for lt, lv := range g.LogTags {
		logTags[lt] = lv
	}
	logTags["connection"] = conn.ID()
	log.WithFields(logTags).Infof("New connection from %s", conn.RemoteAddr())

	if err := conn.Send(common.ServerMessage{
		Type: common.MsgTypeConnectionEstablished, ConnectionID: conn.ID(),
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to greet connection")
	}

	state := &connectionState{conn: conn}
	conn.Serve(ctxt, func(msg common.ClientMessage) {
		g.dispatch(ctxt, logTags, state, msg)
	}, func() {
		g.teardown(logTags, state)
	})
}

func (g *gatewayImpl) dispatch(
	ctxt context.Context, logTags log.Fields, state *connectionState, msg common.ClientMessage,
) {
	switch msg.Type {
	case common.CtrlTypeAuthenticate:
		g.handleAuthenticate(ctxt, logTags, state, msg)
	case common.CtrlTypeHeartbeat:
		g.handleHeartbeat(ctxt, logTags, state)
	case common.CtrlTypeActivity:
		g.handleActivity(ctxt, logTags, state, msg.Label)
	case common.CtrlTypeLogout:
		g.handleLogout(ctxt, logTags, state)
	case common.CtrlTypeGetOnlineUsers:
		g.handleGetOnlineUsers(ctxt, logTags, state)
	case common.CtrlTypeGetStats:
		g.handleGetStats(ctxt, logTags, state)
	default:
		log.WithFields(logTags).Debugf("Ignoring control message %s", msg.Type)
	}
}

func (g *gatewayImpl) handleAuthenticate(
	ctxt context.Context, logTags log.Fields, state *connectionState, msg common.ClientMessage,
) {
	if state.authenticated() {
		g.sendAuthError(logTags, state, "connection already authenticated")
		return
	}

	resolveCtxt, cancel := context.WithTimeout(ctxt, g.resolveTimeout)
	defer cancel()
	repID, err := g.verifier.Resolve(resolveCtxt, msg.Credential)
	if err != nil {
		g.rejectAuth(logTags, state, err)
		return
	}

	meta := common.ClientMeta{
		RemoteAddr: state.conn.RemoteAddr(),
		UserAgent:  state.conn.UserAgent(),
		GeoHint:    msg.LocationHint,
	}
	newSession, err := g.sessions.CreateSession(ctxt, repID, meta)
	if err != nil {
		g.rejectAuth(logTags, state, err)
		return
	}
	state.session = &newSession
	log.WithFields(logTags).Infof(
		"Connection authenticated as rep %s with session %s", repID, newSession.ID,
	)

	if err := state.conn.Send(common.ServerMessage{
		Type:         common.MsgTypeAuthSuccess,
		ConnectionID: state.conn.ID(),
		RepID:        repID,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to confirm authentication")
	}

	// Replay missed events before attaching for live broadcasts, so the
	// client observes history strictly before anything new
	if err := g.replayer.ReplayMissed(ctxt, repID, state.conn); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Missed event replay for %s failed", repID,
		)
	}
	g.broadcaster.RegisterSink(state.conn.ID(), repID, state.conn)
}

func (g *gatewayImpl) rejectAuth(
	logTags log.Fields, state *connectionState, err error,
) {
	var idErr common.IdentityError
	if errors.As(err, &idErr) {
		log.WithFields(logTags).Infof("Authentication rejected: %s", idErr.Reason)
		g.sendAuthError(logTags, state, idErr.Reason)
		return
	}
	log.WithError(err).WithFields(logTags).Error("Authentication failed internally")
	g.sendAuthError(logTags, state, "internal failure")
}

func (g *gatewayImpl) sendAuthError(
	logTags log.Fields, state *connectionState, reason string,
) {
	if err := state.conn.Send(common.ServerMessage{
		Type: common.MsgTypeAuthError, Reason: reason,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to reject authentication")
	}
}

func (g *gatewayImpl) handleHeartbeat(
	ctxt context.Context, logTags log.Fields, state *connectionState,
) {
	if !state.authenticated() {
		log.WithFields(logTags).Debug("Ignoring heartbeat from anonymous connection")
		return
	}
	if err := g.sessions.Heartbeat(ctxt, state.session.ID); err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Heartbeat refresh of session %s failed", state.session.ID,
		)
	}
}

func (g *gatewayImpl) handleActivity(
	ctxt context.Context, logTags log.Fields, state *connectionState, label string,
) {
	if !state.authenticated() {
		log.WithFields(logTags).Debug("Ignoring activity from anonymous connection")
		return
	}
	if err := g.sessions.TouchActivity(ctxt, state.session.ID, label); err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Activity refresh of session %s failed", state.session.ID,
		)
	}
}

func (g *gatewayImpl) handleLogout(
	ctxt context.Context, logTags log.Fields, state *connectionState,
) {
	if !state.authenticated() {
		log.WithFields(logTags).Debug("Ignoring logout from anonymous connection")
		return
	}
	sessionID := state.session.ID
	// Transport stays open; the connection returns to anonymous
	g.broadcaster.UnregisterSink(state.conn.ID())
	state.session = nil
	if err := g.sessions.EndSession(ctxt, sessionID, common.EndReasonGraceful); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to end session %s on logout", sessionID,
		)
	}
	if err := state.conn.Send(common.ServerMessage{
		Type: common.MsgTypeLogoutSuccess, ConnectionID: state.conn.ID(),
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to confirm logout")
	}
	log.WithFields(logTags).Infof("Connection logged out of session %s", sessionID)
}

func (g *gatewayImpl) handleGetOnlineUsers(
	ctxt context.Context, logTags log.Fields, state *connectionState,
) {
	if !state.authenticated() {
		log.WithFields(logTags).Debug("Ignoring online user query from anonymous connection")
		return
	}
	reps, err := g.sessions.OnlineReps(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Online rep lookup failed")
		return
	}
	if err := state.conn.Send(common.ServerMessage{
		Type: common.MsgTypeOnlineUsers, OnlineReps: reps,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send online rep snapshot")
	}
}

func (g *gatewayImpl) handleGetStats(
	ctxt context.Context, logTags log.Fields, state *connectionState,
) {
	if !state.authenticated() {
		log.WithFields(logTags).Debug("Ignoring stats query from anonymous connection")
		return
	}
	stats, err := g.sessions.Stats(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Session stats lookup failed")
		return
	}
	if err := state.conn.Send(common.ServerMessage{
		Type: common.MsgTypeSessionStats, Stats: &stats,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send session stats")
	}
}

// teardown release everything the connection held. The parent context may
// already be gone here, so the session close runs on its own deadline.
func (g *gatewayImpl) teardown(logTags log.Fields, state *connectionState) {
	log.WithFields(logTags).Info("Connection closed")
	if !state.authenticated() {
		return
	}
	sessionID := state.session.ID
	g.broadcaster.UnregisterSink(state.conn.ID())
	state.session = nil

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := g.sessions.EndSession(ctxt, sessionID, common.EndReasonGraceful); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to end session %s on disconnect", sessionID,
		)
	}
}
