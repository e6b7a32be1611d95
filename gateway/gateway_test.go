package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/presencehub/broadcast"
	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/presence"
	"github.com/alwitt/presencehub/replay"
	"github.com/alwitt/presencehub/session"
	"github.com/alwitt/presencehub/storage"
	"github.com/stretchr/testify/assert"
)

// mockConnection scripted Connection for driving the gateway
type mockConnection struct {
	id      string
	inbound chan common.ClientMessage
	sent    chan common.ServerMessage
}

func newMockConnection(id string) *mockConnection {
	return &mockConnection{
		id:      id,
		inbound: make(chan common.ClientMessage),
		sent:    make(chan common.ServerMessage, 32),
	}
}

func (c *mockConnection) ID() string         { return c.id }
func (c *mockConnection) RemoteAddr() string { return "10.0.0.1:54321" }
func (c *mockConnection) UserAgent() string  { return "unit-test" }

func (c *mockConnection) Send(msg common.ServerMessage) error {
	c.sent <- msg
	return nil
}

func (c *mockConnection) Serve(
	ctxt context.Context, onMessage InboundHandler, onClose CloseHandler,
) {
	for msg := range c.inbound {
		onMessage(msg)
	}
	onClose()
}

func (c *mockConnection) Close() error { return nil }

func (c *mockConnection) expectMessage(t *testing.T) common.ServerMessage {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return common.ServerMessage{}
	}
}

func (c *mockConnection) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.sent:
		t.Fatalf("unexpected outbound message %s", msg.Type)
	case <-time.After(time.Millisecond * 100):
	}
}

type testVerifier struct{}

func (v testVerifier) Resolve(ctxt context.Context, credential string) (string, error) {
	if credential == "good-rep-0" {
		return "rep-0", nil
	}
	return "", common.NewIdentityError("credential invalid or expired")
}

func defineTestGateway(t *testing.T) (Gateway, storage.Backend, func()) {
	assert := assert.New(t)
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	store, err := storage.GetInMemoryStore([]string{"rep-0"})
	assert.Nil(err)
	broadcaster, err := broadcast.GetBroadcasterInstance()
	assert.Nil(err)
	tracker, err := presence.GetTrackerInstance(
		ctxt, store, store, broadcaster, 8, time.Second*5,
	)
	assert.Nil(err)
	assert.Nil(tracker.StartEventLoop(&wg))
	sessions, err := session.GetManagerInstance(
		ctxt, store, store, tracker, common.SessionConfig{
			HeartbeatTimeout: 300, ActivityTimeout: 1800, SweepInterval: 300,
			RetentionDays: 30, PurgeInterval: 86400, TaskQueueLen: 8,
		}, time.Second*5,
	)
	assert.Nil(err)
	assert.Nil(sessions.StartEventLoop(&wg))
	replayer, err := replay.GetEngineInstance(store, store, common.ReplayConfig{
		WindowHours: 24, MaxEvents: 100,
	})
	assert.Nil(err)
	uut, err := GetGatewayInstance(
		sessions, testVerifier{}, replayer, broadcaster, common.AuthConfig{
			SigningSecret: "unit-test", ResolveTimeout: 5,
		},
	)
	assert.Nil(err)

	return uut, store, func() {
		assert.Nil(sessions.StopEventLoop())
		assert.Nil(tracker.StopEventLoop())
		cancel()
		wg.Wait()
	}
}

func TestGatewayAuthFlow(t *testing.T) {
	assert := assert.New(t)

	uut, store, cleanup := defineTestGateway(t)
	defer cleanup()

	conn := newMockConnection("conn-0")
	done := make(chan bool, 1)
	go func() {
		uut.RunConnection(context.Background(), conn)
		done <- true
	}()

	// Greeting carries the connection ID
	{
		msg := conn.expectMessage(t)
		assert.Equal(common.MsgTypeConnectionEstablished, msg.Type)
		assert.Equal("conn-0", msg.ConnectionID)
	}

	// Case 0: control messages while anonymous are ignored
	{
		conn.inbound <- common.ClientMessage{Type: common.CtrlTypeHeartbeat}
		conn.inbound <- common.ClientMessage{Type: common.CtrlTypeGetStats}
		conn.expectSilence(t)
	}

	// Case 1: bad credential, connection stays usable
	{
		conn.inbound <- common.ClientMessage{
			Type: common.CtrlTypeAuthenticate, Credential: "bad",
		}
		msg := conn.expectMessage(t)
		assert.Equal(common.MsgTypeAuthError, msg.Type)
		assert.NotEmpty(msg.Reason)
	}

	// Case 2: good credential
	{
		conn.inbound <- common.ClientMessage{
			Type: common.CtrlTypeAuthenticate, Credential: "good-rep-0",
		}
		msg := conn.expectMessage(t)
		assert.Equal(common.MsgTypeAuthSuccess, msg.Type)
		assert.Equal("rep-0", msg.RepID)
		// Nothing missed on first ever connect
		msg = conn.expectMessage(t)
		assert.Equal(common.MsgTypeReplayComplete, msg.Type)
		assert.True(msg.Replay.NothingMissed)

		count, err := store.CountActiveForRep(context.Background(), "rep-0")
		assert.Nil(err)
		assert.Equal(1, count)
	}

	// Case 3: authenticated queries
	{
		conn.inbound <- common.ClientMessage{Type: common.CtrlTypeGetOnlineUsers}
		msg := conn.expectMessage(t)
		assert.Equal(common.MsgTypeOnlineUsers, msg.Type)
		assert.Equal([]string{"rep-0"}, msg.OnlineReps)

		conn.inbound <- common.ClientMessage{Type: common.CtrlTypeGetStats}
		msg = conn.expectMessage(t)
		assert.Equal(common.MsgTypeSessionStats, msg.Type)
		assert.Equal(1, msg.Stats.TotalActiveSessions)
		assert.Equal(1, msg.Stats.TotalOnlineReps)
	}

	// Case 4: double authenticate is rejected
	{
		conn.inbound <- common.ClientMessage{
			Type: common.CtrlTypeAuthenticate, Credential: "good-rep-0",
		}
		msg := conn.expectMessage(t)
		assert.Equal(common.MsgTypeAuthError, msg.Type)
	}

	// Case 5: logout ends the session, transport stays up, back to anonymous
	{
		conn.inbound <- common.ClientMessage{Type: common.CtrlTypeLogout}
		msg := conn.expectMessage(t)
		assert.Equal(common.MsgTypeLogoutSuccess, msg.Type)
		count, err := store.CountActiveForRep(context.Background(), "rep-0")
		assert.Nil(err)
		assert.Equal(0, count)

		conn.inbound <- common.ClientMessage{Type: common.CtrlTypeGetStats}
		conn.expectSilence(t)
	}

	close(conn.inbound)
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.False(true, "connection did not wind down")
	}
}

func TestGatewayDisconnectTeardown(t *testing.T) {
	assert := assert.New(t)

	uut, store, cleanup := defineTestGateway(t)
	defer cleanup()

	conn := newMockConnection("conn-0")
	done := make(chan bool, 1)
	go func() {
		uut.RunConnection(context.Background(), conn)
		done <- true
	}()

	_ = conn.expectMessage(t) // connection:established
	conn.inbound <- common.ClientMessage{
		Type: common.CtrlTypeAuthenticate, Credential: "good-rep-0",
	}
	_ = conn.expectMessage(t) // auth:success
	_ = conn.expectMessage(t) // activity:replay-complete

	sessions, err := store.ListActiveSessions(context.Background())
	assert.Nil(err)
	assert.Len(sessions, 1)
	sessionID := sessions[0].ID

	// Transport drop ends the session gracefully
	close(conn.inbound)
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.False(true, "connection did not wind down")
	}

	read, err := store.GetSession(context.Background(), sessionID)
	assert.Nil(err)
	assert.Equal(common.SessionInactive, read.Status)

	presenceRecord, err := store.GetPresence(context.Background(), "rep-0")
	assert.Nil(err)
	assert.False(presenceRecord.IsOnline)
	assert.NotNil(presenceRecord.LastOnlineAt)
}
