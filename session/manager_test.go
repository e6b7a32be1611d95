package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/storage"
	"github.com/stretchr/testify/assert"
)

type testPresenceSink struct {
	lock  sync.Mutex
	calls []string
}

func (s *testPresenceSink) Recompute(
	ctxt context.Context, repID string, timestamp time.Time,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls = append(s.calls, repID)
	return nil
}

func (s *testPresenceSink) recorded() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, len(s.calls))
	copy(result, s.calls)
	return result
}

func defineTestManager(
	t *testing.T, policy common.SessionConfig, knownReps []string,
) (Manager, storage.Backend, *testPresenceSink, func()) {
	assert := assert.New(t)
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	store, err := storage.GetInMemoryStore(knownReps)
	assert.Nil(err)
	sink := &testPresenceSink{}
	uut, err := GetManagerInstance(ctxt, store, store, sink, policy, time.Second*5)
	assert.Nil(err)
	assert.Nil(uut.StartEventLoop(&wg))

	return uut, store, sink, func() {
		assert.Nil(uut.StopEventLoop())
		cancel()
		wg.Wait()
	}
}

func testSessionPolicy() common.SessionConfig {
	return common.SessionConfig{
		HeartbeatTimeout: 300,
		ActivityTimeout:  1800,
		SweepInterval:    300,
		RetentionDays:    30,
		PurgeInterval:    86400,
		TaskQueueLen:     8,
	}
}

func TestManagerSessionCreate(t *testing.T) {
	assert := assert.New(t)

	uut, store, sink, cleanup := defineTestManager(
		t, testSessionPolicy(), []string{"rep-0"},
	)
	defer cleanup()
	ctxt := context.Background()

	// Case 0: unknown rep is rejected
	{
		_, err := uut.CreateSession(ctxt, "rep-unknown", common.ClientMeta{})
		assert.NotNil(err)
		var idErr common.IdentityError
		assert.True(errors.As(err, &idErr))
		assert.Empty(sink.recorded())
	}

	// Case 1: known rep gets an active session, presence recomputed
	{
		session, err := uut.CreateSession(
			ctxt, "rep-0", common.ClientMeta{RemoteAddr: "10.0.0.1", UserAgent: "test"},
		)
		assert.Nil(err)
		assert.NotEmpty(session.ID)
		assert.Equal(common.SessionActive, session.Status)

		read, err := store.GetSession(ctxt, session.ID)
		assert.Nil(err)
		assert.Equal("rep-0", read.RepID)
		assert.Equal("10.0.0.1", read.Meta.RemoteAddr)
		assert.Equal([]string{"rep-0"}, sink.recorded())
	}
}

func TestManagerSessionEnd(t *testing.T) {
	assert := assert.New(t)

	uut, store, sink, cleanup := defineTestManager(
		t, testSessionPolicy(), []string{"rep-0"},
	)
	defer cleanup()
	ctxt := context.Background()

	session, err := uut.CreateSession(ctxt, "rep-0", common.ClientMeta{})
	assert.Nil(err)

	// Case 0: ending an unknown session fails
	{
		err := uut.EndSession(ctxt, "no-such-session", common.EndReasonGraceful)
		assert.NotNil(err)
		var nfErr common.SessionNotFoundError
		assert.True(errors.As(err, &nfErr))
	}

	// Case 1: graceful end
	{
		assert.Nil(uut.EndSession(ctxt, session.ID, common.EndReasonGraceful))
		read, err := store.GetSession(ctxt, session.ID)
		assert.Nil(err)
		assert.Equal(common.SessionInactive, read.Status)
		assert.NotNil(read.DisconnectedAt)
		assert.Equal([]string{"rep-0", "rep-0"}, sink.recorded())
	}

	// Case 2: repeated end is a no-op
	{
		assert.Nil(uut.EndSession(ctxt, session.ID, common.EndReasonExpired))
		read, err := store.GetSession(ctxt, session.ID)
		assert.Nil(err)
		assert.Equal(common.SessionInactive, read.Status)
		// No extra recompute
		assert.Len(sink.recorded(), 2)
	}
}

func TestManagerLivenessRefreshes(t *testing.T) {
	assert := assert.New(t)

	uut, store, _, cleanup := defineTestManager(
		t, testSessionPolicy(), []string{"rep-0"},
	)
	defer cleanup()
	ctxt := context.Background()

	session, err := uut.CreateSession(ctxt, "rep-0", common.ClientMeta{})
	assert.Nil(err)

	// Case 0: refreshes against live session
	{
		assert.Nil(uut.Heartbeat(ctxt, session.ID))
		assert.Nil(uut.TouchActivity(ctxt, session.ID, "viewing"))
		read, err := store.GetSession(ctxt, session.ID)
		assert.Nil(err)
		assert.Equal("viewing", read.Meta.LastActivityLabel)
	}

	// Case 1: refreshes against ended session fail
	{
		assert.Nil(uut.EndSession(ctxt, session.ID, common.EndReasonGraceful))
		err := uut.Heartbeat(ctxt, session.ID)
		assert.NotNil(err)
		var nfErr common.SessionNotFoundError
		assert.True(errors.As(err, &nfErr))
		assert.NotNil(uut.TouchActivity(ctxt, session.ID, ""))
	}
}

func TestManagerExpirySweep(t *testing.T) {
	assert := assert.New(t)

	policy := testSessionPolicy()
	policy.HeartbeatTimeout = 1
	uut, store, sink, cleanup := defineTestManager(t, policy, []string{"rep-0", "rep-1"})
	defer cleanup()
	ctxt := context.Background()

	// Stale session planted directly in the store
	stale := time.Now().UTC().Add(-time.Minute)
	assert.Nil(store.CreateSession(ctxt, common.ConnectionSession{
		ID: "stale", RepID: "rep-0", Status: common.SessionActive,
		ConnectedAt: stale, LastActivityAt: stale, LastHeartbeatAt: stale,
	}))
	fresh, err := uut.CreateSession(ctxt, "rep-1", common.ClientMeta{})
	assert.Nil(err)

	closed, err := uut.SweepExpired(ctxt)
	assert.Nil(err)
	assert.Equal(1, closed)

	read, err := store.GetSession(ctxt, "stale")
	assert.Nil(err)
	assert.Equal(common.SessionExpired, read.Status)
	assert.True(read.DurationMS > 0)

	read, err = store.GetSession(ctxt, fresh.ID)
	assert.Nil(err)
	assert.Equal(common.SessionActive, read.Status)

	// One recompute from create, one from the sweep
	assert.Equal([]string{"rep-1", "rep-0"}, sink.recorded())
}

func TestManagerCloseAllActive(t *testing.T) {
	assert := assert.New(t)

	uut, store, _, cleanup := defineTestManager(
		t, testSessionPolicy(), []string{"rep-0", "rep-1"},
	)
	defer cleanup()
	ctxt := context.Background()

	first, err := uut.CreateSession(ctxt, "rep-0", common.ClientMeta{})
	assert.Nil(err)
	second, err := uut.CreateSession(ctxt, "rep-1", common.ClientMeta{})
	assert.Nil(err)

	closed, err := uut.CloseAllActive(ctxt)
	assert.Nil(err)
	assert.Equal(2, closed)

	for _, sessionID := range []string{first.ID, second.ID} {
		read, err := store.GetSession(ctxt, sessionID)
		assert.Nil(err)
		assert.Equal(common.SessionInactive, read.Status)
	}

	online, err := uut.OnlineReps(ctxt)
	assert.Nil(err)
	assert.Empty(online)
}
