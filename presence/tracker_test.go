package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/storage"
	"github.com/stretchr/testify/assert"
)

type testChangeSink struct {
	lock   sync.Mutex
	events []common.RepPresence
}

func (s *testChangeSink) PresenceChanged(
	ctxt context.Context, presence common.RepPresence,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, presence)
	return nil
}

func (s *testChangeSink) recorded() []common.RepPresence {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]common.RepPresence, len(s.events))
	copy(result, s.events)
	return result
}

func TestTrackerTransitions(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.GetInMemoryStore([]string{"rep-0"})
	assert.Nil(err)
	sink := &testChangeSink{}
	uut, err := GetTrackerInstance(ctxt, store, store, sink, 8, time.Second*5)
	assert.Nil(err)
	assert.Nil(uut.StartEventLoop(&wg))
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	callCtxt := context.Background()
	now := time.Now().UTC()

	// Case 0: no sessions, recompute is a no-op
	{
		assert.Nil(uut.Recompute(callCtxt, "rep-0", now))
		assert.Empty(sink.recorded())
		presence, err := uut.GetPresence(callCtxt, "rep-0")
		assert.Nil(err)
		assert.False(presence.IsOnline)
	}

	// Case 1: first active session moves the rep online
	{
		assert.Nil(store.CreateSession(callCtxt, common.ConnectionSession{
			ID: "s-0", RepID: "rep-0", Status: common.SessionActive,
			ConnectedAt: now, LastActivityAt: now, LastHeartbeatAt: now,
		}))
		assert.Nil(uut.Recompute(callCtxt, "rep-0", now))
		events := sink.recorded()
		assert.Len(events, 1)
		assert.True(events[0].IsOnline)
		assert.Equal("rep-0", events[0].RepID)
	}

	// Case 2: second session, no transition, no event
	{
		assert.Nil(store.CreateSession(callCtxt, common.ConnectionSession{
			ID: "s-1", RepID: "rep-0", Status: common.SessionActive,
			ConnectedAt: now, LastActivityAt: now, LastHeartbeatAt: now,
		}))
		assert.Nil(uut.Recompute(callCtxt, "rep-0", now))
		assert.Len(sink.recorded(), 1)
	}

	// Case 3: one session closes, rep still online
	{
		closed, err := store.CloseSession(
			callCtxt, "s-0", common.SessionInactive, now.Add(time.Minute), 60000,
		)
		assert.Nil(err)
		assert.True(closed)
		assert.Nil(uut.Recompute(callCtxt, "rep-0", now.Add(time.Minute)))
		assert.Len(sink.recorded(), 1)
		presence, err := uut.GetPresence(callCtxt, "rep-0")
		assert.Nil(err)
		assert.True(presence.IsOnline)
		assert.Nil(presence.LastOnlineAt)
	}

	// Case 4: last session closes, offline event with cursor stamped
	{
		endAt := now.Add(time.Minute * 2)
		closed, err := store.CloseSession(
			callCtxt, "s-1", common.SessionExpired, endAt, 120000,
		)
		assert.Nil(err)
		assert.True(closed)
		assert.Nil(uut.Recompute(callCtxt, "rep-0", endAt))
		events := sink.recorded()
		assert.Len(events, 2)
		assert.False(events[1].IsOnline)
		assert.NotNil(events[1].LastOnlineAt)
		assert.Equal(endAt, *events[1].LastOnlineAt)

		presence, err := uut.GetPresence(callCtxt, "rep-0")
		assert.Nil(err)
		assert.False(presence.IsOnline)
		assert.NotNil(presence.LastOnlineAt)
	}

	// Case 5: back online, cursor survives for replay
	{
		assert.Nil(store.CreateSession(callCtxt, common.ConnectionSession{
			ID: "s-2", RepID: "rep-0", Status: common.SessionActive,
			ConnectedAt: now, LastActivityAt: now, LastHeartbeatAt: now,
		}))
		assert.Nil(uut.Recompute(callCtxt, "rep-0", now.Add(time.Minute*3)))
		events := sink.recorded()
		assert.Len(events, 3)
		assert.True(events[2].IsOnline)
		assert.NotNil(events[2].LastOnlineAt)
	}
}
