package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/storage"
	"github.com/stretchr/testify/assert"
)

type testMessageSink struct {
	messages []common.ServerMessage
}

func (s *testMessageSink) Send(msg common.ServerMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

type failingRecordStore struct{}

func (s failingRecordStore) QueryEventsAfter(
	ctxt context.Context, after time.Time, excludeAuthor string, limit int,
) ([]common.DomainEvent, error) {
	return nil, fmt.Errorf("store offline")
}

func TestReplayMissedEvents(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	store, err := storage.GetInMemoryStore(nil)
	assert.Nil(err)
	uut, err := GetEngineInstance(store, store, common.ReplayConfig{
		WindowHours: 24, MaxEvents: 100,
	})
	assert.Nil(err)

	cursor := time.Now().UTC().Add(-time.Minute * 10)
	assert.Nil(store.UpsertPresence(ctxt, common.RepPresence{
		RepID: "rep-0", IsOnline: false, LastOnlineAt: &cursor,
	}))

	// Before and at the cursor: not missed. After: missed, except own events.
	for _, event := range []common.DomainEvent{
		{ID: "evt-old", AuthorRepID: "rep-1", Timestamp: cursor.Add(-time.Second)},
		{ID: "evt-at", AuthorRepID: "rep-1", Timestamp: cursor},
		{ID: "evt-own", AuthorRepID: "rep-0", Timestamp: cursor.Add(time.Second * 5)},
		{ID: "evt-a", AuthorRepID: "rep-1", Timestamp: cursor.Add(time.Second * 10)},
		{ID: "evt-b", AuthorRepID: "rep-2", Timestamp: cursor.Add(time.Second * 20)},
	} {
		assert.Nil(store.InsertEvent(ctxt, event))
	}

	sink := &testMessageSink{}
	assert.Nil(uut.ReplayMissed(ctxt, "rep-0", sink))

	assert.Len(sink.messages, 4)
	assert.Equal(common.MsgTypeReplayStart, sink.messages[0].Type)
	assert.Equal(2, sink.messages[0].Replay.Count)
	assert.Equal(cursor, *sink.messages[0].Replay.From)
	assert.Equal(common.MsgTypeReplay, sink.messages[1].Type)
	assert.Equal("evt-a", sink.messages[1].Event.ID)
	assert.Equal(common.MsgTypeReplay, sink.messages[2].Type)
	assert.Equal("evt-b", sink.messages[2].Event.ID)
	assert.Equal(common.MsgTypeReplayComplete, sink.messages[3].Type)
	assert.False(sink.messages[3].Replay.NothingMissed)
}

func TestReplayNothingMissed(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	store, err := storage.GetInMemoryStore(nil)
	assert.Nil(err)
	uut, err := GetEngineInstance(store, store, common.ReplayConfig{
		WindowHours: 24, MaxEvents: 100,
	})
	assert.Nil(err)

	cursor := time.Now().UTC().Add(-time.Minute)
	assert.Nil(store.UpsertPresence(ctxt, common.RepPresence{
		RepID: "rep-0", IsOnline: false, LastOnlineAt: &cursor,
	}))
	assert.Nil(store.InsertEvent(ctxt, common.DomainEvent{
		ID: "evt-old", AuthorRepID: "rep-1", Timestamp: cursor.Add(-time.Hour),
	}))

	sink := &testMessageSink{}
	assert.Nil(uut.ReplayMissed(ctxt, "rep-0", sink))

	assert.Len(sink.messages, 1)
	assert.Equal(common.MsgTypeReplayComplete, sink.messages[0].Type)
	assert.True(sink.messages[0].Replay.NothingMissed)
	assert.Equal(0, sink.messages[0].Replay.Count)
}

func TestReplayWindowFallback(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	store, err := storage.GetInMemoryStore(nil)
	assert.Nil(err)
	uut, err := GetEngineInstance(store, store, common.ReplayConfig{
		WindowHours: 1, MaxEvents: 100,
	})
	assert.Nil(err)

	// No presence record for rep-0, so the look-back window applies
	now := time.Now().UTC()
	assert.Nil(store.InsertEvent(ctxt, common.DomainEvent{
		ID: "evt-outside", AuthorRepID: "rep-1", Timestamp: now.Add(-time.Hour * 2),
	}))
	assert.Nil(store.InsertEvent(ctxt, common.DomainEvent{
		ID: "evt-inside", AuthorRepID: "rep-1", Timestamp: now.Add(-time.Minute * 30),
	}))

	sink := &testMessageSink{}
	assert.Nil(uut.ReplayMissed(ctxt, "rep-0", sink))

	assert.Len(sink.messages, 3)
	assert.Equal(common.MsgTypeReplayStart, sink.messages[0].Type)
	assert.Equal(1, sink.messages[0].Replay.Count)
	assert.Equal("evt-inside", sink.messages[1].Event.ID)
}

func TestReplayBatchCap(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	store, err := storage.GetInMemoryStore(nil)
	assert.Nil(err)
	uut, err := GetEngineInstance(store, store, common.ReplayConfig{
		WindowHours: 24, MaxEvents: 2,
	})
	assert.Nil(err)

	cursor := time.Now().UTC().Add(-time.Minute * 10)
	assert.Nil(store.UpsertPresence(ctxt, common.RepPresence{
		RepID: "rep-0", IsOnline: false, LastOnlineAt: &cursor,
	}))
	for idx := 0; idx < 5; idx++ {
		assert.Nil(store.InsertEvent(ctxt, common.DomainEvent{
			ID:          fmt.Sprintf("evt-%d", idx),
			AuthorRepID: "rep-1",
			Timestamp:   cursor.Add(time.Second * time.Duration(idx+1)),
		}))
	}

	sink := &testMessageSink{}
	assert.Nil(uut.ReplayMissed(ctxt, "rep-0", sink))

	// Oldest first, capped at the batch limit
	assert.Len(sink.messages, 4)
	assert.Equal(2, sink.messages[0].Replay.Count)
	assert.Equal("evt-0", sink.messages[1].Event.ID)
	assert.Equal("evt-1", sink.messages[2].Event.ID)
}

func TestReplayQueryFailure(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	store, err := storage.GetInMemoryStore(nil)
	assert.Nil(err)
	uut, err := GetEngineInstance(failingRecordStore{}, store, common.ReplayConfig{
		WindowHours: 24, MaxEvents: 100,
	})
	assert.Nil(err)

	sink := &testMessageSink{}
	err = uut.ReplayMissed(ctxt, "rep-0", sink)
	assert.NotNil(err)
	var qErr common.ReplayQueryError
	assert.ErrorAs(err, &qErr)

	// The client is told, and nothing else was sent
	assert.Len(sink.messages, 1)
	assert.Equal(common.MsgTypeReplayError, sink.messages[0].Type)
}
