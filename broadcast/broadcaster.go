package broadcast

import (
	"context"
	"sync"

	"github.com/alwitt/presencehub/common"
	"github.com/apex/log"
)

// Broadcaster fan-out of server messages to every attached connection.
//
// Send failures on one sink never stop delivery to the others; a failing
// sink is left for its own connection teardown to unregister.
type Broadcaster interface {
	// RegisterSink attach the sink of an authenticated connection
	RegisterSink(connectionID, repID string, sink common.MessageSink)
	// UnregisterSink detach a connection's sink
	UnregisterSink(connectionID string)
	// PresenceChanged fan out a presence transition to every connection
	PresenceChanged(ctxt context.Context, presence common.RepPresence) error
	// BroadcastEvent fan out a live domain event to every connection,
	// the author's included. Only replay filters self-authored events.
	BroadcastEvent(ctxt context.Context, event common.DomainEvent) error
	// BroadcastNotification fan out a system notification to every connection
	BroadcastNotification(ctxt context.Context, text string) error
	// DeliverLocal fan out one message to the connections of this instance
	DeliverLocal(msg common.ServerMessage)
	// Close detach the relay, if one is attached
	Close()
}

type registeredSink struct {
	repID string
	sink  common.MessageSink
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	lock  sync.RWMutex
	sinks map[string]registeredSink
	relay *natsRelay
}

// GetBroadcasterInstance define a message broadcaster
func GetBroadcasterInstance() (Broadcaster, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "broadcaster",
	}
	return &broadcasterImpl{
		Component: common.Component{LogTags: logTags},
		sinks:     make(map[string]registeredSink),
	}, nil
}

// RegisterSink attach the sink of an authenticated connection
func (b *broadcasterImpl) RegisterSink(
	connectionID, repID string, sink common.MessageSink,
) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.sinks[connectionID] = registeredSink{repID: repID, sink: sink}
	log.WithFields(b.LogTags).Debugf(
		"Attached connection %s of rep %s", connectionID, repID,
	)
}

// UnregisterSink detach a connection's sink
func (b *broadcasterImpl) UnregisterSink(connectionID string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.sinks, connectionID)
	log.WithFields(b.LogTags).Debugf("Detached connection %s", connectionID)
}

// PresenceChanged fan out a presence transition to every connection
func (b *broadcasterImpl) PresenceChanged(
	ctxt context.Context, presence common.RepPresence,
) error {
	msg := common.NewPresenceChangedMessage(presence.RepID, presence.IsOnline)
	return b.broadcast(ctxt, msg)
}

// BroadcastEvent fan out a live domain event
func (b *broadcasterImpl) BroadcastEvent(
	ctxt context.Context, event common.DomainEvent,
) error {
	msg := common.NewDomainEventMessage(event)
	return b.broadcast(ctxt, msg)
}

// BroadcastNotification fan out a system notification
func (b *broadcasterImpl) BroadcastNotification(ctxt context.Context, text string) error {
	return b.broadcast(ctxt, common.NewNotificationMessage(text))
}

func (b *broadcasterImpl) broadcast(
	ctxt context.Context, msg common.ServerMessage,
) error {
	b.DeliverLocal(msg)
	if b.relay != nil {
		if err := b.relay.publish(ctxt, msg); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Relay publish of %s failed", msg.Type,
			)
			return err
		}
	}
	return nil
}

// DeliverLocal fan out one message to the connections of this instance
func (b *broadcasterImpl) DeliverLocal(msg common.ServerMessage) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for connectionID, entry := range b.sinks {
		if err := entry.sink.Send(msg); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Delivery of %s to connection %s failed", msg.Type, connectionID,
			)
		}
	}
}

// Close detach the relay, if one is attached
func (b *broadcasterImpl) Close() {
	if b.relay != nil {
		b.relay.close()
	}
}
