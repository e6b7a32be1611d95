package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/presencehub/common"
	"github.com/alwitt/presencehub/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// relayEnvelope wire format of one relayed broadcast
type relayEnvelope struct {
	// Origin the instance which produced the broadcast
	Origin string `json:"origin" validate:"required"`
	// Message the broadcast payload
	Message common.ServerMessage `json:"message"`
}

// natsRelay fans broadcasts out to the other instances over NATS.
//
// Every instance publishes to and subscribes on the same subject; the
// origin tag keeps an instance from re-delivering its own broadcasts.
type natsRelay struct {
	common.Component
	instanceID string
	subject    string
	client     core.NatsClient
	sub        *nats.Subscription
	local      *broadcasterImpl
}

// AttachRelay connect a broadcaster to the cross-instance relay.
//
// instanceID must be unique per running instance.
func AttachRelay(
	target Broadcaster, client core.NatsClient, subjectPrefix, instanceID string,
) error {
	impl, ok := target.(*broadcasterImpl)
	if !ok {
		return fmt.Errorf("unsupported broadcaster implementation")
	}
	logTags := log.Fields{
		"module": "broadcast", "component": "nats-relay", "instance": instanceID,
	}
	relay := &natsRelay{
		Component:  common.Component{LogTags: logTags},
		instanceID: instanceID,
		subject:    fmt.Sprintf("%s.broadcast", subjectPrefix),
		client:     client,
		local:      impl,
	}
	sub, err := client.NATS().Subscribe(relay.subject, relay.handleMessage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to subscribe on %s", relay.subject,
		)
		return err
	}
	relay.sub = sub
	impl.relay = relay
	log.WithFields(logTags).Infof("Relaying broadcasts on %s", relay.subject)
	return nil
}

// publish send one broadcast to the other instances
func (r *natsRelay) publish(
	ctxt context.Context, msg common.ServerMessage,
) error {
	envelope := relayEnvelope{Origin: r.instanceID, Message: msg}
	serialized, err := json.Marshal(&envelope)
	if err != nil {
		return err
	}
	return r.client.NATS().Publish(r.subject, serialized)
}

// handleMessage deliver a relayed broadcast from another instance
func (r *natsRelay) handleMessage(msg *nats.Msg) {
	var envelope relayEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Discarding malformed relay message")
		return
	}
	if envelope.Origin == r.instanceID {
		// Own broadcast echoed back, already delivered locally
		return
	}
	r.local.DeliverLocal(envelope.Message)
}

func (r *natsRelay) close() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
		}
	}
}
