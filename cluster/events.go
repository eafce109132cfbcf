// Package cluster connects one worker process to the rest of the cluster:
// configuration event fan-out, per-server request/reply RPC, non-GD message
// forwarding and the delivery task migration protocol. All transport rides
// on NATS core subjects.
package cluster

import (
	"fmt"

	"github.com/packrat-mq/packrat/encoding"
	"github.com/packrat-mq/packrat/pubsub"
)

// EventType identifies a configuration change. The set is closed: consumers
// dispatch with an exhaustive switch and fail loudly on anything else.
type EventType string

const (
	EventTopicCreate        EventType = "topic_create"
	EventTopicEdit          EventType = "topic_edit"
	EventTopicRename        EventType = "topic_rename"
	EventTopicDelete        EventType = "topic_delete"
	EventSubscriptionCreate EventType = "subscription_create"
	EventSubscriptionDelete EventType = "subscription_delete"
)

// ErrUnknownEventType is returned for an event type outside the closed set.
var ErrUnknownEventType = func(t EventType) error {
	return fmt.Errorf("unknown configuration event type %q", t)
}

// ConfigEvent is broadcast to every process when topology changes. Origin
// names the emitting server so it can skip its own broadcast (the local
// mutation already happened synchronously).
type ConfigEvent struct {
	Type         EventType            `msgpack:"type"`
	Origin       string               `msgpack:"origin"`
	TopicName    string               `msgpack:"topic_name"`
	NewTopicName string               `msgpack:"new_topic_name"`
	TopicConfig  pubsub.TopicConfig   `msgpack:"topic_config"`
	Subscription *pubsub.Subscription `msgpack:"subscription"`
}

// Valid reports whether the event type belongs to the closed set.
func (e *ConfigEvent) Valid() bool {
	switch e.Type {
	case EventTopicCreate, EventTopicEdit, EventTopicRename, EventTopicDelete,
		EventSubscriptionCreate, EventSubscriptionDelete:
		return true
	}
	return false
}

// Encode serializes the event for the wire.
func (e *ConfigEvent) Encode() ([]byte, error) {
	return encoding.Marshal(e)
}

// DecodeConfigEvent parses a wire payload back into an event.
func DecodeConfigEvent(data []byte) (*ConfigEvent, error) {
	var ev ConfigEvent
	if err := encoding.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode configuration event: %w", err)
	}
	if !ev.Valid() {
		return nil, ErrUnknownEventType(ev.Type)
	}
	return &ev, nil
}

// rpcRequest is the payload of task-stopping and task-create requests.
type rpcRequest struct {
	SubKey string `msgpack:"sub_key"`
	Origin string `msgpack:"origin"`
}

// rpcReply acknowledges (or refuses) an RPC.
type rpcReply struct {
	OK     bool   `msgpack:"ok"`
	Reason string `msgpack:"reason"`
}

// forwardEnvelope carries a non-GD message to the process owning its
// subscription's delivery task.
type forwardEnvelope struct {
	SubKey  string          `msgpack:"sub_key"`
	Message *pubsub.Message `msgpack:"message"`
}
