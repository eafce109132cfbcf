// Package pubsub holds the topic/subscription domain model: messages,
// the in-memory registry, the permission matcher and the hook set.
package pubsub

import (
	"time"
)

// Priority bounds for messages. Out-of-range priorities are a caller error.
const (
	PriorityMin     = 1
	PriorityMax     = 9
	PriorityDefault = 5
)

// DeliveryType selects how a subscription receives messages.
type DeliveryType string

const (
	DeliveryPull DeliveryType = "pull"
	DeliveryPush DeliveryType = "push"
)

// PushType selects the outbound transport for push subscriptions.
type PushType string

const (
	PushRest    PushType = "rest"
	PushService PushType = "service"
	PushSoap    PushType = "soap" // legacy outbound path
)

// Message is one logical queue entry. A message published to a topic with N
// subscriptions exists as N entries sharing MsgID and topic identity but
// carrying independent delivery state (SubKey, DeliveryCount).
type Message struct {
	MsgID         string    `msgpack:"msg_id" json:"msg_id"`
	CorrelID      string    `msgpack:"correl_id" json:"correl_id,omitempty"`
	InReplyTo     string    `msgpack:"in_reply_to" json:"in_reply_to,omitempty"`
	TopicName     string    `msgpack:"topic_name" json:"topic_name"`
	SubKey        string    `msgpack:"sub_key" json:"sub_key,omitempty"`
	Priority      int       `msgpack:"priority" json:"priority"`
	MimeType      string    `msgpack:"mime_type" json:"mime_type,omitempty"`
	ExtClientID   string    `msgpack:"ext_client_id" json:"ext_client_id,omitempty"`
	PubTime       time.Time `msgpack:"pub_time" json:"pub_time"`
	RecvTime      time.Time `msgpack:"recv_time" json:"recv_time"`
	ExpirationSec int64     `msgpack:"expiration" json:"expiration,omitempty"`
	Size          int       `msgpack:"size" json:"size"`
	DeliveryCount int       `msgpack:"delivery_count" json:"delivery_count"`
	Data          []byte    `msgpack:"data" json:"data"`
}

// ExpirationTime derives the absolute expiry from RecvTime. Zero
// ExpirationSec means the message never expires.
func (m *Message) ExpirationTime() time.Time {
	if m.ExpirationSec <= 0 {
		return time.Time{}
	}
	return m.RecvTime.Add(time.Duration(m.ExpirationSec) * time.Second)
}

// Expired reports whether the message is past its expiration at the given
// instant.
func (m *Message) Expired(now time.Time) bool {
	exp := m.ExpirationTime()
	return !exp.IsZero() && now.After(exp)
}

// Clone returns a copy bound to a different subscription queue. Delivery
// state starts fresh; identity fields are shared.
func (m *Message) Clone(subKey string) *Message {
	out := *m
	out.SubKey = subKey
	out.DeliveryCount = 0
	return &out
}
