package pubsub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrTopicNotFound        = errors.New("topic not found")
	ErrTopicExists          = errors.New("topic already exists")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	// ErrMissingPushTarget signals a push subscription without a named
	// REST endpoint or service. This is a configuration error and is
	// raised immediately, never swallowed.
	ErrMissingPushTarget = errors.New("push subscription requires a target")
	// ErrInvalidSubscription wraps every other structural defect Validate
	// finds.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// TopicConfig is the per-topic configuration carried by the registry.
type TopicConfig struct {
	HookServiceName string
	// DeliveryIntervalMS overrides the process-wide poll interval for tasks
	// bound to this topic's subscriptions. Zero means use the default.
	DeliveryIntervalMS int
}

// Topic owns its subscriptions. All mutation goes through the Registry.
type Topic struct {
	Name          string
	Config        TopicConfig
	Subscriptions map[string]*Subscription // keyed by sub_key
	CreatedAt     time.Time
}

// Subscription binds an endpoint to a topic. SubKey is immutable and
// globally unique; HasGD is fixed at creation and decides which queue
// backend serves this subscription for its whole life.
type Subscription struct {
	SubKey        string       `msgpack:"sub_key"`
	TopicName     string       `msgpack:"topic_name"`
	Endpoint      string       `msgpack:"endpoint"`
	SecName       string       `msgpack:"sec_name"`
	DeliveryType  DeliveryType `msgpack:"delivery_type"`
	PushType      PushType     `msgpack:"push_type"`
	RestTarget    string       `msgpack:"rest_target"`
	ServiceTarget string       `msgpack:"service_target"`
	Patterns      []Pattern    `msgpack:"-"`
	HasGD         bool         `msgpack:"has_gd"`
	IsWSX         bool         `msgpack:"is_wsx"`
	CreatedAt     time.Time    `msgpack:"created_at"`
}

// Validate rejects structurally broken subscriptions before they enter the
// registry.
func (s *Subscription) Validate() error {
	if s.SubKey == "" {
		return fmt.Errorf("%w: missing sub_key", ErrInvalidSubscription)
	}
	if s.TopicName == "" {
		return fmt.Errorf("%w: %s is missing topic_name", ErrInvalidSubscription, s.SubKey)
	}
	if s.DeliveryType != DeliveryPull && s.DeliveryType != DeliveryPush {
		return fmt.Errorf("%w: %s has invalid delivery_type %q", ErrInvalidSubscription, s.SubKey, s.DeliveryType)
	}
	if s.DeliveryType == DeliveryPush {
		switch s.PushType {
		case PushRest, PushSoap:
			if s.RestTarget == "" {
				return fmt.Errorf("%w: %s has no rest target", ErrMissingPushTarget, s.SubKey)
			}
		case PushService:
			if s.ServiceTarget == "" {
				return fmt.Errorf("%w: %s has no service target", ErrMissingPushTarget, s.SubKey)
			}
		default:
			return fmt.Errorf("%w: %s has invalid push_type %q", ErrInvalidSubscription, s.SubKey, s.PushType)
		}
	}
	return nil
}

// EndpointType is the transport label migrations and task creation carry.
func (s *Subscription) EndpointType() string {
	if s.DeliveryType == DeliveryPull {
		return string(DeliveryPull)
	}
	return string(s.PushType)
}

// UnregisterFunc is invoked for every subscription dropped by a cascading
// topic delete, before the subscription leaves the index.
type UnregisterFunc func(topicName string, sub *Subscription)

// Registry is the in-memory index of topics and subscriptions for one
// worker process. A single coarse mutex serializes all mutations; reads on
// the delivery path take the same lock but hold it only to copy references.
// There is exactly one Registry per process, constructed and injected --
// never a package-level singleton.
type Registry struct {
	mu          sync.Mutex
	topics      map[string]*Topic
	subsByTopic map[string]map[string]*Subscription
	subsByKey   map[string]*Subscription
	hooks       *HookRegistry
}

// NewRegistry creates an empty registry sharing the given hook registry.
func NewRegistry(hooks *HookRegistry) *Registry {
	return &Registry{
		topics:      make(map[string]*Topic),
		subsByTopic: make(map[string]map[string]*Subscription),
		subsByKey:   make(map[string]*Subscription),
		hooks:       hooks,
	}
}

// CreateTopic registers a topic. Creating an existing topic updates its
// config in place (configuration events may be replayed).
func (r *Registry) CreateTopic(name string, config TopicConfig) *Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topics[name]; ok {
		t.Config = config
		log.Debug().Str("topic", name).Msg("Topic already exists, updated config")
		return t
	}

	t := &Topic{
		Name:          name,
		Config:        config,
		Subscriptions: make(map[string]*Subscription),
		CreatedAt:     time.Now().UTC(),
	}
	r.topics[name] = t
	log.Info().Str("topic", name).Msg("Created topic")
	return t
}

// EditTopic replaces a topic's configuration. Unknown topic is a logged
// no-op: config events race with concurrent deletes.
func (r *Registry) EditTopic(name string, config TopicConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		log.Info().Str("topic", name).Msg("Edit for unknown topic, ignoring")
		return
	}
	t.Config = config
}

// RenameTopic moves the topic entry and its whole subscription index from
// oldName to newName and rewrites each contained subscription's TopicName.
// The move is atomic under the registry lock: no observer sees a state with
// subscriptions left under oldName. Unknown oldName is a logged no-op.
func (r *Registry) RenameTopic(oldName, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[oldName]
	if !ok {
		log.Info().Str("topic", oldName).Msg("Rename for unknown topic, ignoring")
		return
	}

	delete(r.topics, oldName)
	t.Name = newName
	r.topics[newName] = t

	subs := r.subsByTopic[oldName]
	delete(r.subsByTopic, oldName)
	if subs == nil {
		subs = make(map[string]*Subscription)
	}
	r.subsByTopic[newName] = subs

	for _, sub := range subs {
		sub.TopicName = newName
	}

	log.Info().
		Str("old", oldName).
		Str("new", newName).
		Int("subscriptions", len(subs)).
		Msg("Renamed topic")
}

// DeleteTopic removes a topic, cascading over its subscriptions: each one
// is handed to unregister (task teardown, queue cleanup) and fires the
// on_unsubscribed hook before leaving the index. A topic without
// subscriptions deletes cleanly; an unknown topic is a logged no-op.
func (r *Registry) DeleteTopic(name string, unregister UnregisterFunc) {
	r.mu.Lock()
	t, ok := r.topics[name]
	if !ok {
		r.mu.Unlock()
		log.Info().Str("topic", name).Msg("Delete for unknown topic, ignoring")
		return
	}

	hookName := t.Config.HookServiceName
	subs := make([]*Subscription, 0, len(r.subsByTopic[name]))
	for _, sub := range r.subsByTopic[name] {
		subs = append(subs, sub)
	}

	delete(r.topics, name)
	delete(r.subsByTopic, name)
	for _, sub := range subs {
		delete(r.subsByKey, sub.SubKey)
	}
	r.mu.Unlock()

	// Callbacks run outside the registry lock; unregister touches the task
	// table and the queue store.
	for _, sub := range subs {
		if unregister != nil {
			unregister(name, sub)
		}
		r.fireUnsubscribed(hookName, name, sub.SubKey)
	}

	log.Info().Str("topic", name).Int("subscriptions", len(subs)).Msg("Deleted topic")
}

// Subscribe adds a subscription under its topic and fires on_subscribed.
// The topic must exist; replayed creates for a known sub_key are no-ops.
func (r *Registry) Subscribe(sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	t, ok := r.topics[sub.TopicName]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTopicNotFound, sub.TopicName)
	}
	if _, exists := r.subsByKey[sub.SubKey]; exists {
		r.mu.Unlock()
		log.Debug().Str("sub_key", sub.SubKey).Msg("Subscription already registered, ignoring")
		return nil
	}

	t.Subscriptions[sub.SubKey] = sub
	if r.subsByTopic[sub.TopicName] == nil {
		r.subsByTopic[sub.TopicName] = make(map[string]*Subscription)
	}
	r.subsByTopic[sub.TopicName][sub.SubKey] = sub
	r.subsByKey[sub.SubKey] = sub
	hookName := t.Config.HookServiceName
	r.mu.Unlock()

	if hs := r.hooks.Resolve(hookName); hs != nil && hs.OnSubscribed != nil {
		hs.OnSubscribed(sub.TopicName, sub.SubKey)
	}

	log.Info().
		Str("topic", sub.TopicName).
		Str("sub_key", sub.SubKey).
		Str("endpoint", sub.Endpoint).
		Bool("gd", sub.HasGD).
		Msg("Created subscription")
	return nil
}

// Unsubscribe removes a subscription by key and fires on_unsubscribed.
// Unknown sub_key is a logged no-op.
func (r *Registry) Unsubscribe(subKey string) *Subscription {
	r.mu.Lock()
	sub, ok := r.subsByKey[subKey]
	if !ok {
		r.mu.Unlock()
		log.Info().Str("sub_key", subKey).Msg("Unsubscribe for unknown subscription, ignoring")
		return nil
	}

	delete(r.subsByKey, subKey)
	if byTopic := r.subsByTopic[sub.TopicName]; byTopic != nil {
		delete(byTopic, subKey)
	}
	var hookName string
	if t := r.topics[sub.TopicName]; t != nil {
		delete(t.Subscriptions, subKey)
		hookName = t.Config.HookServiceName
	}
	r.mu.Unlock()

	r.fireUnsubscribed(hookName, sub.TopicName, subKey)

	log.Info().Str("topic", sub.TopicName).Str("sub_key", subKey).Msg("Deleted subscription")
	return sub
}

func (r *Registry) fireUnsubscribed(hookName, topicName, subKey string) {
	if hs := r.hooks.Resolve(hookName); hs != nil && hs.OnUnsubscribed != nil {
		hs.OnUnsubscribed(topicName, subKey)
	}
}

// GetTopic returns a topic by name.
func (r *Registry) GetTopic(name string) (*Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[name]
	return t, ok
}

// GetSubscription returns a subscription by key.
func (r *Registry) GetSubscription(subKey string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subsByKey[subKey]
	return sub, ok
}

// SubscriptionsForTopic returns a snapshot of a topic's subscriptions.
func (r *Registry) SubscriptionsForTopic(name string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subsByTopic[name]
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

// Hooks returns the hook registry shared by this process.
func (r *Registry) Hooks() *HookRegistry {
	return r.hooks
}

// TopicCount reports how many topics are registered.
func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
