package pubsub

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// HookResult is what a before_publish / before_delivery hook decides.
type HookResult int

const (
	// HookDeliver lets the message(s) proceed unchanged or transformed.
	HookDeliver HookResult = iota
	// HookSkip vetoes the message(s); GD rows stay in the store untouched,
	// non-GD messages are dropped.
	HookSkip
)

// HookSet bundles the callbacks a hook service may register. Every field is
// optional; nil fields are skipped without overhead.
type HookSet struct {
	// BeforePublish may veto or transform a message before it is queued.
	BeforePublish func(topicName string, msg *Message) HookResult
	// BeforeDelivery may veto or reorder a batch before the network call to
	// the subscriber. It is consulted before, never after, that call.
	BeforeDelivery func(subKey string, batch []*Message) ([]*Message, HookResult)
	// OnSubscribed fires after a subscription is created.
	OnSubscribed func(topicName, subKey string)
	// OnUnsubscribed fires after a subscription is destroyed.
	OnUnsubscribed func(topicName, subKey string)
	// OnOutgoingSOAPInvoke fires only for the legacy SOAP outbound path.
	OnOutgoingSOAPInvoke func(subKey string, batch []*Message)
}

// HookRegistry maps hook service names to their callback sets. It is
// populated once at startup; topics reference entries by name and resolution
// is cached so unconfigured topics cost nothing on the hot path.
type HookRegistry struct {
	mu       sync.RWMutex
	services map[string]*HookSet
	resolved *lru.Cache[string, *HookSet]
}

const hookCacheSize = 256

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry() *HookRegistry {
	cache, _ := lru.New[string, *HookSet](hookCacheSize)
	return &HookRegistry{
		services: make(map[string]*HookSet),
		resolved: cache,
	}
}

// Register installs a hook set under a service name. Later registrations
// replace earlier ones and invalidate the resolution cache entry.
func (r *HookRegistry) Register(name string, hooks *HookSet) {
	r.mu.Lock()
	r.services[name] = hooks
	r.mu.Unlock()
	r.resolved.Remove(name)

	log.Info().Str("hook_service", name).Msg("Registered hook service")
}

// Resolve returns the hook set for a service name, or nil when the name is
// empty or unknown. Unknown names are logged once per cache lifetime, not
// treated as errors: a topic may reference a service that ships later.
func (r *HookRegistry) Resolve(name string) *HookSet {
	if name == "" {
		return nil
	}
	if hs, ok := r.resolved.Get(name); ok {
		return hs
	}

	r.mu.RLock()
	hs := r.services[name]
	r.mu.RUnlock()

	if hs == nil {
		log.Warn().Str("hook_service", name).Msg("Hook service not registered, invocation points are no-ops")
	}
	r.resolved.Add(name, hs)
	return hs
}
