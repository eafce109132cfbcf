package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/packrat-mq/packrat/pubsub"
)

// Transport pushes a batch to a subscriber endpoint. An error means the
// whole batch failed and will be retried (GD) or requeued/dropped (non-GD).
type Transport interface {
	Deliver(sub *pubsub.Subscription, batch []*pubsub.Message) error
}

// RESTTransport POSTs batches as JSON to the subscription's rest_target.
// A circuit breaker per target shields a flapping endpoint from being
// hammered by every retry cycle at once.
type RESTTransport struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRESTTransport creates a REST push transport with the given call timeout.
func NewRESTTransport(timeout time.Duration) *RESTTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTTransport{
		client:   &http.Client{Timeout: timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *RESTTransport) breaker(target string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[target]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	t.breakers[target] = cb
	return cb
}

// Deliver implements Transport.
func (t *RESTTransport) Deliver(sub *pubsub.Subscription, batch []*pubsub.Message) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch for %s: %w", sub.SubKey, err)
	}

	_, err = t.breaker(sub.RestTarget).Execute(func() (interface{}, error) {
		req, err := http.NewRequest(http.MethodPost, sub.RestTarget, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Packrat-Sub-Key", sub.SubKey)

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("endpoint %s returned %s", sub.RestTarget, resp.Status)
		}
		return nil, nil
	})
	return err
}

// Callable is an in-process service endpoint a push subscription may target.
type Callable func(sub *pubsub.Subscription, batch []*pubsub.Message) error

// ServiceTransport dispatches batches to in-process services registered by
// name, the same lookup discipline as the hook registry.
type ServiceTransport struct {
	mu       sync.RWMutex
	services map[string]Callable
}

// NewServiceTransport creates an empty service transport.
func NewServiceTransport() *ServiceTransport {
	return &ServiceTransport{services: make(map[string]Callable)}
}

// Register installs a callable under a service name.
func (t *ServiceTransport) Register(name string, fn Callable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services[name] = fn
}

// Deliver implements Transport.
func (t *ServiceTransport) Deliver(sub *pubsub.Subscription, batch []*pubsub.Message) error {
	t.mu.RLock()
	fn := t.services[sub.ServiceTarget]
	t.mu.RUnlock()

	if fn == nil {
		return fmt.Errorf("service %q is not registered", sub.ServiceTarget)
	}
	return fn(sub, batch)
}

// ForSubscription picks the transport matching a subscription's endpoint
// type. Pull subscriptions get nil: their task never initiates delivery.
func ForSubscription(sub *pubsub.Subscription, rest *RESTTransport, service *ServiceTransport) Transport {
	if sub.DeliveryType == pubsub.DeliveryPull {
		return nil
	}
	switch sub.PushType {
	case pubsub.PushService:
		return service
	default:
		// REST and the legacy SOAP path share the HTTP transport.
		return rest
	}
}
