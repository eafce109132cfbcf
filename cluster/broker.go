package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/packrat-mq/packrat/encoding"
	"github.com/packrat-mq/packrat/pubsub"
	"github.com/packrat-mq/packrat/telemetry"
)

// Subject layout. Everything is scoped under the cluster ID so clusters can
// share one NATS deployment.
const (
	subjectEvents       = "packrat.%s.events"
	subjectHello        = "packrat.%s.hello"
	subjectTaskStopping = "packrat.%s.rpc.%s.task-stopping"
	subjectTaskCreate   = "packrat.%s.rpc.%s.task-create"
	subjectForward      = "packrat.%s.forward.%s"
)

// Broker is the NATS-backed cluster transport for one process. It carries
// the configuration event stream, per-server RPCs (the synchronous leg of
// migrations) and non-GD message forwarding. Hellos keep a liveness view of
// the peer set.
type Broker struct {
	conn          *nats.Conn
	clusterID     string
	serverName    string
	helloInterval time.Duration

	peersMu sync.Mutex
	peers   map[string]time.Time

	subsMu sync.Mutex
	subs   []*nats.Subscription

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker connects to NATS and starts announcing this process. The
// connection retries forever; a broker outage degrades the cluster but must
// not kill the process.
func NewBroker(url, clusterID, serverName string, helloInterval time.Duration) (*Broker, error) {
	if helloInterval <= 0 {
		helloInterval = 5 * time.Second
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from cluster broker")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("Reconnected to cluster broker")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster broker: %w", err)
	}

	b := &Broker{
		conn:          conn,
		clusterID:     clusterID,
		serverName:    serverName,
		helloInterval: helloInterval,
		peers:         make(map[string]time.Time),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if err := b.subscribeHello(); err != nil {
		conn.Close()
		return nil, err
	}
	go b.helloLoop()

	log.Info().
		Str("url", url).
		Str("cluster", clusterID).
		Str("server", serverName).
		Msg("Connected to cluster broker")
	return b, nil
}

// ServerName returns this process's name on the cluster.
func (b *Broker) ServerName() string {
	return b.serverName
}

// Close stops announcements and drains the connection.
func (b *Broker) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh

	b.subsMu.Lock()
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	b.conn.Drain()
	b.conn.Close()
}

func (b *Broker) track(sub *nats.Subscription) {
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
}

func (b *Broker) subscribeHello() error {
	subject := fmt.Sprintf(subjectHello, b.clusterID)
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		name := string(m.Data)
		if name == "" || name == b.serverName {
			return
		}
		b.peersMu.Lock()
		if _, known := b.peers[name]; !known {
			log.Info().Str("peer", name).Msg("Discovered cluster peer")
		}
		b.peers[name] = time.Now()
		b.peersMu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to hello subject: %w", err)
	}
	b.track(sub)
	return nil
}

func (b *Broker) helloLoop() {
	defer close(b.doneCh)

	subject := fmt.Sprintf(subjectHello, b.clusterID)
	ticker := time.NewTicker(b.helloInterval)
	defer ticker.Stop()

	// Announce immediately so new peers see us before the first tick.
	b.conn.Publish(subject, []byte(b.serverName))
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.conn.Publish(subject, []byte(b.serverName)); err != nil {
				log.Warn().Err(err).Msg("Failed to announce to cluster")
			}
		}
	}
}

// Peers returns the names of peers seen within the last three hello
// intervals. A peer missing longer than that is presumed gone.
func (b *Broker) Peers() []string {
	cutoff := time.Now().Add(-3 * b.helloInterval)

	b.peersMu.Lock()
	defer b.peersMu.Unlock()

	out := make([]string, 0, len(b.peers))
	for name, seen := range b.peers {
		if seen.After(cutoff) {
			out = append(out, name)
		} else {
			delete(b.peers, name)
		}
	}
	return out
}

// PublishEvent broadcasts a configuration event to every process.
func (b *Broker) PublishEvent(ev *ConfigEvent) error {
	ev.Origin = b.serverName
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode configuration event: %w", err)
	}
	subject := fmt.Sprintf(subjectEvents, b.clusterID)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish configuration event: %w", err)
	}
	return nil
}

// SubscribeEvents delivers remote configuration events to handler. Events
// originating from this process are skipped; broken payloads are logged and
// dropped rather than wedging the stream.
func (b *Broker) SubscribeEvents(handler func(*ConfigEvent)) error {
	subject := fmt.Sprintf(subjectEvents, b.clusterID)
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		ev, err := DecodeConfigEvent(m.Data)
		if err != nil {
			log.Error().Err(err).Msg("Dropping undecodable configuration event")
			return
		}
		if ev.Origin == b.serverName {
			return
		}
		telemetry.ConfigEventsTotal.With(string(ev.Type)).Inc()
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to configuration events: %w", err)
	}
	b.track(sub)
	return nil
}

func (b *Broker) request(subject string, req *rpcRequest, timeout time.Duration) error {
	data, err := encoding.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode rpc request: %w", err)
	}

	msg, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		return fmt.Errorf("rpc %s failed: %w", subject, err)
	}

	var reply rpcReply
	if err := encoding.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to decode rpc reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("rpc %s refused: %s", subject, reply.Reason)
	}
	return nil
}

func (b *Broker) serve(subject string, handler func(subKey string) error) error {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var req rpcRequest
		reply := rpcReply{OK: true}
		if err := encoding.Unmarshal(m.Data, &req); err != nil {
			reply = rpcReply{OK: false, Reason: "undecodable request"}
		} else if err := handler(req.SubKey); err != nil {
			reply = rpcReply{OK: false, Reason: err.Error()}
		}

		data, err := encoding.Marshal(&reply)
		if err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("Failed to encode rpc reply")
			return
		}
		if err := m.Respond(data); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("Failed to send rpc reply")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to serve %s: %w", subject, err)
	}
	b.track(sub)
	return nil
}

// RequestTaskStopping asks a peer to pause publishing toward a migrating
// subscription and waits for its acknowledgement.
func (b *Broker) RequestTaskStopping(server, subKey string, timeout time.Duration) error {
	subject := fmt.Sprintf(subjectTaskStopping, b.clusterID, server)
	return b.request(subject, &rpcRequest{SubKey: subKey, Origin: b.serverName}, timeout)
}

// HandleTaskStopping serves incoming task-stopping requests.
func (b *Broker) HandleTaskStopping(handler func(subKey string) error) error {
	subject := fmt.Sprintf(subjectTaskStopping, b.clusterID, b.serverName)
	return b.serve(subject, handler)
}

// RequestTaskCreate asks the target process to start the delivery task for a
// migrated subscription.
func (b *Broker) RequestTaskCreate(server, subKey string, timeout time.Duration) error {
	subject := fmt.Sprintf(subjectTaskCreate, b.clusterID, server)
	return b.request(subject, &rpcRequest{SubKey: subKey, Origin: b.serverName}, timeout)
}

// HandleTaskCreate serves incoming task-create requests.
func (b *Broker) HandleTaskCreate(handler func(subKey string) error) error {
	subject := fmt.Sprintf(subjectTaskCreate, b.clusterID, b.serverName)
	return b.serve(subject, handler)
}

// Forward ships a non-GD message to the process owning its delivery task.
// Fire and forget: non-GD traffic carries no durability promise.
func (b *Broker) Forward(server, subKey string, msg *pubsub.Message) error {
	data, err := encoding.Marshal(&forwardEnvelope{SubKey: subKey, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to encode forwarded message: %w", err)
	}
	subject := fmt.Sprintf(subjectForward, b.clusterID, server)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to forward message to %s: %w", server, err)
	}
	telemetry.ForwardedMessagesTotal.Inc()
	return nil
}

// SubscribeForward delivers forwarded non-GD messages to handler.
func (b *Broker) SubscribeForward(handler func(subKey string, msg *pubsub.Message)) error {
	subject := fmt.Sprintf(subjectForward, b.clusterID, b.serverName)
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var env forwardEnvelope
		if err := encoding.Unmarshal(m.Data, &env); err != nil {
			log.Error().Err(err).Msg("Dropping undecodable forwarded message")
			return
		}
		handler(env.SubKey, env.Message)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to forwarded messages: %w", err)
	}
	b.track(sub)
	return nil
}
