package engine

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrat-mq/packrat/cluster"
	"github.com/packrat-mq/packrat/delivery"
	"github.com/packrat-mq/packrat/hlc"
	"github.com/packrat-mq/packrat/id"
	"github.com/packrat-mq/packrat/pubsub"
	"github.com/packrat-mq/packrat/queue"
)

type loopbackLink struct {
	mu       sync.Mutex
	events   []*cluster.ConfigEvent
	forwards []string
}

func (l *loopbackLink) ServerName() string { return "packrat-1" }

func (l *loopbackLink) PublishEvent(ev *cluster.ConfigEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *loopbackLink) Forward(server, subKey string, msg *pubsub.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forwards = append(l.forwards, server+"/"+subKey)
	return nil
}

func (l *loopbackLink) eventTypes() []cluster.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]cluster.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *loopbackLink) {
	e, link, _ := newTestEngineAt(t, filepath.Join(t.TempDir(), "queue.db"))
	return e, link
}

// newTestEngineAt builds an engine over the store at dbPath; restart tests
// point a second engine at the same file.
func newTestEngineAt(t *testing.T, dbPath string) (*Engine, *loopbackLink, *cluster.RouteTable) {
	t.Helper()

	store, err := queue.NewStore(dbPath, "test-cluster", queue.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	link := &loopbackLink{}
	registry := pubsub.NewRegistry(pubsub.NewHookRegistry())
	ids := id.NewHLCGenerator(hlc.NewClock(1))
	routes := cluster.NewRouteTable()
	e := New(registry, store, routes, link, ids, Options{
		TaskOptions: delivery.Options{Interval: 5 * time.Millisecond, BatchSize: 10},
	})
	t.Cleanup(e.Shutdown)
	return e, link, routes
}

func publisherCred(topics string) pubsub.Credential {
	return pubsub.Credential{
		Name:     "producer",
		Patterns: []pubsub.Pattern{{Access: pubsub.AccessPublisher, Text: topics}},
	}
}

func pullSub(subKey, topic string, gd bool) *pubsub.Subscription {
	return &pubsub.Subscription{
		SubKey:       subKey,
		TopicName:    topic,
		DeliveryType: pubsub.DeliveryPull,
		HasGD:        gd,
	}
}

func TestPublishRequiresKnownTopic(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	assert.ErrorIs(t, err, pubsub.ErrTopicNotFound)
}

func TestPublishRequiresPermission(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("billing.invoiced", pubsub.TopicConfig{}))

	_, err := e.Publish(publisherCred("orders.*"), "billing.invoiced", &pubsub.Message{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestPublishMintsIDAndEnqueues(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))
	require.NoError(t, e.Subscribe(pullSub("sk.a", "orders.created", true)))

	msgID, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msgID, id.MsgIDPrefix+"."))

	depth, err := e.GetQueueDepth("sk.a")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestBeforePublishVetoDropsSilently(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Registry().Hooks().Register("gate", &pubsub.HookSet{
		BeforePublish: func(topicName string, msg *pubsub.Message) pubsub.HookResult {
			return pubsub.HookSkip
		},
	})
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{HookServiceName: "gate"}))
	require.NoError(t, e.Subscribe(pullSub("sk.a", "orders.created", true)))

	msgID, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	depth, err := e.GetQueueDepth("sk.a")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestPublishRejectsOutOfRangePriority(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))

	_, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Priority: 12, Data: []byte("x")})
	assert.Error(t, err)
}

func TestPullRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))
	require.NoError(t, e.Subscribe(pullSub("sk.a", "orders.created", true)))

	msgID, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	require.NoError(t, err)

	msgs, err := e.GetMessages("sk.a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgID, msgs[0].MsgID)

	require.NoError(t, e.AcknowledgeDelivery("sk.a", []string{msgID}))

	depth, err := e.GetQueueDepth("sk.a")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestNonGDStaysLocalForOwnedSubscription(t *testing.T) {
	e, link := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))
	require.NoError(t, e.Subscribe(pullSub("sk.mem", "orders.created", false)))

	_, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	require.NoError(t, err)

	assert.Empty(t, link.forwards)
	msgs, err := e.GetMessages("sk.mem", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestNonGDForwardsToRemoteOwner(t *testing.T) {
	e, link := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))

	// A subscription created elsewhere: applied via event, owned by origin.
	e.HandleEvent(&cluster.ConfigEvent{
		Type:         cluster.EventSubscriptionCreate,
		Origin:       "packrat-2",
		TopicName:    "orders.created",
		Subscription: pullSub("sk.remote", "orders.created", false),
	})

	_, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	require.NoError(t, err)

	assert.Equal(t, []string{"packrat-2/sk.remote"}, link.forwards)
	_, ok := e.Tasks().Get("sk.remote")
	assert.False(t, ok, "remote subscription must not get a local task")
}

func TestNonGDFallsBackToPersistedAssignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	e, link, routes := newTestEngineAt(t, path)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))
	sub := pullSub("sk.moved", "orders.created", false)
	require.NoError(t, e.Subscribe(sub))

	// Simulate the task having migrated away while this process only heard
	// the route-pause half of the protocol.
	routes.Delete("sk.moved")
	require.NoError(t, e.store.SetDeliveryServer("sk.moved", "packrat-2", false))

	_, err := e.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	require.NoError(t, err)

	assert.Equal(t, []string{"packrat-2/sk.moved"}, link.forwards)
	route, ok := routes.Get("sk.moved")
	require.True(t, ok, "the persisted assignment must repopulate the route table")
	assert.Equal(t, "packrat-2", route.ServerName)
}

func TestRecoverRestoresTopologyAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	first, _, _ := newTestEngineAt(t, path)
	require.NoError(t, first.CreateTopic("orders.created", pubsub.TopicConfig{DeliveryIntervalMS: 50}))
	require.NoError(t, first.Subscribe(pullSub("sk.mine", "orders.created", true)))
	_, err := first.Publish(publisherCred("orders.*"), "orders.created", &pubsub.Message{Data: []byte("x")})
	require.NoError(t, err)

	// A subscription owned by another server, known only through the store.
	remote := pullSub("sk.theirs", "orders.created", true)
	remote.CreatedAt = time.Now().UTC()
	require.NoError(t, first.store.UpsertSubscription(remote, "packrat-2"))
	first.Shutdown()

	// Fresh process over the same data file.
	second, _, routes := newTestEngineAt(t, path)
	require.NoError(t, second.Recover())

	topic, ok := second.Registry().GetTopic("orders.created")
	require.True(t, ok)
	assert.Equal(t, 50, topic.Config.DeliveryIntervalMS)

	task, ok := second.Tasks().Get("sk.mine")
	require.True(t, ok, "owned subscription must get its task back")
	assert.Equal(t, delivery.StateRunning, task.State())

	_, ok = second.Tasks().Get("sk.theirs")
	assert.False(t, ok, "remotely owned subscription must not get a local task")
	route, ok := routes.Get("sk.theirs")
	require.True(t, ok)
	assert.Equal(t, "packrat-2", route.ServerName)

	// The backlog enqueued before the restart is still deliverable.
	msgs, err := second.GetMessages("sk.mine", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSubscribeMintsSubKeyAndBroadcasts(t *testing.T) {
	e, link := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))

	sub := pullSub("", "orders.created", true)
	require.NoError(t, e.Subscribe(sub))
	assert.True(t, strings.HasPrefix(sub.SubKey, id.SubKeyPrefix+"."))

	_, ok := e.Tasks().Get(sub.SubKey)
	assert.True(t, ok)
	assert.Contains(t, link.eventTypes(), cluster.EventSubscriptionCreate)
}

func TestUnsubscribeTearsDownEverything(t *testing.T) {
	e, link := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))
	require.NoError(t, e.Subscribe(pullSub("sk.a", "orders.created", true)))

	require.NoError(t, e.Unsubscribe("sk.a"))

	_, ok := e.Tasks().Get("sk.a")
	assert.False(t, ok)
	_, err := e.GetMessages("sk.a", 10)
	assert.ErrorIs(t, err, pubsub.ErrSubscriptionNotFound)
	assert.Contains(t, link.eventTypes(), cluster.EventSubscriptionDelete)

	// Replayed delete is a no-op with no extra broadcast.
	before := len(link.eventTypes())
	require.NoError(t, e.Unsubscribe("sk.a"))
	assert.Len(t, link.eventTypes(), before)
}

func TestDeleteTopicCascadesLocally(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))
	require.NoError(t, e.Subscribe(pullSub("sk.a", "orders.created", true)))

	require.NoError(t, e.DeleteTopic("orders.created"))

	_, ok := e.Tasks().Get("sk.a")
	assert.False(t, ok)
	_, ok = e.Registry().GetTopic("orders.created")
	assert.False(t, ok)
}

func TestHandleEventAppliesTopicLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)

	e.HandleEvent(&cluster.ConfigEvent{Type: cluster.EventTopicCreate, Origin: "packrat-2", TopicName: "orders"})
	_, ok := e.Registry().GetTopic("orders")
	require.True(t, ok)

	e.HandleEvent(&cluster.ConfigEvent{Type: cluster.EventTopicRename, Origin: "packrat-2", TopicName: "orders", NewTopicName: "orders.v2"})
	_, ok = e.Registry().GetTopic("orders.v2")
	require.True(t, ok)

	e.HandleEvent(&cluster.ConfigEvent{Type: cluster.EventTopicDelete, Origin: "packrat-2", TopicName: "orders.v2"})
	_, ok = e.Registry().GetTopic("orders.v2")
	assert.False(t, ok)
}

func TestOnTaskCreateStartsMigratedTask(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))

	// Known via event but owned elsewhere.
	e.HandleEvent(&cluster.ConfigEvent{
		Type:         cluster.EventSubscriptionCreate,
		Origin:       "packrat-2",
		TopicName:    "orders.created",
		Subscription: pullSub("sk.mig", "orders.created", true),
	})

	require.NoError(t, e.OnTaskCreate("sk.mig"))
	task, ok := e.Tasks().Get("sk.mig")
	require.True(t, ok)
	assert.Equal(t, delivery.StateRunning, task.State())

	// Deleted-while-migrating refuses instead of crashing.
	assert.Error(t, e.OnTaskCreate("sk.ghost"))
}

func TestOnForwardedBuffersForLocalTask(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))
	require.NoError(t, e.Subscribe(pullSub("sk.a", "orders.created", false)))

	e.OnForwarded("sk.a", &pubsub.Message{MsgID: "pm.fwd", TopicName: "orders.created", SubKey: "sk.a"})

	msgs, err := e.GetMessages("sk.a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pm.fwd", msgs[0].MsgID)
}

func TestGetMessagesRejectsPushSubscription(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateTopic("orders.created", pubsub.TopicConfig{}))

	sub := &pubsub.Subscription{
		SubKey:       "sk.push",
		TopicName:    "orders.created",
		DeliveryType: pubsub.DeliveryPush,
		PushType:     pubsub.PushRest,
		RestTarget:   "http://example.test/hook",
		HasGD:        true,
	}
	require.NoError(t, e.Subscribe(sub))

	_, err := e.GetMessages("sk.push", 10)
	assert.ErrorIs(t, err, ErrNotPullEnabled)
}
