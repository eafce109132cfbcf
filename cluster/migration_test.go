package cluster

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrat-mq/packrat/delivery"
	"github.com/packrat-mq/packrat/pubsub"
)

type mockBroker struct {
	mu         sync.Mutex
	peers      []string
	refusing   map[string]error
	stopped    []string
	created    []string
	createErr  error
	onStopping func()
}

func (m *mockBroker) Peers() []string { return m.peers }

func (m *mockBroker) RequestTaskStopping(server, subKey string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refusing[server]; err != nil {
		return err
	}
	m.stopped = append(m.stopped, server)
	if m.onStopping != nil {
		m.onStopping()
	}
	return nil
}

func (m *mockBroker) RequestTaskCreate(server, subKey string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, server)
	return nil
}

type mockOwnerStore struct {
	mu       sync.Mutex
	assigned map[string]string
}

func (m *mockOwnerStore) SetDeliveryServer(subKey, serverName string, isWSX bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assigned == nil {
		m.assigned = make(map[string]string)
	}
	m.assigned[subKey] = serverName
	return nil
}

// mockStarter stands in for the engine's task recreation: it builds a fresh
// task from the registry entry and puts it in the table.
type mockStarter struct {
	table    *delivery.Table
	registry *pubsub.Registry
	assigned *mockOwnerStore
}

func (m *mockStarter) OnTaskCreate(subKey string) error {
	sub, ok := m.registry.GetSubscription(subKey)
	if !ok {
		return pubsub.ErrSubscriptionNotFound
	}
	task := delivery.NewTask(sub, nil, nil, pubsub.NewHookRegistry(), "", delivery.Options{})
	task.Start()
	m.table.Put(task)
	return m.assigned.SetDeliveryServer(subKey, "packrat-1", sub.IsWSX)
}

func newMigrationFixture(t *testing.T, broker *mockBroker) (*Migrator, *delivery.Table, *mockOwnerStore) {
	t.Helper()

	registry := pubsub.NewRegistry(pubsub.NewHookRegistry())
	registry.CreateTopic("orders", pubsub.TopicConfig{})
	sub := &pubsub.Subscription{
		SubKey:       "sk.move",
		TopicName:    "orders",
		DeliveryType: pubsub.DeliveryPull,
		HasGD:        true,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, registry.Subscribe(sub))

	table := delivery.NewTable()
	task := delivery.NewTask(sub, nil, nil, pubsub.NewHookRegistry(), "", delivery.Options{})
	task.Start()
	table.Put(task)

	store := &mockOwnerStore{}
	starter := &mockStarter{table: table, registry: registry, assigned: store}
	routes := NewRouteTable()
	m := NewMigrator(broker, table, store, routes, registry, starter, "packrat-1", time.Second)
	return m, table, store
}

func TestMigrateHandsOffAfterAllPeersAck(t *testing.T) {
	broker := &mockBroker{peers: []string{"packrat-2", "packrat-3"}}
	m, table, store := newMigrationFixture(t, broker)

	require.NoError(t, m.Migrate("sk.move", "packrat-2"))

	assert.ElementsMatch(t, []string{"packrat-2", "packrat-3"}, broker.stopped)
	assert.Equal(t, []string{"packrat-2"}, broker.created)
	assert.Equal(t, "packrat-2", store.assigned["sk.move"])

	_, ok := table.Get("sk.move")
	assert.False(t, ok)

	route, ok := m.routes.Get("sk.move")
	require.True(t, ok)
	assert.Equal(t, "packrat-2", route.ServerName)
}

func TestMigrateAbortsWhenAnyPeerRefuses(t *testing.T) {
	broker := &mockBroker{
		peers:    []string{"packrat-2", "packrat-3"},
		refusing: map[string]error{"packrat-3": errors.New("busy")},
	}
	m, table, store := newMigrationFixture(t, broker)

	err := m.Migrate("sk.move", "packrat-2")
	assert.ErrorIs(t, err, ErrMigrationRefused)

	// The local task must be untouched: stopping it without full agreement
	// risks a window where another process still routes messages here.
	task, ok := table.Get("sk.move")
	require.True(t, ok)
	assert.Equal(t, delivery.StateRunning, task.State())
	assert.Empty(t, store.assigned)
	assert.Empty(t, broker.created)

	task.Stop()
}

func TestMigrateRestartsLocalTaskWhenHandoffFails(t *testing.T) {
	broker := &mockBroker{
		peers:     []string{"packrat-2"},
		createErr: errors.New("target unreachable"),
	}
	m, table, store := newMigrationFixture(t, broker)

	err := m.Migrate("sk.move", "packrat-2")
	require.Error(t, err)

	// The old task was already stopped when the handoff failed; a fresh one
	// must be running here so the subscription never has zero tasks anywhere.
	task, ok := table.Get("sk.move")
	require.True(t, ok)
	assert.Equal(t, delivery.StateRunning, task.State())
	assert.Equal(t, "packrat-1", store.assigned["sk.move"])
	assert.Empty(t, broker.created)

	_, ok = m.routes.Get("sk.move")
	assert.False(t, ok, "no route may point at the target that never got the task")

	task.Stop()
}

func TestMigrateSkipsCreationWhenSubscriptionDeletedMidFlight(t *testing.T) {
	broker := &mockBroker{peers: []string{"packrat-2"}}
	m, table, store := newMigrationFixture(t, broker)
	broker.onStopping = func() { m.registry.Unsubscribe("sk.move") }

	require.NoError(t, m.Migrate("sk.move", "packrat-2"))

	// The concurrent delete won: no task anywhere, no handoff attempted.
	assert.Empty(t, broker.created)
	assert.Empty(t, store.assigned)
	_, ok := table.Get("sk.move")
	assert.False(t, ok)
}

func TestMigrateToSelfIsRejected(t *testing.T) {
	broker := &mockBroker{}
	m, table, _ := newMigrationFixture(t, broker)

	assert.ErrorIs(t, m.Migrate("sk.move", "packrat-1"), ErrMigrateToSelf)

	task, _ := table.Get("sk.move")
	task.Stop()
}

func TestMigrateUnknownSubscription(t *testing.T) {
	broker := &mockBroker{peers: []string{"packrat-2"}}
	m, table, _ := newMigrationFixture(t, broker)

	err := m.Migrate("sk.ghost", "packrat-2")
	assert.ErrorIs(t, err, pubsub.ErrSubscriptionNotFound)
	assert.Empty(t, broker.stopped)

	task, _ := table.Get("sk.move")
	task.Stop()
}

func TestMigrateWithNoPeersSkipsFanout(t *testing.T) {
	broker := &mockBroker{}
	m, _, store := newMigrationFixture(t, broker)

	require.NoError(t, m.Migrate("sk.move", "packrat-2"))
	assert.Equal(t, "packrat-2", store.assigned["sk.move"])
}

func TestConfigEventRoundTrip(t *testing.T) {
	ev := &ConfigEvent{
		Type:      EventSubscriptionCreate,
		Origin:    "packrat-1",
		TopicName: "orders",
		Subscription: &pubsub.Subscription{
			SubKey:       "sk.1",
			TopicName:    "orders",
			DeliveryType: pubsub.DeliveryPush,
			PushType:     pubsub.PushRest,
			RestTarget:   "http://example.test/hook",
			HasGD:        true,
		},
	}

	data, err := ev.Encode()
	require.NoError(t, err)

	got, err := DecodeConfigEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionCreate, got.Type)
	assert.Equal(t, "packrat-1", got.Origin)
	require.NotNil(t, got.Subscription)
	assert.Equal(t, "sk.1", got.Subscription.SubKey)
	assert.Equal(t, pubsub.PushRest, got.Subscription.PushType)
}

func TestDecodeRejectsUnknownEventType(t *testing.T) {
	ev := &ConfigEvent{Type: EventType("topic_explode"), Origin: "packrat-1"}
	data, err := ev.Encode()
	require.NoError(t, err)

	_, err = DecodeConfigEvent(data)
	assert.Error(t, err)
}

func TestRouteTable(t *testing.T) {
	rt := NewRouteTable()

	rt.Set("sk.1", "packrat-1", false)
	rt.Set("sk.2", "packrat-2", true)
	assert.Equal(t, 2, rt.Len())

	route, ok := rt.Get("sk.1")
	require.True(t, ok)
	assert.Equal(t, "packrat-1", route.ServerName)
	assert.False(t, route.IsWSX)

	rt.Delete("sk.1")
	_, ok = rt.Get("sk.1")
	assert.False(t, ok)
}
