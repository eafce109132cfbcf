package delivery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrat-mq/packrat/pubsub"
)

type mockFetcher struct {
	mu       sync.Mutex
	batches  [][]*pubsub.Message
	acked    [][]string
	rejected [][]string
}

func (f *mockFetcher) FetchBatch(subKeys []string, lastRun, pubTimeMax time.Time, ignoreIDs []string, batchSize int) ([]*pubsub.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *mockFetcher) Acknowledge(subKey string, msgIDs []string, deliveryTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msgIDs)
	return nil
}

func (f *mockFetcher) Reject(subKey string, msgIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, msgIDs)
	return nil
}

func (f *mockFetcher) ackedBatches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.acked...)
}

func (f *mockFetcher) rejectedBatches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.rejected...)
}

type mockTransport struct {
	mu        sync.Mutex
	delivered [][]*pubsub.Message
	failures  int
	attempts  int
}

func (m *mockTransport) Deliver(sub *pubsub.Subscription, batch []*pubsub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures > 0 {
		m.failures--
		return errors.New("endpoint down")
	}
	m.delivered = append(m.delivered, batch)
	return nil
}

func (m *mockTransport) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *mockTransport) deliveredBatches() [][]*pubsub.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*pubsub.Message(nil), m.delivered...)
}

func pushSub(subKey string) *pubsub.Subscription {
	return &pubsub.Subscription{
		SubKey:       subKey,
		TopicName:    "orders",
		DeliveryType: pubsub.DeliveryPush,
		PushType:     pubsub.PushRest,
		RestTarget:   "http://example.test/hook",
		HasGD:        true,
		CreatedAt:    time.Now().UTC(),
	}
}

func msg(id string) *pubsub.Message {
	now := time.Now().UTC()
	return &pubsub.Message{MsgID: id, TopicName: "orders", Priority: 5, PubTime: now, RecvTime: now}
}

func fastOpts() Options {
	return Options{
		Interval:        5 * time.Millisecond,
		BatchSize:       10,
		RetryInitial:    time.Millisecond,
		RetryMax:        2 * time.Millisecond,
		NonGDRetryLimit: 2,
	}
}

func TestTaskDeliversAndAcknowledges(t *testing.T) {
	fetcher := &mockFetcher{batches: [][]*pubsub.Message{{msg("pm.1"), msg("pm.2")}}}
	transport := &mockTransport{}
	task := NewTask(pushSub("sk.a"), fetcher, transport, pubsub.NewHookRegistry(), "", fastOpts())

	task.Start()
	defer task.Stop()
	task.Wake()

	require.Eventually(t, func() bool {
		return len(fetcher.ackedBatches()) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"pm.1", "pm.2"}, fetcher.ackedBatches()[0])
	require.Len(t, transport.deliveredBatches(), 1)

	stats := task.Stats()
	assert.EqualValues(t, 1, stats.Batches)
	assert.EqualValues(t, 2, stats.Delivered)
}

func TestTaskRejectsOnDeliveryFailure(t *testing.T) {
	fetcher := &mockFetcher{batches: [][]*pubsub.Message{{msg("pm.1")}}}
	transport := &mockTransport{failures: 1}
	task := NewTask(pushSub("sk.a"), fetcher, transport, pubsub.NewHookRegistry(), "", fastOpts())

	task.Start()
	defer task.Stop()
	task.Wake()

	require.Eventually(t, func() bool {
		return len(fetcher.rejectedBatches()) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"pm.1"}, fetcher.rejectedBatches()[0])
	assert.Empty(t, fetcher.ackedBatches())
}

func TestBeforeDeliveryHookFiltersBatch(t *testing.T) {
	hooks := pubsub.NewHookRegistry()
	hooks.Register("filter", &pubsub.HookSet{
		BeforeDelivery: func(subKey string, batch []*pubsub.Message) ([]*pubsub.Message, pubsub.HookResult) {
			return batch[:1], pubsub.HookDeliver
		},
	})

	fetcher := &mockFetcher{batches: [][]*pubsub.Message{{msg("pm.1"), msg("pm.2")}}}
	transport := &mockTransport{}
	task := NewTask(pushSub("sk.a"), fetcher, transport, hooks, "filter", fastOpts())

	task.Start()
	defer task.Stop()
	task.Wake()

	require.Eventually(t, func() bool {
		return len(fetcher.ackedBatches()) == 1
	}, time.Second, time.Millisecond)

	// Only the kept message is delivered and acknowledged; the vetoed one's
	// claim is released for a later cycle.
	assert.Equal(t, []string{"pm.1"}, fetcher.ackedBatches()[0])
	require.Len(t, fetcher.rejectedBatches(), 1)
	assert.Equal(t, []string{"pm.2"}, fetcher.rejectedBatches()[0])
}

func TestBeforeDeliverySkipVetoesWholeBatch(t *testing.T) {
	hooks := pubsub.NewHookRegistry()
	hooks.Register("veto", &pubsub.HookSet{
		BeforeDelivery: func(subKey string, batch []*pubsub.Message) ([]*pubsub.Message, pubsub.HookResult) {
			return nil, pubsub.HookSkip
		},
	})

	fetcher := &mockFetcher{batches: [][]*pubsub.Message{{msg("pm.1")}}}
	transport := &mockTransport{}
	task := NewTask(pushSub("sk.a"), fetcher, transport, hooks, "veto", fastOpts())

	task.Start()
	defer task.Stop()
	task.Wake()

	require.Eventually(t, func() bool {
		return len(fetcher.rejectedBatches()) == 1
	}, time.Second, time.Millisecond)

	assert.Empty(t, transport.deliveredBatches())
	assert.Empty(t, fetcher.ackedBatches())
}

func TestNonGDRetryLimitDropsMessage(t *testing.T) {
	fetcher := &mockFetcher{}
	transport := &mockTransport{failures: 100}
	sub := pushSub("sk.a")
	sub.HasGD = false

	opts := fastOpts()
	opts.NonGDRetryLimit = 2
	task := NewTask(sub, fetcher, transport, pubsub.NewHookRegistry(), "", opts)

	task.Start()
	defer task.Stop()
	task.Push(msg("pm.1"))

	// Limit 2 allows two requeues: attempts 1..3 fail, then the message is
	// dropped and no further attempts happen.
	require.Eventually(t, func() bool {
		return transport.attemptCount() == 3
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, transport.attemptCount())
	task.bufMu.Lock()
	defer task.bufMu.Unlock()
	assert.Empty(t, task.buffer)
}

func TestPullTaskNeverInitiatesDelivery(t *testing.T) {
	sub := pushSub("sk.a")
	sub.DeliveryType = pubsub.DeliveryPull
	sub.PushType = ""
	sub.RestTarget = ""
	sub.HasGD = false

	task := NewTask(sub, &mockFetcher{}, nil, pubsub.NewHookRegistry(), "", fastOpts())
	task.Start()
	defer task.Stop()

	task.Push(msg("pm.1"), msg("pm.2"))
	time.Sleep(20 * time.Millisecond)

	got := task.DrainNonGD(10)
	require.Len(t, got, 2)
	assert.Empty(t, task.DrainNonGD(10))
}

func TestDrainSkipsExpiredMessages(t *testing.T) {
	sub := pushSub("sk.a")
	sub.DeliveryType = pubsub.DeliveryPull
	sub.PushType = ""
	sub.HasGD = false

	task := NewTask(sub, &mockFetcher{}, nil, pubsub.NewHookRegistry(), "", fastOpts())
	task.Start()
	defer task.Stop()

	stale := msg("pm.old")
	stale.RecvTime = time.Now().UTC().Add(-time.Hour)
	stale.ExpirationSec = 1
	task.Push(stale, msg("pm.new"))

	got := task.DrainNonGD(10)
	require.Len(t, got, 1)
	assert.Equal(t, "pm.new", got[0].MsgID)
}

func TestTaskLifecycle(t *testing.T) {
	task := NewTask(pushSub("sk.a"), &mockFetcher{}, &mockTransport{}, pubsub.NewHookRegistry(), "", fastOpts())
	assert.Equal(t, StateCreated, task.State())

	task.Start()
	assert.Equal(t, StateRunning, task.State())

	task.Stop()
	assert.Equal(t, StateStopped, task.State())

	// Stop is idempotent.
	task.Stop()
	assert.Equal(t, StateStopped, task.State())
}

func TestStopBeforeStart(t *testing.T) {
	task := NewTask(pushSub("sk.a"), &mockFetcher{}, &mockTransport{}, pubsub.NewHookRegistry(), "", fastOpts())
	task.Stop()
	assert.Equal(t, StateStopped, task.State())
}

func TestClearEmptiesBuffer(t *testing.T) {
	sub := pushSub("sk.a")
	sub.DeliveryType = pubsub.DeliveryPull
	sub.PushType = ""
	sub.HasGD = false

	task := NewTask(sub, &mockFetcher{}, nil, pubsub.NewHookRegistry(), "", fastOpts())
	task.Start()
	defer task.Stop()

	task.Push(msg("pm.1"), msg("pm.2"))
	assert.Equal(t, 2, task.Clear())
	assert.Empty(t, task.DrainNonGD(10))
}

func TestTablePutReplacesAndStopsOldTask(t *testing.T) {
	table := NewTable()

	first := NewTask(pushSub("sk.a"), &mockFetcher{}, &mockTransport{}, pubsub.NewHookRegistry(), "", fastOpts())
	first.Start()
	table.Put(first)

	second := NewTask(pushSub("sk.a"), &mockFetcher{}, &mockTransport{}, pubsub.NewHookRegistry(), "", fastOpts())
	table.Put(second)

	assert.Equal(t, StateStopped, first.State())
	got, ok := table.Get("sk.a")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, table.Len())
}

func TestTableStopAll(t *testing.T) {
	table := NewTable()
	task := NewTask(pushSub("sk.a"), &mockFetcher{}, &mockTransport{}, pubsub.NewHookRegistry(), "", fastOpts())
	task.Start()
	table.Put(task)

	table.StopAll()
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, StateStopped, task.State())
}
