// Package delivery runs one background task per subscription: the task polls
// the durable store (or its in-RAM buffer for non-GD traffic), consults the
// before_delivery hook and pushes batches to the subscriber endpoint.
package delivery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/packrat-mq/packrat/pubsub"
	"github.com/packrat-mq/packrat/telemetry"
)

// Task lifecycle states.
const (
	StateCreated int32 = iota
	StateRunning
	StateStopping
	StateStopped
)

// Fetcher is the slice of the queue store a task needs. Satisfied by
// *queue.Store.
type Fetcher interface {
	FetchBatch(subKeys []string, lastRun, pubTimeMax time.Time, ignoreIDs []string, batchSize int) ([]*pubsub.Message, error)
	Acknowledge(subKey string, msgIDs []string, deliveryTime time.Time) error
	Reject(subKey string, msgIDs []string) error
}

// Options tunes a delivery task.
type Options struct {
	Interval        time.Duration
	BatchSize       int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	// NonGDRetryLimit bounds redelivery attempts for in-RAM messages.
	// 0 means drop on first failure.
	NonGDRetryLimit int
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.RetryMultiplier < 1 {
		o.RetryMultiplier = 2
	}
}

type nonGDEntry struct {
	msg      *pubsub.Message
	attempts int
}

// Stats is a point-in-time snapshot of a task's counters.
type Stats struct {
	SubKey      string
	State       int32
	Batches     int64
	Delivered   int64
	LastIterRun time.Time
}

// Task owns delivery for exactly one subscription. GD messages flow through
// the Fetcher's claim cycle; non-GD messages live only in the task's buffer
// and die with the process. A task for a pull subscription keeps the buffer
// but never initiates network calls; the pull surface drains it instead.
type Task struct {
	sub       *pubsub.Subscription
	fetcher   Fetcher
	transport Transport
	hooks     *pubsub.HookRegistry
	hookName  string
	opts      Options

	state       atomic.Int32
	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
	wakeCh      chan struct{}

	bufMu  sync.Mutex
	buffer []nonGDEntry

	retryDelay time.Duration

	batches     atomic.Int64
	delivered   atomic.Int64
	lastIterRun atomic.Int64
}

// NewTask creates a task in the Created state. transport may be nil for pull
// subscriptions. hookName comes from the owning topic's config.
func NewTask(sub *pubsub.Subscription, fetcher Fetcher, transport Transport, hooks *pubsub.HookRegistry, hookName string, opts Options) *Task {
	opts.applyDefaults()
	return &Task{
		sub:       sub,
		fetcher:   fetcher,
		transport: transport,
		hooks:     hooks,
		hookName:  hookName,
		opts:      opts,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
	}
}

// SubKey returns the subscription key this task serves.
func (t *Task) SubKey() string {
	return t.sub.SubKey
}

// Subscription returns the subscription this task serves.
func (t *Task) Subscription() *pubsub.Subscription {
	return t.sub
}

// State reports the current lifecycle state.
func (t *Task) State() int32 {
	return t.state.Load()
}

// Start launches the delivery loop. Starting a task twice is a no-op.
func (t *Task) Start() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if !t.state.CompareAndSwap(StateCreated, StateRunning) {
		return
	}
	telemetry.ActiveTasks.Inc()
	go t.loop()
	log.Info().
		Str("sub_key", t.sub.SubKey).
		Str("topic", t.sub.TopicName).
		Str("endpoint_type", t.sub.EndpointType()).
		Msg("Started delivery task")
}

// Stop terminates the loop and blocks until the in-flight iteration ends.
// Safe to call from any state and more than once.
func (t *Task) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	switch t.state.Load() {
	case StateCreated:
		t.state.Store(StateStopped)
		return
	case StateStopped:
		return
	}

	if t.state.CompareAndSwap(StateRunning, StateStopping) {
		close(t.stopCh)
		telemetry.ActiveTasks.Dec()
	}
	<-t.doneCh
	t.state.Store(StateStopped)
	log.Info().Str("sub_key", t.sub.SubKey).Msg("Stopped delivery task")
}

// Push buffers non-GD messages and wakes the loop. Messages pushed to a
// stopped task are dropped: non-GD traffic carries no durability promise.
func (t *Task) Push(msgs ...*pubsub.Message) {
	if t.state.Load() != StateRunning {
		return
	}
	t.bufMu.Lock()
	for _, m := range msgs {
		t.buffer = append(t.buffer, nonGDEntry{msg: m})
	}
	t.bufMu.Unlock()
	t.Wake()
}

// Wake nudges the loop to run an iteration now instead of at the next tick.
func (t *Task) Wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// Clear empties the in-RAM buffer, used when the task's subscription is
// migrating away and another process takes over delivery.
func (t *Task) Clear() int {
	t.bufMu.Lock()
	n := len(t.buffer)
	t.buffer = nil
	t.bufMu.Unlock()
	return n
}

// DrainNonGD removes and returns up to max buffered non-GD messages. The
// pull surface calls this; expired messages are discarded on the way out.
func (t *Task) DrainNonGD(max int) []*pubsub.Message {
	if max <= 0 {
		max = t.opts.BatchSize
	}
	now := time.Now().UTC()

	t.bufMu.Lock()
	defer t.bufMu.Unlock()

	out := make([]*pubsub.Message, 0, max)
	kept := t.buffer[:0]
	for _, e := range t.buffer {
		if e.msg.Expired(now) {
			continue
		}
		if len(out) < max {
			out = append(out, e.msg)
			continue
		}
		kept = append(kept, e)
	}
	t.buffer = kept
	return out
}

// Stats snapshots the task counters.
func (t *Task) Stats() Stats {
	return Stats{
		SubKey:      t.sub.SubKey,
		State:       t.state.Load(),
		Batches:     t.batches.Load(),
		Delivered:   t.delivered.Load(),
		LastIterRun: time.Unix(0, t.lastIterRun.Load()).UTC(),
	}
}

func (t *Task) loop() {
	defer close(t.doneCh)

	timer := time.NewTimer(t.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.wakeCh:
		case <-timer.C:
		}

		t.runIteration()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.opts.Interval)
	}
}

func (t *Task) runIteration() {
	t.lastIterRun.Store(time.Now().UTC().UnixNano())

	// Pull subscriptions deliver nothing on their own; the client fetches.
	if t.transport == nil {
		return
	}

	t.deliverNonGD()
	t.deliverGD()
}

func (t *Task) deliverNonGD() {
	batch := t.DrainNonGD(t.opts.BatchSize)
	if len(batch) == 0 {
		return
	}

	batch, vetoed := t.applyBeforeDelivery(batch)
	if vetoed > 0 {
		// Vetoed non-GD messages are gone; nothing durable backs them.
		telemetry.HookVetoesTotal.With("before_delivery").Add(float64(vetoed))
	}
	if len(batch) == 0 {
		return
	}

	if err := t.deliver(batch, "non_gd"); err != nil {
		t.requeueNonGD(batch)
		return
	}
	t.batches.Add(1)
	t.delivered.Add(int64(len(batch)))
}

// requeueNonGD puts failed messages back in the buffer. DeliveryCount on the
// message itself carries the attempt count across requeues.
func (t *Task) requeueNonGD(batch []*pubsub.Message) {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()

	for _, m := range batch {
		m.DeliveryCount++
		if m.DeliveryCount > t.opts.NonGDRetryLimit {
			telemetry.NonGDDroppedTotal.Inc()
			log.Warn().
				Str("sub_key", t.sub.SubKey).
				Str("msg_id", m.MsgID).
				Int("attempts", m.DeliveryCount).
				Msg("Dropping non-GD message after retry limit")
			continue
		}
		t.buffer = append(t.buffer, nonGDEntry{msg: m, attempts: m.DeliveryCount})
	}
}

func (t *Task) deliverGD() {
	if !t.sub.HasGD {
		return
	}

	// A zero last-run marker asks for the full backlog: rejected rows must
	// stay fetchable, and the claim lease already hides in-flight rows.
	now := time.Now().UTC()
	batch, err := t.fetcher.FetchBatch([]string{t.sub.SubKey}, time.Time{}, now, nil, t.opts.BatchSize)
	if err != nil {
		log.Error().Err(err).Str("sub_key", t.sub.SubKey).Msg("Failed to fetch delivery batch")
		return
	}
	if len(batch) == 0 {
		return
	}

	kept, vetoed := t.applyBeforeDelivery(batch)
	if vetoed > 0 {
		telemetry.HookVetoesTotal.With("before_delivery").Add(float64(vetoed))
		// Vetoed GD rows keep their data; only the claim is released so a
		// later cycle (and a possibly changed hook decision) sees them again.
		released := diffMsgIDs(batch, kept)
		if err := t.fetcher.Reject(t.sub.SubKey, released); err != nil {
			log.Error().Err(err).Str("sub_key", t.sub.SubKey).Msg("Failed to release vetoed claims")
		}
	}
	if len(kept) == 0 {
		return
	}

	msgIDs := make([]string, len(kept))
	for i, m := range kept {
		msgIDs[i] = m.MsgID
	}

	if err := t.deliver(kept, "gd"); err != nil {
		if rejErr := t.fetcher.Reject(t.sub.SubKey, msgIDs); rejErr != nil {
			log.Error().Err(rejErr).Str("sub_key", t.sub.SubKey).Msg("Failed to release claims after delivery failure")
		}
		t.backoff()
		return
	}

	if err := t.fetcher.Acknowledge(t.sub.SubKey, msgIDs, time.Now().UTC()); err != nil {
		// Delivery happened but the mark failed; the claim lease prevents an
		// immediate redeliver, and the next successful mark settles it.
		log.Error().Err(err).Str("sub_key", t.sub.SubKey).Msg("Failed to acknowledge delivered batch")
		return
	}

	t.retryDelay = 0
	t.batches.Add(1)
	t.delivered.Add(int64(len(kept)))
	telemetry.DeliveryBatchSize.Observe(float64(len(kept)))
}

func (t *Task) applyBeforeDelivery(batch []*pubsub.Message) (kept []*pubsub.Message, vetoed int) {
	hs := t.hooks.Resolve(t.hookName)
	if hs == nil || hs.BeforeDelivery == nil {
		return batch, 0
	}

	filtered, result := hs.BeforeDelivery(t.sub.SubKey, batch)
	if result == pubsub.HookSkip {
		return nil, len(batch)
	}
	return filtered, len(batch) - len(filtered)
}

func (t *Task) deliver(batch []*pubsub.Message, durability string) error {
	if t.sub.PushType == pubsub.PushSoap {
		if hs := t.hooks.Resolve(t.hookName); hs != nil && hs.OnOutgoingSOAPInvoke != nil {
			hs.OnOutgoingSOAPInvoke(t.sub.SubKey, batch)
		}
	}

	start := time.Now()
	err := t.transport.Deliver(t.sub, batch)
	telemetry.DeliveryDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.DeliveriesTotal.With(durability, "failed").Inc()
		log.Warn().
			Err(err).
			Str("sub_key", t.sub.SubKey).
			Int("batch", len(batch)).
			Msg("Delivery attempt failed")
		return err
	}
	telemetry.DeliveriesTotal.With(durability, "success").Inc()
	return nil
}

// backoff sleeps with exponential growth after a failed GD delivery, bounded
// by RetryMax and interruptible by Stop.
func (t *Task) backoff() {
	if t.retryDelay == 0 {
		t.retryDelay = t.opts.RetryInitial
	} else {
		t.retryDelay = time.Duration(float64(t.retryDelay) * t.opts.RetryMultiplier)
		if t.retryDelay > t.opts.RetryMax {
			t.retryDelay = t.opts.RetryMax
		}
	}

	timer := time.NewTimer(t.retryDelay)
	defer timer.Stop()
	select {
	case <-t.stopCh:
	case <-timer.C:
	}
}

func diffMsgIDs(all, kept []*pubsub.Message) []string {
	keptSet := make(map[string]struct{}, len(kept))
	for _, m := range kept {
		keptSet[m.MsgID] = struct{}{}
	}
	var out []string
	for _, m := range all {
		if _, ok := keptSet[m.MsgID]; !ok {
			out = append(out, m.MsgID)
		}
	}
	return out
}
