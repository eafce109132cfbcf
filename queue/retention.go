package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"

	"github.com/packrat-mq/packrat/telemetry"
)

// Sweep kinds, also used as the metric label.
const (
	SweepDeliveredBase  = "delivered_base"
	SweepExpiredBase    = "expired_base"
	SweepDeliveredQueue = "delivered_queue"
	SweepDeletedQueue   = "deleted_queue"
)

// sweepDeliveredBase removes base message rows that were fanned out and have
// no outstanding queue row left. A base row survives as long as any
// subscription still holds an undelivered, undeleted entry for it.
func (s *Store) sweepDeliveredBase() (int64, error) {
	res, err := s.writeDB.Exec(`
		DELETE FROM pubsub_message
		WHERE cluster_id = ? AND is_in_sub_queue = 1
		AND NOT EXISTS (
			SELECT 1 FROM pubsub_enqueued e
			WHERE e.cluster_id = pubsub_message.cluster_id
			AND e.topic_name = pubsub_message.topic_name
			AND e.msg_id = pubsub_message.msg_id
			AND e.is_delivered = 0 AND e.is_deleted = 0
		)`, s.clusterID)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep delivered base rows: %w", err)
	}
	return res.RowsAffected()
}

// sweepExpiredBase removes expired messages together with their queue rows,
// in one transaction so a crash between the two cannot orphan queue entries.
func (s *Store) sweepExpiredBase() (int64, error) {
	now := nanos(time.Now().UTC())

	tx, err := s.writeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin expiration sweep: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM pubsub_enqueued
		WHERE cluster_id = ? AND msg_id IN (
			SELECT msg_id FROM pubsub_message
			WHERE cluster_id = ? AND expiration_time > 0 AND expiration_time <= ?
		)`, s.clusterID, s.clusterID, now); err != nil {
		return 0, fmt.Errorf("failed to sweep expired queue rows: %w", err)
	}

	res, err := tx.Exec(`
		DELETE FROM pubsub_message
		WHERE cluster_id = ? AND expiration_time > 0 AND expiration_time <= ?`,
		s.clusterID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired base rows: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, tx.Commit()
}

// sweepDeliveredQueueRows removes queue rows already acknowledged.
func (s *Store) sweepDeliveredQueueRows() (int64, error) {
	query, args, err := s.dialect.Delete("pubsub_enqueued").Where(goqu.Ex{
		"cluster_id":   s.clusterID,
		"is_delivered": 1,
	}).Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep delivered queue rows: %w", err)
	}
	return res.RowsAffected()
}

// sweepDeletedQueueRows removes queue rows flagged by MarkDeleted.
func (s *Store) sweepDeletedQueueRows() (int64, error) {
	query, args, err := s.dialect.Delete("pubsub_enqueued").Where(goqu.Ex{
		"cluster_id": s.clusterID,
		"is_deleted": 1,
	}).Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep deleted queue rows: %w", err)
	}
	return res.RowsAffected()
}

// Sweep runs a single pass of the named sweep and reports rows removed.
// Exposed for the admin surface and tests; the background loop uses it too.
func (s *Store) Sweep(kind string) (int64, error) {
	switch kind {
	case SweepDeliveredBase:
		return s.sweepDeliveredBase()
	case SweepExpiredBase:
		return s.sweepExpiredBase()
	case SweepDeliveredQueue:
		return s.sweepDeliveredQueueRows()
	case SweepDeletedQueue:
		return s.sweepDeletedQueueRows()
	default:
		return 0, fmt.Errorf("unknown sweep kind %q", kind)
	}
}

// Sweeper drives one retention sweep kind on its own schedule. Each kind
// runs in its own goroutine with independently jittered sleeps so the four
// sweeps never synchronize into one write burst. A failed pass is logged and
// retried on the next tick; the loop itself never exits except via Stop.
type Sweeper struct {
	store    *Store
	kind     string
	interval time.Duration
	jitter   float64

	// sleepFn is replaceable in tests to run ticks without waiting.
	sleepFn func(d time.Duration) bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper for one kind. jitter is a fraction of the
// interval added randomly to each sleep (0.2 means up to +20%).
func NewSweeper(store *Store, kind string, interval time.Duration, jitter float64) *Sweeper {
	sw := &Sweeper{
		store:    store,
		kind:     kind,
		interval: interval,
		jitter:   jitter,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	sw.sleepFn = sw.sleep
	return sw
}

// NewSweepers creates the full set of retention sweepers with staggered
// jitter so they drift apart over time.
func NewSweepers(store *Store, interval time.Duration) []*Sweeper {
	return []*Sweeper{
		NewSweeper(store, SweepDeliveredQueue, interval, 0.1),
		NewSweeper(store, SweepDeletedQueue, interval, 0.1),
		NewSweeper(store, SweepDeliveredBase, interval, 0.2),
		NewSweeper(store, SweepExpiredBase, interval, 0.3),
	}
}

// Start runs the sweep loop until Stop is called.
func (sw *Sweeper) Start() {
	go sw.loop()
}

func (sw *Sweeper) loop() {
	defer close(sw.doneCh)
	for {
		if !sw.sleepFn(sw.nextInterval()) {
			return
		}

		start := time.Now()
		deleted, err := sw.store.Sweep(sw.kind)
		telemetry.SweepDurationSeconds.With(sw.kind).Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.SweepErrorsTotal.With(sw.kind).Inc()
			log.Error().Err(err).Str("kind", sw.kind).Msg("Retention sweep failed")
			continue
		}
		if deleted > 0 {
			telemetry.SweepDeletedTotal.With(sw.kind).Add(float64(deleted))
			log.Debug().Str("kind", sw.kind).Int64("deleted", deleted).Msg("Retention sweep removed rows")
		}
	}
}

func (sw *Sweeper) nextInterval() time.Duration {
	d := sw.interval
	if sw.jitter > 0 {
		d += time.Duration(rand.Float64() * sw.jitter * float64(sw.interval))
	}
	return d
}

// sleep waits for d or until Stop. Returns false when stopping.
func (sw *Sweeper) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-sw.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// Stop terminates the loop and waits for the in-flight pass to finish.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	<-sw.doneCh
}
