package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/packrat-mq/packrat/delivery"
	"github.com/packrat-mq/packrat/pubsub"
	"github.com/packrat-mq/packrat/telemetry"
)

var (
	ErrMigrationRefused = errors.New("a peer refused the migration")
	ErrMigrateToSelf    = errors.New("cannot migrate a task to its current owner")
)

// PeerBroadcaster is the slice of the broker the migrator needs. Satisfied
// by *Broker.
type PeerBroadcaster interface {
	Peers() []string
	RequestTaskStopping(server, subKey string, timeout time.Duration) error
	RequestTaskCreate(server, subKey string, timeout time.Duration) error
}

// OwnerStore persists delivery server assignments. Satisfied by
// *queue.Store.
type OwnerStore interface {
	SetDeliveryServer(subKey, serverName string, isWSX bool) error
}

// TaskStarter recreates a local delivery task for a subscription this
// process owns. Satisfied by *engine.Engine.
type TaskStarter interface {
	OnTaskCreate(subKey string) error
}

// Migrator moves a delivery task from this process to another. The protocol
// is stop-the-world for the one subscription being moved: every peer must
// acknowledge it has paused routing toward the task before the local task is
// touched. Any refusal or timeout aborts the migration with the task still
// running here -- a task that runs in two places would double-deliver, a
// task running in zero places only delays delivery until the claim lease
// expires.
type Migrator struct {
	broker        PeerBroadcaster
	table         *delivery.Table
	store         OwnerStore
	routes        *RouteTable
	registry      *pubsub.Registry
	starter       TaskStarter
	serverName    string
	fanoutTimeout time.Duration
}

// NewMigrator wires a migrator for this process.
func NewMigrator(broker PeerBroadcaster, table *delivery.Table, store OwnerStore, routes *RouteTable, registry *pubsub.Registry, starter TaskStarter, serverName string, fanoutTimeout time.Duration) *Migrator {
	if fanoutTimeout <= 0 {
		fanoutTimeout = 5 * time.Second
	}
	return &Migrator{
		broker:        broker,
		table:         table,
		store:         store,
		routes:        routes,
		registry:      registry,
		starter:       starter,
		serverName:    serverName,
		fanoutTimeout: fanoutTimeout,
	}
}

// Migrate hands the subscription's delivery task to target.
func (m *Migrator) Migrate(subKey, target string) error {
	if target == m.serverName {
		return ErrMigrateToSelf
	}
	sub, ok := m.registry.GetSubscription(subKey)
	if !ok {
		return fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, subKey)
	}

	if err := m.broadcastStopping(subKey); err != nil {
		telemetry.MigrationsTotal.With("aborted").Inc()
		return err
	}

	// Every peer paused; only now is the local task dismantled.
	if task, ok := m.table.Remove(subKey); ok {
		task.Stop()
		if dropped := task.Clear(); dropped > 0 {
			log.Warn().
				Str("sub_key", subKey).
				Int("dropped", dropped).
				Msg("Discarded buffered non-GD messages during migration")
		}
	}

	// The subscription may have been deleted while peers were pausing. The
	// delete already tore everything down, so there is nothing to hand over.
	if _, ok := m.registry.GetSubscription(subKey); !ok {
		telemetry.MigrationsTotal.With("aborted").Inc()
		log.Info().Str("sub_key", subKey).Msg("Subscription deleted mid-migration, skipping task creation")
		return nil
	}

	if err := m.store.SetDeliveryServer(subKey, target, sub.IsWSX); err != nil {
		telemetry.MigrationsTotal.With("aborted").Inc()
		m.restoreLocal(subKey)
		return fmt.Errorf("failed to reassign delivery server: %w", err)
	}

	if err := m.broker.RequestTaskCreate(target, subKey, m.fanoutTimeout); err != nil {
		// Handoff failed after the local stop: roll ownership back and bring
		// the local task up again so the subscription is never left with zero
		// tasks anywhere.
		telemetry.MigrationsTotal.With("aborted").Inc()
		if rbErr := m.store.SetDeliveryServer(subKey, m.serverName, sub.IsWSX); rbErr != nil {
			log.Error().Err(rbErr).Str("sub_key", subKey).Msg("Failed to roll back delivery server assignment")
		}
		m.restoreLocal(subKey)
		return fmt.Errorf("task handoff to %s failed: %w", target, err)
	}
	m.routes.Set(subKey, target, sub.IsWSX)

	telemetry.MigrationsTotal.With("completed").Inc()
	log.Info().
		Str("sub_key", subKey).
		Str("target", target).
		Msg("Migrated delivery task")
	return nil
}

// restoreLocal restarts the delivery task on this process after a migration
// failed past the point where the old task was stopped.
func (m *Migrator) restoreLocal(subKey string) {
	if m.starter == nil {
		log.Error().Str("sub_key", subKey).Msg("No task starter attached, subscription has no delivery task")
		return
	}
	if err := m.starter.OnTaskCreate(subKey); err != nil {
		log.Error().Err(err).Str("sub_key", subKey).Msg("Failed to restart local delivery task after aborted migration")
		return
	}
	log.Info().Str("sub_key", subKey).Msg("Restarted local delivery task after aborted migration")
}

// broadcastStopping fans the task-stopping request out to every peer in
// parallel and waits for all of them. One future per peer; the slowest peer
// bounds the synchronous window, not the sum.
func (m *Migrator) broadcastStopping(subKey string) error {
	peers := m.broker.Peers()
	if len(peers) == 0 {
		return nil
	}

	start := time.Now()
	futures := make(map[string]*future.Future[error], len(peers))
	for _, peer := range peers {
		p := future.NewPromise[error]()
		futures[peer] = p.Future()
		go func(peer string, p *future.Promise[error]) {
			p.Set(m.broker.RequestTaskStopping(peer, subKey, m.fanoutTimeout), nil)
		}(peer, p)
	}

	var refused []string
	for peer, fut := range futures {
		if err, _ := fut.Get(); err != nil {
			log.Warn().Err(err).Str("peer", peer).Str("sub_key", subKey).Msg("Peer did not acknowledge task stop")
			refused = append(refused, peer)
		}
	}
	telemetry.MigrationFanoutSeconds.Observe(time.Since(start).Seconds())

	if len(refused) > 0 {
		return fmt.Errorf("%w: %v", ErrMigrationRefused, refused)
	}
	return nil
}
