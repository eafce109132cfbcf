// Package engine ties the subsystems into the publish/subscribe surface one
// worker process exposes: publish with permission and hook checks, topology
// mutations with cluster broadcast, the pull API and task migration.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/packrat-mq/packrat/cluster"
	"github.com/packrat-mq/packrat/delivery"
	"github.com/packrat-mq/packrat/id"
	"github.com/packrat-mq/packrat/pubsub"
	"github.com/packrat-mq/packrat/queue"
	"github.com/packrat-mq/packrat/telemetry"
)

var (
	ErrPermissionDenied = errors.New("credential is not allowed on this topic")
	ErrNotPullEnabled   = errors.New("subscription is not pull-enabled")
)

// ClusterLink is the slice of the broker the engine publishes through.
// Satisfied by *cluster.Broker; tests use a loopback.
type ClusterLink interface {
	ServerName() string
	PublishEvent(ev *cluster.ConfigEvent) error
	Forward(server, subKey string, msg *pubsub.Message) error
}

// TaskMigrator runs the migration protocol. Satisfied by *cluster.Migrator.
type TaskMigrator interface {
	Migrate(subKey, target string) error
}

// Options tunes the engine.
type Options struct {
	TaskOptions delivery.Options
	RESTTimeout time.Duration
}

// Engine is the per-process pub/sub facade. It owns the registry, the task
// table and the route table; the queue store and broker are shared
// infrastructure injected at construction.
type Engine struct {
	opts     Options
	registry *pubsub.Registry
	matcher  *pubsub.Matcher
	store    *queue.Store
	tasks    *delivery.Table
	routes   *cluster.RouteTable
	link     ClusterLink
	migrator TaskMigrator
	ids      id.Generator

	rest    *delivery.RESTTransport
	service *delivery.ServiceTransport
}

// New creates an engine. migrator may be nil until the cluster side is
// attached; MigrateDeliveryTask fails cleanly in that window.
func New(registry *pubsub.Registry, store *queue.Store, routes *cluster.RouteTable, link ClusterLink, ids id.Generator, opts Options) *Engine {
	return &Engine{
		opts:     opts,
		registry: registry,
		matcher:  pubsub.NewMatcher(),
		store:    store,
		tasks:    delivery.NewTable(),
		routes:   routes,
		link:     link,
		ids:      ids,
		rest:     delivery.NewRESTTransport(opts.RESTTimeout),
		service:  delivery.NewServiceTransport(),
	}
}

// SetMigrator attaches the migration coordinator once the broker is up.
func (e *Engine) SetMigrator(m TaskMigrator) {
	e.migrator = m
}

// Tasks exposes the task table for the cluster wiring and the admin surface.
func (e *Engine) Tasks() *delivery.Table {
	return e.tasks
}

// Services exposes the in-process push target registry.
func (e *Engine) Services() *delivery.ServiceTransport {
	return e.service
}

// Publish runs the full publish path: permission check, ID mint, hook,
// durable fan-out and non-GD routing. Returns the message ID on success and
// on a hook veto (the veto is policy, not an error the producer can act on).
func (e *Engine) Publish(cred pubsub.Credential, topicName string, msg *pubsub.Message) (string, error) {
	start := time.Now()
	defer func() {
		telemetry.PublishDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	topic, ok := e.registry.GetTopic(topicName)
	if !ok {
		telemetry.PublishTotal.With("error").Inc()
		return "", fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, topicName)
	}

	allowed, err := e.matcher.IsAllowed(cred, topicName, pubsub.IntentPublish)
	if err != nil {
		telemetry.PublishTotal.With("error").Inc()
		return "", fmt.Errorf("failed to evaluate permissions for %s: %w", cred.Name, err)
	}
	if !allowed {
		telemetry.PublishTotal.With("denied").Inc()
		return "", fmt.Errorf("%w: %s on %s", ErrPermissionDenied, cred.Name, topicName)
	}

	now := time.Now().UTC()
	if msg.MsgID == "" {
		msg.MsgID = e.ids.NextMsgID()
	}
	msg.TopicName = topicName
	msg.RecvTime = now
	if msg.PubTime.IsZero() {
		msg.PubTime = now
	}
	if msg.Priority == 0 {
		msg.Priority = pubsub.PriorityDefault
	}
	if msg.Priority < pubsub.PriorityMin || msg.Priority > pubsub.PriorityMax {
		telemetry.PublishTotal.With("error").Inc()
		return "", fmt.Errorf("priority %d out of range [%d,%d]", msg.Priority, pubsub.PriorityMin, pubsub.PriorityMax)
	}
	msg.Size = len(msg.Data)

	hookName := topic.Config.HookServiceName
	if hs := e.registry.Hooks().Resolve(hookName); hs != nil && hs.BeforePublish != nil {
		if hs.BeforePublish(topicName, msg) == pubsub.HookSkip {
			telemetry.HookVetoesTotal.With("before_publish").Inc()
			telemetry.PublishTotal.With("vetoed").Inc()
			log.Debug().Str("topic", topicName).Str("msg_id", msg.MsgID).Msg("Message vetoed before publish")
			return msg.MsgID, nil
		}
	}

	subs := e.registry.SubscriptionsForTopic(topicName)
	var gdKeys []string
	var nonGD []*pubsub.Subscription
	for _, sub := range subs {
		if sub.HasGD {
			gdKeys = append(gdKeys, sub.SubKey)
		} else {
			nonGD = append(nonGD, sub)
		}
	}

	if len(gdKeys) > 0 {
		created, err := e.store.Enqueue(msg, gdKeys)
		if err != nil {
			telemetry.PublishTotal.With("error").Inc()
			return "", fmt.Errorf("failed to enqueue %s: %w", msg.MsgID, err)
		}
		telemetry.FanoutMessagesTotal.With("gd").Add(float64(created))
		for _, subKey := range gdKeys {
			if task, ok := e.tasks.Get(subKey); ok {
				task.Wake()
			}
		}
	}

	for _, sub := range nonGD {
		e.routeNonGD(sub, msg.Clone(sub.SubKey))
	}
	if len(nonGD) > 0 {
		telemetry.FanoutMessagesTotal.With("non_gd").Add(float64(len(nonGD)))
	}

	telemetry.PublishTotal.With("ok").Inc()
	return msg.MsgID, nil
}

// routeNonGD hands a non-GD copy to whichever process owns the delivery
// task. A route-table miss falls back to the persisted delivery server
// assignment, which migrations keep current; no owner anywhere means the
// copy is dropped, non-GD carries no durability promise.
func (e *Engine) routeNonGD(sub *pubsub.Subscription, msg *pubsub.Message) {
	route, known := e.routes.Get(sub.SubKey)
	if !known {
		server, err := e.store.GetDeliveryServer(sub.SubKey, sub.IsWSX)
		if err != nil {
			log.Warn().Err(err).Str("sub_key", sub.SubKey).Msg("Failed to look up delivery server")
		} else if server != "" {
			e.routes.Set(sub.SubKey, server, sub.IsWSX)
			route, known = cluster.Route{ServerName: server, IsWSX: sub.IsWSX}, true
		}
	}
	if known && route.ServerName != e.link.ServerName() {
		if err := e.link.Forward(route.ServerName, sub.SubKey, msg); err != nil {
			log.Warn().Err(err).Str("sub_key", sub.SubKey).Msg("Failed to forward non-GD message")
		}
		return
	}
	if task, ok := e.tasks.Get(sub.SubKey); ok {
		task.Push(msg)
		return
	}
	log.Debug().Str("sub_key", sub.SubKey).Str("msg_id", msg.MsgID).Msg("No delivery task for non-GD message, dropping")
}

// CreateTopic creates the topic locally, persists it and broadcasts it.
func (e *Engine) CreateTopic(name string, config pubsub.TopicConfig) error {
	e.registry.CreateTopic(name, config)
	if err := e.store.UpsertTopic(name, config); err != nil {
		return fmt.Errorf("failed to persist topic %s: %w", name, err)
	}
	return e.link.PublishEvent(&cluster.ConfigEvent{
		Type:        cluster.EventTopicCreate,
		TopicName:   name,
		TopicConfig: config,
	})
}

// EditTopic updates topic config locally, persists it and broadcasts it.
func (e *Engine) EditTopic(name string, config pubsub.TopicConfig) error {
	e.registry.EditTopic(name, config)
	if err := e.store.UpsertTopic(name, config); err != nil {
		return fmt.Errorf("failed to persist topic %s: %w", name, err)
	}
	return e.link.PublishEvent(&cluster.ConfigEvent{
		Type:        cluster.EventTopicEdit,
		TopicName:   name,
		TopicConfig: config,
	})
}

// RenameTopic renames the topic locally, repoints the persisted topic and
// subscription rows and broadcasts the change.
func (e *Engine) RenameTopic(oldName, newName string) error {
	e.registry.RenameTopic(oldName, newName)
	if err := e.store.RenameTopic(oldName, newName); err != nil {
		return fmt.Errorf("failed to persist rename of %s: %w", oldName, err)
	}
	return e.link.PublishEvent(&cluster.ConfigEvent{
		Type:         cluster.EventTopicRename,
		TopicName:    oldName,
		NewTopicName: newName,
	})
}

// DeleteTopic deletes the topic locally (cascading over its subscriptions),
// removes its durable rows and broadcasts the change.
func (e *Engine) DeleteTopic(name string) error {
	e.registry.DeleteTopic(name, e.unregisterLocal)
	if err := e.store.DeleteTopic(name); err != nil {
		return fmt.Errorf("failed to delete durable rows for %s: %w", name, err)
	}
	return e.link.PublishEvent(&cluster.ConfigEvent{
		Type:      cluster.EventTopicDelete,
		TopicName: name,
	})
}

// unregisterLocal tears down one subscription's local state during a
// cascading delete.
func (e *Engine) unregisterLocal(topicName string, sub *pubsub.Subscription) {
	if task, ok := e.tasks.Remove(sub.SubKey); ok {
		task.Stop()
		task.Clear()
	}
	e.routes.Delete(sub.SubKey)
	if err := e.store.DeleteSubscription(sub.SubKey); err != nil {
		log.Error().Err(err).Str("sub_key", sub.SubKey).Msg("Failed to delete subscription rows")
	}
}

// Subscribe registers a subscription, persists it, starts its delivery task
// on this process and broadcasts the change. A missing sub_key is minted.
func (e *Engine) Subscribe(sub *pubsub.Subscription) error {
	if sub.SubKey == "" {
		sub.SubKey = id.NewSubKey()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	if err := e.registry.Subscribe(sub); err != nil {
		return err
	}
	if err := e.store.UpsertSubscription(sub, e.link.ServerName()); err != nil {
		return fmt.Errorf("failed to persist subscription %s: %w", sub.SubKey, err)
	}
	e.routes.Set(sub.SubKey, e.link.ServerName(), sub.IsWSX)
	e.startTask(sub)

	return e.link.PublishEvent(&cluster.ConfigEvent{
		Type:         cluster.EventSubscriptionCreate,
		TopicName:    sub.TopicName,
		Subscription: sub,
	})
}

// Unsubscribe removes a subscription everywhere: registry, task table,
// durable rows, route table, then broadcasts the change. Unknown sub_key is
// a no-op.
func (e *Engine) Unsubscribe(subKey string) error {
	sub := e.registry.Unsubscribe(subKey)
	if sub == nil {
		return nil
	}
	e.unregisterLocal(sub.TopicName, sub)

	return e.link.PublishEvent(&cluster.ConfigEvent{
		Type:         cluster.EventSubscriptionDelete,
		TopicName:    sub.TopicName,
		Subscription: sub,
	})
}

func (e *Engine) startTask(sub *pubsub.Subscription) {
	topic, _ := e.registry.GetTopic(sub.TopicName)
	var hookName string
	opts := e.opts.TaskOptions
	if topic != nil {
		hookName = topic.Config.HookServiceName
		if topic.Config.DeliveryIntervalMS > 0 {
			opts.Interval = time.Duration(topic.Config.DeliveryIntervalMS) * time.Millisecond
		}
	}

	transport := delivery.ForSubscription(sub, e.rest, e.service)
	task := delivery.NewTask(sub, e.store, transport, e.registry.Hooks(), hookName, opts)
	e.tasks.Put(task)
	task.Start()
}

// GetMessages is the pull surface: it drains buffered non-GD messages and
// fetches (claiming) a durable batch. Claimed messages must be acknowledged
// or they reappear after the claim lease expires.
func (e *Engine) GetMessages(subKey string, batchSize int) ([]*pubsub.Message, error) {
	sub, ok := e.registry.GetSubscription(subKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, subKey)
	}
	if sub.DeliveryType != pubsub.DeliveryPull {
		return nil, fmt.Errorf("%w: %s", ErrNotPullEnabled, subKey)
	}

	var out []*pubsub.Message
	if task, ok := e.tasks.Get(subKey); ok {
		out = task.DrainNonGD(batchSize)
	}

	if sub.HasGD {
		msgs, err := e.store.FetchBatch([]string{subKey}, time.Time{}, time.Now().UTC(), nil, batchSize)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// AcknowledgeDelivery marks pulled messages as delivered.
func (e *Engine) AcknowledgeDelivery(subKey string, msgIDs []string) error {
	if _, ok := e.registry.GetSubscription(subKey); !ok {
		return fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, subKey)
	}
	return e.store.Acknowledge(subKey, msgIDs, time.Now().UTC())
}

// GetQueueDepth reports outstanding durable messages for a subscription.
func (e *Engine) GetQueueDepth(subKey string) (int, error) {
	if _, ok := e.registry.GetSubscription(subKey); !ok {
		return 0, fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, subKey)
	}
	depth, err := e.store.QueueDepth(subKey)
	if err == nil {
		telemetry.QueueDepth.With(subKey).Set(float64(depth))
	}
	return depth, err
}

// MigrateDeliveryTask moves a subscription's delivery task to target.
func (e *Engine) MigrateDeliveryTask(subKey, target string) error {
	if e.migrator == nil {
		return errors.New("migration is not available: cluster link not attached")
	}
	return e.migrator.Migrate(subKey, target)
}

// HandleEvent applies a remote configuration event. The event type set is
// closed; anything else got rejected at decode time.
func (e *Engine) HandleEvent(ev *cluster.ConfigEvent) {
	switch ev.Type {
	case cluster.EventTopicCreate:
		e.registry.CreateTopic(ev.TopicName, ev.TopicConfig)
	case cluster.EventTopicEdit:
		e.registry.EditTopic(ev.TopicName, ev.TopicConfig)
	case cluster.EventTopicRename:
		e.registry.RenameTopic(ev.TopicName, ev.NewTopicName)
	case cluster.EventTopicDelete:
		// Durable rows are cleaned up by the origin; locally only tasks and
		// routes are torn down.
		e.registry.DeleteTopic(ev.TopicName, func(_ string, sub *pubsub.Subscription) {
			if task, ok := e.tasks.Remove(sub.SubKey); ok {
				task.Stop()
				task.Clear()
			}
			e.routes.Delete(sub.SubKey)
		})
	case cluster.EventSubscriptionCreate:
		if ev.Subscription == nil {
			log.Error().Msg("Subscription create event without payload, ignoring")
			return
		}
		if err := e.registry.Subscribe(ev.Subscription); err != nil {
			log.Error().Err(err).Str("sub_key", ev.Subscription.SubKey).Msg("Failed to apply remote subscription")
			return
		}
		// The origin runs the delivery task; this process only routes.
		e.routes.Set(ev.Subscription.SubKey, ev.Origin, ev.Subscription.IsWSX)
	case cluster.EventSubscriptionDelete:
		if ev.Subscription == nil {
			log.Error().Msg("Subscription delete event without payload, ignoring")
			return
		}
		if sub := e.registry.Unsubscribe(ev.Subscription.SubKey); sub != nil {
			if task, ok := e.tasks.Remove(sub.SubKey); ok {
				task.Stop()
				task.Clear()
			}
			e.routes.Delete(sub.SubKey)
		}
	default:
		log.Error().Str("type", string(ev.Type)).Msg("Configuration event outside the closed type set")
	}
}

// OnTaskStopping serves the synchronous leg of an incoming migration: this
// process stops routing non-GD traffic toward the moving task and
// acknowledges. GD traffic needs no pause; the claim lease serializes it.
func (e *Engine) OnTaskStopping(subKey string) error {
	e.routes.Delete(subKey)
	log.Info().Str("sub_key", subKey).Msg("Paused routing for migrating subscription")
	return nil
}

// OnTaskCreate starts the delivery task for a subscription migrated to this
// process. The subscription may have been deleted while the migration was in
// flight; that is a refusal, not a crash.
func (e *Engine) OnTaskCreate(subKey string) error {
	sub, ok := e.registry.GetSubscription(subKey)
	if !ok {
		return fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, subKey)
	}
	e.startTask(sub)
	e.routes.Set(subKey, e.link.ServerName(), sub.IsWSX)
	if err := e.store.SetDeliveryServer(subKey, e.link.ServerName(), sub.IsWSX); err != nil {
		return fmt.Errorf("failed to record delivery server: %w", err)
	}
	log.Info().Str("sub_key", subKey).Msg("Accepted migrated delivery task")
	return nil
}

// OnForwarded accepts a non-GD message forwarded by another process.
func (e *Engine) OnForwarded(subKey string, msg *pubsub.Message) {
	if task, ok := e.tasks.Get(subKey); ok {
		task.Push(msg)
		return
	}
	log.Debug().Str("sub_key", subKey).Msg("Forwarded message for unknown task, dropping")
}

// Recover rebuilds the in-memory topology from the durable store after a
// process restart: topics and subscriptions go back into the registry, the
// route table is reloaded from the persisted delivery server assignments,
// and delivery tasks are restarted for every subscription this server owns.
// Without it a restarted server would sit on its GD backlog forever.
func (e *Engine) Recover() error {
	topics, err := e.store.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to load persisted topics: %w", err)
	}
	for _, rec := range topics {
		e.registry.CreateTopic(rec.Name, rec.Config)
	}

	subs, err := e.store.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("failed to load persisted subscriptions: %w", err)
	}
	restarted := 0
	for _, rec := range subs {
		if err := e.registry.Subscribe(rec.Sub); err != nil {
			log.Error().Err(err).Str("sub_key", rec.Sub.SubKey).Msg("Skipping unrecoverable subscription")
			continue
		}
		if rec.ServerName != "" {
			e.routes.Set(rec.Sub.SubKey, rec.ServerName, rec.Sub.IsWSX)
		}
		if rec.ServerName == e.link.ServerName() {
			e.startTask(rec.Sub)
			restarted++
		}
	}

	log.Info().
		Int("topics", len(topics)).
		Int("subscriptions", len(subs)).
		Int("tasks_restarted", restarted).
		Msg("Recovered topology from durable store")
	return nil
}

// Shutdown stops every delivery task.
func (e *Engine) Shutdown() {
	e.tasks.StopAll()
}

// Registry exposes the topic/subscription registry.
func (e *Engine) Registry() *pubsub.Registry {
	return e.registry
}
