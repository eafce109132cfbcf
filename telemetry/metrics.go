package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for the publish path (permission check + hook + enqueue)
	PublishBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// DeliverBuckets for delivery attempts (network call to the subscriber)
	DeliverBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// SweepBuckets for retention sweep execution
	SweepBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

	// BatchSizeBuckets for messages per delivery batch
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250}
)

// Publish path metrics
var (
	// PublishTotal counts publish requests by result (ok, denied, vetoed, error)
	PublishTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures publish latency
	PublishDurationSeconds Histogram = NoopStat{}

	// FanoutMessagesTotal counts per-subscription queue entries created by durability (gd, non_gd)
	FanoutMessagesTotal CounterVec = noopCounterVec{}

	// HookVetoesTotal counts hook vetoes by point (before_publish, before_delivery)
	HookVetoesTotal CounterVec = noopCounterVec{}
)

// Delivery metrics
var (
	// DeliveriesTotal counts delivery attempts by durability and result (success, failed)
	DeliveriesTotal CounterVec = noopCounterVec{}

	// DeliveryDurationSeconds measures delivery attempt latency
	DeliveryDurationSeconds Histogram = NoopStat{}

	// DeliveryBatchSize measures messages per delivered batch
	DeliveryBatchSize Histogram = NoopStat{}

	// NonGDDroppedTotal counts non-GD messages dropped after exhausting retries
	NonGDDroppedTotal Counter = NoopStat{}

	// ActiveTasks tracks delivery tasks currently registered on this process
	ActiveTasks Gauge = NoopStat{}

	// QueueDepth tracks not-yet-delivered GD rows per subscription
	QueueDepth GaugeVec = noopGaugeVec{}
)

// Queue store metrics
var (
	// EnqueueTotal counts enqueue calls by result (ok, duplicate, error)
	EnqueueTotal CounterVec = noopCounterVec{}

	// AcknowledgeTotal counts acknowledged messages
	AcknowledgeTotal Counter = NoopStat{}

	// SweepDeletedTotal counts rows removed by retention sweeps, by kind
	SweepDeletedTotal CounterVec = noopCounterVec{}

	// SweepDurationSeconds measures sweep execution time by kind
	SweepDurationSeconds HistogramVec = noopHistogramVec{}

	// SweepErrorsTotal counts sweep iterations that failed and were retried
	SweepErrorsTotal CounterVec = noopCounterVec{}
)

// Cluster metrics
var (
	// ConfigEventsTotal counts configuration events processed, by type
	ConfigEventsTotal CounterVec = noopCounterVec{}

	// MigrationsTotal counts migrations by result (completed, aborted)
	MigrationsTotal CounterVec = noopCounterVec{}

	// MigrationFanoutSeconds measures the synchronous stopping broadcast duration
	MigrationFanoutSeconds Histogram = NoopStat{}

	// ForwardedMessagesTotal counts non-GD messages forwarded to remote owners
	ForwardedMessagesTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	PublishTotal = NewCounterVec(
		"publish_total",
		"Publish requests by result",
		[]string{"result"},
	)
	PublishDurationSeconds = NewHistogramWithBuckets(
		"publish_duration_seconds",
		"Publish path duration in seconds",
		PublishBuckets,
	)
	FanoutMessagesTotal = NewCounterVec(
		"fanout_messages_total",
		"Per-subscription queue entries created by durability",
		[]string{"durability"},
	)
	HookVetoesTotal = NewCounterVec(
		"hook_vetoes_total",
		"Messages vetoed by hooks, by invocation point",
		[]string{"point"},
	)

	DeliveriesTotal = NewCounterVec(
		"deliveries_total",
		"Delivery attempts by durability and result",
		[]string{"durability", "result"},
	)
	DeliveryDurationSeconds = NewHistogramWithBuckets(
		"delivery_duration_seconds",
		"Delivery attempt duration in seconds",
		DeliverBuckets,
	)
	DeliveryBatchSize = NewHistogramWithBuckets(
		"delivery_batch_size",
		"Messages per delivered batch",
		BatchSizeBuckets,
	)
	NonGDDroppedTotal = NewCounter(
		"non_gd_dropped_total",
		"Non-GD messages dropped after exhausting retries",
	)
	ActiveTasks = NewGauge(
		"active_tasks",
		"Delivery tasks registered on this process",
	)
	QueueDepth = NewGaugeVec(
		"queue_depth",
		"Not-yet-delivered GD rows per subscription",
		[]string{"sub_key"},
	)

	EnqueueTotal = NewCounterVec(
		"enqueue_total",
		"Enqueue calls by result",
		[]string{"result"},
	)
	AcknowledgeTotal = NewCounter(
		"acknowledge_total",
		"Messages acknowledged as delivered",
	)
	SweepDeletedTotal = NewCounterVec(
		"sweep_deleted_total",
		"Rows removed by retention sweeps",
		[]string{"kind"},
	)
	SweepDurationSeconds = NewHistogramVec(
		"sweep_duration_seconds",
		"Retention sweep duration in seconds",
		[]string{"kind"},
		SweepBuckets,
	)
	SweepErrorsTotal = NewCounterVec(
		"sweep_errors_total",
		"Failed sweep iterations (retried after sleep)",
		[]string{"kind"},
	)

	ConfigEventsTotal = NewCounterVec(
		"config_events_total",
		"Configuration events processed by type",
		[]string{"type"},
	)
	MigrationsTotal = NewCounterVec(
		"migrations_total",
		"Delivery task migrations by result",
		[]string{"result"},
	)
	MigrationFanoutSeconds = NewHistogramWithBuckets(
		"migration_fanout_seconds",
		"Synchronous stopping broadcast duration in seconds",
		DeliverBuckets,
	)
	ForwardedMessagesTotal = NewCounter(
		"forwarded_messages_total",
		"Non-GD messages forwarded to their owning process",
	)
}
