package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// BrokerConfiguration controls the cluster broker connection.
// Configuration events, migration RPCs and non-GD forwards all ride NATS.
type BrokerConfiguration struct {
	URL              string `toml:"url"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"` // Per-RPC timeout for request/reply calls
	HelloIntervalS   int    `toml:"hello_interval_seconds"`
}

// DeliveryConfiguration tunes per-subscription delivery tasks.
type DeliveryConfiguration struct {
	BatchSize       int     `toml:"batch_size"`         // Messages fetched per cycle
	PollIntervalMS  int     `toml:"poll_interval_ms"`   // Idle wake interval
	NonGDRetryLimit int     `toml:"non_gd_retry_limit"` // Attempts before a non-GD message is dropped (0 = drop on first failure)
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// QueueConfiguration controls the durable queue store.
type QueueConfiguration struct {
	BusyTimeoutMS     int `toml:"busy_timeout_ms"`
	ClaimLeaseMS      int `toml:"claim_lease_ms"`     // How long a fetched-for-delivery row stays invisible to other processes
	CompressThreshold int `toml:"compress_threshold"` // Payloads above this many bytes are stored s2-compressed
}

// RetentionConfiguration controls the background cleanup sweeps.
type RetentionConfiguration struct {
	SweepIntervalS int `toml:"sweep_interval_seconds"`
}

// MigrationConfiguration controls the delivery task migration protocol.
type MigrationConfiguration struct {
	FanoutTimeoutMS int `toml:"fanout_timeout_ms"` // Bound on the synchronous stopping broadcast; timeout = abort
}

// AdminConfiguration for the HTTP API.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID     uint64 `toml:"node_id"`
	ServerName string `toml:"server_name"` // Routing identity; derived from node ID when empty
	ClusterID  string `toml:"cluster_id"`
	DataDir    string `toml:"data_dir"`

	Broker     BrokerConfiguration     `toml:"broker"`
	Delivery   DeliveryConfiguration   `toml:"delivery"`
	Queue      QueueConfiguration      `toml:"queue"`
	Retention  RetentionConfiguration  `toml:"retention"`
	Migration  MigrationConfiguration  `toml:"migration"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	ClusterIDFlag  = flag.String("cluster-id", "", "Cluster ID (overrides config)")
	BrokerURLFlag  = flag.String("broker-url", "", "NATS broker URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:    0, // Auto-generate
	ClusterID: "default",
	DataDir:   "./packrat-data",

	Broker: BrokerConfiguration{
		URL:              "nats://127.0.0.1:4222",
		RequestTimeoutMS: 5000,
		HelloIntervalS:   10,
	},

	Delivery: DeliveryConfiguration{
		BatchSize:       100,
		PollIntervalMS:  500,
		NonGDRetryLimit: 3,
		RetryInitialMS:  100,
		RetryMaxMS:      30000,
		RetryMultiplier: 2.0,
	},

	Queue: QueueConfiguration{
		BusyTimeoutMS:     5000,
		ClaimLeaseMS:      30000,
		CompressThreshold: 4096,
	},

	Retention: RetentionConfiguration{
		SweepIntervalS: 60,
	},

	Migration: MigrationConfiguration{
		FanoutTimeoutMS: 5000,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *ClusterIDFlag != "" {
		Config.ClusterID = *ClusterIDFlag
	}
	if *BrokerURLFlag != "" {
		Config.Broker.URL = *BrokerURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Server name is the routing identity every other process sees in the
	// sub_key -> server table; it must be stable across restarts.
	if Config.ServerName == "" {
		Config.ServerName = fmt.Sprintf("packrat-%x", Config.NodeID)
		log.Info().Str("server_name", Config.ServerName).Msg("Derived server name from node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("packrat")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.ClusterID == "" {
		return fmt.Errorf("cluster_id must not be empty")
	}

	if Config.Broker.URL == "" {
		return fmt.Errorf("broker url must not be empty")
	}

	if Config.Broker.RequestTimeoutMS < 1 {
		return fmt.Errorf("broker request timeout must be >= 1ms")
	}

	if Config.Delivery.BatchSize < 1 {
		return fmt.Errorf("delivery batch size must be >= 1")
	}

	if Config.Delivery.PollIntervalMS < 1 {
		return fmt.Errorf("delivery poll interval must be >= 1ms")
	}

	if Config.Delivery.NonGDRetryLimit < 0 {
		return fmt.Errorf("non-GD retry limit must be >= 0")
	}

	if Config.Delivery.RetryMultiplier < 1 {
		return fmt.Errorf("delivery retry multiplier must be >= 1")
	}

	if Config.Queue.BusyTimeoutMS < 1 {
		return fmt.Errorf("queue busy timeout must be >= 1ms")
	}

	if Config.Queue.ClaimLeaseMS < 1 {
		return fmt.Errorf("queue claim lease must be >= 1ms")
	}

	if Config.Queue.CompressThreshold < 0 {
		return fmt.Errorf("queue compress threshold must be >= 0")
	}

	if Config.Retention.SweepIntervalS < 1 {
		return fmt.Errorf("retention sweep interval must be >= 1 second")
	}

	if Config.Migration.FanoutTimeoutMS < 1 {
		return fmt.Errorf("migration fanout timeout must be >= 1ms")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
