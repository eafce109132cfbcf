package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/packrat-mq/packrat/admin"
	"github.com/packrat-mq/packrat/cfg"
	"github.com/packrat-mq/packrat/cluster"
	"github.com/packrat-mq/packrat/delivery"
	"github.com/packrat-mq/packrat/engine"
	"github.com/packrat-mq/packrat/hlc"
	"github.com/packrat-mq/packrat/id"
	"github.com/packrat-mq/packrat/pubsub"
	"github.com/packrat-mq/packrat/queue"
	"github.com/packrat-mq/packrat/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Packrat - Distributed Pub/Sub Delivery Engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Durable queue store
	storePath := filepath.Join(cfg.Config.DataDir, "packrat.db")
	store, err := queue.NewStore(storePath, cfg.Config.ClusterID, queue.Options{
		BusyTimeoutMS:     cfg.Config.Queue.BusyTimeoutMS,
		ClaimLease:        time.Duration(cfg.Config.Queue.ClaimLeaseMS) * time.Millisecond,
		CompressThreshold: cfg.Config.Queue.CompressThreshold,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open queue store")
		return
	}
	defer store.Close()

	// Retention sweeps
	sweepers := queue.NewSweepers(store, time.Duration(cfg.Config.Retention.SweepIntervalS)*time.Second)
	for _, sw := range sweepers {
		sw.Start()
	}
	defer func() {
		for _, sw := range sweepers {
			sw.Stop()
		}
	}()

	// Cluster broker
	broker, err := cluster.NewBroker(
		cfg.Config.Broker.URL,
		cfg.Config.ClusterID,
		cfg.Config.ServerName,
		time.Duration(cfg.Config.Broker.HelloIntervalS)*time.Second,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to cluster broker")
		return
	}
	defer broker.Close()

	// Engine
	clock := hlc.NewClock(cfg.Config.NodeID)
	registry := pubsub.NewRegistry(pubsub.NewHookRegistry())
	routes := cluster.NewRouteTable()
	eng := engine.New(registry, store, routes, broker, id.NewHLCGenerator(clock), engine.Options{
		TaskOptions: delivery.Options{
			Interval:        time.Duration(cfg.Config.Delivery.PollIntervalMS) * time.Millisecond,
			BatchSize:       cfg.Config.Delivery.BatchSize,
			RetryInitial:    time.Duration(cfg.Config.Delivery.RetryInitialMS) * time.Millisecond,
			RetryMax:        time.Duration(cfg.Config.Delivery.RetryMaxMS) * time.Millisecond,
			RetryMultiplier: cfg.Config.Delivery.RetryMultiplier,
			NonGDRetryLimit: cfg.Config.Delivery.NonGDRetryLimit,
		},
	})
	defer eng.Shutdown()

	// Migration coordinator
	migrator := cluster.NewMigrator(
		broker,
		eng.Tasks(),
		store,
		routes,
		registry,
		eng,
		cfg.Config.ServerName,
		time.Duration(cfg.Config.Migration.FanoutTimeoutMS)*time.Millisecond,
	)
	eng.SetMigrator(migrator)

	// Rebuild topology and restart owned delivery tasks after a restart.
	if err := eng.Recover(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover persisted topology")
		return
	}

	// Cluster wiring: config events, migration RPCs, non-GD forwards
	if err := broker.SubscribeEvents(eng.HandleEvent); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to configuration events")
		return
	}
	if err := broker.HandleTaskStopping(eng.OnTaskStopping); err != nil {
		log.Fatal().Err(err).Msg("Failed to serve task-stopping requests")
		return
	}
	if err := broker.HandleTaskCreate(eng.OnTaskCreate); err != nil {
		log.Fatal().Err(err).Msg("Failed to serve task-create requests")
		return
	}
	if err := broker.SubscribeForward(eng.OnForwarded); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to forwarded messages")
		return
	}

	// Admin API
	if cfg.Config.Admin.Enabled {
		adminServer := admin.NewServer(eng, cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		go func() {
			if err := adminServer.Start(); err != nil {
				log.Fatal().Err(err).Msg("Admin API failed")
			}
		}()
		defer adminServer.Close()
	}

	log.Info().Msg("Packrat started successfully")
	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("server_name", cfg.Config.ServerName).
		Str("cluster", cfg.Config.ClusterID).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	// Keep running
	select {}
}
