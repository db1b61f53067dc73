// LabFleet Core - Lab Fleet Controller
//
// This is the main entry point for the lab fleet controller. It
// coordinates a bench of microcontroller devices over MQTT:
//   - TDMA transmission slots and FDMA channel assignment
//   - A durable per-device command queue with delivery tracking
//   - Heartbeat-driven presence and a silence watchdog
//   - An HTTP API and WebSocket event stream for dashboards
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/davenr/labfleet-core/migrations"

	"github.com/davenr/labfleet-core/internal/api"
	"github.com/davenr/labfleet-core/internal/fleet"
	"github.com/davenr/labfleet-core/internal/infrastructure/config"
	"github.com/davenr/labfleet-core/internal/infrastructure/database"
	"github.com/davenr/labfleet-core/internal/infrastructure/logging"
	"github.com/davenr/labfleet-core/internal/infrastructure/mqtt"
	"github.com/davenr/labfleet-core/internal/infrastructure/telemetry"
	"github.com/davenr/labfleet-core/internal/uplink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting LabFleet Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var recorder fleet.Recorder = fleet.NopRecorder{}
	influxClient, err := telemetry.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
		log.Info("telemetry disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorder = &telemetryRecorder{client: influxClient}
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Assemble the fleet engine
	registry := fleet.NewSQLiteRegistry(db)
	plan, err := fleet.NewChannelPlan(cfg.Fleet.Channels)
	if err != nil {
		return fmt.Errorf("building channel plan: %w", err)
	}
	schedule := fleet.SlotSchedule{
		SlotSeconds: cfg.Fleet.TDMA.SlotSeconds,
		NumSlots:    cfg.Fleet.TDMA.NumSlots,
	}
	clock := fleet.SystemClock{}
	publisher := &brokerPublisher{client: mqttClient, logger: log}

	watchdog := fleet.NewWatchdog(
		registry,
		publisher,
		clock,
		recorder,
		log,
		cfg.WatchdogTimeout(),
		time.Duration(cfg.Fleet.Watchdog.GracePeriod)*time.Second,
	)
	manager := fleet.NewManager(registry, schedule, plan, publisher, clock, recorder, log, watchdog)
	log.Info("fleet engine initialised",
		"slot_seconds", schedule.SlotSeconds,
		"num_slots", schedule.NumSlots,
		"channels", len(cfg.Fleet.Channels),
		"watchdog_timeout", cfg.WatchdogTimeout(),
	)

	// Subscribe to device heartbeats and acks
	up := uplink.New(mqttClient, manager, log, byte(cfg.MQTT.QoS))
	if startErr := up.Start(ctx); startErr != nil {
		return fmt.Errorf("starting uplink: %w", startErr)
	}
	log.Info("uplink subscriptions active")

	// Start periodic watchdog sweeps. The sweep itself carries no timer;
	// cadence lives here.
	go sweepLoop(ctx, watchdog, cfg.SweepInterval(), log)

	// Start the HTTP API
	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Manager: manager,
		MQTT:    mqttClient,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("LabFleet Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses LABFLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LABFLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// sweepLoop runs the watchdog sweep on a fixed interval until the
// context is cancelled.
func sweepLoop(ctx context.Context, watchdog *fleet.Watchdog, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := watchdog.Sweep(ctx)
			if err != nil {
				log.Error("watchdog sweep failed", "error", err)
				continue
			}
			if flagged > 0 {
				log.Info("watchdog sweep flagged devices", "timed_out", flagged)
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *telemetry.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

// brokerPublisher adapts the infrastructure MQTT client to the fleet
// engine's Publisher interface. Channel-addressed events go to the
// channel topic; broadcasts go to the per-event topic that the API
// server relays to WebSocket clients.
type brokerPublisher struct {
	client *mqtt.Client
	logger *logging.Logger
}

// Publish implements fleet.Publisher.
func (p *brokerPublisher) Publish(event string, payload any, channel string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}

	if channel != "" {
		return p.client.PublishJSON(mqtt.Topics{}.Channel(channel), data)
	}
	return p.client.PublishJSON(mqtt.Topics{}.Event(event), data)
}

// JoinChannel implements fleet.Publisher. MQTT has no room semantics;
// devices subscribe to their channel topic themselves, so membership
// is only logged here.
func (p *brokerPublisher) JoinChannel(channel string) error {
	p.logger.Debug("device joined channel", "channel", channel)
	return nil
}

// telemetryRecorder adapts the InfluxDB client to the fleet engine's
// Recorder interface.
type telemetryRecorder struct {
	client *telemetry.Client
}

func (r *telemetryRecorder) RecordHeartbeat(deviceUID, slot, channel string) {
	r.client.WriteHeartbeat(deviceUID, slot, channel)
}

func (r *telemetryRecorder) RecordDispatch(deviceUID, command, channel string) {
	r.client.WriteCommandDispatched(deviceUID, command, channel)
}

func (r *telemetryRecorder) RecordAckLatency(deviceUID, command string, latency time.Duration) {
	r.client.WriteCommandLatency(deviceUID, command, latency)
}

func (r *telemetryRecorder) RecordTimeout(deviceUID string, silentFor time.Duration) {
	r.client.WriteTimeout(deviceUID, silentFor)
}
