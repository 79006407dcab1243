// Printlink Core - printer connection and job dispatch service.
//
// printlinkd discovers attached 3D printers (USB serial, network and
// simulated), keeps one send queue per printer and streams print jobs to
// them. Jobs arrive over the local HTTP API or MQTT; printer state and
// transfer results are published back over WebSocket, MQTT, InfluxDB and
// the SQLite journal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/printlink-core/internal/api"
	"github.com/nerrad567/printlink-core/internal/app"
	"github.com/nerrad567/printlink-core/internal/bridge"
	"github.com/nerrad567/printlink-core/internal/comms"
	"github.com/nerrad567/printlink-core/internal/infrastructure/config"
	"github.com/nerrad567/printlink-core/internal/infrastructure/database"
	"github.com/nerrad567/printlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/printlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/printlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/printlink-core/internal/journal"
	"github.com/nerrad567/printlink-core/internal/printer"
	"github.com/nerrad567/printlink-core/internal/tasks"
	"github.com/nerrad567/printlink-core/internal/transport"
	"github.com/nerrad567/printlink-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// exitRestart tells the supervisor to start the freshly installed version.
const exitRestart = 3

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		if errors.Is(err, app.ErrRestartRequired) {
			os.Exit(exitRestart)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, app.ErrRestartRequired after an update,
//     or an error describing the failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Printlink Core",
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

	log = logging.New(cfg.Logging, version)

	db, err := database.Open(database.Config{
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
	if migrateErr := db.Migrate(ctx, migrations.FS, "."); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	applied, _, err := db.MigrationStatus(ctx, migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	schema := ""
	if len(applied) > 0 {
		schema = applied[len(applied)-1].Version
	}
	log.Info("database ready", "path", cfg.Database.Path, "schema_version", schema)

	journalRepo := journal.NewSQLiteRepository(db.DB)

	// MQTT and InfluxDB are optional sinks.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
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
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	controller := tasks.NewController()
	controller.SetLogger(log.Component("tasks"))

	manager, err := comms.NewManager(comms.Options{
		Discoverer: buildDiscoverer(cfg.Comms),
		Factory:    buildFactory(cfg.Comms, log),
		Tasks:      controller,
		Printer: printer.Options{
			QueueCapacity: cfg.Queue.Capacity,
			Retry: printer.RetryPolicy{
				MaxAttempts: cfg.Queue.Retry.MaxAttempts,
				Backoff:     cfg.Queue.Retry.Backoff,
			},
			SendTimeout: cfg.Comms.SendTimeout,
			Logger:      log.Component("printer"),
		},
		DiscoveryInterval: cfg.Comms.DiscoveryInterval,
		ConnectTimeout:    cfg.Comms.ConnectTimeout,
		Logger:            log.Component("comms"),
	})
	if err != nil {
		return fmt.Errorf("creating connection manager: %w", err)
	}

	var (
		presentation app.Presentation
		hub          *api.Hub
	)
	if cfg.API.Enabled {
		server, serverErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log.Component("api"),
			Registry: manager,
			Tasks:    controller,
			Journal:  journalRepo,
			Version:  version,
		})
		if serverErr != nil {
			return fmt.Errorf("creating API server: %w", serverErr)
		}
		hub = server.Hub()
		presentation = server
	} else {
		log.Info("API disabled")
	}

	bridgeOpts := bridge.Options{
		Source:  manager,
		Tasks:   controller,
		Journal: journalRepo,
		QoS:     byte(cfg.MQTT.QoS),
		Logger:  log.Component("bridge"),
	}
	// Only non-nil sinks are assigned so the interfaces stay nil.
	if hub != nil {
		bridgeOpts.Hub = hub
	}
	if mqttClient != nil {
		bridgeOpts.MQTT = mqttClient
	}
	if influxClient != nil {
		bridgeOpts.Metrics = influxClient
	}
	eventBridge, err := bridge.New(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating event bridge: %w", err)
	}

	core, err := app.New(app.Options{
		Updater:      app.NoUpdate{Version: version},
		Presentation: presentation,
		Comms:        manager,
		Bridge:       eventBridge,
		Tasks:        controller,
		GracePeriod:  cfg.Tasks.GracePeriod,
		Logger:       log.Component("core"),
	})
	if err != nil {
		return fmt.Errorf("creating core: %w", err)
	}

	runErr := core.Run(ctx)
	if runErr == nil {
		log.Info("initialisation complete, waiting for shutdown signal")
		<-ctx.Done()
		log.Info("shutdown signal received, cleaning up")
	}

	if check := core.CloseRequested(); check.Busy {
		log.Warn("shutting down with transfers in progress", "printers", check.Printers)
	}

	// ctx is already cancelled here; Stop bounds itself with the grace period.
	stopErr := core.Stop(context.Background())

	if err := errors.Join(runErr, stopErr); err != nil {
		return err
	}
	log.Info("Printlink Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PRINTLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PRINTLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildDiscoverer combines the enabled discovery sources.
func buildDiscoverer(cfg config.CommsConfig) transport.Discoverer {
	var sources []transport.Discoverer
	if cfg.Serial.Enabled {
		sources = append(sources, transport.NewSerialDiscoverer(cfg.BinariesDir, cfg.Serial.Detector, cfg.Serial.Patterns))
	}
	if cfg.Network.Enabled && len(cfg.Network.Printers) > 0 {
		sources = append(sources, &transport.NetworkDiscoverer{
			Addresses:    cfg.Network.Printers,
			ProbeTimeout: cfg.Network.ProbeTimeout,
		})
	}
	if len(cfg.Simulated) > 0 {
		candidates := make([]transport.Candidate, 0, len(cfg.Simulated))
		for _, sim := range cfg.Simulated {
			candidates = append(candidates, transport.Candidate{ID: sim.ID, Kind: transport.KindSimulated})
		}
		sources = append(sources, transport.NewStaticDiscoverer(candidates...))
	}
	return &transport.MultiDiscoverer{Sources: sources}
}

// buildFactory configures link construction for every printer kind.
func buildFactory(cfg config.CommsConfig, log *logging.Logger) transport.Factory {
	delays := make(map[string]time.Duration, len(cfg.Simulated))
	for _, sim := range cfg.Simulated {
		delays[sim.ID] = sim.Delay
	}
	return transport.NewFactory(transport.FactoryOptions{
		Link: transport.LinkOptions{
			ConnectTimeout: cfg.ConnectTimeout,
			AckTimeout:     cfg.AckTimeout,
			BaudRate:       cfg.Serial.BaudRate,
			Logger:         log.Component("transport"),
		},
		SimDelay: delays,
	})
}

// healthCheck verifies the infrastructure connections that were enabled.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (nil if disabled)
//   - influxClient: InfluxDB client to check (nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
