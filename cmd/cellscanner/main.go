// cellscanner is the CellScanner client application.
//
// It supervises a cellscannerd worker, drives a scan through the worker's
// control channel and relays the drained events and measurements to the
// console, MQTT, InfluxDB and the local SQLite history journal. When the
// worker dies it reports why and, if configured, starts a fresh one.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TomW-Skyline/CellScanner-Service/internal/history"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/database"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/influxdb"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/logging"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/mqtt"
	"github.com/TomW-Skyline/CellScanner-Service/internal/relay"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
	"github.com/TomW-Skyline/CellScanner-Service/migrations"
)

// healthCheckTimeout bounds the startup sink checks.
const healthCheckTimeout = 10 * time.Second

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the sinks and drives the application until the run duration
// elapses or ctx is cancelled.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, stdout io.Writer) error {
	configPath := config.Path()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.NewWithWriter(stdout, cfg.Logging, "cellscanner", version)
	log.Info("starting cellscanner",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	sinks := []relay.Sink{relay.NewLogSink(log)}
	var checks []namedCheck

	if cfg.MQTT.Enabled {
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
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected, publishing paused until reconnect", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", mqttClient.ID(),
			"topics", mqttClient.Topics().All(),
		)
		sinks = append(sinks, relay.NewMQTTSink(mqttClient))
		checks = append(checks, namedCheck{"mqtt", mqttClient})
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		sinks = append(sinks, relay.NewInfluxSink(influxClient))
		checks = append(checks, namedCheck{"influxdb", influxClient})
	} else {
		log.Info("InfluxDB disabled")
	}

	var journal *history.SQLiteRepository
	var historySink *relay.HistorySink
	if cfg.Database.Enabled {
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		applied, err := db.Migrate(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("history database ready", "path", db.Path(), "migrations_applied", applied)

		journal = history.NewSQLiteRepository(db.DB)
		prepareHistory(ctx, cfg, journal, log)
		historySink = relay.NewHistorySink(journal)
		sinks = append(sinks, historySink)
		checks = append(checks, namedCheck{"database", db})
	} else {
		log.Info("history journal disabled")
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	r := relay.New(sinks...)
	r.SetLogger(log)

	a, err := newApp(cfg, configPath, log, r)
	if err != nil {
		return err
	}
	if journal != nil {
		a.useHistory(journal, historySink)
	}

	return a.Run(ctx)
}

// healthChecker is a sink connection that can verify itself.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type namedCheck struct {
	name    string
	checker healthChecker
}

// healthCheck verifies every enabled sink before the first worker starts.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, checks []namedCheck) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	for _, c := range checks {
		if err := c.checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// historyStore is the journal's read and maintenance side.
type historyStore interface {
	Sessions(ctx context.Context, limit int) ([]history.Session, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// prepareHistory prunes sessions past the retention window and logs how
// the previous run ended. Failures are logged; the journal stays usable.
func prepareHistory(ctx context.Context, cfg *config.Config, store historyStore, log *logging.Logger) {
	if retention := cfg.GetRetention(); retention > 0 {
		n, err := store.Prune(ctx, retention)
		if err != nil {
			log.Warn("history prune failed", "error", err)
		} else if n > 0 {
			log.Info("history pruned", "sessions", n, "retention", retention)
		}
	}

	sessions, err := store.Sessions(ctx, 1)
	if err != nil {
		log.Warn("reading previous session failed", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}
	prev := sessions[0]
	attrs := []any{"session", prev.ID, "token", prev.Token, "started", prev.StartedAt}
	if prev.ExitCode != nil {
		attrs = append(attrs, "exit_code", *prev.ExitCode, "meaning", scanner.DescribeExitCode(*prev.ExitCode))
	} else {
		attrs = append(attrs, "ended", "never (client died)")
	}
	log.Info("previous session", attrs...)
}
