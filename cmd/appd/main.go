// Gray Logic App Daemon
//
// This is the main entry point for the Gray Logic app daemon: an
// event-driven automation host that runs user apps against a namespaced
// state store, a warp-capable scheduler and upstream protocol plugins.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/app"
	"github.com/nerrad567/gray-logic-appd/internal/astro"
	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/dispatch"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-appd/internal/plugin"
	"github.com/nerrad567/gray-logic-appd/internal/scheduler"
	"github.com/nerrad567/gray-logic-appd/internal/sequence"
	"github.com/nerrad567/gray-logic-appd/internal/service"
	"github.com/nerrad567/gray-logic-appd/internal/state"
	"github.com/nerrad567/gray-logic-appd/internal/supervisor"
	"github.com/nerrad567/gray-logic-appd/internal/worker"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/appd.yaml"

const datetimeLayout = "2006-01-02 15:04:05"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
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
	log.Info("starting Gray Logic app daemon",
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

	// Resolve timezone and the virtual clock. The timezone may still be
	// missing here; plugin metadata can supply it after startup.
	zone, err := configuredZone(cfg)
	if err != nil {
		return fmt.Errorf("resolving timezone: %w", err)
	}

	clk, err := buildClock(cfg, zone)
	if err != nil {
		return fmt.Errorf("building clock: %w", err)
	}
	if clk.IsRealtime() {
		log.Info("clock running in realtime")
	} else {
		log.Info("clock running warped",
			"start", clk.Now(),
			"warp", clk.Warp(),
		)
	}

	// Solar location, when configuration pins one. Otherwise the first
	// plugin with location metadata supplies it below.
	var sun *astro.Location
	if cfg.Location.IsSet() {
		sun, err = astro.NewLocation(cfg.Location.Latitude, cfg.Location.Longitude, cfg.Location.Elevation, zone)
		if err != nil {
			return fmt.Errorf("building solar location: %w", err)
		}
		log.Info("location configured",
			"latitude", cfg.Location.Latitude,
			"longitude", cfg.Location.Longitude,
			"time_zone", cfg.Location.TimeZone,
		)
	}

	// Open the snapshot database
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

	// State store with configured user namespaces, hydrated from disk
	store := state.New(state.Options{
		Clock:      clk,
		Repository: state.NewSQLRepository(db),
		Logger:     log.With("component", "state"),
	})
	for _, name := range sortedKeys(cfg.Namespaces) {
		wb := state.Writeback(cfg.Namespaces[name].Writeback)
		if err := store.AddNamespace(name, wb, false); err != nil {
			return fmt.Errorf("adding namespace %s: %w", name, err)
		}
	}
	if err := store.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrating state: %w", err)
	}
	log.Info("state store ready", "namespaces", strings.Join(store.ListNamespaces(), ","))

	// Worker pool; size defaults to one thread per active app
	total := cfg.Threads.TotalThreads
	if total == 0 {
		total, err = app.CountApps(cfg.Apps.Directory, cfg.Apps.ExcludeDirs)
		if err != nil {
			return fmt.Errorf("counting apps: %w", err)
		}
	}
	if total < 1 {
		total = 1
	}
	pinThreads := cfg.EffectivePinThreads(total)

	pool := worker.New(worker.Options{
		TotalThreads: total,
		PinThreads:   pinThreads,
		Distribution: worker.Distribution(cfg.Threads.LoadDistribution),
		QueueSize:    cfg.Threads.QueueSize,
		Logger:       log.With("component", "worker"),
		Now:          clk.Now,
	})
	pool.Start()
	log.Info("worker pool started", "threads", total, "pin_threads", pinThreads)

	futures := worker.NewFutures()
	registry := callback.NewRegistry(log.With("component", "callback"))

	sched := scheduler.New(scheduler.Options{
		Clock:        clk,
		Sun:          sun,
		Logger:       log.With("component", "scheduler"),
		Admin:        supervisor.NewTimerMirror(store, log.With("component", "scheduler")),
		MaxClockSkew: time.Duration(cfg.Time.MaxClockSkew) * time.Second,
	})

	dispatcher := dispatch.New(dispatch.Options{
		Registry:  registry,
		Scheduler: sched,
		Pool:      pool,
		Store:     store,
		Clock:     clk,
		Logger:    log.With("component", "dispatch"),
	})
	sched.SetDispatch(dispatcher.HandleTimer)
	store.SetNotifier(dispatcher.OnStateChange)

	// Feed log records to log callbacks through the event pipeline
	log.SetSink(func(rec logging.Record) {
		dispatcher.FireEvent(state.NamespaceAdmin, dispatch.EventLog, map[string]any{
			"app_name": rec.Source,
			"log_type": rec.Source,
			"level":    rec.Level.String(),
			"message":  rec.Message,
			"ts":       rec.Time,
		})
	})
	defer log.SetSink(nil)

	services := service.NewRegistry(service.Options{
		Futures: futures,
		Sink:    dispatcher.FireEvent,
		Logger:  log.With("component", "service"),
	})
	if err := service.RegisterStateServices(services, store); err != nil {
		return fmt.Errorf("registering state services: %w", err)
	}

	sequences := sequence.New(sequence.Options{
		Store:    store,
		Services: services,
		Waiter:   dispatcher,
		Clock:    clk,
		Logger:   log.With("component", "sequence"),
	})
	if err := service.RegisterSequenceServices(services, sequences); err != nil {
		return fmt.Errorf("registering sequence services: %w", err)
	}

	// Plugins connect upstream systems; Start blocks until every plugin
	// without force_start has connected
	plugins := plugin.New(plugin.Options{
		Store:      store,
		Bus:        dispatcher,
		Writebacks: namespaceWritebacks(cfg),
		Logger:     log.With("component", "plugin"),
	})
	if err := registerPlugins(plugins, cfg, log); err != nil {
		return fmt.Errorf("registering plugins: %w", err)
	}
	if err := plugins.Start(ctx); err != nil {
		return fmt.Errorf("starting plugins: %w", err)
	}
	// Covers error-path returns; the ordered shutdown below stops
	// plugins first and this repeat call is a no-op.
	defer plugins.Stop()

	// Fall back to plugin metadata when configuration carries no location
	if sun == nil {
		sun, err = plugins.ResolveLocation()
		if err != nil {
			if errors.Is(err, plugin.ErrMissingLocation) {
				return fmt.Errorf("no location in config or plugin metadata; sun scheduling needs one: %w", err)
			}
			return fmt.Errorf("resolving location: %w", err)
		}
		clk.SetLocation(sun.Zone())
		sched.SetSun(sun)
		log.Info("location resolved from plugin metadata", "time_zone", sun.Zone().String())
	}

	// InfluxDB metrics sink (optional)
	var influxClient *influxdb.Client
	var metrics supervisor.MetricsSink
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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
		metrics = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// App manager loads, orders and initialises the user apps
	apps := app.NewManager(app.Options{
		Config:     cfg.Apps,
		PinApps:    cfg.PinApps(),
		PinThreads: pinThreads,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Services:   services,
		Store:      store,
		Sequences:  sequences,
		Plugins:    plugins,
		Futures:    futures,
		Clock:      clk,
		Logger:     log.With("component", "apps"),
		LoggerFor: func(name string) app.Logger {
			return log.With("app", name)
		},
	})
	dispatcher.SetApps(apps)
	if err := apps.Start(ctx); err != nil {
		return fmt.Errorf("starting apps: %w", err)
	}
	log.Info("apps initialised", "active", apps.ActiveCount())

	sup := supervisor.New(supervisor.Options{
		Clock:                    clk,
		Pool:                     pool,
		Store:                    store,
		Apps:                     apps,
		Plugins:                  plugins,
		Metrics:                  metrics,
		Delay:                    cfg.UtilityDelay(),
		MaxSkew:                  time.Duration(cfg.Utility.MaxSkew) * time.Second,
		DurationWarningThreshold: cfg.DurationWarningThreshold(),
		QSizeWarningThreshold:    cfg.Threads.QSizeWarningThreshold,
		QSizeWarningStep:         cfg.Threads.QSizeWarningStep,
		QSizeWarningIterations:   cfg.Threads.QSizeWarningIterations,
		Logger:                   log.With("component", "supervisor"),
	})

	// Run loops share one context so shutdown stops them together. The
	// scheduler drains due entries before returning.
	runCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(runCtx) }()
	go func() { _ = dispatcher.Run(runCtx) }()
	go func() { _ = sup.Run(runCtx) }()

	// SIGUSR1 dumps diagnostics, SIGHUP forces a full app reload
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGUSR1:
					dumpDiagnostics(log, sched, registry, pool, sun, clk)
				case syscall.SIGHUP:
					log.Info("SIGHUP received, forcing app reload")
					sup.ForceReload()
				}
			}
		}
	}()

	log.Info("initialisation complete")

	// Wait for a shutdown signal or the simulation end time
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-schedDone:
		if err != nil {
			log.Error("scheduler stopped", "error", err)
		} else {
			log.Info("scheduler finished, cleaning up")
		}
	}

	// Plugins stop first so no new inputs arrive, apps terminate while
	// workers still run, then the loops stop and the pool drains
	log.Info("stopping plugins")
	plugins.Stop()
	apps.Stop()
	stopLoops()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := pool.Stop(stopCtx); err != nil {
		log.Warn("worker pool did not drain cleanly", "error", err)
	}
	if err := store.SaveDirty(stopCtx); err != nil {
		log.Error("final state save failed", "error", err)
	}

	log.Info("Gray Logic app daemon stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses the APPD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("APPD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// configuredZone loads the configured timezone, or nil when none is set.
func configuredZone(cfg *config.Config) (*time.Location, error) {
	if cfg.Location.TimeZone == "" {
		return nil, nil
	}
	return time.LoadLocation(cfg.Location.TimeZone)
}

// buildClock constructs the daemon clock from the time section. Start
// and end times are naive local datetimes in the configured timezone.
func buildClock(cfg *config.Config, zone *time.Location) (*clock.Clock, error) {
	parseZone := zone
	if parseZone == nil {
		parseZone = time.Local
	}

	var start, end time.Time
	var err error
	if cfg.Time.StartTime != "" {
		start, err = time.ParseInLocation(datetimeLayout, cfg.Time.StartTime, parseZone)
		if err != nil {
			return nil, fmt.Errorf("parsing starttime: %w", err)
		}
	}
	if cfg.Time.EndTime != "" {
		end, err = time.ParseInLocation(datetimeLayout, cfg.Time.EndTime, parseZone)
		if err != nil {
			return nil, fmt.Errorf("parsing endtime: %w", err)
		}
	}

	return clock.New(clock.Config{
		Start:    start,
		End:      end,
		Warp:     cfg.Time.TimeWarp,
		Location: zone,
	}), nil
}

// registerPlugins instantiates and registers every configured plugin,
// in name order so namespace ownership is deterministic.
func registerPlugins(m *plugin.Manager, cfg *config.Config, log *logging.Logger) error {
	for _, name := range sortedKeys(cfg.Plugins) {
		pcfg := cfg.Plugins[name]
		switch pcfg.Type {
		case "mqtt":
			p := plugin.NewMQTT(plugin.MQTTOptions{
				Name:      name,
				Namespace: pcfg.Namespace,
				Config:    pcfg.MQTT,
				Logger:    log.With("component", "plugin", "plugin", name),
			})
			if err := m.Register(p, pcfg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("plugin %s: unknown type %q", name, pcfg.Type)
		}
	}
	return nil
}

// namespaceWritebacks maps configured namespaces to persistence modes
// for namespaces created by plugins at startup.
func namespaceWritebacks(cfg *config.Config) map[string]state.Writeback {
	out := make(map[string]state.Writeback, len(cfg.Namespaces))
	for name, ns := range cfg.Namespaces {
		out[name] = state.Writeback(ns.Writeback)
	}
	return out
}

// dumpDiagnostics logs the scheduler, callback and thread state, one
// line per entry.
func dumpDiagnostics(log *logging.Logger, sched *scheduler.Scheduler, registry *callback.Registry, pool *worker.Pool, sun *astro.Location, clk *clock.Clock) {
	now := clk.Now()
	log.Info("diagnostics dump", "now", now, "realtime", clk.IsRealtime())
	if sun != nil {
		log.Info("sun", "next_sunrise", sun.NextSunrise(now), "next_sunset", sun.NextSunset(now))
	}
	for _, line := range sched.Dump() {
		log.Info("schedule", "entry", line)
	}
	for _, line := range registry.Dump() {
		log.Info("callback", "entry", line)
	}
	for _, line := range pool.Dump() {
		log.Info("thread", "entry", line)
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
