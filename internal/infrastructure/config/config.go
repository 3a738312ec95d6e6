package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic app daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Location   LocationConfig             `yaml:"location"`
	Threads    ThreadConfig               `yaml:"threads"`
	Time       TimeConfig                 `yaml:"time"`
	Apps       AppsConfig                 `yaml:"apps"`
	Namespaces map[string]NamespaceConfig `yaml:"namespaces"`
	Plugins    map[string]PluginConfig    `yaml:"plugins"`
	Database   DatabaseConfig             `yaml:"database"`
	InfluxDB   InfluxDBConfig             `yaml:"influxdb"`
	Logging    LoggingConfig              `yaml:"logging"`
	Utility    UtilityConfig              `yaml:"utility"`
}

// LocationConfig contains geographic coordinates and timezone for solar
// calculations and local-time scheduling. Values left at zero may be filled
// in later from plugin metadata.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Elevation float64 `yaml:"elevation"`
	TimeZone  string  `yaml:"time_zone"`
}

// IsSet reports whether the location has been configured.
func (l LocationConfig) IsSet() bool {
	return l.TimeZone != "" && (l.Latitude != 0 || l.Longitude != 0)
}

// ThreadConfig tunes the worker pool and app pinning.
type ThreadConfig struct {
	// TotalThreads is the size of the worker pool. 0 means auto
	// (one thread per active app).
	TotalThreads int `yaml:"total_threads"`

	// PinApps pins apps to threads by default.
	PinApps *bool `yaml:"pin_apps"`

	// PinThreads is the size of the pinned subrange [0, PinThreads).
	// 0 with PinApps enabled means the whole pool.
	PinThreads int `yaml:"pin_threads"`

	// LoadDistribution selects the queue for unpinned jobs:
	// roundrobin, random or load.
	LoadDistribution string `yaml:"load_distribution"`

	// QueueSize bounds each worker's job queue.
	QueueSize int `yaml:"queue_size"`

	// DurationWarningThreshold is the long-callback alarm in seconds.
	DurationWarningThreshold int `yaml:"thread_duration_warning_threshold"`

	// QSizeWarningThreshold and friends tune the queue-depth alarm.
	QSizeWarningThreshold  int `yaml:"qsize_warning_threshold"`
	QSizeWarningStep       int `yaml:"qsize_warning_step"`
	QSizeWarningIterations int `yaml:"qsize_warning_iterations"`
}

// TimeConfig controls the virtual clock. StartTime/EndTime are naive local
// datetimes ("2006-01-02 15:04:05") interpreted in the configured timezone.
//
// TimeWarp semantics: 1 disables acceleration, values above or below 1
// scale virtual time against wall time, and 0 means infinite warp (the
// clock jumps straight to the next scheduled event).
type TimeConfig struct {
	StartTime string  `yaml:"starttime"`
	EndTime   string  `yaml:"endtime"`
	TimeWarp  float64 `yaml:"timewarp"`

	// MaxClockSkew is the tolerated drift in seconds before a warning.
	MaxClockSkew int `yaml:"max_clock_skew"`
}

// AppsConfig controls app discovery and lifecycle.
type AppsConfig struct {
	// Directory is scanned recursively for app config files.
	Directory string `yaml:"directory"`

	// ExcludeDirs are subdirectory names skipped during the scan.
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// ProductionMode disables change detection between utility ticks.
	ProductionMode bool `yaml:"production_mode"`
}

// NamespaceConfig sets the persistence mode for a user namespace.
type NamespaceConfig struct {
	// Writeback is one of "safe", "hybrid" or "" (ephemeral).
	Writeback string `yaml:"writeback"`
}

// PluginConfig configures one upstream plugin instance.
type PluginConfig struct {
	// Type selects the plugin implementation ("mqtt").
	Type string `yaml:"type"`

	// Namespace is the primary namespace the plugin owns.
	Namespace string `yaml:"namespace"`

	// ForceStart lets startup proceed even if the plugin cannot connect.
	ForceStart bool `yaml:"force_start"`

	// RefreshDelay is the period between complete-state re-fetches (seconds).
	RefreshDelay int `yaml:"refresh_delay"`

	// RefreshTimeout bounds a complete-state fetch (seconds).
	RefreshTimeout int `yaml:"refresh_timeout"`

	// MQTT holds broker settings for plugins of type "mqtt".
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TLS          bool   `yaml:"tls"`
	QoS          int    `yaml:"qos"`
	TopicPrefix  string `yaml:"topic_prefix"`
	EventTopic   string `yaml:"event_topic"`
	CommandTopic string `yaml:"command_topic"`
}

// DatabaseConfig contains SQLite snapshot store settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains the optional metrics sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// UtilityConfig tunes the supervisor loop.
type UtilityConfig struct {
	// Delay is the supervisor period in seconds.
	Delay int `yaml:"utility_delay"`

	// MaxSkew is the tolerated loop overrun in seconds before the
	// "excessive time in utility loop" warning.
	MaxSkew int `yaml:"max_utility_skew"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: APPD_SECTION_KEY
// For example: APPD_DATABASE_PATH, APPD_LOCATION_TIME_ZONE
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Threads: ThreadConfig{
			LoadDistribution:         "roundrobin",
			QueueSize:                100,
			DurationWarningThreshold: 10,
			QSizeWarningThreshold:    50,
			QSizeWarningStep:         60,
			QSizeWarningIterations:   10,
		},
		Time: TimeConfig{
			TimeWarp:     1,
			MaxClockSkew: 1,
		},
		Apps: AppsConfig{
			Directory:   "./apps",
			ExcludeDirs: []string{"__pycache__", "build"},
		},
		Database: DatabaseConfig{
			Path:        "./data/appd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Utility: UtilityConfig{
			Delay:   1,
			MaxSkew: 2,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("APPD_APPS_DIRECTORY"); v != "" {
		cfg.Apps.Directory = v
	}
	if v := os.Getenv("APPD_LOCATION_TIME_ZONE"); v != "" {
		cfg.Location.TimeZone = v
	}
	if v := os.Getenv("APPD_LOCATION_LATITUDE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Location.Latitude = f
		}
	}
	if v := os.Getenv("APPD_LOCATION_LONGITUDE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Location.Longitude = f
		}
	}
	if v := os.Getenv("APPD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Plugin metadata may still supply a missing location at startup, so
// location completeness is checked later by the plugin manager, not here.
func (c *Config) Validate() error {
	var errs []string

	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		errs = append(errs, "location.latitude must be -90 .. 90")
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		errs = append(errs, "location.longitude must be -180 .. 180")
	}
	if c.Location.TimeZone != "" {
		if _, err := time.LoadLocation(c.Location.TimeZone); err != nil {
			errs = append(errs, fmt.Sprintf("location.time_zone %q is not a valid IANA zone", c.Location.TimeZone))
		}
	}

	switch c.Threads.LoadDistribution {
	case "roundrobin", "random", "load":
	default:
		errs = append(errs, "threads.load_distribution must be roundrobin, random or load")
	}
	if c.Threads.TotalThreads < 0 {
		errs = append(errs, "threads.total_threads must not be negative")
	}
	if c.Threads.PinThreads < 0 {
		errs = append(errs, "threads.pin_threads must not be negative")
	}
	if c.Threads.TotalThreads > 0 && c.Threads.PinThreads > c.Threads.TotalThreads {
		errs = append(errs, "threads.pin_threads must not exceed threads.total_threads")
	}

	if c.Time.TimeWarp < 0 {
		errs = append(errs, "time.timewarp must not be negative")
	}
	if c.Time.StartTime != "" {
		if _, err := time.Parse("2006-01-02 15:04:05", c.Time.StartTime); err != nil {
			errs = append(errs, "time.starttime must be formatted as 2006-01-02 15:04:05")
		}
	}
	if c.Time.EndTime != "" {
		if _, err := time.Parse("2006-01-02 15:04:05", c.Time.EndTime); err != nil {
			errs = append(errs, "time.endtime must be formatted as 2006-01-02 15:04:05")
		}
	}

	for name, ns := range c.Namespaces {
		switch ns.Writeback {
		case "", "safe", "hybrid":
		default:
			errs = append(errs, fmt.Sprintf("namespaces.%s.writeback must be safe, hybrid or empty", name))
		}
	}

	for name, p := range c.Plugins {
		if p.Type == "" {
			errs = append(errs, fmt.Sprintf("plugins.%s.type is required", name))
		}
		if p.Namespace == "" {
			errs = append(errs, fmt.Sprintf("plugins.%s.namespace is required", name))
		}
	}

	if c.Utility.Delay < 1 {
		errs = append(errs, "utility.utility_delay must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PinApps reports the effective pin_apps setting (default true).
func (c *Config) PinApps() bool {
	if c.Threads.PinApps == nil {
		return true
	}
	return *c.Threads.PinApps
}

// EffectivePinThreads resolves the pinned subrange for a pool of the
// given size.
func (c *Config) EffectivePinThreads(total int) int {
	if !c.PinApps() {
		return c.Threads.PinThreads
	}
	if c.Threads.PinThreads == 0 || c.Threads.PinThreads > total {
		return total
	}
	return c.Threads.PinThreads
}

// UtilityDelay returns the supervisor period as a Duration.
func (c *Config) UtilityDelay() time.Duration {
	return time.Duration(c.Utility.Delay) * time.Second
}

// DurationWarningThreshold returns the long-callback alarm as a Duration.
func (c *Config) DurationWarningThreshold() time.Duration {
	return time.Duration(c.Threads.DurationWarningThreshold) * time.Second
}
