package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "configuration.yaml"

// Defaults
const (
	DefaultServerPort   = 8081
	DefaultDatabaseFile = "garagecover.db"
	DefaultTopicPrefix  = "garagecover"
	DefaultClientID     = "garagecover"
	DefaultQoS          = 1
	DefaultScanInterval = 300
	DefaultLogLevel     = "info"
)

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ServerPort int `yaml:"server_port"`
}

// DatabaseConfig configures the config entry store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig configures the optional state publisher. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// Enabled reports whether a broker is configured.
func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

// InfluxDBConfig configures the optional state history writer.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// PollingConfig holds the entity poll interval in seconds.
type PollingConfig struct {
	ScanInterval int `yaml:"scan_interval"`
}

// Interval returns the scan interval as a duration.
func (c PollingConfig) Interval() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}

// LoggingConfig holds the zap level name.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config represents the configuration.yaml structure
type Config struct {
	// Cover holds the legacy `cover:` platform list, passed as-is to the hub
	Cover    interface{}    `yaml:"cover"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Polling  PollingConfig  `yaml:"polling"`
	Logging  LoggingConfig  `yaml:"logging"`
	ReadOnly bool           `yaml:"read_only"`
	// Raw holds any other top-level component section (e.g. `aladdin_connect:`)
	Raw map[string]interface{} `yaml:",inline"`
}

// Components returns the component sections to hand to the hub, keyed by
// domain. `cover` is included when present.
func (c *Config) Components() map[string]interface{} {
	components := make(map[string]interface{}, len(c.Raw)+1)
	for domain, section := range c.Raw {
		components[domain] = section
	}
	if c.Cover != nil {
		components["cover"] = c.Cover
	}
	return components
}

// ComponentDomains returns the keys of Components, sorted with `cover` first.
func (c *Config) ComponentDomains() []string {
	components := c.Components()
	domains := make([]string, 0, len(components))
	for domain := range components {
		domains = append(domains, domain)
	}
	sort.Slice(domains, func(i, j int) bool {
		if domains[i] == "cover" || domains[j] == "cover" {
			return domains[i] == "cover"
		}
		return domains[i] < domains[j]
	})
	return domains
}

// Validate checks ranges that the YAML decoder cannot.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.ServerPort < 0 || c.HTTP.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("http.server_port %d out of range", c.HTTP.ServerPort))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Polling.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("polling.scan_interval must be positive, got %d", c.Polling.ScanInterval))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb requires url and bucket when enabled"))
	}
	if _, err := zapLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ZapLevel parses Logging.Level.
func (c *Config) ZapLevel() zap.AtomicLevel {
	level, err := zapLevel(c.Logging.Level)
	if err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return level
}

func zapLevel(name string) (zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(name))
	if err != nil {
		return level, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Default returns the configuration used when no file exists. The file
// is decoded on top of it, so absent keys keep these values. A relative
// database path is resolved against the config directory by Load.
func Default() *Config {
	return &Config{
		HTTP:     HTTPConfig{ServerPort: DefaultServerPort},
		Database: DatabaseConfig{Path: DefaultDatabaseFile},
		MQTT: MQTTConfig{
			ClientID:    DefaultClientID,
			TopicPrefix: DefaultTopicPrefix,
			QoS:         DefaultQoS,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Polling: PollingConfig{ScanInterval: DefaultScanInterval},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

// ApplyEnv overrides file values from the environment. Secrets are best
// kept in .env rather than configuration.yaml.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("READ_ONLY"); v != "" {
		if readOnly, err := strconv.ParseBool(v); err == nil {
			c.ReadOnly = readOnly
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.ServerPort = port
		}
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		c.InfluxDB.Token = v
	}
}

// Loader manages configuration file loading and reloading
type Loader struct {
	configDir string
	logger    *zap.Logger

	mu     sync.RWMutex
	config *Config

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return filepath.Join(l.configDir, FileName)
}

// Load reads configuration.yaml, applies defaults and environment
// overrides, and validates the result. A missing file yields defaults.
func (l *Loader) Load() (*Config, error) {
	path := l.Path()
	l.logger.Debug("Loading configuration", zap.String("path", path))

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.logger.Warn("Configuration file not found, using defaults", zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	cfg.ApplyEnv()
	if cfg.Database.Path != ":memory:" && !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(l.configDir, cfg.Database.Path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()

	l.logger.Info("Configuration loaded",
		zap.Strings("components", cfg.ComponentDomains()),
		zap.Bool("read_only", cfg.ReadOnly))
	return cfg, nil
}

// Get returns the last loaded configuration, or nil.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// StartAutoReload re-reads the file every interval and hands each
// successfully loaded configuration to onReload.
func (l *Loader) StartAutoReload(interval time.Duration, onReload func(*Config)) {
	l.logger.Info("Starting configuration auto-reload", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cfg, err := l.Load()
				if err != nil {
					l.logger.Error("Failed to reload configuration", zap.Error(err))
					continue
				}
				if onReload != nil {
					onReload(cfg)
				}

			case <-l.stopChan:
				l.logger.Info("Stopping configuration auto-reload")
				return
			}
		}
	}()
}

// Stop stops the auto-reload loop
func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}
