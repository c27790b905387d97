package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultEnvFile is the environment file installed with the node packages
const DefaultEnvFile = "/etc/pi5-ptp-node/streamer.env"

// Config holds all configuration for the streamer and the watchdog
type Config struct {
	Log      LogConfig
	GPSD     GPSDConfig
	Chrony   ChronyConfig
	Sink     SinkConfig
	MQTT     MQTTConfig
	Spool    SpoolConfig
	Replay   ReplayConfig
	Breaker  BreakerConfig
	Server   ServerConfig
	Watchdog WatchdogConfig
}

type LogConfig struct {
	Level      string
	Format     string // json or console
	Output     string // stdout, stderr or a file path
	MaxSizeMB  int    // Rotate the log file at this size
	MaxBackups int
	MaxAgeDays int
}

type GPSDConfig struct {
	Address      string
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type ChronyConfig struct {
	Enabled  bool
	Command  string
	Interval time.Duration
}

// SinkConfig selects the remote store. URL, Token, Org and Bucket apply to
// the influx sink.
type SinkConfig struct {
	Type          string // influx or mqtt
	URL           string
	Token         string
	Org           string
	Bucket        string
	Timeout       time.Duration // Bound on every delivery attempt
	Gzip          bool
	IntegerSuffix bool // Write int fields with the "i" suffix
}

type MQTTConfig struct {
	Broker    string
	Topic     string
	ClientID  string
	QoS       int
	Username  string
	Password  string
	Format    string // line or msgpack
	TLSCAPath string
}

type SpoolConfig struct {
	Directory    string
	MaxBytes     int64
	SegmentBytes int64
	SyncMode     string // always, interval or none
	SyncInterval time.Duration
}

type ReplayConfig struct {
	BatchSize int
	Interval  time.Duration
	Backoff   time.Duration
}

// BreakerConfig guards the live path. MaxFailures of 0 disables the breaker.
type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
}

type ServerConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type WatchdogConfig struct {
	Schedule       string        // Cron schedule for health checks
	RebootAfter    time.Duration // Continuous unhealthiness before rebooting
	SpoolHighWater float64       // Fraction of spool.max_bytes treated as unhealthy
	CheckTimeout   time.Duration // Bound on each individual probe
	GPSDService    string
	ChronyService  string
	DryRun         bool // Log actions instead of executing them
}

// legacyEnv maps the deployment's original environment variables onto
// config keys. They rank below the config file and PTP_ variables.
var legacyEnv = map[string]string{
	"INFLUX_URL":      "sink.url",
	"INFLUX_TOKEN":    "sink.token",
	"INFLUX_ORG":      "sink.org",
	"INFLUX_BUCKET":   "sink.bucket",
	"SPOOL_DIR":       "spool.directory",
	"SPOOL_MAX_BYTES": "spool.max_bytes",
}

// Load loads configuration from defaults, the legacy env file, an optional
// pi5-ptp.toml and PTP_ environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// the standard locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := applyLegacyEnv(v, envFilePath()); err != nil {
		return nil, err
	}

	// Environment variables
	v.SetEnvPrefix("PTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pi5-ptp")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pi5-ptp-node/")
		v.AddConfigPath("$HOME/.pi5-ptp/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	maxBytes, err := ParseSize(v.GetString("spool.max_bytes"))
	if err != nil {
		return nil, fmt.Errorf("invalid spool.max_bytes: %w", err)
	}
	segmentBytes, err := ParseSize(v.GetString("spool.segment_bytes"))
	if err != nil {
		return nil, fmt.Errorf("invalid spool.segment_bytes: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		GPSD: GPSDConfig{
			Address:      v.GetString("gpsd.address"),
			ReadTimeout:  v.GetDuration("gpsd.read_timeout"),
			ReconnectMin: v.GetDuration("gpsd.reconnect_min"),
			ReconnectMax: v.GetDuration("gpsd.reconnect_max"),
		},
		Chrony: ChronyConfig{
			Enabled:  v.GetBool("chrony.enabled"),
			Command:  v.GetString("chrony.command"),
			Interval: v.GetDuration("chrony.interval"),
		},
		Sink: SinkConfig{
			Type:          strings.ToLower(v.GetString("sink.type")),
			URL:           strings.TrimRight(v.GetString("sink.url"), "/"),
			Token:         v.GetString("sink.token"),
			Org:           v.GetString("sink.org"),
			Bucket:        v.GetString("sink.bucket"),
			Timeout:       v.GetDuration("sink.timeout"),
			Gzip:          v.GetBool("sink.gzip"),
			IntegerSuffix: v.GetBool("sink.integer_suffix"),
		},
		MQTT: MQTTConfig{
			Broker:    v.GetString("mqtt.broker"),
			Topic:     v.GetString("mqtt.topic"),
			ClientID:  v.GetString("mqtt.client_id"),
			QoS:       v.GetInt("mqtt.qos"),
			Username:  v.GetString("mqtt.username"),
			Password:  v.GetString("mqtt.password"),
			Format:    strings.ToLower(v.GetString("mqtt.format")),
			TLSCAPath: v.GetString("mqtt.tls_ca_path"),
		},
		Spool: SpoolConfig{
			Directory:    v.GetString("spool.directory"),
			MaxBytes:     maxBytes,
			SegmentBytes: segmentBytes,
			SyncMode:     strings.ToLower(v.GetString("spool.sync_mode")),
			SyncInterval: v.GetDuration("spool.sync_interval"),
		},
		Replay: ReplayConfig{
			BatchSize: v.GetInt("replay.batch_size"),
			Interval:  v.GetDuration("replay.interval"),
			Backoff:   v.GetDuration("replay.backoff"),
		},
		Breaker: BreakerConfig{
			MaxFailures: v.GetInt("breaker.max_failures"),
			Timeout:     v.GetDuration("breaker.timeout"),
		},
		Server: ServerConfig{
			Enabled: v.GetBool("server.enabled"),
			Host:    v.GetString("server.host"),
			Port:    v.GetInt("server.port"),
		},
		Watchdog: WatchdogConfig{
			Schedule:       v.GetString("watchdog.schedule"),
			RebootAfter:    v.GetDuration("watchdog.reboot_after"),
			SpoolHighWater: v.GetFloat64("watchdog.spool_high_water"),
			CheckTimeout:   v.GetDuration("watchdog.check_timeout"),
			GPSDService:    v.GetString("watchdog.gpsd_service"),
			ChronyService:  v.GetString("watchdog.chrony_service"),
			DryRun:         v.GetBool("watchdog.dry_run"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	// gpsd defaults
	v.SetDefault("gpsd.address", "127.0.0.1:2947")
	v.SetDefault("gpsd.read_timeout", "10s")
	v.SetDefault("gpsd.reconnect_min", "1s")
	v.SetDefault("gpsd.reconnect_max", "30s")

	// chrony defaults
	v.SetDefault("chrony.enabled", true)
	v.SetDefault("chrony.command", "chronyc")
	v.SetDefault("chrony.interval", "10s")

	// Sink defaults
	v.SetDefault("sink.type", "influx")
	v.SetDefault("sink.timeout", "3s")
	v.SetDefault("sink.gzip", false)
	v.SetDefault("sink.integer_suffix", false)

	// MQTT sink defaults
	v.SetDefault("mqtt.topic", "pi5-ptp/telemetry")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.format", "line")

	// Spool defaults
	v.SetDefault("spool.directory", "/var/spool/pi5-ptp-node")
	v.SetDefault("spool.max_bytes", "20GB")
	v.SetDefault("spool.segment_bytes", "10MB")
	v.SetDefault("spool.sync_mode", "interval")
	v.SetDefault("spool.sync_interval", "1s")

	// Replay defaults
	v.SetDefault("replay.batch_size", 1000)
	v.SetDefault("replay.interval", "2s")
	v.SetDefault("replay.backoff", "5s")

	// Circuit breaker defaults
	v.SetDefault("breaker.max_failures", 3)
	v.SetDefault("breaker.timeout", "10s")

	// Health server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9280)

	// Watchdog defaults
	v.SetDefault("watchdog.schedule", "@every 10s")
	v.SetDefault("watchdog.reboot_after", "15m")
	v.SetDefault("watchdog.spool_high_water", 0.9)
	v.SetDefault("watchdog.check_timeout", "3s")
	v.SetDefault("watchdog.gpsd_service", "gpsd")
	v.SetDefault("watchdog.chrony_service", "chrony")
	v.SetDefault("watchdog.dry_run", false)
}

func envFilePath() string {
	if p := os.Getenv("PTP_ENV_FILE"); p != "" {
		return p
	}
	return DefaultEnvFile
}

// applyLegacyEnv reads the KEY=VALUE env file (if present) and the process
// environment for the original variable names and installs them as defaults.
// The process environment wins over the file.
func applyLegacyEnv(v *viper.Viper, path string) error {
	file := viper.New()
	if _, err := os.Stat(path); err == nil {
		file.SetConfigFile(path)
		file.SetConfigType("env")
		if err := file.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read env file %s: %w", path, err)
		}
	}

	for name, key := range legacyEnv {
		if val, ok := os.LookupEnv(name); ok && val != "" {
			v.SetDefault(key, val)
			continue
		}
		if val := file.GetString(strings.ToLower(name)); val != "" {
			v.SetDefault(key, val)
		}
	}
	return nil
}

// Validate checks that the configuration can start the streamer
func (c *Config) Validate() error {
	switch c.Sink.Type {
	case "influx":
		if c.Sink.URL == "" {
			return errors.New("sink.url is required for the influx sink (or INFLUX_URL)")
		}
		if c.Sink.Org == "" {
			return errors.New("sink.org is required for the influx sink (or INFLUX_ORG)")
		}
		if c.Sink.Bucket == "" {
			return errors.New("sink.bucket is required for the influx sink (or INFLUX_BUCKET)")
		}
	case "mqtt":
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required for the mqtt sink")
		}
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.topic is required for the mqtt sink")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.Format != "line" && c.MQTT.Format != "msgpack" {
			return fmt.Errorf("mqtt.format must be line or msgpack, got %q", c.MQTT.Format)
		}
	default:
		return fmt.Errorf("sink.type must be influx or mqtt, got %q", c.Sink.Type)
	}

	if c.Sink.Timeout <= 0 {
		return errors.New("sink.timeout must be positive")
	}

	if err := c.Spool.Validate(); err != nil {
		return err
	}

	if c.Replay.BatchSize <= 0 {
		return fmt.Errorf("replay.batch_size must be positive, got %d", c.Replay.BatchSize)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Validate checks the spool settings on their own; the watchdog only needs
// these
func (c *SpoolConfig) Validate() error {
	if c.Directory == "" {
		return errors.New("spool.directory is required (or SPOOL_DIR)")
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("spool.max_bytes must be positive, got %d", c.MaxBytes)
	}
	if c.SegmentBytes <= 0 {
		return fmt.Errorf("spool.segment_bytes must be positive, got %d", c.SegmentBytes)
	}
	switch c.SyncMode {
	case "always", "interval", "none":
	default:
		return fmt.Errorf("spool.sync_mode must be always, interval or none, got %q", c.SyncMode)
	}
	return nil
}

// ValidateWatchdog checks the settings used by the watchdog
func (c *Config) ValidateWatchdog() error {
	if err := c.Spool.Validate(); err != nil {
		return err
	}
	if c.Watchdog.Schedule == "" {
		return errors.New("watchdog.schedule is required")
	}
	if c.Watchdog.RebootAfter <= 0 {
		return errors.New("watchdog.reboot_after must be positive")
	}
	if c.Watchdog.SpoolHighWater <= 0 || c.Watchdog.SpoolHighWater > 1 {
		return fmt.Errorf("watchdog.spool_high_water must be in (0, 1], got %g", c.Watchdog.SpoolHighWater)
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "20GB", "10MB", "512KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive) and plain byte counts.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Order matters: check longer suffixes first
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			// Likely an unsupported unit like the "T" in "1TB"
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '20GB', '10MB', '512KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	// Plain number of bytes, as SPOOL_MAX_BYTES has always been given
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '20GB', '10MB', '512KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
