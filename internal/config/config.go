package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable.
const EnvPrefix = "MESHLICENSE"

// Config represents the complete node configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
	// Output is console, file or both.
	Output     string `yaml:"output" envconfig:"OUTPUT"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" envconfig:"COMPRESS"`
}

// LicenseConfig contains the licensing configuration of the node
type LicenseConfig struct {
	Dir           string        `yaml:"dir" envconfig:"DIR"`
	Pattern       string        `yaml:"pattern" envconfig:"PATTERN"`
	Watch         bool          `yaml:"watch" envconfig:"WATCH"`
	WatchDebounce time.Duration `yaml:"watch_debounce" envconfig:"WATCH_DEBOUNCE"`
	LoadWorkers   int           `yaml:"load_workers" envconfig:"LOAD_WORKERS"`

	// TrustedKeys maps authority ids to PEM public key files.
	TrustedKeys map[string]string `yaml:"trusted_keys" envconfig:"TRUSTED_KEYS"`
	// AuthoritySecret is the concealed activation key secret. It is read
	// from AuthoritySecretFile when empty.
	AuthoritySecret     string `yaml:"authority_secret" envconfig:"AUTHORITY_SECRET"`
	AuthoritySecretFile string `yaml:"authority_secret_file" envconfig:"AUTHORITY_SECRET_FILE"`

	// DeviceID is the node identity. Empty derives it from the hardware.
	DeviceID       string `yaml:"device_id" envconfig:"DEVICE_ID"`
	InstallationID string `yaml:"installation_id" envconfig:"INSTALLATION_ID"`
	EngineID       string `yaml:"engine_id" envconfig:"ENGINE_ID"`
	EngineVersion  string `yaml:"engine_version" envconfig:"ENGINE_VERSION"`
	// EnforceActivation disables the engine bootstrap exception.
	EnforceActivation bool `yaml:"enforce_activation" envconfig:"ENFORCE_ACTIVATION"`

	SweepInterval    time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	FlushInterval    time.Duration `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	WarningWindow    time.Duration `yaml:"warning_window" envconfig:"WARNING_WINDOW"`
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl" envconfig:"NEGATIVE_CACHE_TTL"`
	ActivationRate   float64       `yaml:"activation_rate" envconfig:"ACTIVATION_RATE"`
	ActivationBurst  int           `yaml:"activation_burst" envconfig:"ACTIVATION_BURST"`
}

// StoreConfig selects the ledger persistence backend
type StoreConfig struct {
	// Driver is memory or sqlite.
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
}

// File returns the database file of a sqlite store, empty for in-memory
// databases and other drivers.
func (s StoreConfig) File() string {
	if s.Driver != "sqlite" || s.DSN == "" || s.DSN == ":memory:" || strings.HasPrefix(s.DSN, "file:") {
		return ""
	}
	return s.DSN
}

// TelemetryConfig contains metrics and tracing configuration
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TracingEnabled bool   `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
}

// WebSocketConfig contains event stream configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	EventBuffer     int           `yaml:"event_buffer" envconfig:"EVENT_BUFFER"`
}

// Load resolves the configuration from defaults, the config file and the
// environment, in that order.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit config file. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields without a variable keep the file or default value.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	cfg.resolvePaths(paths)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file at filePath onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolvePaths makes every configured path absolute
func (c *Config) resolvePaths(p *Paths) {
	c.License.Dir = p.Resolve(c.License.Dir)
	c.Logging.FilePath = p.Resolve(c.Logging.FilePath)
	if c.License.AuthoritySecretFile != "" {
		c.License.AuthoritySecretFile = p.Resolve(c.License.AuthoritySecretFile)
	}
	for id, file := range c.License.TrustedKeys {
		c.License.TrustedKeys[id] = p.Resolve(file)
	}
	if c.Store.File() != "" {
		c.Store.DSN = p.Resolve(c.Store.DSN)
	}
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		fail("server timeouts must be positive")
	}

	if !validLevels[strings.ToLower(c.Logging.Level)] {
		fail("invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		fail("invalid log format %q", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		fail("invalid log output %q", c.Logging.Output)
	}

	if c.License.Dir == "" {
		fail("license directory is required")
	}
	if c.License.AuthoritySecret == "" && c.License.AuthoritySecretFile == "" {
		fail("authority secret is required")
	}
	if len(c.License.TrustedKeys) == 0 {
		fail("at least one trusted key is required")
	}
	for name, raw := range map[string]string{
		"device id":       c.License.DeviceID,
		"installation id": c.License.InstallationID,
		"engine id":       c.License.EngineID,
	} {
		if raw == "" {
			continue
		}
		if _, err := uuid.Parse(raw); err != nil {
			fail("invalid %s %q: %v", name, raw, err)
		}
	}
	if c.License.ActivationRate < 0 || c.License.ActivationBurst < 0 {
		fail("activation rate and burst cannot be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			fail("sqlite store needs a dsn")
		}
	default:
		fail("unsupported store driver %q", c.Store.Driver)
	}

	return result.ErrorOrNil()
}

// ErrNoSecret is returned when no authority secret is configured.
var ErrNoSecret = errors.New("no authority secret configured")

// AuthoritySecretValue returns the concealed secret, reading the secret file
// when the value is not set inline.
func (l LicenseConfig) AuthoritySecretValue() (string, error) {
	if l.AuthoritySecret != "" {
		return l.AuthoritySecret, nil
	}
	if l.AuthoritySecretFile == "" {
		return "", ErrNoSecret
	}
	data, err := os.ReadFile(l.AuthoritySecretFile)
	if err != nil {
		return "", fmt.Errorf("failed to read authority secret: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// UUIDs parses the configured identities; empty values yield uuid.Nil.
func (l LicenseConfig) UUIDs() (device, installation, engine uuid.UUID, err error) {
	parse := func(s string) (uuid.UUID, error) {
		if s == "" {
			return uuid.Nil, nil
		}
		return uuid.Parse(s)
	}
	if device, err = parse(l.DeviceID); err != nil {
		return
	}
	if installation, err = parse(l.InstallationID); err != nil {
		return
	}
	engine, err = parse(l.EngineID)
	return
}

// getConfigFilePath returns the path to the config file, or "" when none exists
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return path
	}
	for _, location := range []string{"config.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// DefaultEngineID is the plug-in id the engine checks its own entitlement under.
const DefaultEngineID = "5e1f0000-0000-4000-8000-000000000001"

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:8080"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "console",
			FilePath:   "logs/licensed.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		License: LicenseConfig{
			Dir:              "licenses",
			Pattern:          "*.lic",
			Watch:            true,
			WatchDebounce:    500 * time.Millisecond,
			LoadWorkers:      4,
			TrustedKeys:      map[string]string{},
			EngineID:         DefaultEngineID,
			SweepInterval:    time.Minute,
			FlushInterval:    5 * time.Second,
			WarningWindow:    14 * 24 * time.Hour,
			NegativeCacheTTL: 10 * time.Minute,
			ActivationRate:   1,
			ActivationBurst:  5,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "data/ledger.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "meshlicense",
			MetricsEnabled: true,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
			EventBuffer:     64,
		},
	}
}
