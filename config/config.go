package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/persist"
	"github.com/c360/semtree/transport/httppost"
	"github.com/c360/semtree/transport/natspush"
	"github.com/c360/semtree/transport/websocket"
)

// Config represents the complete application configuration
type Config struct {
	Registry   RegistryConfig   `json:"registry"   yaml:"registry"   mapstructure:"registry"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher" mapstructure:"dispatcher"`
	Transports TransportsConfig `json:"transports" yaml:"transports" mapstructure:"transports"`
	Persist    PersistConfig    `json:"persist"    yaml:"persist"    mapstructure:"persist"`
	Metrics    MetricsConfig    `json:"metrics"    yaml:"metrics"    mapstructure:"metrics"`
	Log        LogConfig        `json:"log"        yaml:"log"        mapstructure:"log"`
	TreeFile   string           `json:"tree_file"  yaml:"tree_file"  mapstructure:"tree_file"`
}

// RegistryConfig configures the element tree
type RegistryConfig struct {
	LockTimeout       time.Duration `json:"lock_timeout"        yaml:"lock_timeout"        mapstructure:"lock_timeout"`
	MaxSubscriptionID int           `json:"max_subscription_id" yaml:"max_subscription_id" mapstructure:"max_subscription_id"`
}

// DispatcherConfig configures event delivery
type DispatcherConfig struct {
	ShutdownTimeout time.Duration `json:"shutdown_timeout"  yaml:"shutdown_timeout"  mapstructure:"shutdown_timeout"`
	DeliveryTimeout time.Duration `json:"delivery_timeout"  yaml:"delivery_timeout"  mapstructure:"delivery_timeout"`
	ClientCacheSize int           `json:"client_cache_size" yaml:"client_cache_size" mapstructure:"client_cache_size"`
	// MaxQueue is the queue depth above which health reports degraded. 0 disables it.
	MaxQueue int `json:"max_queue" yaml:"max_queue" mapstructure:"max_queue"`
}

// TransportsConfig groups the delivery adapters
type TransportsConfig struct {
	HTTP      httppost.Config  `json:"http"      yaml:"http"      mapstructure:"http"`
	WebSocket websocket.Config `json:"websocket" yaml:"websocket" mapstructure:"websocket"`
	NATS      natspush.Config  `json:"nats"      yaml:"nats"      mapstructure:"nats"`
}

// PersistConfig configures the subscription recorder. It needs the NATS
// transport connection.
type PersistConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Bucket  string `json:"bucket"  yaml:"bucket"  mapstructure:"bucket"`
}

// MetricsConfig configures the Prometheus and health endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Port    int    `json:"port"    yaml:"port"    mapstructure:"port"`
	Path    string `json:"path"    yaml:"path"    mapstructure:"path"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `json:"level"  yaml:"level"  mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			LockTimeout:       element.DefaultLockTimeout,
			MaxSubscriptionID: event.DefaultMaxSubscriptionID,
		},
		Dispatcher: DispatcherConfig{
			ShutdownTimeout: dispatch.DefaultStopTimeout,
			DeliveryTimeout: dispatch.DefaultDeliveryTimeout,
			ClientCacheSize: dispatch.DefaultClientCacheSize,
			MaxQueue:        10000,
		},
		Transports: TransportsConfig{
			HTTP:      httppost.DefaultConfig(),
			WebSocket: websocket.DefaultConfig(),
			NATS:      natspush.DefaultConfig(),
		},
		Persist: PersistConfig{
			Enabled: false,
			Bucket:  persist.DefaultBucket,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks every section and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", fmt.Sprintf(format, args...)))
	}

	if c.Registry.LockTimeout <= 0 {
		invalid("registry.lock_timeout must be positive")
	}
	if c.Registry.MaxSubscriptionID < 1 {
		invalid("registry.max_subscription_id must be positive")
	}
	if c.Dispatcher.ShutdownTimeout <= 0 {
		invalid("dispatcher.shutdown_timeout must be positive")
	}
	if c.Dispatcher.DeliveryTimeout <= 0 {
		invalid("dispatcher.delivery_timeout must be positive")
	}
	if c.Dispatcher.ClientCacheSize < 1 {
		invalid("dispatcher.client_cache_size must be positive")
	}
	if c.Dispatcher.MaxQueue < 0 {
		invalid("dispatcher.max_queue cannot be negative")
	}

	if err := c.Transports.HTTP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transports.http: %w", err))
	}
	if c.Transports.WebSocket.Enabled {
		if err := c.Transports.WebSocket.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("transports.websocket: %w", err))
		}
	}
	if err := c.Transports.NATS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transports.nats: %w", err))
	}

	if c.Persist.Enabled {
		if !c.Transports.NATS.Enabled {
			invalid("persist requires transports.nats.enabled")
		}
		if c.Persist.Bucket == "" {
			invalid("persist.bucket is required when enabled")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			invalid("metrics.port %d out of range", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			invalid("metrics.path must start with /")
		}
		if c.Transports.WebSocket.Enabled && c.Transports.WebSocket.Port == c.Metrics.Port {
			invalid("metrics.port and transports.websocket.port must differ")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		invalid("log.format %q is not one of json, text", c.Log.Format)
	}

	return stderrors.Join(errs...)
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.Transports.HTTP.Headers = make(map[string]string, len(c.Transports.HTTP.Headers))
	for k, v := range c.Transports.HTTP.Headers {
		clone.Transports.HTTP.Headers[k] = v
	}
	clone.Transports.NATS.URLs = append([]string(nil), c.Transports.NATS.URLs...)
	return &clone
}

// SaveToFile writes the configuration as YAML for .yaml and .yml paths and as
// JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "marshal config")
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}
