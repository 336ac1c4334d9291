package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/c360/semtree/errors"
)

// EnvPrefix prefixes environment overrides: SEMTREE_LOG_LEVEL overrides
// log.level.
const EnvPrefix = "SEMTREE"

// Loader reads configuration from defaults, an optional file and the
// environment, in increasing precedence.
type Loader struct {
	v          *viper.Viper
	validation bool
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	return &Loader{v: v, validation: true}
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load builds the configuration. An empty path uses defaults and the
// environment only. The file format follows its extension (json, yaml, yml).
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		if err := validateConfigPath(path); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"Loader", "Load", "validate path")
		}
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"Loader", "Load", "read "+path)
		}
		l.v.SetConfigType(configType(path))
		if err := l.v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"Loader", "Load", "parse "+path)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode config")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Viper exposes the underlying instance, for binding command-line flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// setDefaults registers every leaf key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("registry.lock_timeout", d.Registry.LockTimeout)
	v.SetDefault("registry.max_subscription_id", d.Registry.MaxSubscriptionID)

	v.SetDefault("dispatcher.shutdown_timeout", d.Dispatcher.ShutdownTimeout)
	v.SetDefault("dispatcher.delivery_timeout", d.Dispatcher.DeliveryTimeout)
	v.SetDefault("dispatcher.client_cache_size", d.Dispatcher.ClientCacheSize)
	v.SetDefault("dispatcher.max_queue", d.Dispatcher.MaxQueue)

	v.SetDefault("transports.http.timeout", d.Transports.HTTP.Timeout)
	v.SetDefault("transports.http.retry_count", d.Transports.HTTP.RetryCount)
	v.SetDefault("transports.http.retry_delay", d.Transports.HTTP.RetryDelay)
	v.SetDefault("transports.http.headers", d.Transports.HTTP.Headers)
	v.SetDefault("transports.http.content_type", d.Transports.HTTP.ContentType)

	v.SetDefault("transports.websocket.enabled", d.Transports.WebSocket.Enabled)
	v.SetDefault("transports.websocket.port", d.Transports.WebSocket.Port)
	v.SetDefault("transports.websocket.path", d.Transports.WebSocket.Path)
	v.SetDefault("transports.websocket.write_timeout", d.Transports.WebSocket.WriteTimeout)
	v.SetDefault("transports.websocket.client_buffer", d.Transports.WebSocket.ClientBuffer)

	v.SetDefault("transports.nats.enabled", d.Transports.NATS.Enabled)
	v.SetDefault("transports.nats.urls", d.Transports.NATS.URLs)
	v.SetDefault("transports.nats.subject_prefix", d.Transports.NATS.SubjectPrefix)
	v.SetDefault("transports.nats.username", d.Transports.NATS.Username)
	v.SetDefault("transports.nats.password", d.Transports.NATS.Password)
	v.SetDefault("transports.nats.token", d.Transports.NATS.Token)
	v.SetDefault("transports.nats.max_reconnects", d.Transports.NATS.MaxReconnects)
	v.SetDefault("transports.nats.reconnect_wait", d.Transports.NATS.ReconnectWait)
	v.SetDefault("transports.nats.connect_timeout", d.Transports.NATS.ConnectTimeout)

	v.SetDefault("persist.enabled", d.Persist.Enabled)
	v.SetDefault("persist.bucket", d.Persist.Bucket)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tree_file", d.TreeFile)
}

func configType(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return "yaml"
	default:
		return "json"
	}
}
