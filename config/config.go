// Package config loads process configuration with viper (YAML file
// plus SYNCFABRIC_-prefixed environment overrides) and watches config
// files for hot reload via fsnotify.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration for the server binary.
type Config struct {
	Server struct {
		Wire string `mapstructure:"wire"`
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level      string `mapstructure:"level"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
		OtelBridge bool   `mapstructure:"otel_bridge"`
	} `mapstructure:"log"`

	Otel struct {
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"otel"`

	Broker struct {
		AmqpURI string `mapstructure:"amqp_uri"`
	} `mapstructure:"broker"`

	Mesh struct {
		ManifestPath string `mapstructure:"manifest_path"`
		// SelfIndex names this process's own entry in the manifest's
		// Servers list, which is what links it to its upstream, if any.
		// Negative means "not part of a mesh".
		SelfIndex int `mapstructure:"self_index"`
	} `mapstructure:"mesh"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.wire", "websocket")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("otel.service_name", "syncfabric")
	v.SetDefault("mesh.self_index", -1)
}

// Load reads path (if it exists) plus SYNCFABRIC_-prefixed environment
// overrides into a Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SYNCFABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// WatchReload re-reads path on every fsnotify write event and invokes
// onChange with the freshly loaded Config. Callers stop watching by
// closing the returned watcher; fsnotify.Watcher has no context-based
// shutdown, only Close() itself.
func WatchReload(path string, onChange func(*Config), logger *slog.Logger) (*fsnotify.Watcher, error) {
	return WatchFile(path, Load, onChange, logger)
}

// WatchMeshManifest re-parses path as a mesh manifest (a different
// schema from Config) on every fsnotify write event, for a running
// server to pick up topology changes without a restart.
func WatchMeshManifest(path string, onChange func(*MeshManifest), logger *slog.Logger) (*fsnotify.Watcher, error) {
	return WatchFile(path, LoadMeshManifest, onChange, logger)
}

// WatchFile watches path for fsnotify write/create events, debounces
// them, and on each settled change re-parses the file with load and
// hands the result to onChange. Callers stop watching by closing the
// returned watcher; fsnotify.Watcher has no context-based shutdown,
// only Close() itself.
func WatchFile[T any](path string, load func(string) (T, error), onChange func(T), logger *slog.Logger) (*fsnotify.Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					v, err := load(path)
					if err != nil {
						logger.Warn("config: reload failed", "path", path, "err", err)
						return
					}
					onChange(v)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config: watcher error", "err", err)
			}
		}
	}()

	return watcher, nil
}
