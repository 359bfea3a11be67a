package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FERRITE_STORE_BACKEND
const EnvPrefix = "FERRITE"

// envKeys are the settings that can be overridden from the environment
var envKeys = []string{
	"server.node_id",
	"store.backend",
	"store.keyspace",
	"store.tables_file",
	"sequence.backend",
	"sequence.namespace",
	"pebble.dir",
	"pebble.in_memory",
	"pebble.max_disk_usage_percent",
	"cassandra.hosts",
	"cassandra.consistency",
	"postgres.dsn",
	"redis.addrs",
	"redis.password",
	"nats.url",
	"metrics.port",
	"logging.level",
	"logging.format",
}

// Load reads configuration from path on top of DefaultConfig and applies
// FERRITE_* environment overrides. An empty path or a missing file leaves
// the defaults in place.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// bound environment variables take precedence over the file
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
