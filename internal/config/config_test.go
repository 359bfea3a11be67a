package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendPebble, cfg.Store.Backend)
	assert.Equal(t, BackendPebble, cfg.Sequence.Backend)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ferrite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: cassandra
  keyspace: telegram
sequence:
  backend: redis
  retry_delay: 5ms
cassandra:
  hosts: ["10.0.0.1:9042", "10.0.0.2:9042"]
  flush_threshold: 128
redis:
  addrs: ["10.0.0.3:6379"]
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendCassandra, cfg.Store.Backend)
	assert.Equal(t, "telegram", cfg.Store.Keyspace)
	assert.Equal(t, BackendRedis, cfg.Sequence.Backend)
	assert.Equal(t, 5*time.Millisecond, cfg.Sequence.RetryDelay)
	assert.Equal(t, []string{"10.0.0.1:9042", "10.0.0.2:9042"}, cfg.Cassandra.Hosts)
	assert.Equal(t, 128, cfg.Cassandra.FlushThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched settings keep their defaults
	assert.Equal(t, 32, cfg.Cassandra.MaxBatchStatements)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FERRITE_STORE_BACKEND", "memory")
	t.Setenv("FERRITE_SEQUENCE_BACKEND", "nats")
	t.Setenv("FERRITE_NATS_URL", "nats://broker:4222")
	t.Setenv("FERRITE_PEBBLE_IN_MEMORY", "true")
	t.Setenv("FERRITE_METRICS_PORT", "9100")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, BackendNATS, cfg.Sequence.Backend)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.True(t, cfg.Pebble.InMemory)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "unknown store backend", mutate: func(c *Config) { c.Store.Backend = "leveldb" }, wantErr: "store.backend"},
		{name: "redis cannot hold tables", mutate: func(c *Config) { c.Store.Backend = BackendRedis }, wantErr: "store.backend"},
		{name: "unknown sequence backend", mutate: func(c *Config) { c.Sequence.Backend = "etcd" }, wantErr: "sequence.backend"},
		{name: "empty namespace", mutate: func(c *Config) { c.Sequence.Namespace = "" }, wantErr: "sequence.namespace"},
		{name: "no attempts", mutate: func(c *Config) { c.Sequence.MaxAttempts = 0 }, wantErr: "sequence.max_attempts"},
		{name: "pebble without dir", mutate: func(c *Config) { c.Pebble.Dir = "" }, wantErr: "pebble.dir"},
		{name: "disk usage above 100", mutate: func(c *Config) { c.Pebble.MaxDiskUsagePercent = 101 }, wantErr: "pebble.max_disk_usage_percent"},
		{name: "in-memory pebble needs no dir", mutate: func(c *Config) { c.Pebble.Dir = ""; c.Pebble.InMemory = true }},
		{name: "cassandra without hosts", mutate: func(c *Config) { c.Store.Backend = BackendCassandra; c.Cassandra.Hosts = nil }, wantErr: "cassandra.hosts"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Sequence.Backend = BackendPostgres; c.Postgres.DSN = "" }, wantErr: "postgres.dsn"},
		{name: "redis without addrs", mutate: func(c *Config) { c.Sequence.Backend = BackendRedis; c.Redis.Addrs = nil }, wantErr: "redis.addrs"},
		{name: "nats without url", mutate: func(c *Config) { c.Sequence.Backend = BackendNATS; c.NATS.URL = "" }, wantErr: "nats.url"},
		{name: "bad metrics port", mutate: func(c *Config) { c.Metrics.Port = 70000 }, wantErr: "metrics.port"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
