// Package config loads service configuration. Precedence, lowest to
// highest: built-in defaults, the YAML file named by CARACAL_CONFIG,
// CARACAL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full service configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Bus       BusConfig       `yaml:"bus"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Policy    PolicyConfig    `yaml:"policy"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Cache     CacheConfig     `yaml:"cache"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	// EnforcementMode is "authority", "budget", or "dual".
	EnforcementMode string `yaml:"enforcement_mode"`
	LogLevel        string `yaml:"log_level"`
}

// DatabaseConfig selects the SQL backend. DSNs with a postgres:// prefix
// use lib/pq; anything else is treated as a SQLite path or :memory:.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig is optional; empty Addr disables Redis-backed features
// (shared nonce guard, distributed rate limiting).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig tunes the partitioned event log.
type BusConfig struct {
	Partitions     int           `yaml:"partitions"`
	MaxPollRecords int           `yaml:"max_poll_records"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// LedgerConfig tunes the writer and the Merkle batcher.
type LedgerConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
	PendingRootSLO time.Duration `yaml:"pending_root_slo"`
	HighWatermark  int           `yaml:"high_watermark"`
}

// PolicyConfig holds issuance-guard settings. GuardRules are CEL
// expressions checked before a mandate is signed, on top of the built-in
// system rules; they are set through the YAML file only since CEL source
// does not survive environment-variable splitting.
type PolicyConfig struct {
	GuardRules []string `yaml:"guard_rules"`
}

// GatewayConfig tunes the proxy.
type GatewayConfig struct {
	Listen          string        `yaml:"listen"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	ReplayWindow    time.Duration `yaml:"replay_window"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	RateBurst       int           `yaml:"rate_burst"`
	APIKeysFile     string        `yaml:"api_keys_file"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
}

// CacheConfig tunes the degraded-mode policy cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// KeystoreConfig locates the signing keys.
type KeystoreConfig struct {
	Path         string `yaml:"path"`
	MasterSecret string `yaml:"master_secret"`
}

// SnapshotConfig tunes snapshot creation.
type SnapshotConfig struct {
	Directory string        `yaml:"directory"`
	Interval  time.Duration `yaml:"interval"`
	Keep      int           `yaml:"keep"`
}

// ArchiveConfig selects where snapshots and audit exports are shipped.
// Backend is "fs", "s3", or "gcs".
type ArchiveConfig struct {
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// TelemetryConfig controls OTel exporters.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load builds the configuration from defaults, the optional YAML file
// named by CARACAL_CONFIG, and CARACAL_* environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CARACAL_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			EnforcementMode: "authority",
			LogLevel:        "INFO",
		},
		Database: DatabaseConfig{
			DSN:             "postgres://caracal@localhost:5432/caracal?sslmode=disable",
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Bus: BusConfig{
			Partitions:     8,
			MaxPollRecords: 100,
			PollInterval:   250 * time.Millisecond,
			MaxAttempts:    5,
		},
		Ledger: LedgerConfig{
			BatchSize:      1024,
			BatchInterval:  60 * time.Second,
			PendingRootSLO: 5 * time.Minute,
			HighWatermark:  4096,
		},
		Gateway: GatewayConfig{
			Listen:          ":8080",
			UpstreamTimeout: 30 * time.Second,
			ReplayWindow:    300 * time.Second,
			RatePerSecond:   50,
			RateBurst:       100,
		},
		Cache: CacheConfig{
			TTL:        60 * time.Second,
			MaxEntries: 10_000,
		},
		Keystore: KeystoreConfig{
			Path: defaultKeystorePath(),
		},
		Snapshot: SnapshotConfig{
			Directory: defaultSnapshotDir(),
			Interval:  15 * time.Minute,
			Keep:      5,
		},
		Archive: ArchiveConfig{
			Backend: "fs",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "caracal-core",
		},
	}
}

func defaultKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".caracal/keystore.json"
	}
	return home + "/.caracal/keystore.json"
}

func defaultSnapshotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".caracal/snapshots"
	}
	return home + "/.caracal/snapshots"
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr(&c.Service.EnforcementMode, "CARACAL_ENFORCEMENT_MODE")
	setStr(&c.Service.LogLevel, "CARACAL_LOG_LEVEL")

	setStr(&c.Database.DSN, "CARACAL_DATABASE_DSN")
	setInt(&c.Database.MaxOpenConns, "CARACAL_DATABASE_MAX_OPEN_CONNS")

	setStr(&c.Redis.Addr, "CARACAL_REDIS_ADDR")
	setStr(&c.Redis.Password, "CARACAL_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "CARACAL_REDIS_DB")

	setInt(&c.Bus.Partitions, "CARACAL_BUS_PARTITIONS")
	setInt(&c.Bus.MaxPollRecords, "CARACAL_BUS_MAX_POLL_RECORDS")
	setDur(&c.Bus.PollInterval, "CARACAL_BUS_POLL_INTERVAL")
	setInt(&c.Bus.MaxAttempts, "CARACAL_BUS_MAX_ATTEMPTS")

	setInt(&c.Ledger.BatchSize, "CARACAL_LEDGER_BATCH_SIZE")
	setDur(&c.Ledger.BatchInterval, "CARACAL_LEDGER_BATCH_INTERVAL")
	setDur(&c.Ledger.PendingRootSLO, "CARACAL_LEDGER_PENDING_ROOT_SLO")
	setInt(&c.Ledger.HighWatermark, "CARACAL_LEDGER_HIGH_WATERMARK")

	setStr(&c.Gateway.Listen, "CARACAL_GATEWAY_LISTEN")
	setDur(&c.Gateway.UpstreamTimeout, "CARACAL_GATEWAY_UPSTREAM_TIMEOUT")
	setDur(&c.Gateway.ReplayWindow, "CARACAL_GATEWAY_REPLAY_WINDOW")
	setFloat(&c.Gateway.RatePerSecond, "CARACAL_GATEWAY_RATE_PER_SECOND")
	setInt(&c.Gateway.RateBurst, "CARACAL_GATEWAY_RATE_BURST")
	setStr(&c.Gateway.APIKeysFile, "CARACAL_GATEWAY_API_KEYS_FILE")
	setStr(&c.Gateway.JWTIssuer, "CARACAL_GATEWAY_JWT_ISSUER")

	setDur(&c.Cache.TTL, "CARACAL_CACHE_TTL")
	setInt(&c.Cache.MaxEntries, "CARACAL_CACHE_MAX_ENTRIES")

	setStr(&c.Keystore.Path, "CARACAL_KEYSTORE_PATH")
	setStr(&c.Keystore.MasterSecret, "CARACAL_KEYSTORE_MASTER_SECRET")

	setStr(&c.Snapshot.Directory, "CARACAL_SNAPSHOT_DIR")
	setDur(&c.Snapshot.Interval, "CARACAL_SNAPSHOT_INTERVAL")
	setInt(&c.Snapshot.Keep, "CARACAL_SNAPSHOT_KEEP")

	setStr(&c.Archive.Backend, "CARACAL_ARCHIVE_BACKEND")
	setStr(&c.Archive.Bucket, "CARACAL_ARCHIVE_BUCKET")
	setStr(&c.Archive.Region, "CARACAL_ARCHIVE_REGION")
	setStr(&c.Archive.Endpoint, "CARACAL_ARCHIVE_ENDPOINT")
	setStr(&c.Archive.Prefix, "CARACAL_ARCHIVE_PREFIX")

	if v := os.Getenv("CARACAL_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	setStr(&c.Telemetry.OTLPEndpoint, "CARACAL_TELEMETRY_OTLP_ENDPOINT")
	setStr(&c.Telemetry.ServiceName, "CARACAL_TELEMETRY_SERVICE_NAME")
}

// Validate checks the assembled configuration and reports every problem,
// not just the first.
func (c *Config) Validate() error {
	var problems []string

	switch c.Service.EnforcementMode {
	case "authority", "budget", "dual":
	default:
		problems = append(problems, fmt.Sprintf("service.enforcement_mode: unknown mode %q", c.Service.EnforcementMode))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn: required")
	}
	if c.Bus.Partitions < 1 {
		problems = append(problems, "bus.partitions: must be >= 1")
	}
	if c.Bus.MaxAttempts < 1 {
		problems = append(problems, "bus.max_attempts: must be >= 1")
	}
	if c.Ledger.BatchSize < 1 {
		problems = append(problems, "ledger.batch_size: must be >= 1")
	}
	if c.Ledger.BatchInterval <= 0 {
		problems = append(problems, "ledger.batch_interval: must be positive")
	}
	if c.Ledger.HighWatermark < c.Ledger.BatchSize {
		problems = append(problems, "ledger.high_watermark: must be >= ledger.batch_size")
	}
	if c.Cache.MaxEntries < 1 {
		problems = append(problems, "cache.max_entries: must be >= 1")
	}
	switch c.Archive.Backend {
	case "fs", "s3", "gcs":
		if c.Archive.Backend != "fs" && c.Archive.Bucket == "" {
			problems = append(problems, "archive.bucket: required for "+c.Archive.Backend)
		}
	default:
		problems = append(problems, fmt.Sprintf("archive.backend: unknown backend %q", c.Archive.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
