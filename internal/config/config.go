// Package config loads service configuration from an optional TOML file,
// with environment variables taking precedence. A .env file is loaded
// first if present, so local development can keep settings out of the
// shell profile.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the ledger engine.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Settlement SettlementConfig `toml:"settlement"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "30s", "24h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type DatabaseConfig struct {
	// URL is a pgx connection string. Empty selects the in-memory store.
	URL string `toml:"url"`
}

type RedisConfig struct {
	// Addr enables the read-through cache when set. Only consulted when
	// a database URL is also configured.
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	TTL      int    `toml:"ttl_seconds"`
}

type LedgerConfig struct {
	// InitialGrant is the token balance a new user starts with.
	InitialGrant int64 `toml:"initial_grant"`

	// MaxStakePerMarket caps a user's combined active stake on one
	// market. Zero disables the cap.
	MaxStakePerMarket int64 `toml:"max_stake_per_market"`

	// MaxTotalCommitted caps a user's combined active stake across all
	// markets. Zero disables the cap.
	MaxTotalCommitted int64 `toml:"max_total_committed"`

	// RollbackWindow is how long after creation a commitment can be
	// rolled back.
	RollbackWindow duration `toml:"rollback_window"`
}

type SettlementConfig struct {
	// WorkerInterval is how often the background worker scans for
	// unfinished payout jobs.
	WorkerInterval duration `toml:"worker_interval"`
}

// Defaults returns a configuration suitable for local development: the
// in-memory store, no caps, and a modest starting grant.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{30 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Redis: RedisConfig{
			TTL: 60,
		},
		Ledger: LedgerConfig{
			InitialGrant:   1000,
			RollbackWindow: duration{24 * time.Hour},
		},
		Settlement: SettlementConfig{
			WorkerInterval: duration{30 * time.Second},
		},
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty and the file exists), then LEDGER_* environment
// variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "LEDGER_ADDR")
	setString(&cfg.Database.URL, "LEDGER_DATABASE_URL")
	setString(&cfg.Redis.Addr, "LEDGER_REDIS_ADDR")
	setString(&cfg.Redis.Password, "LEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEDGER_REDIS_DB")
	setInt(&cfg.Redis.TTL, "LEDGER_REDIS_TTL")
	setInt64(&cfg.Ledger.InitialGrant, "LEDGER_INITIAL_GRANT")
	setInt64(&cfg.Ledger.MaxStakePerMarket, "LEDGER_MAX_STAKE_PER_MARKET")
	setInt64(&cfg.Ledger.MaxTotalCommitted, "LEDGER_MAX_TOTAL_COMMITTED")
	setDuration(&cfg.Ledger.RollbackWindow, "LEDGER_ROLLBACK_WINDOW")
	setDuration(&cfg.Settlement.WorkerInterval, "LEDGER_WORKER_INTERVAL")
}

// Validate rejects configurations the service cannot safely run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server addr is required")
	}
	if c.Ledger.InitialGrant < 0 {
		return fmt.Errorf("config: initial grant must be non-negative")
	}
	if c.Ledger.MaxStakePerMarket < 0 || c.Ledger.MaxTotalCommitted < 0 {
		return fmt.Errorf("config: stake limits must be non-negative")
	}
	if c.Ledger.RollbackWindow.Duration <= 0 {
		return fmt.Errorf("config: rollback window must be positive")
	}
	if c.Redis.Addr != "" && c.Database.URL == "" {
		return fmt.Errorf("config: redis cache requires a database url")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
