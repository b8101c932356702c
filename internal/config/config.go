package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DriverMemory   = "memory"
	DriverLevelDB  = "leveldb"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is resolved from built-in defaults, then an optional TOML file,
// then the environment (a .env file in the working directory is loaded
// first and never overrides variables that are already set).
type Config struct {
	Port                  string `toml:"port"`
	RelayPort             string `toml:"relay_port"`
	AllowedOrigin         string `toml:"allowed_origin"`
	StoreDriver           string `toml:"store_driver"`
	StorePath             string `toml:"store_path"`
	DatabaseURL           string `toml:"database_url"`
	RedisAddr             string `toml:"redis_addr"`
	RedisPassword         string `toml:"redis_password"`
	RedisDB               int    `toml:"redis_db"`
	BroadcastPrefix       string `toml:"broadcast_prefix"`
	ReplicaID             string `toml:"replica_id"`
	RelayAddress          string `toml:"relay_address"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	ConnectRetries        int    `toml:"connect_retries"`
	AuthSecret            string `toml:"auth_secret"`
	AccessTokenTTLMinutes int    `toml:"access_token_ttl_minutes"`
	LogLevel              string `toml:"log_level"`
}

func Defaults() Config {
	return Config{
		Port:                  "8080",
		RelayPort:             "8090",
		AllowedOrigin:         "http://127.0.0.1:3000",
		StoreDriver:           DriverLevelDB,
		StorePath:             "data/replistock.ldb",
		BroadcastPrefix:       "replistock:sync:",
		ConnectTimeoutSeconds: 5,
		ConnectRetries:        5,
		AccessTokenTTLMinutes: 480,
		LogLevel:              "info",
	}
}

// Load resolves the configuration. path names a TOML file; when empty the
// REPLISTOCK_CONFIG variable is consulted, and no file is read if that is
// empty too.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("REPLISTOCK_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}
	applyEnv(&cfg)

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case DriverMemory, DriverLevelDB, DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return Config{}, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.ConnectTimeoutSeconds < 1 {
		cfg.ConnectTimeoutSeconds = 5
	}
	if cfg.ConnectRetries < 1 {
		cfg.ConnectRetries = 5
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.RelayPort = getEnv("RELAY_PORT", cfg.RelayPort)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.StorePath = getEnv("STORE_PATH", cfg.StorePath)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.BroadcastPrefix = getEnv("BROADCAST_PREFIX", cfg.BroadcastPrefix)
	cfg.ReplicaID = getEnv("REPLICA_ID", cfg.ReplicaID)
	cfg.RelayAddress = getEnv("RELAY_ADDRESS", cfg.RelayAddress)
	cfg.ConnectTimeoutSeconds = getEnvInt("CONNECT_TIMEOUT_SECONDS", cfg.ConnectTimeoutSeconds)
	cfg.ConnectRetries = getEnvInt("CONNECT_RETRIES", cfg.ConnectRetries)
	cfg.AuthSecret = strings.TrimSpace(getEnv("AUTH_SECRET", cfg.AuthSecret))
	cfg.AccessTokenTTLMinutes = getEnvInt("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
}

// ValidateSecurity is checked before the HTTP API starts.
func (c Config) ValidateSecurity() error {
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) RelayListenAddress() string {
	return fmt.Sprintf(":%s", c.RelayPort)
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return n
}
