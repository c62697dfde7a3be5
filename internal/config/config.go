package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
)

type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	StoreDriver     string
	MySQLDSN        string
	SQLitePath      string
	RedisAddr       string // empty disables the cross-process token guard
	TokenLockTTL    time.Duration
	CASMaxRetries   int
	BatchWriteLimit int
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":50051"),
		StoreDriver: getEnv("STORE_DRIVER", StoreMemory),
		MySQLDSN:    getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/allocation?parseTime=true"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/allocation.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.CASMaxRetries, err = getInt("CAS_MAX_RETRIES", 3); err != nil {
		return cfg, err
	}
	if cfg.BatchWriteLimit, err = getInt("BATCH_WRITE_LIMIT", 500); err != nil {
		return cfg, err
	}
	if cfg.TokenLockTTL, err = getDuration("TOKEN_LOCK_TTL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}

	switch cfg.StoreDriver {
	case StoreMemory, StoreSQLite, StoreMySQL:
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
