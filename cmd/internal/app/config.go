package app

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/api"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/envcfg"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Empty DatabaseURL selects the in-memory gateway.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	AutoMigrate bool

	// Empty RedisURL disables the presence mirror.
	RedisURL    string
	RedisPrefix string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	API api.Config
}

// LoadConfig loads .env (when present) and then Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	if err := loadDotEnv(envcfg.String("CHAT_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	return Config{
		HTTPAddr:  envcfg.String("CHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  envcfg.String("CHAT_LOG_LEVEL", "info"),
		LogFormat: envcfg.String("CHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: envcfg.Duration("CHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       envcfg.Duration("CHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      envcfg.Duration("CHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       envcfg.Duration("CHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    envcfg.Int("CHAT_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   envcfg.Duration("CHAT_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: envcfg.String("CHAT_DATABASE_URL", ""),
		DBMaxConns:  envcfg.Int32("CHAT_DB_MAX_CONNS", 10),
		DBMinConns:  envcfg.Int32("CHAT_DB_MIN_CONNS", 0),
		DBSchema:    envcfg.String("CHAT_DB_SCHEMA", store.DefaultSchema),
		AutoMigrate: envcfg.Bool("CHAT_DB_AUTO_MIGRATE", true),

		RedisURL:    envcfg.String("CHAT_REDIS_URL", ""),
		RedisPrefix: envcfg.String("CHAT_REDIS_PREFIX", "sdh"),

		ReadinessRequireDB: envcfg.Bool("CHAT_READINESS_REQUIRE_DB", false),

		API: api.LoadConfigFromEnv(),
	}, nil
}

// loadDotEnv applies path without overriding variables already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
