// Package config loads application configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/database"
)

// Store drivers.
const (
	StoreFile  = "file"
	StoreMySQL = "mysql"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable named in its tag.
type Config struct {
	Env       string `envconfig:"APP_ENV" default:"dev"`
	Port      string `envconfig:"APP_PORT" default:"8080"`
	GRPCPort  string `envconfig:"GRPC_PORT" default:"50051"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Storage.  DB_* are only read when StoreDriver is mysql.
	StoreDriver string `envconfig:"STORE_DRIVER" default:"file"`
	DataDir     string `envconfig:"DATA_DIR" default:"data"`
	DBUser      string `envconfig:"DB_USER"`
	DBPass      string `envconfig:"DB_PASS"`
	DBHost      string `envconfig:"DB_HOST" default:"localhost"`
	DBPort      string `envconfig:"DB_PORT" default:"3306"`
	DBName      string `envconfig:"DB_NAME"`

	// Engine.
	CatalogFile         string        `envconfig:"CATALOG_FILE" default:"catalog.yaml"`
	ReservationTTL      time.Duration `envconfig:"RESERVATION_TTL" default:"30m"`
	SweepInterval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	CatalogTimeout      time.Duration `envconfig:"CATALOG_TIMEOUT" default:"5s"`
	DecrementUnreserved bool          `envconfig:"DECREMENT_UNRESERVED" default:"true"`

	// Admin auth.  Admin routes stay disabled while JWTSecret is empty.
	JWTSecret         string        `envconfig:"JWT_SECRET"`
	AdminPasswordHash string        `envconfig:"ADMIN_PASSWORD_HASH"`
	AccessTokenTTL    time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	BcryptCost        int           `envconfig:"BCRYPT_COST" default:"12"`

	// Messaging.  The consumer and publisher stay off while RabbitMQURL is
	// empty.
	RabbitMQURL string `envconfig:"RABBITMQ_URL"`
	EventsQueue string `envconfig:"EVENTS_QUEUE" default:"inventory.events"`
	SyncQueue   string `envconfig:"SYNC_QUEUE" default:"inventory.synced"`

	Redis     RedisConfig     `envconfig:"REDIS"`
	RateLimit RateLimitConfig `envconfig:"RATE_LIMIT"`
}

// Load reads .env (when present) and the environment, then validates the
// result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read environment")
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.RateLimit.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreFile:
		if c.DataDir == "" {
			return errors.New("DATA_DIR must be set for the file store")
		}
	case StoreMySQL:
		if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
			return errors.New("DB_USER, DB_HOST and DB_NAME must be set for the mysql store")
		}
	default:
		return errors.Errorf("unknown STORE_DRIVER %q (want %s or %s)", c.StoreDriver, StoreFile, StoreMySQL)
	}
	if c.ReservationTTL <= 0 {
		return errors.New("RESERVATION_TTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.CatalogTimeout <= 0 {
		return errors.New("CATALOG_TIMEOUT must be positive")
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL must be positive")
	}
	if c.JWTSecret != "" && c.AdminPasswordHash == "" {
		return errors.New("ADMIN_PASSWORD_HASH must be set when JWT_SECRET is")
	}
	return nil
}

// Database returns the MySQL connection settings.
func (c Config) Database() database.Settings {
	return database.Settings{
		User:     c.DBUser,
		Password: c.DBPass,
		Host:     c.DBHost,
		Port:     c.DBPort,
		Name:     c.DBName,
	}
}

// AdminEnabled reports whether the admin routes can issue and check tokens.
func (c Config) AdminEnabled() bool { return c.JWTSecret != "" }

// MessagingEnabled reports whether the queue adapters should run.
func (c Config) MessagingEnabled() bool { return c.RabbitMQURL != "" }
