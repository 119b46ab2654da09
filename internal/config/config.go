package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported values for DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	ServerPort string
	ServerHost string

	// Persistence worker pool
	PersistWorkers   int
	PersistQueueSize int

	// Per-connection write limits on the gateway
	WritesPerSecond int
	WriteBurst      int

	// Cross-instance fan-out, empty disables it
	RedisAddr    string
	RedisChannel string

	MDNSEnabled bool

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
	LogLevel       string
	LogPretty      bool

	// Client side
	GatewayURL          string
	GatewayProbeTimeout time.Duration
	IdentityPath        string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "afteryou"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "./data/afteryou.db"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		PersistWorkers:   getEnvInt("PERSIST_WORKERS", 4),
		PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),

		WritesPerSecond: getEnvInt("WRITES_PER_SECOND", 100),
		WriteBurst:      getEnvInt("WRITE_BURST", 200),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "afteryou:mutations"),

		MDNSEnabled: getEnvBool("MDNS_ENABLED", false),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      getEnvBool("LOG_PRETTY", true),

		GatewayURL:          getEnv("GATEWAY_URL", ""),
		GatewayProbeTimeout: getEnvDuration("GATEWAY_PROBE_TIMEOUT", 3*time.Second),
		IdentityPath:        getEnv("IDENTITY_PATH", defaultIdentityPath()),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.PersistWorkers < 1 {
		return fmt.Errorf("PERSIST_WORKERS must be at least 1")
	}
	if c.WritesPerSecond < 1 || c.WriteBurst < 1 {
		return fmt.Errorf("WRITES_PER_SECOND and WRITE_BURST must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the listen address of the gateway server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./afteryou-identity.db"
	}
	return home + "/.afteryou/identity.db"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
