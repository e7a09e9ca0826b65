package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       string `validate:"required,numeric"`
	DBAdapter  string `validate:"oneof=postgres sqlite memory"`
	SQLiteFile string
	JwtSecret  string `validate:"required"`
	LogLevel   string `validate:"oneof=debug info warn error"`
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	AccessTokenTTL time.Duration `validate:"gt=0"`
	// per client IP, all API routes
	RequestsPerMinute int `validate:"gt=0"`

	// Vulnerability lookups and alternatives are limited per user with a
	// fixed window.
	RateLimitMaxRequests int           `validate:"gt=0"`
	RateLimitWindow      time.Duration `validate:"gt=0"`

	CacheBackend string        `validate:"oneof=memory badger"`
	CachePath    string        `validate:"required_if=CacheBackend badger"`
	CacheExpire  time.Duration `validate:"gt=0"`

	OSVBaseURL      string        `validate:"url"`
	PyPIBaseURL     string        `validate:"url"`
	UpstreamTimeout time.Duration `validate:"gt=0"`
	UpstreamRPS     float64       `validate:"gte=0"`

	ReconcileWorkers int `validate:"gt=0"`

	OpenAIAPIKey  string
	OpenAIBaseURL string `validate:"omitempty,url"`
	OpenAIModel   string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New reads the configuration from the environment. A .env file in the
// working directory, when present, fills variables that are not set.
func New() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  getenv("DB_ADAPTER", "memory"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/vulntrack.db"),
		JwtSecret:  getenv("JWT_SECRET", "change-me"),
		LogLevel:   strings.ToLower(getenv("LOG_LEVEL", "info")),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "vulntrack")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "vulntrack")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		CacheBackend:  getenv("CACHE_BACKEND", "memory"),
		CachePath:     getenv("CACHE_PATH", ""),
		OSVBaseURL:    getenv("OSV_API_URL", "https://api.osv.dev/v1"),
		PyPIBaseURL:   getenv("PYPI_API_URL", "https://pypi.org/pypi"),
		OpenAIAPIKey:  getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"REQUESTS_PER_MINUTE", 600, &c.RequestsPerMinute},
		{"RATE_LIMIT_MAX_REQUESTS", 5, &c.RateLimitMaxRequests},
		{"RECONCILE_WORKERS", 8, &c.ReconcileWorkers},
	}
	for _, it := range ints {
		n, err := getenvInt(it.key, it.def)
		if err != nil {
			return nil, err
		}
		*it.dst = n
	}

	// durations are given in whole units
	durations := []struct {
		key  string
		def  int
		unit time.Duration
		dst  *time.Duration
	}{
		{"ACCESS_TOKEN_EXPIRE_MINUTES", 10, time.Minute, &c.AccessTokenTTL},
		{"RATE_LIMIT_WINDOW", 60, time.Second, &c.RateLimitWindow},
		{"CACHE_EXPIRE", 3600, time.Second, &c.CacheExpire},
		{"UPSTREAM_TIMEOUT_SECONDS", 30, time.Second, &c.UpstreamTimeout},
	}
	for _, d := range durations {
		n, err := getenvInt(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = time.Duration(n) * d.unit
	}

	rps, err := getenvFloat("UPSTREAM_RPS", 10)
	if err != nil {
		return nil, err
	}
	c.UpstreamRPS = rps

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	env := strings.ToLower(getenv("NODE_ENV", getenv("ENV", "")))
	if env == "production" || env == "prod" {
		if c.JwtSecret == "change-me" {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
	}

	return c, nil
}
