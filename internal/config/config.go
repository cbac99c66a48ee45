package config

import (
	"errors"
	"fmt"
	"time"

	pkgconfig "github.com/btachinardi/lemon-todo-sub000/pkg/config"
	"github.com/btachinardi/lemon-todo-sub000/pkg/database"
	"github.com/btachinardi/lemon-todo-sub000/pkg/middleware"
	"github.com/btachinardi/lemon-todo-sub000/pkg/tracing"
)

// DevJWTSecret is accepted only when Environment is development.
const DevJWTSecret = "dev-only-insecure-jwt-secret-change-me"

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration for the auth service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort          int           `env:"AUTH_HTTP_PORT" envDefault:"8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Refresh token storage
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`

	// PostgreSQL
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"lemon"`
	PostgresPass     string `env:"POSTGRES_PASSWORD" envDefault:"lemon"`
	PostgresDB       string `env:"AUTH_DB_NAME" envDefault:"lemon_auth"`
	PostgresSSL      string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"20"`

	// Queries slower than this are logged at warn.
	SlowQuery time.Duration `env:"POSTGRES_SLOW_QUERY" envDefault:"200ms"`

	// Redis status cache. Empty address disables the cache.
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:""`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	StatusTTL     time.Duration `env:"USER_STATUS_CACHE_TTL" envDefault:"30s"`

	// Kafka audit stream. No brokers means audit events are only logged.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	AuditBuffer  int      `env:"AUDIT_BUFFER_SIZE" envDefault:"1024"`

	// JWT
	JWTSecret   string `env:"JWT_SECRET" envDefault:"dev-only-insecure-jwt-secret-change-me"`
	JWTIssuer   string `env:"JWT_ISSUER" envDefault:"lemon-todo-auth"`
	JWTAudience string `env:"JWT_AUDIENCE" envDefault:"lemon-todo-web"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	RaceWindow      time.Duration `env:"ROTATION_RACE_WINDOW" envDefault:"2s"`

	BcryptCost int `env:"BCRYPT_COST" envDefault:"12"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:5173" envSeparator:","`

	// pprof is served only to these networks.
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"127.0.0.1/32,::1/128" envSeparator:","`

	// Tracing
	OTLPEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	TracingEnabled  bool    `env:"OTEL_TRACING_ENABLED" envDefault:"false"`
	TraceSampleRate float64 `env:"OTEL_TRACE_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load auth config: %w", err)
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate checks rules the env tags cannot express. pkgconfig.Load calls it.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP port: %d", c.HTTPPort))
	}

	switch c.StoreBackend {
	case StorePostgres:
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid Postgres port: %d", c.PostgresPort))
		}
	case StoreMemory:
		if !c.IsDevelopment() {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=memory is only allowed in development, not %q", c.Environment))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreBackend))
	}

	if c.AccessTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_TTL must be positive, got %s", c.AccessTokenTTL))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, fmt.Errorf("REFRESH_TOKEN_TTL (%s) must be longer than ACCESS_TOKEN_TTL (%s)", c.RefreshTokenTTL, c.AccessTokenTTL))
	}
	if c.RaceWindow < 0 {
		errs = append(errs, fmt.Errorf("ROTATION_RACE_WINDOW must not be negative"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost))
	}

	if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters long, got %d", len(c.JWTSecret)))
	}
	// In non-development environments, require an explicitly set secret.
	if !c.IsDevelopment() && c.JWTSecret == DevJWTSecret {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be explicitly set via environment variable in %q mode", c.Environment))
	}

	return errors.Join(errs...)
}

// Postgres returns the pool settings for database.NewPostgresPool.
func (c *Config) Postgres() database.PostgresConfig {
	pg := database.DefaultPostgresConfig()
	pg.Host = c.PostgresHost
	pg.Port = c.PostgresPort
	pg.User = c.PostgresUser
	pg.Password = c.PostgresPass
	pg.DBName = c.PostgresDB
	pg.SSLMode = c.PostgresSSL
	pg.MaxConns = c.PostgresMaxConns
	return pg
}

// Redis returns the status cache client settings.
func (c *Config) Redis() database.RedisConfig {
	rc := database.DefaultRedisConfig()
	rc.Addr = c.RedisAddr
	rc.Password = c.RedisPassword
	rc.DB = c.RedisDB
	return rc
}

// Tracing returns the OpenTelemetry exporter settings.
func (c *Config) Tracing(serviceName string) tracing.Config {
	tc := tracing.DefaultConfig(serviceName)
	tc.Environment = c.Environment
	tc.OTLPEndpoint = c.OTLPEndpoint
	tc.Insecure = c.IsDevelopment()
	tc.SampleRate = c.TraceSampleRate
	tc.Enabled = c.TracingEnabled
	return tc
}

// CORS returns the middleware settings for the configured origins.
func (c *Config) CORS() middleware.CORSConfig {
	cc := middleware.DefaultCORSConfig()
	cc.AllowedOrigins = c.CORSAllowedOrigins
	cc.Environment = c.Environment
	return cc
}
