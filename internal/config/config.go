// Package config loads runtime settings for the chat-server binaries. Values
// come from the environment (optionally seeded from a .env file) and can be
// overridden on the command line.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Moderation store backends.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreNone     = "none"
)

// Config holds every setting used by wsserver, moderator and janitor. Each
// binary reads only the fields it needs.
type Config struct {
	Environment string // ENV: production, development
	LogLevel    string

	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	TrustProxy     bool // take the client IP from X-Forwarded-For
	IdentitySalt   string

	ServerName string
	RedisURL   string
	NATSURL    string // empty disables cross-instance delivery

	ModerationStore string // postgres | mongo | none
	PostgresURI     string
	MongoURI        string

	JanitorInterval time.Duration
}

// Load reads the .env file if present, applies environment variables over
// the defaults, then parses args as flags. Flags win over the environment.
func Load(name string, args []string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:     strings.ToLower(strings.TrimSpace(getEnv("ENV", "development"))),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		WorkerPoolSize:  getEnvInt("WORKER_POOL_SIZE", 256),
		MaxConnections:  getEnvInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		AllowedOrigins:  parseList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		TrustProxy:      getEnvBool("TRUST_PROXY", false),
		IdentitySalt:    getEnv("IDENTITY_SALT", ""),
		ServerName:      getEnv("SERVER_NAME", defaultServerName()),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:         getEnv("NATS_URL", ""),
		ModerationStore: strings.ToLower(getEnv("MODERATION_STORE", StorePostgres)),
		PostgresURI:     getEnv("POSTGRES_URI", "postgres://localhost:5432/guptmilan?sslmode=disable"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017/guptmilan"),
		JanitorInterval: getEnvDuration("JANITOR_INTERVAL", 30*time.Second),
	}

	origins := strings.Join(cfg.AllowedOrigins, ",")

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&cfg.Environment, "env", cfg.Environment, "runtime environment (development|production)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP/WebSocket listen address")
	fs.IntVar(&cfg.WorkerPoolSize, "workers", cfg.WorkerPoolSize, "max concurrent read workers")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "hard cap on open connections")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "WebSocket frame read timeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "WebSocket frame write timeout")
	fs.StringVar(&origins, "allowed-origins", origins, "comma-separated list of allowed browser origins")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "use X-Forwarded-For as the client address")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "identifier of this instance")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for sessions, queues and limits")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL (empty runs single-instance)")
	fs.StringVar(&cfg.ModerationStore, "moderation-store", cfg.ModerationStore, "report/ban backend (postgres|mongo|none)")
	fs.StringVar(&cfg.PostgresURI, "postgres-uri", cfg.PostgresURI, "PostgreSQL connection string")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection string")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "queue sweep interval")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.AllowedOrigins = parseList(origins)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) validate() error {
	switch c.ModerationStore {
	case StorePostgres, StoreMongo, StoreNone:
	default:
		return fmt.Errorf("config: unknown moderation store %q", c.ModerationStore)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: worker pool size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max connections must be positive, got %d", c.MaxConnections)
	}
	return nil
}

func defaultServerName() string {
	name, _ := os.Hostname()
	if name == "" {
		name = "ws-1"
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
