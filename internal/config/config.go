// Package config provides configuration management for the storefront CRM.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Shopify  ShopifyConfig
	Mail     MailConfig
	Sync     SyncConfig
	Worker   WorkerConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
	// PublicBaseURL is the externally reachable origin used in tracking and
	// unsubscribe links.
	PublicBaseURL   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration. The engagement archive
// is optional and stays off unless Enabled is set.
type ClickHouseConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MigrationsPath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ShopifyConfig holds commerce platform credentials
type ShopifyConfig struct {
	// Shops lists the store domains this deployment syncs.
	Shops         []string
	APIVersion    string
	ClientID      string
	ClientSecret  string
	AccessToken   string // static offline token; takes precedence over client credentials
	WebhookSecret string
	// TokenRefreshBuffer is how long before expiry a token is proactively refreshed.
	TokenRefreshBuffer time.Duration
	MaxThrottleRetries int
	RequestTimeout     time.Duration
}

// MailConfig holds outbound mail settings
type MailConfig struct {
	APIURL            string
	APIKey            string
	FromAddress       string
	FromName          string
	ReplyTo           string
	SendsPerSecond    int
	UnsubscribeSecret string
}

// SyncConfig holds sync orchestration settings
type SyncConfig struct {
	CheckpointEvery     int
	IncrementalInterval time.Duration
	RFMInterval         time.Duration
	StaleAfter          time.Duration
}

// WorkerConfig holds dispatch queue consumer settings
type WorkerConfig struct {
	Concurrency  int
	MaxAttempts  int
	PollInterval time.Duration
	QueuePrefix  string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "storefront_crm"),
				User:           getEnv("POSTGRES_USER", "crm"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "storefront_crm"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),

				MigrationsPath: getEnv("CLICKHOUSE_MIGRATIONS_PATH", "migrations/clickhouse"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Shopify: ShopifyConfig{
			Shops:              getEnvAsList("SHOPIFY_SHOPS"),
			APIVersion:         getEnv("SHOPIFY_API_VERSION", "2025-01"),
			ClientID:           getEnv("SHOPIFY_CLIENT_ID", ""),
			ClientSecret:       getEnv("SHOPIFY_CLIENT_SECRET", ""),
			AccessToken:        getEnv("SHOPIFY_ACCESS_TOKEN", ""),
			WebhookSecret:      getEnv("SHOPIFY_WEBHOOK_SECRET", ""),
			TokenRefreshBuffer: getEnvAsDuration("SHOPIFY_TOKEN_REFRESH_BUFFER", 5*time.Minute),
			MaxThrottleRetries: getEnvAsInt("SHOPIFY_MAX_THROTTLE_RETRIES", 5),
			RequestTimeout:     getEnvAsDuration("SHOPIFY_REQUEST_TIMEOUT", 30*time.Second),
		},
		Mail: MailConfig{
			APIURL:            getEnv("MAIL_API_URL", "https://api.resend.com/emails"),
			APIKey:            getEnv("MAIL_API_KEY", ""),
			FromAddress:       getEnv("MAIL_FROM_ADDRESS", ""),
			FromName:          getEnv("MAIL_FROM_NAME", ""),
			ReplyTo:           getEnv("MAIL_REPLY_TO", ""),
			SendsPerSecond:    getEnvAsInt("MAIL_SENDS_PER_SECOND", 10),
			UnsubscribeSecret: getEnv("UNSUBSCRIBE_SECRET", ""),
		},
		Sync: SyncConfig{
			CheckpointEvery:     getEnvAsInt("SYNC_CHECKPOINT_EVERY", 100),
			IncrementalInterval: getEnvAsDuration("SYNC_INCREMENTAL_INTERVAL", time.Hour),
			RFMInterval:         getEnvAsDuration("SYNC_RFM_INTERVAL", 24*time.Hour),
			StaleAfter:          getEnvAsDuration("SYNC_STALE_AFTER", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:  getEnvAsInt("WORKER_CONCURRENCY", 5),
			MaxAttempts:  getEnvAsInt("WORKER_MAX_ATTEMPTS", 5),
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", time.Second),
			QueuePrefix:  getEnv("WORKER_QUEUE_PREFIX", "crm:dispatch"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks the settings every process needs to run safely
func (c *Config) Validate() error {
	var missing []string
	if c.Shopify.WebhookSecret == "" {
		missing = append(missing, "SHOPIFY_WEBHOOK_SECRET")
	}
	if c.Mail.UnsubscribeSecret == "" {
		missing = append(missing, "UNSUBSCRIBE_SECRET")
	}
	if c.Shopify.AccessToken == "" && (c.Shopify.ClientID == "" || c.Shopify.ClientSecret == "") {
		missing = append(missing, "SHOPIFY_ACCESS_TOKEN or SHOPIFY_CLIENT_ID/SHOPIFY_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Sync.CheckpointEvery <= 0 {
		return fmt.Errorf("SYNC_CHECKPOINT_EVERY must be positive, got %d", c.Sync.CheckpointEvery)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
