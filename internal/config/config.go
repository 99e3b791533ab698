package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"commlink/internal/auth"
	"commlink/internal/client"
	"commlink/internal/heartbeat"
	"commlink/internal/server"
	"commlink/internal/session"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

// Credential sources understood by the server binary.
const (
	CredentialsStatic   = "static"
	CredentialsHashed   = "hashed"
	CredentialsToken    = "token"
	CredentialsDatabase = "database"
)

type Config struct {
	// Environment
	GoEnv string `env:"GO_ENV" default:"development"`

	// Service Ports
	TCPHost   string `env:"TCP_HOST" default:""`
	TCPPort   int    `env:"TCP_PORT" default:"8080"`
	AdminPort int    `env:"ADMIN_PORT" default:"8081"` // 0 disables the admin API

	// Handshake policy
	KeepMessages     bool   `env:"KEEP_MESSAGES" default:"true"`
	UseMagic         bool   `env:"USE_MAGIC" default:"false"`
	ExpectedMagic    string `env:"EXPECTED_MAGIC"`
	UseCredentials   bool   `env:"USE_CREDENTIALS" default:"false"`
	ExpectedUsername string `env:"EXPECTED_USERNAME"`
	ExpectedPassword string `env:"EXPECTED_PASSWORD"` // bcrypt hash when CREDENTIAL_SOURCE=hashed
	CredentialSource string `env:"CREDENTIAL_SOURCE" default:"static"`

	// Connection tuning
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"60s"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" default:"30s"`
	ReadIdleTimeout   time.Duration `env:"READ_IDLE_TIMEOUT" default:"5m"`
	VerifyTimeout     time.Duration `env:"VERIFY_TIMEOUT" default:"5s"`
	RateLimit         float64       `env:"RATE_LIMIT" default:"0"`
	RateBurst         int           `env:"RATE_BURST" default:"20"`

	// Session store
	SessionStore  string        `env:"SESSION_STORE" default:"memory"`
	RedisURL      string        `env:"REDIS_URL" default:"redis://localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" default:"0"`
	SessionTTL    time.Duration `env:"SESSION_TTL" default:"24h"`
	SQLitePath    string        `env:"SQLITE_PATH" default:"./data/sessions.db"`

	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Authentication
	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" default:"24h"`

	// Development
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Client
	ServerAddr     string `env:"COMMLINK_ADDR" default:"localhost:8080"`
	ClientMagic    string `env:"COMMLINK_MAGIC"`
	ClientUsername string `env:"COMMLINK_USERNAME"`
	ClientPassword string `env:"COMMLINK_PASSWORD"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// A missing .env file is fine, the process environment still applies.
	_ = godotenv.Load(".env")

	config := &Config{}

	if err := loadEnvString(&config.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}

	// Ports
	if err := loadEnvString(&config.TCPHost, "TCP_HOST", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.TCPPort, "TCP_PORT", server.DefaultPort); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AdminPort, "ADMIN_PORT", 8081); err != nil {
		return nil, err
	}

	// Handshake policy
	if err := loadEnvBool(&config.KeepMessages, "KEEP_MESSAGES", true); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.UseMagic, "USE_MAGIC", false); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ExpectedMagic, "EXPECTED_MAGIC", ""); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.UseCredentials, "USE_CREDENTIALS", false); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ExpectedUsername, "EXPECTED_USERNAME", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ExpectedPassword, "EXPECTED_PASSWORD", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.CredentialSource, "CREDENTIAL_SOURCE", CredentialsStatic); err != nil {
		return nil, err
	}

	// Connection tuning
	if err := loadEnvDuration(&config.HeartbeatInterval, "HEARTBEAT_INTERVAL", heartbeat.DefaultInterval); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.HandshakeTimeout, "HANDSHAKE_TIMEOUT", server.DefaultHandshakeTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.ReadIdleTimeout, "READ_IDLE_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.VerifyTimeout, "VERIFY_TIMEOUT", auth.DefaultVerifyTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.RateLimit, "RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RateBurst, "RATE_BURST", 20); err != nil {
		return nil, err
	}

	// Session store
	if err := loadEnvString(&config.SessionStore, "SESSION_STORE", session.KindMemory); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", "redis://localhost:6379"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisPassword, "REDIS_PASSWORD", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RedisDB, "REDIS_DB", 0); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.SessionTTL, "SESSION_TTL", session.DefaultRedisTTL); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.SQLitePath, "SQLITE_PATH", "./data/sessions.db"); err != nil {
		return nil, err
	}

	// Database
	if err := loadEnvString(&config.DatabaseURL, "DATABASE_URL", ""); err != nil {
		return nil, err
	}

	// Authentication
	if err := loadEnvString(&config.JWTSecret, "JWT_SECRET", ""); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.JWTExpiry, "JWT_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}

	// Development
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", "text"); err != nil {
		return nil, err
	}

	// Client
	if err := loadEnvString(&config.ServerAddr, "COMMLINK_ADDR", "localhost:8080"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ClientMagic, "COMMLINK_MAGIC", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ClientUsername, "COMMLINK_USERNAME", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ClientPassword, "COMMLINK_PASSWORD", ""); err != nil {
		return nil, err
	}
	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	if c.TCPPort < 0 || c.TCPPort > 65535 {
		errors = append(errors, "TCP_PORT must be between 0 and 65535")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errors = append(errors, "ADMIN_PORT must be between 0 and 65535")
	}

	if c.UseMagic && c.ExpectedMagic == "" {
		errors = append(errors, "EXPECTED_MAGIC is required when USE_MAGIC is set")
	}

	validSources := []string{CredentialsStatic, CredentialsHashed, CredentialsToken, CredentialsDatabase}
	if !contains(validSources, c.CredentialSource) {
		errors = append(errors, fmt.Sprintf("CREDENTIAL_SOURCE must be one of: %s", strings.Join(validSources, ", ")))
	}
	if c.UseCredentials {
		switch c.CredentialSource {
		case CredentialsStatic, CredentialsHashed:
			if c.ExpectedUsername == "" {
				errors = append(errors, "EXPECTED_USERNAME is required for static and hashed credentials")
			}
		case CredentialsToken:
			if c.JWTSecret == "" {
				errors = append(errors, "JWT_SECRET is required for token credentials")
			}
		case CredentialsDatabase:
			if c.DatabaseURL == "" {
				errors = append(errors, "DATABASE_URL is required for database credentials")
			}
		}
	}

	validStores := []string{session.KindMemory, session.KindRedis, session.KindPostgres, session.KindSQLite}
	if !contains(validStores, c.SessionStore) {
		errors = append(errors, fmt.Sprintf("SESSION_STORE must be one of: %s", strings.Join(validStores, ", ")))
	}
	if c.SessionStore == session.KindPostgres && c.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required for the postgres session store")
	}
	if c.SessionStore == session.KindSQLite && c.SQLitePath == "" {
		errors = append(errors, "SQLITE_PATH is required for the sqlite session store")
	}

	if c.HeartbeatInterval <= 0 {
		errors = append(errors, "HEARTBEAT_INTERVAL must be positive")
	}
	if c.RateLimit < 0 {
		errors = append(errors, "RATE_LIMIT must not be negative")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	// Validate JWT secret length (should be at least 32 characters for security)
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errors = append(errors, "JWT_SECRET should be at least 32 characters long")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// RedisAddr strips the scheme from RedisURL.
func (c *Config) RedisAddr() string {
	addr := strings.TrimPrefix(c.RedisURL, "redis://")
	return strings.TrimPrefix(addr, "rediss://")
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SessionConfig selects the session backend.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Kind:          c.SessionStore,
		RedisAddr:     c.RedisAddr(),
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		TTL:           c.SessionTTL,
		DatabaseURL:   c.DatabaseURL,
		SQLitePath:    c.SQLitePath,
	}
}

// ServerOptions maps the configuration onto server options. Verifiers and
// the session store are attached by the caller.
func (c *Config) ServerOptions(logger *slog.Logger) server.Options {
	opts := server.DefaultOptions()
	opts.Host = c.TCPHost
	opts.Port = c.TCPPort
	opts.KeepMessages = c.KeepMessages
	opts.UseMagic = c.UseMagic
	opts.ExpectedMagic = c.ExpectedMagic
	opts.UseCredentials = c.UseCredentials
	opts.ExpectedUsername = c.ExpectedUsername
	opts.ExpectedPassword = c.ExpectedPassword
	opts.HeartbeatInterval = c.HeartbeatInterval
	opts.HandshakeTimeout = c.HandshakeTimeout
	opts.ReadTimeout = c.ReadIdleTimeout
	opts.VerifyTimeout = c.VerifyTimeout
	opts.RateLimit = rate.Limit(c.RateLimit)
	opts.RateBurst = c.RateBurst
	opts.Logger = logger
	return opts
}

// ClientOptions maps the COMMLINK_* settings onto client options.
func (c *Config) ClientOptions(logger *slog.Logger) client.Options {
	opts := client.DefaultOptions()
	opts.Magic = c.ClientMagic
	opts.Username = c.ClientUsername
	opts.Password = c.ClientPassword
	opts.KeepMessages = c.KeepMessages
	opts.Heartbeat = heartbeat.Config{Interval: c.HeartbeatInterval}
	opts.Logger = logger
	return opts
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
