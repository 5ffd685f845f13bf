// Package config loads settings from PAPERMAIL_* environment variables and
// an optional .env file.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "papermail"

// Config holds all settings of the binaries.
type Config struct {
	Environment string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisEnabled  bool
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	CacheAbsoluteTTL time.Duration
	CacheSlidingTTL  time.Duration

	DialTimeout           time.Duration
	CommandTimeout        time.Duration
	ConnectionsPerAccount int
	ScanBatchSize         int

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string

	EncryptionKeyBase64 string
	KeyringDir          string
	KeyringPassword     string

	ListenAddress string
}

// NewConfig reads the environment and validates the result.
func NewConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	env := v.GetString("env")
	if env == "development" {
		// A missing .env file is fine; the environment may be complete.
		_ = godotenv.Load()
	}

	cfg := &Config{
		Environment: env,

		LogLevel:      v.GetString("log.level"),
		LogFile:       v.GetString("log.file"),
		LogMaxSizeMB:  v.GetInt("log.max_size"),
		LogMaxBackups: v.GetInt("log.max_backups"),
		LogMaxAgeDays: v.GetInt("log.max_age"),

		DBHost:     v.GetString("db.host"),
		DBPort:     v.GetString("db.port"),
		DBUsername: v.GetString("db.user"),
		DBPassword: v.GetString("db.password"),
		DBName:     v.GetString("db.name"),
		DBSSLMode:  v.GetString("db.sslmode"),

		RedisEnabled:  v.GetBool("redis.enabled"),
		RedisAddress:  v.GetString("redis.address"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),

		CacheAbsoluteTTL: v.GetDuration("cache.absolute_ttl"),
		CacheSlidingTTL:  v.GetDuration("cache.sliding_ttl"),

		DialTimeout:           v.GetDuration("mail.dial_timeout"),
		CommandTimeout:        v.GetDuration("mail.command_timeout"),
		ConnectionsPerAccount: v.GetInt("mail.connections_per_account"),
		ScanBatchSize:         v.GetInt("mail.scan_batch_size"),

		OAuthClientID:     v.GetString("oauth.client_id"),
		OAuthClientSecret: v.GetString("oauth.client_secret"),
		OAuthTokenURL:     v.GetString("oauth.token_url"),
		OAuthScopes:       parseList(v.GetString("oauth.scopes")),

		EncryptionKeyBase64: v.GetString("encryption_key_base64"),
		KeyringDir:          v.GetString("keyring.dir"),
		KeyringPassword:     v.GetString("keyring.password"),

		ListenAddress: v.GetString("listen_address"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "papermail")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "papermail")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.absolute_ttl", "10m")
	v.SetDefault("cache.sliding_ttl", "2m")
	v.SetDefault("mail.dial_timeout", "10s")
	v.SetDefault("mail.command_timeout", "60s")
	v.SetDefault("mail.connections_per_account", 4)
	v.SetDefault("mail.scan_batch_size", 100)
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.token_url", "")
	v.SetDefault("oauth.scopes", "")
	v.SetDefault("encryption_key_base64", "")
	v.SetDefault("keyring.dir", "~/.config/papermail/credentials")
	v.SetDefault("keyring.password", "papermail-file-key")
	v.SetDefault("listen_address", ":9090")
}

// Validate checks values that have no safe default.
func (c *Config) Validate() error {
	if c.CacheAbsoluteTTL <= 0 {
		return fmt.Errorf("PAPERMAIL_CACHE_ABSOLUTE_TTL must be positive")
	}
	if c.CacheSlidingTTL <= 0 || c.CacheSlidingTTL > c.CacheAbsoluteTTL {
		return fmt.Errorf("PAPERMAIL_CACHE_SLIDING_TTL must be positive and not longer than the absolute TTL")
	}
	if c.ScanBatchSize <= 0 {
		return fmt.Errorf("PAPERMAIL_MAIL_SCAN_BATCH_SIZE must be positive")
	}
	if c.EncryptionKeyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
		if err != nil {
			return fmt.Errorf("PAPERMAIL_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("PAPERMAIL_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
		}
	}
	if c.OAuthTokenURL != "" && c.OAuthClientID == "" {
		return fmt.Errorf("PAPERMAIL_OAUTH_CLIENT_ID is required when a token URL is set")
	}
	return nil
}

// RequireDatabase checks the settings the Postgres-backed server needs.
func (c *Config) RequireDatabase() error {
	if c.DBPassword == "" {
		return fmt.Errorf("PAPERMAIL_DB_PASSWORD is required")
	}
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("PAPERMAIL_ENCRYPTION_KEY_BASE64 is required")
	}
	return nil
}

// GetDatabaseURL builds the pgx connection URL.
func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
