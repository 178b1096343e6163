// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxSafeConnectionLimit is the highest per-DC connection ceiling that does
// not risk disconnect/reconnect loops on the backend.
const MaxSafeConnectionLimit = 25

// MaxDownloadPartSize is the largest chunk the backend returns in one read.
const MaxDownloadPartSize = 1 << 20

// Config holds all server configuration.
type Config struct {
	// Server
	Host        string
	Port        int
	PublicURL   string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string
	Debug     bool

	// Backend accounts
	GatewayAddr string
	ProxyURL    string
	BotToken    string
	MultiTokens []string
	BinChannel  int64

	// Transfer
	ConnectionLimit  int
	DownloadPartSize int64

	// Downloads
	RequestsPerMinute int
	FileCacheTTL      time.Duration

	// Database ("postgres" or "badger", default: "postgres")
	DBBackend   string
	DatabaseURL string
	BadgerDir   string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Host:              envOr("HOST", "0.0.0.0"),
		Port:              envInt("PORT", 8080),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		LogOutput:         envOr("LOG_OUTPUT", "stderr"),
		Debug:             envBool("DEBUG", false),
		GatewayAddr:       envOr("GATEWAY_ADDR", ""),
		ProxyURL:          envOr("PROXY_URL", ""),
		BotToken:          envOr("BOT_TOKEN", ""),
		MultiTokens:       multiTokens(os.Environ()),
		BinChannel:        envInt64("BIN_CHANNEL", 0),
		ConnectionLimit:   envInt("CONNECTION_LIMIT", 5),
		DownloadPartSize:  envInt64("DOWNLOAD_PART_SIZE", 1024*1024),
		RequestsPerMinute: envInt("REQUESTS_PER_MINUTE", 0), // 0 = unlimited
		FileCacheTTL:      envDuration("FILE_CACHE_TTL", 5*time.Minute),
		DBBackend:         strings.ToLower(envOr("DB_BACKEND", "postgres")),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		BadgerDir:         envOr("BADGER_DIR", "./data/badger"),
	}
	cfg.PublicURL = strings.TrimRight(envOr("PUBLIC_URL", "http://"+cfg.ListenAddr()), "/")

	if cfg.Debug {
		cfg.LogLevel = "debug"
		cfg.LogFormat = "console"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.GatewayAddr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if c.BinChannel == 0 {
		return fmt.Errorf("BIN_CHANNEL is required")
	}
	if c.ConnectionLimit < 1 {
		return fmt.Errorf("CONNECTION_LIMIT must be at least 1, got %d", c.ConnectionLimit)
	}
	if c.DownloadPartSize <= 0 || c.DownloadPartSize > MaxDownloadPartSize {
		return fmt.Errorf("DOWNLOAD_PART_SIZE must be between 1 and %d, got %d", MaxDownloadPartSize, c.DownloadPartSize)
	}
	switch c.DBBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case "badger":
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required for the badger backend")
		}
	default:
		return fmt.Errorf("unsupported DB_BACKEND %q (valid: postgres, badger)", c.DBBackend)
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectionLimitRisky reports whether the ceiling is high enough to cause
// reconnect storms. Such values are accepted but should be logged.
func (c *Config) ConnectionLimitRisky() bool {
	return c.ConnectionLimit > MaxSafeConnectionLimit
}

// multiTokens collects MULTI_TOKEN<n> values ordered by n.
func multiTokens(environ []string) []string {
	const prefix = "MULTI_TOKEN"

	type indexed struct {
		n     int
		token string
	}
	var found []indexed
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || value == "" {
			continue
		}
		n, err := strconv.Atoi(key[len(prefix):])
		if err != nil || n < 0 {
			continue
		}
		found = append(found, indexed{n: n, token: value})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	tokens := make([]string, 0, len(found))
	for _, f := range found {
		tokens = append(tokens, f.token)
	}
	return tokens
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
