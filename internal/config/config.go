package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerURL      string
	Token          string
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxReconnects  int
	TypingTTL      time.Duration
	SweepInterval  time.Duration
	HistorySize    int
	// CacheFile enables the offline snapshot cache; empty disables it.
	CacheFile string
}

func Load() (*Config, error) {
	connectTimeout, err := time.ParseDuration(getEnv("UTALK_CONNECT_TIMEOUT", "45s"))
	if err != nil {
		return nil, fmt.Errorf("UTALK_CONNECT_TIMEOUT: %w", err)
	}
	backoffBase, err := time.ParseDuration(getEnv("UTALK_BACKOFF_BASE", "1s"))
	if err != nil {
		return nil, fmt.Errorf("UTALK_BACKOFF_BASE: %w", err)
	}
	backoffMax, err := time.ParseDuration(getEnv("UTALK_BACKOFF_MAX", "30s"))
	if err != nil {
		return nil, fmt.Errorf("UTALK_BACKOFF_MAX: %w", err)
	}
	typingTTL, err := time.ParseDuration(getEnv("UTALK_TYPING_TTL", "5s"))
	if err != nil {
		return nil, fmt.Errorf("UTALK_TYPING_TTL: %w", err)
	}
	sweepInterval, err := time.ParseDuration(getEnv("UTALK_SWEEP_INTERVAL", "1s"))
	if err != nil {
		return nil, fmt.Errorf("UTALK_SWEEP_INTERVAL: %w", err)
	}
	maxReconnects, err := strconv.Atoi(getEnv("UTALK_MAX_RECONNECTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("UTALK_MAX_RECONNECTS: %w", err)
	}
	historySize, err := strconv.Atoi(getEnv("UTALK_HISTORY_SIZE", "200"))
	if err != nil {
		return nil, fmt.Errorf("UTALK_HISTORY_SIZE: %w", err)
	}

	cfg := &Config{
		ServerURL:      getEnv("UTALK_SERVER_URL", "http://localhost:8080"),
		Token:          os.Getenv("UTALK_TOKEN"),
		ConnectTimeout: connectTimeout,
		BackoffBase:    backoffBase,
		BackoffMax:     backoffMax,
		MaxReconnects:  maxReconnects,
		TypingTTL:      typingTTL,
		SweepInterval:  sweepInterval,
		HistorySize:    historySize,
		CacheFile:      getEnv("UTALK_CACHE_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("UTALK_SERVER_URL is required")
	}

	if c.Token == "" {
		return fmt.Errorf("UTALK_TOKEN is required")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("UTALK_CONNECT_TIMEOUT must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
