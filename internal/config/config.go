// Package config loads the probe CLI configuration from environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds probe configuration populated from environment variables.
type Config struct {
	// Gateway
	GatewayHost       string
	Token             string
	APIVersion        int
	ShardID           int
	ShardCount        int
	LargeThreshold    int
	Incognito         bool
	InitialPresence   string // raw JSON object, sent verbatim in IDENTIFY
	MaxBufferSize     int
	CommandRateLimit  int
	CommandRateWindow time.Duration

	// Environment
	Environment string // "development" or "production"

	// Observability
	MetricsAddr string // empty disables the /metrics listener

	// NATS relay
	NATSURL           string // empty disables the relay
	NATSSubjectPrefix string
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if required values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		GatewayHost:       envStr("GATEWAY_HOST", ""),
		Token:             envStr("GATEWAY_TOKEN", ""),
		APIVersion:        p.int("GATEWAY_API_VERSION", 7),
		ShardID:           p.int("GATEWAY_SHARD_ID", 0),
		ShardCount:        p.int("GATEWAY_SHARD_COUNT", 0),
		LargeThreshold:    p.int("GATEWAY_LARGE_THRESHOLD", 250),
		Incognito:         p.bool("GATEWAY_INCOGNITO", false),
		InitialPresence:   envStr("GATEWAY_INITIAL_PRESENCE", ""),
		MaxBufferSize:     p.int("GATEWAY_MAX_BUFFER_SIZE", 64*1024),
		CommandRateLimit:  p.int("GATEWAY_COMMAND_RATE_LIMIT", 120),
		CommandRateWindow: p.duration("GATEWAY_COMMAND_RATE_WINDOW", 60*time.Second),

		Environment: envStr("ENVIRONMENT", "production"),

		MetricsAddr: envStr("METRICS_ADDR", ""),

		NATSURL:           envStr("NATS_URL", ""),
		NATSSubjectPrefix: envStr("NATS_SUBJECT_PREFIX", "gateway.events"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) validate() error {
	var errs []error

	if c.GatewayHost == "" {
		errs = append(errs, fmt.Errorf("GATEWAY_HOST is required"))
	}
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("GATEWAY_TOKEN is required"))
	}
	if c.APIVersion < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_API_VERSION must be at least 1"))
	}
	if c.ShardCount < 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_SHARD_COUNT must not be negative"))
	}
	if c.ShardCount > 0 && (c.ShardID < 0 || c.ShardID >= c.ShardCount) {
		errs = append(errs, fmt.Errorf("GATEWAY_SHARD_ID (%d) must be between 0 and GATEWAY_SHARD_COUNT-1 (%d)", c.ShardID, c.ShardCount-1))
	}
	if c.LargeThreshold < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_LARGE_THRESHOLD must be at least 1"))
	}
	if c.CommandRateLimit < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_COMMAND_RATE_LIMIT must be at least 1"))
	}
	if c.CommandRateWindow < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_COMMAND_RATE_WINDOW must be at least 1s"))
	}
	if c.InitialPresence != "" && !json.Valid([]byte(c.InitialPresence)) {
		errs = append(errs, fmt.Errorf("GATEWAY_INITIAL_PRESENCE must be valid JSON"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"60s\" or \"1m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
