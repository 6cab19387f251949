// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	Store          StoreConfig
	Council        CouncilConfig
	Sandbox        SandboxConfig
	Timeouts       TimeoutConfig
	SSE            SSEConfig
	RateLimit      RateLimitConfig
	// MaxConcurrentSessions bounds sessions being analyzed or executed at once.
	MaxConcurrentSessions int
}

// StoreConfig selects and tunes the session store.
type StoreConfig struct {
	Backend        string // "sqlite" or "memory"
	DBPath         string
	SessionTTL     time.Duration
	SweepInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// CouncilConfig selects the analysis collaborator transport.
type CouncilConfig struct {
	Transport string // "grpc" or "http"
	Addr      string
	URL       string
}

// SandboxConfig selects the execution collaborator.
type SandboxConfig struct {
	Backend      string // "docker", "remote" or "disabled"
	URL          string
	Runtime      string // Docker runtime: "" = default (runc), "runsc" = gVisor
	ProfilesPath string
	MaxAge       time.Duration
	ReapInterval time.Duration
}

// TimeoutConfig bounds every collaborator call.
type TimeoutConfig struct {
	Analysis          time.Duration
	Execution         time.Duration
	Fix               time.Duration
	Release           time.Duration
	ReleaseMaxRetries int
	HealthCheck       time.Duration
	Shutdown          time.Duration
}

// SSEConfig controls event streams.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// RateLimitConfig throttles submissions per client address.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8004"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Store: StoreConfig{
			Backend:        strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
			DBPath:         getEnv("DB_PATH", "./data/review.db"),
			SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
			SweepInterval:  getEnvDuration("STORE_SWEEP_INTERVAL", 5*time.Minute),
			MaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Council: CouncilConfig{
			Transport: strings.ToLower(getEnv("COUNCIL_TRANSPORT", "grpc")),
			Addr:      getEnv("COUNCIL_ADDR", "localhost:50051"),
			URL:       getEnv("COUNCIL_URL", "http://localhost:8001"),
		},
		Sandbox: SandboxConfig{
			Backend:      strings.ToLower(getEnv("SANDBOX_BACKEND", "docker")),
			URL:          getEnv("SANDBOX_URL", "http://localhost:8003"),
			Runtime:      getEnv("CONTAINER_RUNTIME", ""),
			ProfilesPath: getEnv("SANDBOX_PROFILES", ""),
			MaxAge:       getEnvDuration("SANDBOX_MAX_AGE", time.Hour),
			ReapInterval: getEnvDuration("SANDBOX_REAP_INTERVAL", 10*time.Minute),
		},
		Timeouts: TimeoutConfig{
			Analysis:          getEnvDuration("ANALYSIS_TIMEOUT", 120*time.Second),
			Execution:         getEnvDuration("EXECUTION_TIMEOUT", 180*time.Second),
			Fix:               getEnvDuration("FIX_TIMEOUT", 120*time.Second),
			Release:           getEnvDuration("RELEASE_TIMEOUT", 30*time.Second),
			ReleaseMaxRetries: getEnvInt("RELEASE_MAX_RETRIES", 3),
			HealthCheck:       getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:          getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("SUBMIT_RATE_LIMIT", 30),
			WindowDuration:    getEnvDuration("SUBMIT_RATE_WINDOW", time.Minute),
		},
		MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", 16),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be sqlite or memory, got %q", c.Store.Backend)
	}
	switch c.Council.Transport {
	case "grpc":
		if c.Council.Addr == "" {
			return fmt.Errorf("COUNCIL_ADDR cannot be empty")
		}
	case "http":
		if c.Council.URL == "" {
			return fmt.Errorf("COUNCIL_URL cannot be empty")
		}
	default:
		return fmt.Errorf("COUNCIL_TRANSPORT must be grpc or http, got %q", c.Council.Transport)
	}
	switch c.Sandbox.Backend {
	case "docker", "disabled":
	case "remote":
		if c.Sandbox.URL == "" {
			return fmt.Errorf("SANDBOX_URL cannot be empty")
		}
	default:
		return fmt.Errorf("SANDBOX_BACKEND must be docker, remote or disabled, got %q", c.Sandbox.Backend)
	}
	if c.Store.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Timeouts.Analysis <= 0 || c.Timeouts.Execution <= 0 || c.Timeouts.Fix <= 0 {
		return fmt.Errorf("collaborator timeouts must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT must be > 0")
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if getEnvBool("CONTAINER", false) {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
