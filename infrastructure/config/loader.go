// Package config provides unified configuration loading for the investment
// core backend: environment variable parsing with fallbacks, CSV/size/
// duration parsing helpers, and a typed Settings struct assembled by Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Environment Loading Helpers
// =============================================================================

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// RequireEnv retrieves a required environment variable, returning an error
// if unset or blank.
func RequireEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return value, nil
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with optional default.
// Returns defaultValue if the value is invalid.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseEnvInt parses an integer from the environment variable with the given key.
func ParseEnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseEnvDuration parses a duration from the environment variable with the given key.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// =============================================================================
// CSV Parsing
// =============================================================================

// SplitAndTrimCSV splits a CSV string and trims each part.
// Empty values are filtered out.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// =============================================================================
// Byte Size Parsing
// =============================================================================

// ParseByteSize parses a size string like "1GB", "512MB" into bytes.
// Supported suffixes: B, KB, MB, GB, TB (and their lowercase variants).
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	type suffix struct {
		value      string
		multiplier int64
	}

	suffixes := []suffix{
		{"tb", 1024 * 1024 * 1024 * 1024},
		{"gib", 1024 * 1024 * 1024},
		{"gb", 1024 * 1024 * 1024},
		{"g", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024},
		{"mb", 1024 * 1024},
		{"m", 1024 * 1024},
		{"kib", 1024},
		{"kb", 1024},
		{"k", 1024},
		{"b", 1},
	}

	const maxInt64 = int64(^uint64(0) >> 1)

	for _, entry := range suffixes {
		if !strings.HasSuffix(value, entry.value) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(value, entry.value))
		if num == "" {
			return 0, fmt.Errorf("missing size value")
		}
		parsed, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("size must be positive")
		}
		if parsed > maxInt64/entry.multiplier {
			return 0, fmt.Errorf("size too large")
		}
		return parsed * entry.multiplier, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// =============================================================================
// Duration / Bool / Int Parsing
// =============================================================================

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// ParseBoolOrDefault parses a boolean string or returns the default.
func ParseBoolOrDefault(raw string, defaultValue bool) bool {
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// ParseIntOrDefault parses an integer string or returns the default.
func ParseIntOrDefault(raw string, defaultValue int) int {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return defaultValue
}

// ParseInt64OrDefault parses an int64 string or returns the default.
func ParseInt64OrDefault(raw string, defaultValue int64) int64 {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return parsed
	}
	return defaultValue
}

// =============================================================================
// Port Configuration
// =============================================================================

// GetPort retrieves the HTTP port from PORT or falls back to defaultPort.
func GetPort(defaultPort int) int {
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultPort
}

// =============================================================================
// Timeouts
// =============================================================================

// DefaultTimeouts returns standard timeout values for different operations.
type DefaultTimeouts struct {
	HTTP     time.Duration
	Broker   time.Duration
	Database time.Duration
}

// GetDefaultTimeouts returns default timeout values.
func GetDefaultTimeouts() DefaultTimeouts {
	return DefaultTimeouts{
		HTTP:     30 * time.Second,
		Broker:   15 * time.Second,
		Database: 10 * time.Second,
	}
}

// =============================================================================
// Settings — the assembled application configuration
// =============================================================================

// CustodianSettings holds per-custodian integration credentials.
type CustodianSettings struct {
	Name         string
	ClientID     string
	ClientSecret string
	WebhookKey   string
	BaseURL      string
}

// Settings is the fully-loaded application configuration.
type Settings struct {
	Port int

	DatabaseURL       string
	DatabaseMaxOpen   int
	DatabaseMaxIdle   int
	DatabaseConnLife  time.Duration

	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerBaseURL   string

	Custodians map[string]CustodianSettings

	RedisURL string

	CORSOrigins []string

	JWTSigningKey string

	LogLevel  string
	LogFormat string

	MetricsEnabled bool
	AlertWebhook   string
}

const minJWTKeyLength = 32

// Load reads Settings from the process environment, failing fast when a
// required value is missing or structurally invalid (e.g. a JWT signing key
// shorter than minJWTKeyLength). Custodian names come from
// CUSTODIAN_NAMES (CSV); each name's credentials are read from
// <NAME>_CLIENT_ID / _CLIENT_SECRET / _WEBHOOK_KEY / _BASE_URL, where <NAME>
// is the custodian name upper-cased with hyphens replaced by underscores.
func Load() (*Settings, error) {
	dbURL, err := RequireEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}

	jwtKey := GetEnv("JWT_SIGNING_KEY", "")
	if jwtKey != "" && len(jwtKey) < minJWTKeyLength {
		return nil, fmt.Errorf("JWT_SIGNING_KEY must be at least %d characters", minJWTKeyLength)
	}

	custodians := map[string]CustodianSettings{}
	for _, name := range SplitAndTrimCSV(GetEnv("CUSTODIAN_NAMES", "")) {
		upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		custodians[name] = CustodianSettings{
			Name:         name,
			ClientID:     GetEnv(upper+"_CLIENT_ID", ""),
			ClientSecret: GetEnv(upper+"_CLIENT_SECRET", ""),
			WebhookKey:   GetEnv(upper+"_WEBHOOK_KEY", ""),
			BaseURL:      GetEnv(upper+"_BASE_URL", ""),
		}
	}

	return &Settings{
		Port: GetPort(8080),

		DatabaseURL:      dbURL,
		DatabaseMaxOpen:  GetEnvInt("DATABASE_MAX_OPEN_CONNS", 20),
		DatabaseMaxIdle:  GetEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		DatabaseConnLife: ParseDurationOrDefault(GetEnv("DATABASE_CONN_MAX_LIFETIME", ""), 30*time.Minute),

		BrokerAPIKey:    GetEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: GetEnv("BROKER_API_SECRET", ""),
		BrokerBaseURL:   GetEnv("BROKER_BASE_URL", ""),

		Custodians: custodians,

		RedisURL: GetEnv("REDIS_URL", ""),

		CORSOrigins: SplitAndTrimCSV(GetEnv("CORS_ORIGINS", "")),

		JWTSigningKey: jwtKey,

		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		MetricsEnabled: GetEnvBool("METRICS_ENABLED", true),
		AlertWebhook:   GetEnv("ALERT_WEBHOOK_URL", ""),
	}, nil
}
