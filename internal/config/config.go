package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the interview relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	MaxConcurrentConnections int
	AdmissionHistorySize     int
	ConnectionTimeout        time.Duration

	ProjectID string
	Location  string
	ModelID   string

	UpstreamWSURL            string
	UpstreamPingInterval     time.Duration
	UpstreamPingTimeout      time.Duration
	UpstreamMaxMessageBytes  int64
	UpstreamHandshakeTimeout time.Duration
	ClientMaxMessageBytes    int64
	ContextTriggerTokens     int

	GoogleCredentialsFile    string
	GoogleCredentialsJSON    string
	CredentialSafetyFraction float64
	CredentialFetchTimeout   time.Duration

	DatabaseURL        string
	DefaultConfigToken string
	SessionRetention   time.Duration
}

// ModelPath is the fully qualified model resource sent in the setup handshake.
func (c Config) ModelPath() string {
	return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", c.ProjectID, c.Location, c.ModelID)
}

// LoadDotEnv reads a .env file from the working directory when one exists.
// Values already present in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "interviewrelay"),
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		AllowAnyOrigin:           false,
		MaxConcurrentConnections: 1000,
		AdmissionHistorySize:     100,
		ConnectionTimeout:        30 * time.Minute,
		ProjectID:                envOrDefault("PROJECT_ID", "sqy-prod"),
		Location:                 envOrDefault("LOCATION", "us-central1"),
		ModelID:                  envOrDefault("MODEL_ID", "gemini-live-2.5-flash-native-audio"),
		UpstreamWSURL:            trimmedEnv("UPSTREAM_WS_URL"),
		UpstreamPingInterval:     20 * time.Second,
		UpstreamPingTimeout:      10 * time.Second,
		UpstreamMaxMessageBytes:  10_000_000,
		UpstreamHandshakeTimeout: 15 * time.Second,
		ClientMaxMessageBytes:    10_000_000,
		ContextTriggerTokens:     50000,
		GoogleCredentialsFile:    trimmedEnv("GOOGLE_APPLICATION_CREDENTIALS"),
		GoogleCredentialsJSON:    trimmedEnv("GOOGLE_CREDENTIALS_JSON"),
		// Tokens live for an hour; keep them for fifty minutes.
		CredentialSafetyFraction: 0.8333,
		CredentialFetchTimeout:   10 * time.Second,
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		DefaultConfigToken:       envOrDefault("DEFAULT_CONFIG_TOKEN", "default"),
		ShutdownTimeout:          15 * time.Second,
		SessionRetention:         time.Hour,
	}
	if cfg.UpstreamWSURL == "" {
		cfg.UpstreamWSURL = fmt.Sprintf("wss://%s-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1.LlmBidiService/BidiGenerateContent", cfg.Location)
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentConnections, err = intFromEnv("MAX_CONCURRENT_CONNECTIONS", cfg.MaxConcurrentConnections)
	if err != nil {
		return Config{}, err
	}
	cfg.AdmissionHistorySize, err = intFromEnv("ADMISSION_HISTORY_SIZE", cfg.AdmissionHistorySize)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionTimeout, err = secondsOrDurationFromEnv("CONNECTION_TIMEOUT", cfg.ConnectionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamPingInterval, err = durationFromEnv("UPSTREAM_PING_INTERVAL", cfg.UpstreamPingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamPingTimeout, err = durationFromEnv("UPSTREAM_PING_TIMEOUT", cfg.UpstreamPingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamHandshakeTimeout, err = durationFromEnv("UPSTREAM_HANDSHAKE_TIMEOUT", cfg.UpstreamHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	maxUpstream, err := intFromEnv("UPSTREAM_MAX_MESSAGE_BYTES", int(cfg.UpstreamMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamMaxMessageBytes = int64(maxUpstream)
	maxClient, err := intFromEnv("CLIENT_MAX_MESSAGE_BYTES", int(cfg.ClientMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.ClientMaxMessageBytes = int64(maxClient)
	cfg.ContextTriggerTokens, err = intFromEnv("CONTEXT_TRIGGER_TOKENS", cfg.ContextTriggerTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialSafetyFraction, err = floatFromEnv("CREDENTIAL_SAFETY_FRACTION", cfg.CredentialSafetyFraction)
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialFetchTimeout, err = durationFromEnv("CREDENTIAL_FETCH_TIMEOUT", cfg.CredentialFetchTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentConnections <= 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_CONNECTIONS must be positive")
	}
	if cfg.AdmissionHistorySize <= 0 {
		return Config{}, fmt.Errorf("ADMISSION_HISTORY_SIZE must be positive")
	}
	if cfg.ConnectionTimeout < time.Second {
		return Config{}, fmt.Errorf("CONNECTION_TIMEOUT must be at least 1s")
	}
	if cfg.UpstreamPingInterval <= 0 || cfg.UpstreamPingTimeout <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_PING_INTERVAL and UPSTREAM_PING_TIMEOUT must be positive")
	}
	if cfg.UpstreamMaxMessageBytes <= 0 || cfg.ClientMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("message size limits must be positive")
	}
	if cfg.CredentialSafetyFraction <= 0 || cfg.CredentialSafetyFraction > 1 {
		return Config{}, fmt.Errorf("CREDENTIAL_SAFETY_FRACTION must be in (0,1]")
	}
	if strings.TrimSpace(cfg.DefaultConfigToken) == "" {
		return Config{}, fmt.Errorf("DEFAULT_CONFIG_TOKEN must not be empty")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// secondsOrDurationFromEnv accepts either a Go duration ("30m") or a bare
// number of seconds ("1800").
func secondsOrDurationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
