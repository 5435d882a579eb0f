// Package config provides configuration management for the floodgate
// service.
package config

import (
	"os"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Breaker   BreakerConfig
	Engine    EngineConfig
	Alerts    AlertsConfig
	Auth      AuthConfig
	DBURL     string
	LogLevel  string
	LogFormat string
}

// ServerConfig holds the listener addresses.
type ServerConfig struct {
	Host     string
	Port     int
	GRPCPort int
}

// RateLimitConfig holds per-client admission parameters.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// QueueConfig holds queue and dispatch parameters.
type QueueConfig struct {
	Capacity         int
	ConcurrencyLimit int
	MaxBatchSize     int
	MicrobatchWait   time.Duration
	PromoteAfter     time.Duration
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int
	Policy           string
	Window           time.Duration
}

// EngineConfig identifies the inference engine endpoint.
type EngineConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// AlertsConfig holds the alert evaluation settings and rules.
type AlertsConfig struct {
	Interval    time.Duration
	HistorySize int
	Rules       []AlertRuleConfig
}

// AlertRuleConfig is one alert rule as it appears in the config file. For
// is a duration string so YAML stays readable.
type AlertRuleConfig struct {
	Name       string  `mapstructure:"name"`
	Metric     string  `mapstructure:"metric"`
	Threshold  float64 `mapstructure:"threshold"`
	Comparison string  `mapstructure:"comparison"`
	For        string  `mapstructure:"for"`
	Severity   string  `mapstructure:"severity"`
}

// AuthConfig toggles API key authentication. The keys themselves are
// environment-only; see APIKeys.
type AuthConfig struct {
	Enabled bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 50051,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Queue: QueueConfig{
			Capacity:         1000,
			ConcurrencyLimit: 8,
			MaxBatchSize:     8,
			MicrobatchWait:   10 * time.Millisecond,
			PromoteAfter:     30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenMaxCalls: 3,
			SuccessThreshold: 3,
			Policy:           "consecutive",
			Window:           60 * time.Second,
		},
		Engine: EngineConfig{
			Endpoint: "http://127.0.0.1:8000/v1",
			Model:    "default",
			Timeout:  120 * time.Second,
		},
		Alerts: AlertsConfig{
			Interval:    10 * time.Second,
			HistorySize: 100,
		},
		DBURL:     "sqlite://floodgate.db",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// APIKeys reads the accepted API keys from the FG_API_KEYS environment
// variable, comma-separated. Keys are environment-only and never read from
// config files.
func APIKeys() []string {
	raw := os.Getenv("FG_API_KEYS")
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
