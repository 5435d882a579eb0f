package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/solatis/floodgate/internal/alerting"
)

// LoadConfig loads configuration with environment > config file > defaults
// precedence. Environment variables use the FG_ prefix with dots replaced
// by underscores (queue.capacity becomes FG_QUEUE_CAPACITY).
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are environment-only; a key in a config file is a mistake
	// that must fail loudly, not silently work.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:     v.GetString("server.host"),
			Port:     v.GetInt("server.port"),
			GRPCPort: v.GetInt("server.grpc_port"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: v.GetInt("rate_limit.rpm"),
			Burst:             v.GetInt("rate_limit.burst"),
		},
		Queue: QueueConfig{
			Capacity:         v.GetInt("queue.capacity"),
			ConcurrencyLimit: v.GetInt("queue.concurrency_limit"),
			MaxBatchSize:     v.GetInt("queue.max_batch_size"),
			MicrobatchWait:   time.Duration(v.GetInt("queue.microbatch_wait_ms")) * time.Millisecond,
			PromoteAfter:     v.GetDuration("queue.promote_after"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			RecoveryTimeout:  v.GetDuration("breaker.recovery_timeout"),
			HalfOpenMaxCalls: v.GetInt("breaker.half_open_max_calls"),
			SuccessThreshold: v.GetInt("breaker.success_threshold"),
			Policy:           v.GetString("breaker.policy"),
			Window:           v.GetDuration("breaker.window"),
		},
		Engine: EngineConfig{
			Endpoint: v.GetString("engine.endpoint"),
			Model:    v.GetString("engine.model"),
			Timeout:  v.GetDuration("engine.timeout"),
		},
		Alerts: AlertsConfig{
			Interval:    v.GetDuration("alerts.interval"),
			HistorySize: v.GetInt("alerts.history_size"),
		},
		Auth: AuthConfig{
			Enabled: v.GetBool("auth.enabled"),
		},
		DBURL:     v.GetString("db_url"),
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}

	if err := v.UnmarshalKey("alerts.rules", &cfg.Alerts.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse alert rules: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults mirrors DefaultConfig so viper and the struct never disagree.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.grpc_port", def.Server.GRPCPort)

	v.SetDefault("rate_limit.rpm", def.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)

	v.SetDefault("queue.capacity", def.Queue.Capacity)
	v.SetDefault("queue.concurrency_limit", def.Queue.ConcurrencyLimit)
	v.SetDefault("queue.max_batch_size", def.Queue.MaxBatchSize)
	v.SetDefault("queue.microbatch_wait_ms", int(def.Queue.MicrobatchWait/time.Millisecond))
	v.SetDefault("queue.promote_after", def.Queue.PromoteAfter.String())

	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.recovery_timeout", def.Breaker.RecoveryTimeout.String())
	v.SetDefault("breaker.half_open_max_calls", def.Breaker.HalfOpenMaxCalls)
	v.SetDefault("breaker.success_threshold", def.Breaker.SuccessThreshold)
	v.SetDefault("breaker.policy", def.Breaker.Policy)
	v.SetDefault("breaker.window", def.Breaker.Window.String())

	v.SetDefault("engine.endpoint", def.Engine.Endpoint)
	v.SetDefault("engine.model", def.Engine.Model)
	v.SetDefault("engine.timeout", def.Engine.Timeout.String())

	v.SetDefault("alerts.interval", def.Alerts.Interval.String())
	v.SetDefault("alerts.history_size", def.Alerts.HistorySize)

	v.SetDefault("auth.enabled", false)

	v.SetDefault("db_url", def.DBURL)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
}

// validateConfig rejects values the pipeline cannot run with.
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.GRPCPort <= 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port must be between 1 and 65535, got %d", cfg.Server.GRPCPort)
	}
	if cfg.Server.Port == cfg.Server.GRPCPort {
		return fmt.Errorf("server.port and server.grpc_port must differ, both are %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.rpm must be positive, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive, got %d", cfg.RateLimit.Burst)
	}
	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", cfg.Queue.Capacity)
	}
	if cfg.Queue.ConcurrencyLimit <= 0 {
		return fmt.Errorf("queue.concurrency_limit must be positive, got %d", cfg.Queue.ConcurrencyLimit)
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", cfg.Breaker.FailureThreshold)
	}
	switch cfg.Breaker.Policy {
	case "consecutive", "window":
	default:
		return fmt.Errorf("breaker.policy must be consecutive or window, got %q", cfg.Breaker.Policy)
	}
	if cfg.Engine.Endpoint == "" {
		return fmt.Errorf("engine.endpoint must be set")
	}
	if _, err := AlertRules(cfg.Alerts.Rules); err != nil {
		return err
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.IsSet("api_keys") || v.IsSet("auth.api_keys") {
		return fmt.Errorf("API keys not allowed in config files (use FG_API_KEYS environment variable)")
	}
	return nil
}

// AlertRules converts configured rules into validated alerting rules. An
// empty list yields nil; the alert manager installs its defaults then.
func AlertRules(raw []AlertRuleConfig) ([]alerting.Rule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	rules := make([]alerting.Rule, 0, len(raw))
	for _, rc := range raw {
		var hold time.Duration
		if rc.For != "" {
			var err error
			hold, err = time.ParseDuration(rc.For)
			if err != nil {
				return nil, fmt.Errorf("alert rule %q has invalid hold duration %q: %w", rc.Name, rc.For, err)
			}
		}
		rule := alerting.Rule{
			Name:       rc.Name,
			Metric:     rc.Metric,
			Threshold:  rc.Threshold,
			Comparison: alerting.Comparison(rc.Comparison),
			For:        hold,
			Severity:   alerting.Severity(rc.Severity),
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
