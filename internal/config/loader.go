package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential and endpoint fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Providers.WAHA.APIKey = expandEnvVars(cfg.Providers.WAHA.APIKey)
	cfg.Providers.WAHA.URL = expandEnvVars(cfg.Providers.WAHA.URL)
	cfg.Providers.WAHA.WebhookURL = expandEnvVars(cfg.Providers.WAHA.WebhookURL)
	cfg.Responder.URL = expandEnvVars(cfg.Responder.URL)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8081
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Providers.DefaultCountryCode == "" {
		cfg.Providers.DefaultCountryCode = "55"
	}
	if cfg.Providers.Whatsmeow.StoreDir == "" {
		cfg.Providers.Whatsmeow.StoreDir = ".wa-store"
	}
	if cfg.Providers.WAHA.URL == "" {
		cfg.Providers.WAHA.URL = "http://localhost:3000"
	}
	if cfg.Responder.URL == "" {
		cfg.Responder.URL = "http://localhost:8080"
	}
	if cfg.Responder.TimeoutSeconds == 0 {
		cfg.Responder.TimeoutSeconds = 30
	}
	if cfg.Relay.RatePerMinute == 0 {
		cfg.Relay.RatePerMinute = 30
	}
	if cfg.Relay.RateBurst == 0 {
		cfg.Relay.RateBurst = 5
	}
	if cfg.Relay.FallbackReply == "" {
		cfg.Relay.FallbackReply = DefaultFallbackReply
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides reads ZAPFLOW_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZAPFLOW_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("ZAPFLOW_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("WAHA_URL"); v != "" {
		cfg.Providers.WAHA.URL = v
	}
	if v := os.Getenv("WAHA_API_KEY"); v != "" {
		cfg.Providers.WAHA.APIKey = v
	}
	if v := os.Getenv("WAHA_WEBHOOK_URL"); v != "" {
		cfg.Providers.WAHA.WebhookURL = v
	}
	if v := os.Getenv("CORE_API_URL"); v != "" {
		cfg.Responder.URL = v
	}
	if v := os.Getenv("ZAPFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
