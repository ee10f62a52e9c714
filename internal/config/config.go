// Package config loads and validates the gateway configuration.
package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Config is the root configuration for the ZapFlow gateway.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway,omitempty"`
	Providers ProvidersConfig `yaml:"providers,omitempty"`
	Responder ResponderConfig `yaml:"responder,omitempty"`
	Relay     RelayConfig     `yaml:"relay,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

// GatewayConfig controls the gateway HTTP server.
type GatewayConfig struct {
	Port           int        `yaml:"port,omitempty"`
	Bind           string     `yaml:"bind,omitempty"` // "loopback" | "lan" | "auto" | "custom"
	CustomBindHost string     `yaml:"customBindHost,omitempty"`
	AllowedOrigins []string   `yaml:"allowedOrigins,omitempty"`
	TLS            GatewayTLS `yaml:"tls,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// ProvidersConfig holds per-provider settings plus cross-provider defaults.
type ProvidersConfig struct {
	// DefaultCountryCode is prepended to local-format recipient numbers
	// during address normalization. Lossy and locale-specific; a policy,
	// not a phone parser.
	DefaultCountryCode string          `yaml:"defaultCountryCode,omitempty"`
	Whatsmeow          WhatsmeowConfig `yaml:"whatsmeow,omitempty"`
	WAHA               WAHAConfig      `yaml:"waha,omitempty"`
}

// WhatsmeowConfig configures the protocol-level driver.
type WhatsmeowConfig struct {
	// StoreDir holds the per-channel sqlite credential stores. Sessions
	// survive restarts so channels do not have to re-scan.
	StoreDir string `yaml:"storeDir,omitempty"`
}

// WAHAConfig configures the HTTP-API driver.
type WAHAConfig struct {
	URL    string `yaml:"url,omitempty"`
	APIKey string `yaml:"apiKey,omitempty"`
	// WebhookURL is the callback this gateway registers with the WAHA
	// server for inbound message delivery.
	WebhookURL string `yaml:"webhookUrl,omitempty"`
}

// ResponderConfig points at the external conversation service.
type ResponderConfig struct {
	URL            string `yaml:"url,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// RelayConfig tunes the inbound relay pipeline.
type RelayConfig struct {
	// RatePerMinute caps inbound messages per sender. Unset or zero
	// falls back to 30; a negative value disables the limiter.
	RatePerMinute int `yaml:"ratePerMinute,omitempty"`
	RateBurst     int `yaml:"rateBurst,omitempty"`
	// FallbackReply is sent to the user when the responder fails.
	FallbackReply string `yaml:"fallbackReply,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
}

// Fallback apology shown to end users when the responder fails. Kept in
// pt-BR to match the platform's user base.
const DefaultFallbackReply = "Desculpe, ocorreu um erro ao processar sua mensagem. Tente novamente."

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 8081,
			Bind: "loopback",
		},
		Providers: ProvidersConfig{
			DefaultCountryCode: "55",
			Whatsmeow: WhatsmeowConfig{
				StoreDir: ".wa-store",
			},
			WAHA: WAHAConfig{
				URL: "http://localhost:3000",
			},
		},
		Responder: ResponderConfig{
			URL:            "http://localhost:8080",
			TimeoutSeconds: 30,
		},
		Relay: RelayConfig{
			RatePerMinute: 30,
			RateBurst:     5,
			FallbackReply: DefaultFallbackReply,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
