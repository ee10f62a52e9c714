package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Gateway.Port)
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, "55", cfg.Providers.DefaultCountryCode)
	assert.Equal(t, "http://localhost:3000", cfg.Providers.WAHA.URL)
	assert.Equal(t, "http://localhost:8080", cfg.Responder.URL)
	assert.Equal(t, 30, cfg.Responder.TimeoutSeconds)
	assert.Equal(t, DefaultFallbackReply, cfg.Relay.FallbackReply)
	assert.Equal(t, 30, cfg.Relay.RatePerMinute)
}

func TestLoad_NegativeRateDisablesLimiter(t *testing.T) {
	path := writeConfig(t, `
relay:
  ratePerMinute: -1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	// zero falls back to the default; negative survives as the
	// explicit "no limiter" setting
	assert.Equal(t, -1, cfg.Relay.RatePerMinute)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: 9000
providers:
  waha:
    url: http://waha.internal:3000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "http://waha.internal:3000", cfg.Providers.WAHA.URL)
	// untouched sections keep their defaults
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, 30, cfg.Responder.TimeoutSeconds)
	assert.Equal(t, ".wa-store", cfg.Providers.Whatsmeow.StoreDir)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "gateway: [not a map")

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_ExpandsEnvVarsInSensitiveFields(t *testing.T) {
	t.Setenv("TEST_WAHA_KEY", "top-secret")
	path := writeConfig(t, `
providers:
  waha:
    apiKey: ${TEST_WAHA_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "top-secret", cfg.Providers.WAHA.APIKey)
}

func TestLoad_UnsetEnvVarLeftVerbatim(t *testing.T) {
	path := writeConfig(t, `
providers:
  waha:
    apiKey: ${DEFINITELY_NOT_SET_ANYWHERE}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${DEFINITELY_NOT_SET_ANYWHERE}", cfg.Providers.WAHA.APIKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ZAPFLOW_GATEWAY_PORT", "7777")
	t.Setenv("WAHA_URL", "http://other:3000")
	t.Setenv("CORE_API_URL", "http://responder:9000")

	path := writeConfig(t, `
gateway:
  port: 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Gateway.Port)
	assert.Equal(t, "http://other:3000", cfg.Providers.WAHA.URL)
	assert.Equal(t, "http://responder:9000", cfg.Responder.URL)
}

func TestValidate_ValidDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()

	cfg.Gateway.Port = -1
	issues := Validate(&cfg)
	assert.NotEmpty(t, issues)
	assert.Contains(t, issues[0].Path, "gateway.port")

	cfg.Gateway.Port = 70000
	assert.NotEmpty(t, Validate(&cfg))
}

func TestValidate_InvalidBind(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Bind = "everywhere"
	issues := Validate(&cfg)
	assert.NotEmpty(t, issues)
	assert.Contains(t, issues[0].Path, "gateway.bind")
}

func TestValidate_ValidBinds(t *testing.T) {
	for _, bind := range []string{"auto", "lan", "loopback", "custom", ""} {
		cfg := Defaults()
		cfg.Gateway.Bind = bind
		assert.Empty(t, Validate(&cfg), "bind %q should be valid", bind)
	}
}

func TestValidate_TLSRequiresPaths(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.TLS.Enabled = true
	issues := Validate(&cfg)
	require.Len(t, issues, 2)
	assert.Contains(t, issues[0].Path, "gateway.tls")
}

func TestValidate_CountryCodeDigitsOnly(t *testing.T) {
	cfg := Defaults()
	cfg.Providers.DefaultCountryCode = "+55"
	issues := Validate(&cfg)
	assert.NotEmpty(t, issues)
	assert.Contains(t, issues[0].Path, "defaultCountryCode")
}

func TestValidate_URLs(t *testing.T) {
	cfg := Defaults()
	cfg.Providers.WAHA.URL = "waha.internal:3000"
	cfg.Responder.URL = "ftp://responder"
	issues := Validate(&cfg)
	assert.Len(t, issues, 2)
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Level = "verbose"
	issues := Validate(&cfg)
	assert.NotEmpty(t, issues)
	assert.Contains(t, issues[0].Path, "logging.level")
}
