package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvConfigDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "RELAY_MODE", "FALLBACK_GATEWAY_DOMAIN", "ALLOWED_DOMAIN_REGEX", "GATEWAY_DOMAIN_CAPTURE_GROUP", "DNS_SERVER", "LOG_LEVEL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := loadEnvConfig()
	require.NoError(t, err)
	require.Equal(t, 8081, cfg.Port)
	require.Equal(t, "redirect", cfg.RelayMode)
	require.Equal(t, `^_\.(.+\.phala\.network)$`, cfg.AllowedDomainRegex)
	require.Equal(t, 1, cfg.GatewayDomainCaptureGroup)
	require.Empty(t, cfg.FallbackGatewayDomain)
	require.Empty(t, cfg.DNSServer)
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("RELAY_MODE", "proxy")
	t.Setenv("FALLBACK_GATEWAY_DOMAIN", "fallback.example.com")
	t.Setenv("ALLOWED_DOMAIN_REGEX", `^_\.(.+\.example\.com)$`)
	t.Setenv("GATEWAY_DOMAIN_CAPTURE_GROUP", "2")
	t.Setenv("DNS_SERVER", "127.0.0.1:5353")

	cfg, err := loadEnvConfig()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "proxy", cfg.RelayMode)
	require.Equal(t, "fallback.example.com", cfg.FallbackGatewayDomain)
	require.Equal(t, `^_\.(.+\.example\.com)$`, cfg.AllowedDomainRegex)
	require.Equal(t, 2, cfg.GatewayDomainCaptureGroup)
	require.Equal(t, "127.0.0.1:5353", cfg.DNSServer)
}

func TestLoadTuning(t *testing.T) {
	name := filepath.Join(t.TempDir(), "tuning.toml")
	require.NoError(t, os.WriteFile(name, []byte(`
[proxy]
max-idle-conns-per-host = 50
request-timeout-sec = 15

[syslog]
enabled = true
tag = "acme-relay"
`), 0o644))

	tun, err := loadTuning(name)
	require.NoError(t, err)
	require.Equal(t, 50, tun.Proxy.MaxIdleConnsPerHost)
	require.Equal(t, 15, tun.Proxy.RequestTimeoutSec)
	require.True(t, tun.Syslog.Enabled)
	require.Equal(t, "acme-relay", tun.Syslog.Tag)

	_, err = loadTuning(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
