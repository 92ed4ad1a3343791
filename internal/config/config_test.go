package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.True(t, cfg.Session.Enabled)
	assert.Equal(t, DefaultInactivityTimeout, cfg.Session.InactivityTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.Session.SweepInterval)
	assert.Equal(t, DefaultCookieName, cfg.Session.CookieName)
	assert.Equal(t, 10, cfg.Auth.Priorities.Certificate)
	assert.Equal(t, 20, cfg.Auth.Priorities.Session)
	assert.Equal(t, 30, cfg.Auth.Priorities.Basic)
	assert.Equal(t, DefaultLockedAllowedPaths, cfg.Gateway.LockedAllowedPaths)
	assert.Equal(t, DefaultXSRFExemptPaths, cfg.Gateway.XSRFExemptPaths)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, DefaultMinPasswordLength, cfg.Password.MinLength)
	assert.Empty(t, cfg.AllowedPorts)
}

func TestLoadMissingFileIsTolerated(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
listen: ":9443"
allowed_ports: [9443, 9444]
tls:
  client_ca: /etc/gatekeeper/ca.pem
  client_auth_ports: [9444]
session:
  inactivity_timeout: 30m
  persist: true
storage:
  driver: bbolt
  path: /var/lib/gatekeeper/db
  key_file: /var/lib/gatekeeper/key
login_message: "Authorised use only"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, []int{9443, 9444}, cfg.AllowedPorts)
	assert.Equal(t, []int{9444}, cfg.TLS.ClientAuthPorts)
	assert.Equal(t, 30*time.Minute, cfg.Session.InactivityTimeout)
	assert.True(t, cfg.Session.Persist)
	assert.Equal(t, "bbolt", cfg.Storage.Driver)
	assert.Equal(t, "Authorised use only", cfg.LoginMessage)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultSweepInterval, cfg.Session.SweepInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEKEEPER_SESSION_INACTIVITY_TIMEOUT", "45s")
	t.Setenv("GATEKEEPER_GATEWAY_LOCKED_ALLOWED_PATHS", "/a,/b")
	t.Setenv("GATEKEEPER_AUTH_BASIC_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Gateway.LockedAllowedPaths)
	assert.False(t, cfg.Auth.BasicEnabled)
}

func TestPasswordPolicyFromConfig(t *testing.T) {
	t.Setenv("GATEKEEPER_PASSWORD_MIN_LENGTH", "12")
	t.Setenv("GATEKEEPER_PASSWORD_REQUIRE_DIGITS", "true")
	t.Setenv("GATEKEEPER_PASSWORD_REQUIRE_SPECIAL", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	policy := cfg.Password.Policy()
	assert.Equal(t, 12, policy.MinLength)
	assert.True(t, policy.RequireDigits)
	assert.False(t, policy.RequireMixedCase)
	assert.True(t, policy.RequireSpecial)
	assert.Error(t, policy.Check("long enough but plain"))
	assert.NoError(t, policy.Check("long enough, 4 sure"))
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "listen: \":9443\"\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("listen", "", "")
	require.NoError(t, fs.Parse([]string{"--listen", ":7443"}))

	cfg, err := Load(path, WithFlags(fs, map[string]string{"listen": "listen"}))
	require.NoError(t, err)
	assert.Equal(t, ":7443", cfg.Listen)
}

func TestLoadUnknownFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	_, err := Load("", WithFlags(fs, map[string]string{"nope": "listen"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"bbolt without path", func(c *Config) {
			c.Storage.Driver = "bbolt"
			c.Storage.KeyFile = "/k"
		}},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Driver = "postgres"
			c.Storage.KeyFile = "/k"
		}},
		{"durable driver without key file", func(c *Config) {
			c.Storage.Driver = "bbolt"
			c.Storage.Path = "/db"
		}},
		{"client auth ports without ca", func(c *Config) { c.TLS.ClientAuthPorts = []int{9444} }},
		{"cert without key", func(c *Config) { c.TLS.Cert = "/cert.pem" }},
		{"port out of range", func(c *Config) { c.AllowedPorts = []int{70000} }},
		{"bad proxy", func(c *Config) { c.TrustedProxies = []string{"not-an-ip"} }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad webhook", func(c *Config) { c.Audit.WebhookURL = "::" }},
		{"zero min length", func(c *Config) { c.Password.MinLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Validate(Default()))
	})
	t.Run("proxies accept ip and cidr", func(t *testing.T) {
		cfg := Default()
		cfg.TrustedProxies = []string{"10.0.0.1", "192.168.0.0/16"}
		assert.NoError(t, Validate(cfg))
	})
}
