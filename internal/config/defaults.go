package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/gatekeeper/credentials"
)

const (
	DefaultListen            = ":8443"
	DefaultInactivityTimeout = 15 * time.Minute
	DefaultSweepInterval     = 5 * time.Minute
	DefaultCookieName        = "gatekeeper_session"
	DefaultXSRFHeader        = "X-XSRF-Token"
	DefaultMinPasswordLength = credentials.DefaultMinPasswordLength
)

// DefaultLockedAllowedPaths lets a locked session fetch its XSRF token,
// change its password, describe itself and log out.
var DefaultLockedAllowedPaths = []string{
	"/session/v1/xsrfToken",
	"/session/v1/changePassword",
	"/session/v1/currentIdentity",
	"/session/v1/logout",
}

var DefaultXSRFExemptPaths = []string{
	"/session/v1/xsrfToken",
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("tls.client_ca", "")
	v.SetDefault("tls.client_auth_ports", []int{})
	v.SetDefault("allowed_ports", []int{})
	v.SetDefault("trusted_proxies", []string{})

	v.SetDefault("session.enabled", true)
	v.SetDefault("session.inactivity_timeout", DefaultInactivityTimeout)
	v.SetDefault("session.sweep_interval", DefaultSweepInterval)
	v.SetDefault("session.persist", false)
	v.SetDefault("session.cookie_name", DefaultCookieName)

	v.SetDefault("auth.password_enabled", true)
	v.SetDefault("auth.certificate_enabled", true)
	v.SetDefault("auth.basic_enabled", true)
	v.SetDefault("auth.priorities.certificate", 10)
	v.SetDefault("auth.priorities.session", 20)
	v.SetDefault("auth.priorities.basic", 30)
	v.SetDefault("auth.provider_timeout", 5*time.Second)

	v.SetDefault("gateway.locked_allowed_paths", DefaultLockedAllowedPaths)
	v.SetDefault("gateway.xsrf_exempt_paths", DefaultXSRFExemptPaths)
	v.SetDefault("gateway.xsrf_header", DefaultXSRFHeader)
	v.SetDefault("gateway.basic_realm", "")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.key_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("audit.webhook_url", "")
	v.SetDefault("audit.webhook_header", "")
	v.SetDefault("audit.webhook_secret", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("password.min_length", DefaultMinPasswordLength)
	v.SetDefault("password.require_digits", false)
	v.SetDefault("password.require_mixed_case", false)
	v.SetDefault("password.require_special", false)
	v.SetDefault("login_message", "")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Default returns the configuration Load produces with no file, environment
// or flags.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic("config: invalid defaults: " + err.Error())
	}
	return cfg
}
