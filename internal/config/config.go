// Package config loads the gatekeeper server configuration from defaults, an
// optional YAML file, GATEKEEPER_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmcleod/gatekeeper/credentials"
)

// EnvPrefix is prepended to every environment override, e.g.
// GATEKEEPER_SESSION_INACTIVITY_TIMEOUT=30m.
const EnvPrefix = "GATEKEEPER"

type Config struct {
	// Listen is the main HTTPS listener address.
	Listen string `mapstructure:"listen" validate:"required"`

	TLS TLSConfig `mapstructure:"tls"`

	// AllowedPorts is the gateway port allow-list. Empty serves every port.
	AllowedPorts []int `mapstructure:"allowed_ports" validate:"dive,min=1,max=65535"`

	// TrustedProxies are CIDRs whose forwarding headers are honoured by the
	// login rate limiter.
	TrustedProxies []string `mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`

	Session  SessionConfig  `mapstructure:"session"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Password PasswordConfig `mapstructure:"password"`

	// LoginMessage is shown by clients on the login page.
	LoginMessage string `mapstructure:"login_message"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type TLSConfig struct {
	// Cert and Key are PEM files. When both are empty a self-signed
	// certificate is generated at start-up.
	Cert string `mapstructure:"cert" validate:"required_with=Key"`
	Key  string `mapstructure:"key" validate:"required_with=Cert"`

	// ClientCA verifies client certificates on ClientAuthPorts. Required when
	// any are configured.
	ClientCA string `mapstructure:"client_ca"`

	// ClientAuthPorts get an extra listener each that requires a verified
	// client certificate.
	ClientAuthPorts []int `mapstructure:"client_auth_ports" validate:"dive,min=1,max=65535"`
}

type SessionConfig struct {
	// Enabled switches the session endpoints on. When false they all answer
	// 404 except authenticationMethods.
	Enabled bool `mapstructure:"enabled"`

	// InactivityTimeout ends idle sessions. Zero or negative disables expiry.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`

	// SweepInterval is how often expired sessions are evicted proactively.
	// Zero disables the sweeper; expiry is still enforced on access.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`

	// Persist keeps sessions in the storage backend across restarts.
	Persist bool `mapstructure:"persist"`

	CookieName string `mapstructure:"cookie_name" validate:"required"`
}

type AuthConfig struct {
	PasswordEnabled    bool `mapstructure:"password_enabled"`
	CertificateEnabled bool `mapstructure:"certificate_enabled"`
	BasicEnabled       bool `mapstructure:"basic_enabled"`

	Priorities PriorityConfig `mapstructure:"priorities"`

	// ProviderTimeout bounds each provider evaluation.
	ProviderTimeout time.Duration `mapstructure:"provider_timeout" validate:"gte=0"`
}

// PriorityConfig orders the providers. Lower values run first.
type PriorityConfig struct {
	Certificate int `mapstructure:"certificate"`
	Session     int `mapstructure:"session"`
	Basic       int `mapstructure:"basic"`
}

type GatewayConfig struct {
	// LockedAllowedPaths remain reachable by sessions that must change their
	// password first.
	LockedAllowedPaths []string `mapstructure:"locked_allowed_paths"`

	// XSRFExemptPaths skip the anti-forgery header check.
	XSRFExemptPaths []string `mapstructure:"xsrf_exempt_paths"`

	XSRFHeader string `mapstructure:"xsrf_header" validate:"required"`

	// BasicRealm, when set, adds a WWW-Authenticate challenge to 401s.
	BasicRealm string `mapstructure:"basic_realm"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=memory bbolt postgres"`

	// Path is the bbolt database file.
	Path string `mapstructure:"path" validate:"required_if=Driver bbolt"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn" validate:"required_if=Driver postgres"`

	// KeyFile holds the record sealing key. Durable drivers need it or their
	// records become unreadable after a restart.
	KeyFile string `mapstructure:"key_file" validate:"required_unless=Driver memory"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

type AuditConfig struct {
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
	// WebhookHeader is sent as "Header: Value" with every delivery.
	WebhookHeader string `mapstructure:"webhook_header"`
	// WebhookSecret signs each delivery with HMAC-SHA256.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type PasswordConfig struct {
	MinLength        int  `mapstructure:"min_length" validate:"min=1"`
	RequireDigits    bool `mapstructure:"require_digits"`
	RequireMixedCase bool `mapstructure:"require_mixed_case"`
	RequireSpecial   bool `mapstructure:"require_special"`
}

// Policy converts the password settings for the credential checks.
func (p PasswordConfig) Policy() credentials.PasswordPolicy {
	return credentials.PasswordPolicy{
		MinLength:        p.MinLength,
		RequireDigits:    p.RequireDigits,
		RequireMixedCase: p.RequireMixedCase,
		RequireSpecial:   p.RequireSpecial,
	}
}

// LoadOption customises Load.
type LoadOption func(*viper.Viper) error

// WithFlags binds command-line flags to configuration keys. Only flags the
// user actually set override lower layers.
func WithFlags(fs *pflag.FlagSet, keys map[string]string) LoadOption {
	return func(v *viper.Viper) error {
		for flag, key := range keys {
			f := fs.Lookup(flag)
			if f == nil {
				return fmt.Errorf("unknown flag %q", flag)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding flag %q: %w", flag, err)
			}
		}
		return nil
	}
}

// Load reads the configuration. A missing file at path is not an error;
// defaults and environment overrides still apply.
func Load(path string, opts ...LoadOption) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// decodeHooks lets environment variables carry durations and
// comma-separated lists.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its validate tags and the cross-field rules
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if len(cfg.TLS.ClientAuthPorts) > 0 && cfg.TLS.ClientCA == "" {
		return errors.New("tls.client_ca is required when tls.client_auth_ports is set")
	}
	return nil
}
