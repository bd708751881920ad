package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
	"github.com/IamDejman/banyan-admin-sub002/internal/ids"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
)

const envPrefix = "BANYAN_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Token     TokenConfig     `yaml:"token" toml:"token"`
	Log       obs.LogConfig   `yaml:"log" toml:"log"`
	Security  auth.Settings   `yaml:"security" toml:"security"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Sweep     SweepConfig     `yaml:"sweep" toml:"sweep"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" toml:"bootstrap"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr" toml:"grpc_addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" toml:"max_body_bytes"`
	LoginRPS        float64       `yaml:"login_rps" toml:"login_rps"`
	LoginBurst      int           `yaml:"login_burst" toml:"login_burst"`
	AllowedOrigins  []string      `yaml:"allowed_origins" toml:"allowed_origins"`
	TrustProxy      bool          `yaml:"trust_proxy" toml:"trust_proxy"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig selects the Postgres stores when DSN is set; otherwise
// the in-memory stores are used.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn" toml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate" toml:"auto_migrate"`
}

type TokenConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
	Issuer string `yaml:"issuer" toml:"issuer"`
	// Ephemeral is set when Load generated the secret itself.
	Ephemeral bool `yaml:"-" toml:"-"`
}

type AuditConfig struct {
	// HMACKey signs the audit hash chain. Changing it invalidates verification
	// of entries written under the old key.
	HMACKey          string        `yaml:"hmac_key" toml:"hmac_key"`
	FallbackCapacity int           `yaml:"fallback_capacity" toml:"fallback_capacity"`
	RetryAttempts    int           `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryBase        time.Duration `yaml:"retry_base" toml:"retry_base"`
	FlushInterval    time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

// BootstrapConfig provisions the first administrator at startup.
type BootstrapConfig struct {
	AdminIdentifier string `yaml:"admin_identifier" toml:"admin_identifier"`
	AdminPassword   string `yaml:"admin_password" toml:"admin_password"`
}

// Default returns the configuration used before any file or environment is applied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			MaxBodyBytes:    1 << 20,
			LoginRPS:        1,
			LoginBurst:      5,
			ShutdownTimeout: 10 * time.Second,
		},
		Token:    TokenConfig{Issuer: "banyan-admin"},
		Log:      obs.LogConfig{Level: "info"},
		Security: auth.DefaultSettings(),
		Audit: AuditConfig{
			FallbackCapacity: 1024,
			RetryAttempts:    3,
			RetryBase:        20 * time.Millisecond,
			FlushInterval:    5 * time.Second,
		},
		Sweep: SweepConfig{Interval: time.Minute},
	}
}

// Load reads .env (if present), then path (YAML or TOML by extension,
// optional), then BANYAN_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	// In-memory mode loses every session and audit entry on restart anyway,
	// so missing secrets are replaced with random ones instead of failing.
	if cfg.Token.Secret == "" && cfg.Database.DSN == "" {
		secret, err := ids.Secret(32)
		if err != nil {
			return Config{}, fmt.Errorf("generate token secret: %w", err)
		}
		cfg.Token.Secret = secret
		cfg.Token.Ephemeral = true
	}
	if cfg.Audit.HMACKey == "" && cfg.Database.DSN == "" {
		key, err := ids.Secret(32)
		if err != nil {
			return Config{}, fmt.Errorf("generate audit hmac key: %w", err)
		}
		cfg.Audit.HMACKey = key
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := env("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := env("GRPC_ADDR"); v != "" {
		cfg.HTTP.GRPCAddr = v
	}
	if v := env("ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	if v := env("PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := env("TOKEN_SECRET"); v != "" {
		cfg.Token.Secret = v
	}
	if v := env("AUDIT_HMAC_KEY"); v != "" {
		cfg.Audit.HMACKey = v
	}
	if v := env("TOKEN_ISSUER"); v != "" {
		cfg.Token.Issuer = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("BOOTSTRAP_ADMIN_IDENTIFIER"); v != "" {
		cfg.Bootstrap.AdminIdentifier = v
	}
	if v := env("BOOTSTRAP_ADMIN_PASSWORD"); v != "" {
		cfg.Bootstrap.AdminPassword = v
	}
	if v := env("ALLOWED_IPS"); v != "" {
		cfg.Security.AllowedIPs = splitList(v)
	}
	if v := env("RESTRICTED_IPS"); v != "" {
		cfg.Security.RestrictedIPs = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SESSION_TIMEOUT_MINUTES", &cfg.Security.SessionTimeoutMinutes},
		{"MAX_FAILED_ATTEMPTS", &cfg.Security.MaxFailedAttempts},
		{"LOCKOUT_DURATION_MINUTES", &cfg.Security.LockoutDurationMinutes},
		{"PASSWORD_EXPIRY_DAYS", &cfg.Security.PasswordExpiryDays},
		{"AUDIT_FALLBACK_CAPACITY", &cfg.Audit.FallbackCapacity},
	}
	for _, item := range ints {
		if v := env(item.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, item.key, err)
			}
			*item.dst = n
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"SLIDING_EXPIRY", &cfg.Security.SlidingExpiry},
		{"REQUIRE_MFA", &cfg.Security.RequireMFA},
		{"BLOCK_ROLE_DELETE_IN_USE", &cfg.Security.BlockRoleDeleteInUse},
		{"LOG_DEV", &cfg.Log.Dev},
		{"AUTO_MIGRATE", &cfg.Database.AutoMigrate},
		{"TRUST_PROXY", &cfg.HTTP.TrustProxy},
	}
	for _, item := range bools {
		if v := env(item.key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, item.key, err)
			}
			*item.dst = b
		}
	}

	if v := env("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSWEEP_INTERVAL: %w", envPrefix, err)
		}
		cfg.Sweep.Interval = d
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	if len(strings.TrimSpace(c.Token.Secret)) < 32 {
		return fmt.Errorf("token.secret must be at least 32 bytes (set %sTOKEN_SECRET)", envPrefix)
	}
	if len(strings.TrimSpace(c.Audit.HMACKey)) < 32 {
		return fmt.Errorf("audit.hmac_key must be at least 32 bytes (set %sAUDIT_HMAC_KEY)", envPrefix)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if c.Audit.FallbackCapacity <= 0 {
		return errors.New("audit.fallback_capacity must be positive")
	}
	if c.Audit.RetryAttempts <= 0 {
		return errors.New("audit.retry_attempts must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return errors.New("sweep.interval must be positive")
	}
	if (c.Bootstrap.AdminIdentifier == "") != (c.Bootstrap.AdminPassword == "") {
		return errors.New("bootstrap.admin_identifier and bootstrap.admin_password must be set together")
	}
	return c.Security.Validate()
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
