package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "banyan.yaml", `
http:
  addr: ":9000"
  login_rps: 2.5
token:
  secret: "`+secret+`"
log:
  level: debug
security:
  session_timeout_minutes: 45
  sliding_expiry: false
  max_failed_attempts: 3
  lockout_duration_minutes: 10
  require_mfa: true
  allowed_ips: ["10.0.0.0/8"]
audit:
  flush_interval: 2s
sweep:
  interval: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTP.Addr)
	require.Equal(t, ":9090", cfg.HTTP.GRPCAddr)
	require.Equal(t, 2.5, cfg.HTTP.LoginRPS)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 45, cfg.Security.SessionTimeoutMinutes)
	require.False(t, cfg.Security.SlidingExpiry)
	require.True(t, cfg.Security.RequireMFA)
	require.True(t, cfg.Security.BlockRoleDeleteInUse)
	require.Equal(t, []string{"10.0.0.0/8"}, cfg.Security.AllowedIPs)
	require.Equal(t, 90, cfg.Security.PasswordExpiryDays)
	require.Equal(t, 2*time.Second, cfg.Audit.FlushInterval)
	require.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	require.Equal(t, 1024, cfg.Audit.FallbackCapacity)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "banyan.toml", `
[token]
secret = "`+secret+`"
issuer = "claims-console"

[security]
session_timeout_minutes = 20
restricted_ips = ["203.0.113.0/24"]

[database]
dsn = "postgres://localhost/banyan"
auto_migrate = true

[audit]
hmac_key = "`+secret+`"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "claims-console", cfg.Token.Issuer)
	require.Equal(t, 20, cfg.Security.SessionTimeoutMinutes)
	require.Equal(t, []string{"203.0.113.0/24"}, cfg.Security.RestrictedIPs)
	require.Equal(t, "postgres://localhost/banyan", cfg.Database.DSN)
	require.True(t, cfg.Database.AutoMigrate)
	require.Equal(t, secret, cfg.Audit.HMACKey)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "banyan.yml", "token:\n  secret: \""+secret+"\"\nsecurity:\n  session_timeout_minutes: 45\n")
	t.Setenv("BANYAN_SESSION_TIMEOUT_MINUTES", "15")
	t.Setenv("BANYAN_REQUIRE_MFA", "true")
	t.Setenv("BANYAN_RESTRICTED_IPS", " 10.9.0.0/16 , 10.8.0.1,")
	t.Setenv("BANYAN_SWEEP_INTERVAL", "90s")
	t.Setenv("BANYAN_PG_DSN", "postgres://db/banyan")
	t.Setenv("BANYAN_AUDIT_HMAC_KEY", secret)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 15, cfg.Security.SessionTimeoutMinutes)
	require.True(t, cfg.Security.RequireMFA)
	require.Equal(t, []string{"10.9.0.0/16", "10.8.0.1"}, cfg.Security.RestrictedIPs)
	require.Equal(t, 90*time.Second, cfg.Sweep.Interval)
	require.Equal(t, "postgres://db/banyan", cfg.Database.DSN)
}

func TestLoadWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("BANYAN_TOKEN_SECRET", secret)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 30, cfg.Security.SessionTimeoutMinutes)
}

func TestLoadGeneratesSecretOnlyForMemoryStores(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.Token.Ephemeral)
	require.GreaterOrEqual(t, len(cfg.Token.Secret), 32)
	require.GreaterOrEqual(t, len(cfg.Audit.HMACKey), 32)
	require.NotEqual(t, cfg.Token.Secret, cfg.Audit.HMACKey)

	t.Setenv("BANYAN_PG_DSN", "postgres://db/banyan")
	_, err = Load("")
	require.ErrorContains(t, err, "token.secret")

	t.Setenv("BANYAN_TOKEN_SECRET", secret)
	_, err = Load("")
	require.ErrorContains(t, err, "audit.hmac_key")
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]struct {
		file string
		env  map[string]string
	}{
		"short secret":   {file: "token:\n  secret: short\n"},
		"bad timeout":    {file: "token:\n  secret: \"" + secret + "\"\nsecurity:\n  session_timeout_minutes: 0\n"},
		"bad cidr":       {file: "token:\n  secret: \"" + secret + "\"\nsecurity:\n  allowed_ips: [\"10.0.0.0/99\"]\n"},
		"bad env int":    {file: "token:\n  secret: \"" + secret + "\"\n", env: map[string]string{"BANYAN_MAX_FAILED_ATTEMPTS": "many"}},
		"half bootstrap": {file: "token:\n  secret: \"" + secret + "\"\nbootstrap:\n  admin_identifier: root\n"},
		"short hmac key": {file: "token:\n  secret: \"" + secret + "\"\naudit:\n  hmac_key: short\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, "banyan.yaml", tc.file))
			require.Error(t, err)
		})
	}

	_, err := Load(writeFile(t, "banyan.json", "{}"))
	require.ErrorContains(t, err, "unsupported config format")
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
