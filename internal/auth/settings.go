package auth

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Settings is the process-wide security policy.
type Settings struct {
	SessionTimeoutMinutes  int      `json:"session_timeout_minutes" yaml:"session_timeout_minutes" toml:"session_timeout_minutes"`
	SlidingExpiry          bool     `json:"sliding_expiry" yaml:"sliding_expiry" toml:"sliding_expiry"`
	MaxFailedAttempts      int      `json:"max_failed_attempts" yaml:"max_failed_attempts" toml:"max_failed_attempts"`
	LockoutDurationMinutes int      `json:"lockout_duration_minutes" yaml:"lockout_duration_minutes" toml:"lockout_duration_minutes"`
	PasswordExpiryDays     int      `json:"password_expiry_days" yaml:"password_expiry_days" toml:"password_expiry_days"`
	RequireMFA             bool     `json:"require_mfa" yaml:"require_mfa" toml:"require_mfa"`
	AllowedIPs             []string `json:"allowed_ips" yaml:"allowed_ips" toml:"allowed_ips"`
	RestrictedIPs          []string `json:"restricted_ips" yaml:"restricted_ips" toml:"restricted_ips"`
	BlockRoleDeleteInUse   bool     `json:"block_role_delete_in_use" yaml:"block_role_delete_in_use" toml:"block_role_delete_in_use"`
}

// DefaultSettings returns the policy used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		SessionTimeoutMinutes:  30,
		SlidingExpiry:          true,
		MaxFailedAttempts:      5,
		LockoutDurationMinutes: 15,
		PasswordExpiryDays:     90,
		BlockRoleDeleteInUse:   true,
	}
}

// Validate rejects settings that would make the policy incoherent.
func (s Settings) Validate() error {
	if s.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("%w: session_timeout_minutes must be positive", ErrInvalidInput)
	}
	if s.MaxFailedAttempts < 0 || s.LockoutDurationMinutes < 0 || s.PasswordExpiryDays < 0 {
		return fmt.Errorf("%w: lockout and expiry settings must not be negative", ErrInvalidInput)
	}
	if s.MaxFailedAttempts > 0 && s.LockoutDurationMinutes == 0 {
		return fmt.Errorf("%w: lockout_duration_minutes is required when max_failed_attempts is set", ErrInvalidInput)
	}
	if _, err := NewNetworkPolicy(s.AllowedIPs, s.RestrictedIPs); err != nil {
		return err
	}
	return nil
}

func (s Settings) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMinutes) * time.Minute
}

func (s Settings) LockoutWindow() time.Duration {
	return time.Duration(s.LockoutDurationMinutes) * time.Minute
}

func (s Settings) PasswordMaxAge() time.Duration {
	return time.Duration(s.PasswordExpiryDays) * 24 * time.Hour
}

// NetworkPolicy gates logins by client address. Restricted entries win over
// allowed ones; an empty allow list admits every address not restricted.
type NetworkPolicy struct {
	allowed    []netip.Prefix
	restricted []netip.Prefix
}

// NewNetworkPolicy parses addresses ("10.0.0.7") and CIDR blocks ("10.0.0.0/8").
func NewNetworkPolicy(allowed, restricted []string) (NetworkPolicy, error) {
	a, err := parsePrefixes(allowed)
	if err != nil {
		return NetworkPolicy{}, err
	}
	r, err := parsePrefixes(restricted)
	if err != nil {
		return NetworkPolicy{}, err
	}
	return NetworkPolicy{allowed: a, restricted: r}, nil
}

// Allow reports whether ip may attempt to sign in. Unparseable addresses
// are only admitted when no allow list is configured.
func (p NetworkPolicy) Allow(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return len(p.allowed) == 0 && len(p.restricted) == 0
	}
	addr = addr.Unmap()
	for _, pfx := range p.restricted {
		if pfx.Contains(addr) {
			return false
		}
	}
	if len(p.allowed) == 0 {
		return true
	}
	for _, pfx := range p.allowed {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			pfx, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid CIDR %q", ErrInvalidInput, item)
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid IP %q", ErrInvalidInput, item)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
