package config

import "time"

type SessionConfig interface {
	GetSafetyBuffer() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetLogoutTimeout() time.Duration
	GetRefreshDedup() bool
}

// SessionSettings control expiry and refresh. DisableRefreshDedup lets
// concurrent calls refresh independently.
type SessionSettings struct {
	SafetyBuffer        time.Duration `yaml:"safety_buffer" env:"SESSION_SAFETY_BUFFER" env-default:"5m"`
	RefreshTokenTTL     time.Duration `yaml:"refresh_token_ttl" env:"SESSION_REFRESH_TOKEN_TTL" env-default:"168h"`
	LogoutTimeout       time.Duration `yaml:"logout_timeout" env:"SESSION_LOGOUT_TIMEOUT" env-default:"5s"`
	DisableRefreshDedup bool          `yaml:"disable_refresh_dedup" env:"SESSION_DISABLE_REFRESH_DEDUP"`
}

func (s *Settings) GetSafetyBuffer() time.Duration {
	return s.Session.SafetyBuffer
}

func (s *Settings) GetRefreshTokenTTL() time.Duration {
	return s.Session.RefreshTokenTTL
}

func (s *Settings) GetLogoutTimeout() time.Duration {
	return s.Session.LogoutTimeout
}

func (s *Settings) GetRefreshDedup() bool {
	return !s.Session.DisableRefreshDedup
}
