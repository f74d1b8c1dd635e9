package config

import "time"

type APIConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
	GetDefaultAccessTokenExpiry() time.Duration
	GetEndpoints() EndpointSettings
}

type APISettings struct {
	BaseURL                  string           `yaml:"base_url" env:"AUTH_API_BASE_URL" env-default:"http://localhost:8080"`
	Timeout                  time.Duration    `yaml:"timeout" env:"AUTH_API_TIMEOUT" env-default:"30s"`
	DefaultAccessTokenExpiry time.Duration    `yaml:"default_access_token_expiry" env:"AUTH_DEFAULT_ACCESS_TOKEN_EXPIRY" env-default:"1h"`
	Endpoints                EndpointSettings `yaml:"endpoints"`
}

// EndpointSettings are backend paths relative to the base URL.
type EndpointSettings struct {
	Login          string `yaml:"login" env:"AUTH_PATH_LOGIN" env-default:"/auth/login"`
	Register       string `yaml:"register" env:"AUTH_PATH_REGISTER" env-default:"/auth/register"`
	Refresh        string `yaml:"refresh" env:"AUTH_PATH_REFRESH" env-default:"/auth/refresh"`
	CurrentUser    string `yaml:"current_user" env:"AUTH_PATH_CURRENT_USER" env-default:"/users/me"`
	Logout         string `yaml:"logout" env:"AUTH_PATH_LOGOUT" env-default:"/auth/logout"`
	ForgotPassword string `yaml:"forgot_password" env:"AUTH_PATH_FORGOT_PASSWORD" env-default:"/auth/forgot-password"`
	ResetPassword  string `yaml:"reset_password" env:"AUTH_PATH_RESET_PASSWORD" env-default:"/auth/reset-password"`
}

func (s *Settings) GetBaseURL() string {
	return s.API.BaseURL
}

func (s *Settings) GetRequestTimeout() time.Duration {
	return s.API.Timeout
}

func (s *Settings) GetDefaultAccessTokenExpiry() time.Duration {
	return s.API.DefaultAccessTokenExpiry
}

func (s *Settings) GetEndpoints() EndpointSettings {
	return s.API.Endpoints
}
