package config

type EnvConfig interface {
	GetEnv() string
	GetAppName() string
	GetLogLevel() string
	GetMetricsAddr() string
	IsDev() bool
}

func (s *Settings) GetEnv() string {
	return s.Env
}

func (s *Settings) GetAppName() string {
	return s.AppName
}

func (s *Settings) GetLogLevel() string {
	return s.LogLevel
}

// GetMetricsAddr is empty when metrics are not served.
func (s *Settings) GetMetricsAddr() string {
	return s.MetricsAddr
}

func (s *Settings) IsDev() bool {
	return s.Env == "DEV"
}
