package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config interface {
	EnvConfig
	APIConfig
	SessionConfig
	StoreConfig
}

// Settings is the file and environment backed configuration.
type Settings struct {
	Env         string          `yaml:"env" env:"ENV" env-default:"DEV"`
	AppName     string          `yaml:"app_name" env:"APP_NAME" env-default:"sessionctl"`
	LogLevel    string          `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	MetricsAddr string          `yaml:"metrics_addr" env:"METRICS_ADDR"`
	API         APISettings     `yaml:"api"`
	Session     SessionSettings `yaml:"session"`
	Store       StoreSettings   `yaml:"store"`
}

var _ Config = (*Settings)(nil)

// Load reads path when it names an existing file, then applies environment
// overrides and validates the result.
func Load(path string) (*Settings, error) {
	cfg := &Settings{}
	if path != "" {
		st, err := os.Stat(path)
		switch {
		case err == nil && !st.IsDir():
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("config.Load %s: %w", path, err)
			}
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config.Load %s: %w", path, err)
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config.Load env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Settings) normalize() {
	s.Env = strings.ToUpper(strings.TrimSpace(s.Env))
	s.LogLevel = strings.ToLower(strings.TrimSpace(s.LogLevel))
	s.API.BaseURL = strings.TrimRight(strings.TrimSpace(s.API.BaseURL), "/")
	s.Store.Driver = strings.ToLower(strings.TrimSpace(s.Store.Driver))
	s.Store.Path = strings.TrimSpace(s.Store.Path)
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var errs []error

	u, err := url.Parse(s.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q must be an absolute http(s) URL", s.API.BaseURL))
	}
	if s.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if s.Session.SafetyBuffer < 0 {
		errs = append(errs, errors.New("session.safety_buffer must not be negative"))
	}
	if s.Session.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("session.refresh_token_ttl must be positive"))
	}

	switch s.Store.Driver {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if s.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s driver", s.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be one of %s, %s, %s", s.Store.Driver, StoreMemory, StoreFile, StoreSQLite))
	}
	return errors.Join(errs...)
}
