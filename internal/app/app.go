// Package app builds the credential store, API client, caller and session
// manager from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/authcall"
	"github.com/jrsteele09/go-auth-client/credentials"
	"github.com/jrsteele09/go-auth-client/credentials/filerepo"
	"github.com/jrsteele09/go-auth-client/credentials/sqliterepo"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/internal/metrics"
	"github.com/jrsteele09/go-auth-client/sessions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// App is a wired session client.
type App struct {
	Config   config.Config
	Store    *credentials.Store
	API      *authapi.Client
	Caller   *authcall.Caller
	Sessions *sessions.Manager
	Metrics  *metrics.Recorder

	logger zerolog.Logger
	close  func() error
}

type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *zerolog.Logger
	runtime    bool
}

// WithHTTPClient replaces the client built from the request timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithRuntimeMetrics adds the go and process collectors.
func WithRuntimeMetrics() Option {
	return func(o *options) {
		o.runtime = true
	}
}

// New wires every component. Close releases the store.
func New(cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.GetRequestTimeout()}
	}

	repo, closeRepo, err := openRepo(cfg)
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder(o.runtime)
	store := credentials.NewStore(repo,
		credentials.WithSafetyBuffer(cfg.GetSafetyBuffer()),
		credentials.WithRefreshTokenTTL(cfg.GetRefreshTokenTTL()),
	)

	e := cfg.GetEndpoints()
	api := authapi.New(cfg.GetBaseURL(),
		authapi.WithHTTPClient(httpClient),
		authapi.WithEndpoints(authapi.Endpoints{
			Login:          e.Login,
			Register:       e.Register,
			Refresh:        e.Refresh,
			CurrentUser:    e.CurrentUser,
			Logout:         e.Logout,
			ForgotPassword: e.ForgotPassword,
			ResetPassword:  e.ResetPassword,
		}),
		authapi.WithDefaultAccessTokenExpiry(cfg.GetDefaultAccessTokenExpiry()),
		authapi.WithLogger(logger.With().Str("component", "authapi").Logger()),
	)

	caller := authcall.New(cfg.GetBaseURL(), store, api,
		authcall.WithHTTPClient(httpClient),
		authcall.WithRefreshDedup(cfg.GetRefreshDedup()),
		authcall.WithMetrics(recorder),
		authcall.WithLogger(logger.With().Str("component", "authcall").Logger()),
	)

	manager := sessions.NewManager(api, caller, store,
		sessions.WithLogoutTimeout(cfg.GetLogoutTimeout()),
		sessions.WithTransitionObserver(recorder),
		sessions.WithLogger(logger.With().Str("component", "sessions").Logger()),
	)

	return &App{
		Config:   cfg,
		Store:    store,
		API:      api,
		Caller:   caller,
		Sessions: manager,
		Metrics:  recorder,
		logger:   logger,
		close:    closeRepo,
	}, nil
}

// Close releases the credential repo.
func (a *App) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// ServeMetrics serves /metrics on addr until ctx is done.
func (a *App) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func openRepo(cfg config.StoreConfig) (credentials.Repo, func() error, error) {
	switch cfg.GetStoreDriver() {
	case config.StoreMemory:
		return credentials.NewInMemoryRepo(), nil, nil
	case config.StoreFile:
		var opts []filerepo.Option
		if pass := cfg.GetStorePassphrase(); pass != "" {
			opts = append(opts, filerepo.WithPassphrase(pass))
		}
		repo, err := filerepo.New(cfg.GetStorePath(), opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("app: open file store: %w", err)
		}
		return repo, nil, nil
	case config.StoreSQLite:
		repo, err := sqliterepo.Open(cfg.GetStorePath())
		if err != nil {
			return nil, nil, fmt.Errorf("app: open sqlite store: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store driver %q", cfg.GetStoreDriver())
	}
}
