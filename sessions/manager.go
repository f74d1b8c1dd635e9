// Package sessions owns the observable session state: who is logged in and
// whether the stored credentials are usable. The Manager is the only writer;
// everyone else reads snapshots.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/credentials"
	"github.com/jrsteele09/go-auth-client/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultLogoutTimeout = 5 * time.Second

// API is the part of authapi.Client the manager calls.
type API interface {
	Login(ctx context.Context, req authapi.LoginRequest) (*authapi.AuthResult, error)
	Register(ctx context.Context, req authapi.RegisterRequest) (*authapi.AuthResult, error)
	GetCurrentUser(ctx context.Context, accessToken string) (*users.Profile, error)
	Logout(ctx context.Context, accessToken string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// TokenProvider hands out usable access tokens. authcall.Caller implements it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
	OnSessionEnded(fn func(err error))
}

// CredentialStore is the part of credentials.Store the manager needs.
type CredentialStore interface {
	Get() (*credentials.Credentials, error)
	Set(credentials.Credentials) error
	Clear() error
	Now() time.Time
}

// TransitionObserver is told every time the status changes. It is called with
// the manager's state lock held and must not call back into the Manager.
type TransitionObserver interface {
	SessionTransition(status string)
}

var (
	_ API             = (*authapi.Client)(nil)
	_ CredentialStore = (*credentials.Store)(nil)
)

// Manager drives the session state machine.
type Manager struct {
	api           API
	tokens        TokenProvider
	store         CredentialStore
	logger        zerolog.Logger
	observer      TransitionObserver
	logoutTimeout time.Duration

	initOnce sync.Once

	mu      sync.RWMutex
	state   State
	subs    map[int]chan State
	nextSub int
}

type ManagerOption func(*Manager)

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithTransitionObserver(o TransitionObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithLogoutTimeout bounds the backend logout notification.
func WithLogoutTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.logoutTimeout = d
	}
}

// NewManager creates a manager in the initializing state and subscribes it to
// the token provider's session-ended events.
func NewManager(api API, tokens TokenProvider, store CredentialStore, options ...ManagerOption) *Manager {
	m := &Manager{
		api:           api,
		tokens:        tokens,
		store:         store,
		logger:        log.Logger,
		logoutTimeout: defaultLogoutTimeout,
		state:         State{Status: StatusInitializing, IsLoading: true},
		subs:          make(map[int]chan State),
	}
	for _, opt := range options {
		opt(m)
	}
	tokens.OnSessionEnded(m.HandleSessionEnded)
	if m.observer != nil {
		m.observer.SessionTransition(string(StatusInitializing))
	}
	return m
}

// Initialize resolves the initial status from the stored credentials. Only the
// first call does any work; later calls return the current snapshot.
func (m *Manager) Initialize(ctx context.Context) State {
	m.initOnce.Do(func() {
		m.initialize(ctx)
	})
	return m.Snapshot()
}

func (m *Manager) initialize(ctx context.Context) {
	creds, err := m.store.Get()
	if err != nil {
		m.logger.Err(err).Msg("reading stored credentials")
		m.clearCredentials()
		m.settle(StatusUnauthenticated, nil, "")
		return
	}
	if creds == nil {
		m.settle(StatusUnauthenticated, nil, "")
		return
	}

	user, err := m.currentUser(ctx)
	if err != nil {
		m.logger.Info().Err(err).Msg("stored session could not be restored")
		m.clearCredentials()
		message := ""
		if !autherr.IsTerminalSession(err) {
			message = errorMessage(err)
		}
		m.settle(StatusUnauthenticated, nil, message)
		return
	}
	m.settle(StatusAuthenticated, user, "")
}

// Login authenticates and stores the new credentials. A failure is reported
// both in the state's Error and as the returned error.
func (m *Manager) Login(ctx context.Context, req authapi.LoginRequest) (*users.Profile, error) {
	m.startLoading()
	res, err := m.api.Login(ctx, req)
	return m.completeAuth(res, err)
}

// Register creates an account and logs into it.
func (m *Manager) Register(ctx context.Context, req authapi.RegisterRequest) (*users.Profile, error) {
	m.startLoading()
	res, err := m.api.Register(ctx, req)
	return m.completeAuth(res, err)
}

func (m *Manager) completeAuth(res *authapi.AuthResult, err error) (*users.Profile, error) {
	if err == nil {
		err = m.store.Set(res.Tokens.Credentials(m.store.Now()))
	}
	if err != nil {
		m.clearCredentials()
		m.settle(StatusUnauthenticated, nil, errorMessage(err))
		return nil, err
	}
	m.logger.Info().Str("user_id", res.User.ID).Str("profile_source", string(res.User.Source)).Msg("logged in")
	m.settle(StatusAuthenticated, res.User, "")
	return res.User, nil
}

// Logout notifies the backend and clears the session. The notification is
// best effort: its failure is logged and the local cleanup happens regardless.
// An expired access token is refreshed first so the backend can still revoke
// the refresh credential.
func (m *Manager) Logout(ctx context.Context) {
	m.startLoading()

	if creds, err := m.store.Get(); err == nil && creds != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, m.logoutTimeout)
		m.notifyLogout(logoutCtx)
		cancel()
	}

	m.clearCredentials()
	m.settle(StatusUnauthenticated, nil, "")
}

func (m *Manager) notifyLogout(ctx context.Context) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.logger.Info().Err(err).Msg("no usable access token, skipping backend logout")
		return
	}
	if err := m.api.Logout(ctx, token); err != nil {
		m.logger.Err(err).Msg("backend logout failed, clearing local session anyway")
	}
}

// Refresh re-reads the current user from the backend. A terminal session error
// settles the session unauthenticated; other errors keep the status and set Error.
func (m *Manager) Refresh(ctx context.Context) (*users.Profile, error) {
	m.startLoading()
	user, err := m.currentUser(ctx)
	if err != nil {
		if autherr.IsTerminalSession(err) {
			m.clearCredentials()
			m.settle(StatusUnauthenticated, nil, errorMessage(err))
		} else {
			m.fail(err)
		}
		return nil, err
	}
	m.settle(StatusAuthenticated, user, "")
	return user, nil
}

// ForgotPassword asks the backend to send a reset email. The status is unchanged.
func (m *Manager) ForgotPassword(ctx context.Context, email string) error {
	m.startLoading()
	if err := m.api.ForgotPassword(ctx, email); err != nil {
		m.fail(err)
		return err
	}
	m.stopLoading()
	return nil
}

// ResetPassword sets a new password with a reset token. The status is unchanged.
func (m *Manager) ResetPassword(ctx context.Context, token, newPassword string) error {
	m.startLoading()
	if err := m.api.ResetPassword(ctx, token, newPassword); err != nil {
		m.fail(err)
		return err
	}
	m.stopLoading()
	return nil
}

// HandleSessionEnded settles the session unauthenticated after the credentials
// were cleared elsewhere.
func (m *Manager) HandleSessionEnded(err error) {
	m.mu.RLock()
	status := m.state.Status
	m.mu.RUnlock()
	if status == StatusUnauthenticated {
		return
	}

	message := ""
	if errors.Is(err, autherr.ErrSessionExpired) {
		message = errorMessage(autherr.ErrSessionExpired)
	}
	m.settle(StatusUnauthenticated, nil, message)
}

// currentUser fetches the profile with a usable token, refreshing and
// retrying once when the backend rejects it.
func (m *Manager) currentUser(ctx context.Context) (*users.Profile, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	user, err := m.api.GetCurrentUser(ctx, token)
	if !autherr.IsUnauthorized(err) {
		return user, err
	}

	m.logger.Debug().Msg("current user rejected the token, refreshing once")
	if token, err = m.tokens.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	user, err = m.api.GetCurrentUser(ctx, token)
	if autherr.IsUnauthorized(err) {
		return nil, autherr.Expired(err)
	}
	return user, err
}

func (m *Manager) clearCredentials() {
	if err := m.store.Clear(); err != nil {
		m.logger.Err(err).Msg("clearing credentials")
	}
}

func errorMessage(err error) string {
	var apiErr *autherr.AuthAPIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
