// Package authapi calls the backend's authentication endpoints and normalises
// their payloads into Tokens and users.Profile values. It never retries and
// never persists anything; both belong to the caller.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/credentials"
	"github.com/jrsteele09/go-auth-client/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 1 << 20

// DefaultAccessTokenExpiry is used when neither the payload nor the token says when it expires.
const DefaultAccessTokenExpiry = time.Hour

// ErrMalformedResponse is returned when a 2xx payload lacks what the call needs.
var ErrMalformedResponse = errors.New("malformed auth response")

// Endpoints are the backend paths, relative to the base URL.
type Endpoints struct {
	Login          string
	Register       string
	Refresh        string
	CurrentUser    string
	Logout         string
	ForgotPassword string
	ResetPassword  string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:          "/auth/login",
		Register:       "/auth/register",
		Refresh:        "/auth/refresh",
		CurrentUser:    "/users/me",
		Logout:         "/auth/logout",
		ForgotPassword: "/auth/forgot-password",
		ResetPassword:  "/auth/reset-password",
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Tokens is the canonical token shape of a login or register response.
// RefreshToken equals AccessToken when the backend issued no refresh token.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
}

// Credentials converts the tokens into a credential set issued at now.
func (t Tokens) Credentials(now time.Time) credentials.Credentials {
	return credentials.Credentials{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Add(t.ExpiresIn),
	}
}

// AuthResult is the outcome of Login and Register.
type AuthResult struct {
	User   *users.Profile
	Tokens Tokens
}

// RefreshResult is the outcome of Refresh. RefreshToken is empty unless the
// backend rotated it.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Credentials builds the replacement credential set. The previous refresh token
// is kept when the backend did not rotate it.
func (r RefreshResult) Credentials(previousRefreshToken string, now time.Time) credentials.Credentials {
	refresh := r.RefreshToken
	if refresh == "" {
		refresh = previousRefreshToken
	}
	return credentials.Credentials{
		AccessToken:  r.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(r.ExpiresIn),
	}
}

// Client is a stateless Session API client.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	endpoints     Endpoints
	defaultExpiry time.Duration
	logger        zerolog.Logger
	nowFunc       func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithEndpoints(e Endpoints) Option {
	return func(c *Client) {
		c.endpoints = e
	}
}

func WithDefaultAccessTokenExpiry(d time.Duration) Option {
	return func(c *Client) {
		c.defaultExpiry = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(c *Client) {
		c.nowFunc = now
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: DefaultEndpoints(),
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.defaultExpiry <= 0 {
		c.defaultExpiry = DefaultAccessTokenExpiry
	}
	if c.nowFunc == nil {
		c.nowFunc = time.Now
	}
	return c
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges an email and password for tokens and a profile.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	return c.authenticate(ctx, c.endpoints.Login, req, req.Email)
}

// Register creates an account and returns its tokens and profile.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	return c.authenticate(ctx, c.endpoints.Register, req, req.Email)
}

// Refresh obtains a new access token. accessToken may be empty; when set it is
// sent as the bearer credential for backends that authorise refresh with it.
func (c *Client) Refresh(ctx context.Context, refreshToken, accessToken string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("authapi.Refresh: %w: missing refresh token", autherr.ErrInvalidCredentials)
	}

	var raw json.RawMessage
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.send(ctx, http.MethodPost, c.endpoints.Refresh, accessToken, body, &raw); err != nil {
		return nil, err
	}

	payload, err := decodeAuthPayload(raw)
	if err != nil {
		return nil, err
	}
	tokens := payload.tokens()
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("authapi.Refresh: %w: no access token", ErrMalformedResponse)
	}

	return &RefreshResult{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    c.expiresIn(tokens),
	}, nil
}

// GetCurrentUser fetches the profile of the token's owner.
func (c *Client) GetCurrentUser(ctx context.Context, accessToken string) (*users.Profile, error) {
	var raw json.RawMessage
	if err := c.send(ctx, http.MethodGet, c.endpoints.CurrentUser, accessToken, nil, &raw); err != nil {
		return nil, err
	}
	p, err := decodeProfile(raw)
	if err != nil {
		return nil, fmt.Errorf("authapi.GetCurrentUser: %w", err)
	}
	p.Source = users.SourceBackend
	return p, nil
}

// Logout tells the backend to end the session of accessToken.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.send(ctx, http.MethodPost, c.endpoints.Logout, accessToken, nil, nil)
}

// ForgotPassword asks the backend to email a reset link.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.send(ctx, http.MethodPost, c.endpoints.ForgotPassword, "", map[string]string{"email": email}, nil)
}

// ResetPassword sets a new password using a reset token.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	body := map[string]string{"token": token, "newPassword": newPassword}
	return c.send(ctx, http.MethodPost, c.endpoints.ResetPassword, "", body, nil)
}

func (c *Client) authenticate(ctx context.Context, path string, in any, email string) (*AuthResult, error) {
	var raw json.RawMessage
	if err := c.send(ctx, http.MethodPost, path, "", in, &raw); err != nil {
		return nil, err
	}

	payload, err := decodeAuthPayload(raw)
	if err != nil {
		return nil, err
	}
	tokens := payload.tokens()
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("authapi %s: %w: no access token", path, ErrMalformedResponse)
	}
	tokens.ExpiresIn = c.expiresIn(tokens)
	if tokens.RefreshToken == "" {
		// Backends without refresh tokens accept the issued access token on /auth/refresh.
		c.logger.Debug().Str("path", path).Msg("no refresh token issued, access token doubles as refresh credential")
		tokens.RefreshToken = tokens.AccessToken
	}

	profile, err := c.resolveProfile(ctx, tokens.AccessToken, payload, email)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: profile, Tokens: tokens}, nil
}

// resolveProfile prefers the backend record, then the profile embedded in the
// login payload, then the token's own claims.
func (c *Client) resolveProfile(ctx context.Context, accessToken string, payload *authPayload, email string) (*users.Profile, error) {
	profile, err := c.GetCurrentUser(ctx, accessToken)
	if err == nil {
		return profile, nil
	}

	if p := payload.profile(); p != nil {
		c.logger.Warn().Err(err).Str("user_id", p.ID).Msg("current user unavailable, using login response profile")
		p.Source = users.SourceLoginResponse
		return p, nil
	}

	p, claimErr := profileFromToken(accessToken, email)
	if claimErr != nil {
		c.logger.Error().Err(claimErr).Msg("access token carries no usable identity claims")
		return nil, err
	}
	c.logger.Warn().Err(err).Str("user_id", p.ID).Msg("current user unavailable, using token-fallback profile")
	return p, nil
}

func (c *Client) expiresIn(t Tokens) time.Duration {
	if t.ExpiresIn > 0 {
		return t.ExpiresIn
	}
	if exp, ok := tokenExpiry(t.AccessToken); ok {
		if d := exp.Sub(c.nowFunc()); d > 0 {
			return d
		}
	}
	return c.defaultExpiry
}

func (c *Client) send(ctx context.Context, method, path, accessToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("authapi: encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("authapi: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &autherr.TransportError{Op: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &autherr.TransportError{Op: method, URL: url, Err: err}
	}

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("auth api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("authapi %s: %w: %v", path, ErrMalformedResponse, err)
	}
	return nil
}
