// Package authcall sends authenticated requests to the backend. It attaches
// the bearer token, refreshes it when it is about to lapse or was rejected,
// retries a rejected request once, and clears the stored credentials when the
// session cannot be recovered.
package authcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/credentials"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RequestIDHeader carries one id per logical call, retries included.
const RequestIDHeader = "X-Request-ID"

// CredentialStore is the part of credentials.Store the caller needs.
type CredentialStore interface {
	Get() (*credentials.Credentials, error)
	Set(credentials.Credentials) error
	Clear() error
	Now() time.Time
	SafetyBuffer() time.Duration
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, accessToken string) (*authapi.RefreshResult, error)
}

var (
	_ CredentialStore = (*credentials.Store)(nil)
	_ Refresher       = (*authapi.Client)(nil)
)

// Request is one logical call. Path is relative to the caller's base URL
// unless it is absolute.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
	// SkipAuth sends the request without credentials and without refresh handling.
	SkipAuth bool
}

// Response is a buffered 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the body into v. An empty body leaves v untouched.
func (r *Response) DecodeJSON(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Caller performs authenticated calls. It is safe for concurrent use.
type Caller struct {
	baseURL    string
	httpClient *http.Client
	store      CredentialStore
	refresher  Refresher
	group      *singleflight.Group
	logger     zerolog.Logger
	metrics    Metrics

	hooksMu sync.RWMutex
	onEnded []func(error)
}

type Option func(*Caller)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Caller) {
		c.httpClient = hc
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Caller) {
		c.logger = l
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Caller) {
		c.metrics = m
	}
}

// WithRefreshDedup controls whether concurrent calls holding the same refresh
// token share one refresh. It is on by default.
func WithRefreshDedup(enabled bool) Option {
	return func(c *Caller) {
		if enabled {
			c.group = &singleflight.Group{}
		} else {
			c.group = nil
		}
	}
}

// New creates a Caller for the backend at baseURL.
func New(baseURL string, store CredentialStore, refresher Refresher, options ...Option) *Caller {
	c := &Caller{
		baseURL:   strings.TrimRight(baseURL, "/"),
		store:     store,
		refresher: refresher,
		group:     &singleflight.Group{},
		logger:    log.Logger,
		metrics:   nopMetrics{},
	}
	for _, opt := range options {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// OnSessionEnded registers fn to run every time the caller clears the
// credentials. err is the ErrSessionRequired or ErrSessionExpired being returned.
func (c *Caller) OnSessionEnded(fn func(err error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onEnded = append(c.onEnded, fn)
}

// Do sends req. 2xx responses are returned; 401 is refreshed and retried once;
// 403 is an *autherr.PermissionError; anything else is an *autherr.HTTPError.
func (c *Caller) Do(ctx context.Context, req *Request) (*Response, error) {
	requestID := uuid.NewString()
	logger := c.logger.With().Str("request_id", requestID).Str("method", req.Method).Str("path", req.Path).Logger()

	if req.SkipAuth {
		resp, err := c.send(ctx, req, "", requestID)
		if err != nil {
			return nil, err
		}
		return c.classify(req, resp)
	}

	creds, err := c.validCredentials(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, req, creds.AccessToken, requestID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return c.classify(req, resp)
	}

	logger.Debug().Msg("access token rejected, refreshing once")
	creds, err = c.refresh(ctx, creds, triggerUnauthorized)
	if err != nil {
		return nil, err
	}

	resp, err = c.send(ctx, req, creds.AccessToken, requestID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		logger.Warn().Msg("access token rejected after refresh")
		return nil, c.endSession(autherr.Expired(httpError(req, resp)))
	}
	return c.classify(req, resp)
}

// GetJSON sends an authenticated GET and decodes the response into out.
func (c *Caller) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.DecodeJSON(out); err != nil {
		return fmt.Errorf("authcall: decode %s: %w", path, err)
	}
	return nil
}

// PostJSON sends in as a JSON body and decodes the response into out, which may be nil.
func (c *Caller) PostJSON(ctx context.Context, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("authcall: encode %s: %w", path, err)
		}
		body = b
	}
	resp, err := c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.DecodeJSON(out); err != nil {
		return fmt.Errorf("authcall: decode %s: %w", path, err)
	}
	return nil
}

// Token returns an access token that is not about to expire, refreshing first
// when needed.
func (c *Caller) Token(ctx context.Context) (string, error) {
	creds, err := c.validCredentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// ForceRefresh refreshes the stored credentials regardless of their expiry.
func (c *Caller) ForceRefresh(ctx context.Context) (string, error) {
	creds, err := c.storedCredentials()
	if err != nil {
		return "", err
	}
	creds, err = c.refresh(ctx, creds, triggerForced)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

func (c *Caller) storedCredentials() (*credentials.Credentials, error) {
	creds, err := c.store.Get()
	if err != nil {
		c.logger.Err(err).Msg("reading credentials")
		return nil, c.endSession(&autherr.SessionError{Kind: autherr.ErrSessionRequired, Cause: err})
	}
	if creds == nil {
		return nil, c.endSession(autherr.ErrSessionRequired)
	}
	return creds, nil
}

func (c *Caller) validCredentials(ctx context.Context) (*credentials.Credentials, error) {
	creds, err := c.storedCredentials()
	if err != nil {
		return nil, err
	}
	if !c.expired(creds) {
		return creds, nil
	}
	return c.refresh(ctx, creds, triggerExpired)
}

func (c *Caller) expired(creds *credentials.Credentials) bool {
	return creds.ExpiredAt(c.store.Now(), c.store.SafetyBuffer())
}

func (c *Caller) send(ctx context.Context, req *Request, accessToken, requestID string) (*Response, error) {
	url := req.Path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("authcall: build %s %s: %w", method, req.Path, err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}
	httpReq.Header.Set(RequestIDHeader, requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RequestCompleted(method, 0, time.Since(start))
		return nil, &autherr.TransportError{Op: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &autherr.TransportError{Op: method, URL: url, Err: err}
	}
	c.metrics.RequestCompleted(method, resp.StatusCode, time.Since(start))

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

func (c *Caller) classify(req *Request, resp *Response) (*Response, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return resp, nil
	case resp.StatusCode == http.StatusForbidden && !req.SkipAuth:
		return nil, &autherr.PermissionError{Path: req.Path, Body: resp.Body}
	default:
		return nil, httpError(req, resp)
	}
}

func httpError(req *Request, resp *Response) *autherr.HTTPError {
	return &autherr.HTTPError{StatusCode: resp.StatusCode, Path: req.Path, Body: resp.Body}
}

// endSession clears the credentials, notifies the hooks and returns err.
func (c *Caller) endSession(err error) error {
	if clearErr := c.store.Clear(); clearErr != nil {
		c.logger.Err(clearErr).Msg("clearing credentials")
	}

	reason := "required"
	if autherr.Is(err, autherr.ErrSessionExpired) {
		reason = "expired"
	}
	c.metrics.SessionEnded(reason)
	c.logger.Info().Str("reason", reason).Msg("session ended")

	c.hooksMu.RLock()
	hooks := slices.Clone(c.onEnded)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
	return err
}
