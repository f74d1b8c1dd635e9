// Package apifake runs an in-process fake of the auth backend for tests.
package apifake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signingSecret = "apifake-secret"
	ResetToken    = "valid-reset-token"
)

// User is an account known to the fake.
type User struct {
	ID        string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
	Perms     []string
}

type session struct {
	userID  string
	refresh string
}

// Backend is a fake auth backend. Its exported fields may be changed between
// calls; they are read under the backend's lock.
type Backend struct {
	Server *httptest.Server

	// ExpiresIn is the access token lifetime in seconds. Zero omits the field.
	ExpiresIn int
	// RotateRefresh issues a new refresh token on every refresh.
	RotateRefresh bool
	// FailCurrentUser makes GET /users/me answer 500.
	FailCurrentUser bool
	// FailRefresh makes POST /auth/refresh answer 401.
	FailRefresh bool
	// FailLogout makes POST /auth/logout answer 503.
	FailLogout bool
	// RefreshDelay holds every refresh response back.
	RefreshDelay time.Duration
	// OmitUserInLogin leaves the user object out of login responses.
	OmitUserInLogin bool
	// IssueRefreshToken adds refresh_token to login and register responses.
	// Without it the issued access token is also the refresh credential.
	IssueRefreshToken bool

	mu        sync.Mutex
	seq       int
	users     map[string]*User
	usersByID map[string]*User
	access   map[string]session
	refresh  map[string]string
	routes   map[string]http.HandlerFunc
	requests []Request

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
}

// Request is a recorded call.
type Request struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	Body          string
}

// New starts a fake backend. Call Close when done.
func New() *Backend {
	b := &Backend{
		ExpiresIn: 3600,
		users:     make(map[string]*User),
		usersByID: make(map[string]*User),
		access:    make(map[string]session),
		refresh:   make(map[string]string),
		routes:    make(map[string]http.HandlerFunc),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/register", b.handleRegister)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("GET /users/me", b.handleMe)
	mux.HandleFunc("POST /auth/logout", b.handleLogout)
	mux.HandleFunc("POST /auth/forgot-password", b.handleForgot)
	mux.HandleFunc("POST /auth/reset-password", b.handleReset)
	mux.HandleFunc("/", b.handleRoute)
	b.Server = httptest.NewServer(b.record(mux))
	return b
}

func (b *Backend) URL() string {
	return b.Server.URL
}

func (b *Backend) Close() {
	b.Server.Close()
}

// AddUser registers an account. It panics if the id or email is taken.
func (b *Backend) AddUser(u User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.usersByID[u.ID] != nil || b.users[strings.ToLower(u.Email)] != nil {
		panic("apifake: duplicate user " + u.ID + " " + u.Email)
	}
	cp := u
	b.addUserLocked(&cp)
}

func (b *Backend) addUserLocked(u *User) {
	b.users[strings.ToLower(u.Email)] = u
	b.usersByID[u.ID] = u
}

// nextUserIDLocked returns the first user-N id not already taken.
func (b *Backend) nextUserIDLocked() string {
	for n := len(b.usersByID) + 1; ; n++ {
		id := fmt.Sprintf("user-%d", n)
		if b.usersByID[id] == nil {
			return id
		}
	}
}

// Issue creates a session for the user with the given email and returns its
// access and refresh tokens.
func (b *Backend) Issue(email string) (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.users[strings.ToLower(email)]
	if u == nil {
		panic("apifake: unknown user " + email)
	}
	return b.issueLocked(u, "")
}

// Revoke invalidates an access token while keeping its refresh token.
func (b *Backend) Revoke(accessToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.access, accessToken)
}

// Handle registers a data route. Unless public, the route answers 401 to
// requests without a live access token and receives the caller's user id.
func (b *Backend) Handle(pattern string, public bool, h func(w http.ResponseWriter, r *http.Request, userID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[pattern] = func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if !public {
			s, ok := b.authorize(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
				return
			}
			userID = s.userID
		}
		h(w, r, userID)
	}
}

func (b *Backend) RefreshCalls() int {
	return int(b.refreshCalls.Load())
}

func (b *Backend) LogoutCalls() int {
	return int(b.logoutCalls.Load())
}

// Requests returns every recorded call in order.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// RequestsTo returns the recorded calls to path.
func (b *Backend) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range b.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// AccessToken signs a JWT for the user the way the fake would issue it.
func AccessToken(u User, id string, exp time.Time) string {
	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"role":  u.Role,
		"jti":   id,
	}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

func (b *Backend) issueLocked(u *User, refresh string) (string, string) {
	b.seq++
	var exp time.Time
	if b.ExpiresIn > 0 {
		exp = time.Now().Add(time.Duration(b.ExpiresIn) * time.Second)
	}
	access := AccessToken(*u, fmt.Sprintf("a%d", b.seq), exp)
	if refresh == "" {
		refresh = fmt.Sprintf("refresh-%d", b.seq)
		b.refresh[refresh] = u.ID
	}
	b.access[access] = session{userID: u.ID, refresh: refresh}
	return access, refresh
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		b.mu.Lock()
		b.requests = append(b.requests, Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
			Body:          string(body),
		})
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authorize(r *http.Request) (session, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return session{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.access[token]
	return s, ok
}

func (b *Backend) userByIDLocked(id string) *User {
	return b.usersByID[id]
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.users[strings.ToLower(in.Email)]
	if u == nil || u.Password != in.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid email or password"})
		return
	}
	writeJSON(w, http.StatusOK, b.authResponseLocked(u))
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	fields := map[string][]string{}
	if !strings.Contains(in.Email, "@") {
		fields["email"] = append(fields["email"], "must be a valid email")
	}
	if len(in.Password) < 8 {
		fields["password"] = append(fields["password"], "must be at least 8 characters")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.users[strings.ToLower(in.Email)] != nil {
		fields["email"] = append(fields["email"], "is already registered")
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Validation failed", "errors": fields})
		return
	}

	u := &User{
		ID:        b.nextUserIDLocked(),
		Email:     in.Email,
		Password:  in.Password,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Role:      "donor",
	}
	b.addUserLocked(u)
	writeJSON(w, http.StatusCreated, b.authResponseLocked(u))
}

func (b *Backend) authResponseLocked(u *User) map[string]any {
	access, refresh := b.issueLocked(u, "")
	token := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
	}
	if b.IssueRefreshToken {
		token["refresh_token"] = refresh
	} else {
		delete(b.refresh, refresh)
		b.refresh[access] = u.ID
		b.access[access] = session{userID: u.ID, refresh: access}
	}
	if b.ExpiresIn > 0 {
		token["expires_in"] = b.ExpiresIn
	}
	resp := map[string]any{"token": token}
	if !b.OmitUserInLogin {
		resp["user"] = userJSON(u)
	}
	return resp
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)

	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	b.mu.Lock()
	delay := b.RefreshDelay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	userID, ok := b.refresh[in.RefreshToken]
	if b.FailRefresh || !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid refresh token"})
		return
	}
	u := b.userByIDLocked(userID)

	refresh := in.RefreshToken
	rotated := ""
	if b.RotateRefresh {
		delete(b.refresh, refresh)
		b.seq++
		refresh = fmt.Sprintf("refresh-%d", b.seq)
		b.refresh[refresh] = userID
		rotated = refresh
	}
	access, _ := b.issueLocked(u, refresh)

	resp := map[string]any{"accessToken": access}
	if b.ExpiresIn > 0 {
		resp["expiresIn"] = b.ExpiresIn
	}
	if rotated != "" {
		resp["refreshToken"] = rotated
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	s, ok := b.authorize(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailCurrentUser {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "profile service unavailable"})
		return
	}
	u := b.userByIDLocked(s.userID)
	writeJSON(w, http.StatusOK, map[string]any{"data": userJSON(u)})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.logoutCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailLogout {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
		return
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if s, found := b.access[token]; found {
			delete(b.refresh, s.refresh)
			delete(b.access, token)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleForgot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || !strings.Contains(in.Email, "@") {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "Validation failed",
			"errors":  map[string]string{"email": "must be a valid email"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "If the account exists an email was sent"})
}

func (b *Backend) handleReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.Token != ResetToken {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_token", "error_description": "Reset token is invalid or expired"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleRoute(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	h := b.routes[r.URL.Path]
	b.mu.Unlock()
	if h == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	h(w, r)
}

func userJSON(u *User) map[string]any {
	perms := make([]string, len(u.Perms))
	copy(perms, u.Perms)
	return map[string]any{
		"id":        u.ID,
		"email":     u.Email,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"isActive":  true,
		"createdAt": "2024-03-01T10:00:00Z",
		"role": map[string]any{
			"id":          "role-" + u.Role,
			"name":        u.Role,
			"permissions": perms,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
