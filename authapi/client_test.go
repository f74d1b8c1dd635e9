package authapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/authapi/apifake"
	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/users"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "jane.doe@example.com"
	testPassword = "correct-horse"
)

var testUser = apifake.User{
	ID:        "user-1",
	Email:     testEmail,
	Password:  testPassword,
	FirstName: "Jane",
	LastName:  "Doe",
	Role:      "organizer",
	Perms:     []string{"campaigns:create", "receipts"},
}

type testFixture struct {
	backend *apifake.Backend
	client  *authapi.Client
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	b := apifake.New()
	t.Cleanup(b.Close)
	b.AddUser(testUser)
	return &testFixture{
		backend: b,
		client:  authapi.New(b.URL()+"/", authapi.WithLogger(zerolog.Nop())),
	}
}

func TestLogin(t *testing.T) {
	f := setupTestFixture(t)

	res, err := f.client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	require.Equal(t, "Bearer", res.Tokens.TokenType)
	require.Equal(t, time.Hour, res.Tokens.ExpiresIn)

	require.NotNil(t, res.User)
	require.Equal(t, users.SourceBackend, res.User.Source)
	require.Equal(t, "user-1", res.User.ID)
	require.Equal(t, "Jane", res.User.FirstName)
	require.Equal(t, "organizer", res.User.Role.Name)
	require.True(t, res.User.HasPermission("campaigns", "create"))
	require.True(t, res.User.HasPermission("receipts", "delete"))
	require.Equal(t, 2024, res.User.CreatedAt.Year())

	me := f.backend.RequestsTo("/users/me")
	require.Len(t, me, 1)
	require.Equal(t, "Bearer "+res.Tokens.AccessToken, me[0].Authorization)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: "nope"})
	require.Error(t, err)

	var apiErr *autherr.AuthAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "Invalid email or password", apiErr.Message)
	require.True(t, autherr.IsUnauthorized(err))
}

func TestLoginProfileFromLoginResponse(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.FailCurrentUser = true

	res, err := f.client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, users.SourceLoginResponse, res.User.Source)
	require.Equal(t, "Jane", res.User.FirstName)
}

func TestLoginProfileFromToken(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.FailCurrentUser = true
	f.backend.OmitUserInLogin = true

	res, err := f.client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, users.SourceTokenFallback, res.User.Source)
	require.Equal(t, "user-1", res.User.ID)
	require.Equal(t, testEmail, res.User.Email)
	require.Equal(t, "organizer", res.User.Role.Name)
	require.Empty(t, res.User.FirstName)
	require.Equal(t, "jane.doe", res.User.DisplayName())
}

func TestLoginExpiryFromTokenClaim(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.ExpiresIn = 0 // the token itself carries no exp either

	res, err := f.client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, authapi.DefaultAccessTokenExpiry, res.Tokens.ExpiresIn)

	exp := time.Now().Add(90 * time.Minute)
	token := apifake.AccessToken(testUser, "x", exp)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken":  token,
				"refreshToken": "r1",
				"user":         map[string]any{"id": 7, "email": testEmail, "role": "donor"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := authapi.New(srv.URL, authapi.WithLogger(zerolog.Nop()))
	res, err = client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.InDelta(t, (90 * time.Minute).Seconds(), res.Tokens.ExpiresIn.Seconds(), 5)
	require.Equal(t, "r1", res.Tokens.RefreshToken)
	require.Equal(t, "7", res.User.ID)
	require.Equal(t, users.SourceLoginResponse, res.User.Source)
}

func TestLoginPayloadShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		access  string
		refresh string
		expires time.Duration
		userID  string
	}{
		{
			name:    "nested snake case token",
			body:    `{"user":{"id":"u1","email":"a@b.c"},"token":{"access_token":"a1","token_type":"Bearer","expires_in":600,"refresh_token":"r1"}}`,
			access:  "a1",
			refresh: "r1",
			expires: 10 * time.Minute,
			userID:  "u1",
		},
		{
			name:    "camel case under data",
			body:    `{"data":{"accessToken":"a2","refreshToken":"r2","expiresIn":"120","user":{"user_id":42,"email":"a@b.c"}}}`,
			access:  "a2",
			refresh: "r2",
			expires: 2 * time.Minute,
			userID:  "42",
		},
		{
			name:    "user fields beside the token",
			body:    `{"id":"u3","email":"a@b.c","tokens":{"accessToken":"a3","refreshToken":"r3","expiresIn":60}}`,
			access:  "a3",
			refresh: "r3",
			expires: time.Minute,
			userID:  "u3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/auth/login" {
					_, _ = w.Write([]byte(tt.body))
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer srv.Close()

			res, err := authapi.New(srv.URL, authapi.WithLogger(zerolog.Nop())).
				Login(context.Background(), authapi.LoginRequest{Email: "a@b.c", Password: "x"})
			require.NoError(t, err)
			assert.Equal(t, tt.access, res.Tokens.AccessToken)
			assert.Equal(t, tt.refresh, res.Tokens.RefreshToken)
			assert.Equal(t, tt.expires, res.Tokens.ExpiresIn)
			assert.Equal(t, tt.userID, res.User.ID)
			assert.Equal(t, users.SourceLoginResponse, res.User.Source)
		})
	}
}

func TestLoginWithoutAccessTokenIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":{"id":"u1"}}`))
	}))
	defer srv.Close()

	_, err := authapi.New(srv.URL).Login(context.Background(), authapi.LoginRequest{Email: "a@b.c", Password: "x"})
	require.ErrorIs(t, err, authapi.ErrMalformedResponse)
}

func TestRegisterFieldErrors(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.client.Register(context.Background(), authapi.RegisterRequest{Email: testEmail, Password: "short"})
	var apiErr *autherr.AuthAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Equal(t, "Validation failed", apiErr.Message)
	require.Equal(t, []string{"is already registered"}, apiErr.FieldErrors["email"])
	require.Equal(t, []string{"must be at least 8 characters"}, apiErr.FieldErrors["password"])
}

func TestRegister(t *testing.T) {
	f := setupTestFixture(t)

	res, err := f.client.Register(context.Background(), authapi.RegisterRequest{
		Email:     "new@example.com",
		Password:  "long-enough",
		FirstName: "New",
		LastName:  "Person",
	})
	require.NoError(t, err)
	require.Equal(t, "new@example.com", res.User.Email)
	require.Equal(t, "New Person", res.User.FullName())
	require.Equal(t, users.SourceBackend, res.User.Source)
}

func TestRegisterSkipsTakenUserIDs(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(apifake.User{ID: "user-2", Email: "second@example.com", Password: "pw", Role: "donor"})

	for _, email := range []string{"new@example.com", "newer@example.com"} {
		res, err := f.client.Register(context.Background(), authapi.RegisterRequest{Email: email, Password: "long-enough"})
		require.NoError(t, err)
		require.Equal(t, users.SourceBackend, res.User.Source)
		require.Equal(t, email, res.User.Email)
		require.NotContains(t, []string{"user-1", "user-2"}, res.User.ID)
	}
}

func TestAddUserRejectsDuplicateID(t *testing.T) {
	f := setupTestFixture(t)
	require.Panics(t, func() {
		f.backend.AddUser(apifake.User{ID: testUser.ID, Email: "other@example.com"})
	})
}

func TestLoginWithoutRefreshTokenReusesAccessToken(t *testing.T) {
	f := setupTestFixture(t)

	raw, err := http.Post(f.backend.URL()+"/auth/login", "application/json",
		strings.NewReader(`{"email":"`+testEmail+`","password":"`+testPassword+`"}`))
	require.NoError(t, err)
	var body struct {
		Token map[string]any `json:"token"`
	}
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&body))
	require.NoError(t, raw.Body.Close())
	require.Contains(t, body.Token, "access_token")
	require.NotContains(t, body.Token, "refresh_token")

	res, err := f.client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, res.Tokens.AccessToken, res.Tokens.RefreshToken)

	refreshed, err := f.client.Refresh(context.Background(), res.Tokens.RefreshToken, res.Tokens.AccessToken)
	require.NoError(t, err)
	require.NotEqual(t, res.Tokens.AccessToken, refreshed.AccessToken)
	require.Equal(t, res.Tokens.RefreshToken, refreshed.Credentials(res.Tokens.RefreshToken, time.Now()).RefreshToken)
}

func TestLoginIssuedRefreshTokenIsKept(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.IssueRefreshToken = true

	res, err := f.client.Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	require.NotEqual(t, res.Tokens.AccessToken, res.Tokens.RefreshToken)
}

func TestAPIErrorShapes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
		fields  map[string][]string
	}{
		{"message list", 400, `{"message":["email is required","password is required"]}`, "email is required; password is required", nil},
		{"oauth style", 400, `{"error":"invalid_grant","error_description":"Token revoked"}`, "Token revoked", nil},
		{"nested error", 409, `{"error":{"message":"conflict"}}`, "conflict", nil},
		{"detail", 404, `{"detail":"Not here"}`, "Not here", nil},
		{"plain text", 502, `bad gateway from proxy`, "bad gateway from proxy", nil},
		{"html", 502, `<html>oops</html>`, "Bad Gateway", nil},
		{"empty", 500, ``, "Internal Server Error", nil},
		{
			"field list", 422,
			`{"message":"Invalid","errors":[{"field":"email","message":"taken"},{"property":"password","message":"weak"}]}`,
			"Invalid",
			map[string][]string{"email": {"taken"}, "password": {"weak"}},
		},
		{
			"fieldErrors map", 422,
			`{"message":"Invalid","fieldErrors":{"firstName":"required"}}`,
			"Invalid",
			map[string][]string{"firstName": {"required"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := authapi.New(srv.URL).ForgotPassword(context.Background(), "a@b.c")
			var apiErr *autherr.AuthAPIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, tt.fields, apiErr.FieldErrors)
		})
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := authapi.New(url).Login(context.Background(), authapi.LoginRequest{Email: testEmail, Password: testPassword})
	var transportErr *autherr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.MethodPost, transportErr.Op)
	require.Equal(t, 0, autherr.StatusCode(err))
}

func TestRefresh(t *testing.T) {
	f := setupTestFixture(t)
	access, refresh := f.backend.Issue(testEmail)

	res, err := f.client.Refresh(context.Background(), refresh, access)
	require.NoError(t, err)
	require.NotEmpty(t, res.AccessToken)
	require.NotEqual(t, access, res.AccessToken)
	require.Empty(t, res.RefreshToken)
	require.Equal(t, time.Hour, res.ExpiresIn)

	calls := f.backend.RequestsTo("/auth/refresh")
	require.Len(t, calls, 1)
	require.Equal(t, "Bearer "+access, calls[0].Authorization)
	require.JSONEq(t, `{"refreshToken":"`+refresh+`"}`, calls[0].Body)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	creds := res.Credentials(refresh, now)
	require.Equal(t, refresh, creds.RefreshToken)
	require.Equal(t, now.Add(time.Hour), creds.ExpiresAt)
}

func TestRefreshRotation(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.RotateRefresh = true
	_, refresh := f.backend.Issue(testEmail)

	res, err := f.client.Refresh(context.Background(), refresh, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.RefreshToken)
	require.NotEqual(t, refresh, res.RefreshToken)
	require.Empty(t, f.backend.RequestsTo("/auth/refresh")[0].Authorization)

	_, err = f.client.Refresh(context.Background(), refresh, "")
	require.True(t, autherr.IsUnauthorized(err))
}

func TestRefreshRequiresToken(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.client.Refresh(context.Background(), "", "a")
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	require.Empty(t, f.backend.Requests())
}

func TestGetCurrentUser(t *testing.T) {
	f := setupTestFixture(t)
	access, _ := f.backend.Issue(testEmail)

	p, err := f.client.GetCurrentUser(context.Background(), access)
	require.NoError(t, err)
	require.Equal(t, "user-1", p.ID)
	require.Equal(t, users.SourceBackend, p.Source)

	_, err = f.client.GetCurrentUser(context.Background(), "not-a-token")
	require.True(t, autherr.IsUnauthorized(err))
}

func TestLogout(t *testing.T) {
	f := setupTestFixture(t)
	access, _ := f.backend.Issue(testEmail)

	require.NoError(t, f.client.Logout(context.Background(), access))
	require.Equal(t, "Bearer "+access, f.backend.RequestsTo("/auth/logout")[0].Authorization)

	_, err := f.client.GetCurrentUser(context.Background(), access)
	require.True(t, autherr.IsUnauthorized(err))

	f.backend.FailLogout = true
	err = f.client.Logout(context.Background(), access)
	require.Equal(t, http.StatusServiceUnavailable, autherr.StatusCode(err))
}

func TestPasswordReset(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.ForgotPassword(ctx, testEmail))
	require.JSONEq(t, `{"email":"`+testEmail+`"}`, f.backend.RequestsTo("/auth/forgot-password")[0].Body)

	err := f.client.ForgotPassword(ctx, "not-an-email")
	var apiErr *autherr.AuthAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, []string{"must be a valid email"}, apiErr.FieldErrors["email"])

	require.NoError(t, f.client.ResetPassword(ctx, apifake.ResetToken, "new-password"))
	require.JSONEq(t, `{"token":"`+apifake.ResetToken+`","newPassword":"new-password"}`,
		f.backend.RequestsTo("/auth/reset-password")[0].Body)

	err = f.client.ResetPassword(ctx, "stale", "new-password")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "Reset token is invalid or expired", apiErr.Message)
}

func TestCustomEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/session/forgot" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	endpoints := authapi.DefaultEndpoints()
	endpoints.ForgotPassword = "/v2/session/forgot"
	client := authapi.New(srv.URL, authapi.WithEndpoints(endpoints))
	require.NoError(t, client.ForgotPassword(context.Background(), "a@b.c"))
	require.Equal(t, srv.URL, client.BaseURL())
}
