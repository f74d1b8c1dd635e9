package authcall_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/authapi/apifake"
	"github.com/jrsteele09/go-auth-client/authcall"
	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/credentials"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testEmail = "jane.doe@example.com"

type testFixture struct {
	backend *apifake.Backend
	store   *credentials.Store
	caller  *authcall.Caller
	ended   *atomic.Int32
	lastEnd atomic.Value
}

func setupTestFixture(t *testing.T, options ...authcall.Option) *testFixture {
	t.Helper()

	b := apifake.New()
	t.Cleanup(b.Close)
	b.AddUser(apifake.User{ID: "user-1", Email: testEmail, Password: "pw", Role: "donor"})

	b.Handle("/x", false, func(w http.ResponseWriter, r *http.Request, userID string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"owner":"` + userID + `"}`))
	})
	b.Handle("/always-401", true, func(w http.ResponseWriter, r *http.Request, _ string) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	b.Handle("/forbidden", false, func(w http.ResponseWriter, r *http.Request, _ string) {
		w.WriteHeader(http.StatusForbidden)
	})
	b.Handle("/broken", false, func(w http.ResponseWriter, r *http.Request, _ string) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	b.Handle("/public", true, func(w http.ResponseWriter, r *http.Request, _ string) {
		_, _ = w.Write([]byte(`{"auth":"` + r.Header.Get("Authorization") + `"}`))
	})
	b.Handle("/echo", false, func(w http.ResponseWriter, r *http.Request, _ string) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `"}`))
	})

	store := credentials.NewStore(credentials.NewInMemoryRepo())
	api := authapi.New(b.URL(), authapi.WithLogger(zerolog.Nop()))
	options = append([]authcall.Option{authcall.WithLogger(zerolog.Nop())}, options...)

	f := &testFixture{
		backend: b,
		store:   store,
		caller:  authcall.New(b.URL(), store, api, options...),
		ended:   &atomic.Int32{},
	}
	f.caller.OnSessionEnded(func(err error) {
		f.ended.Add(1)
		f.lastEnd.Store(err)
	})
	return f
}

// login stores a session issued by the backend. offset moves ExpiresAt relative to now.
func (f *testFixture) login(t *testing.T, offset time.Duration) (string, string) {
	t.Helper()
	access, refresh := f.backend.Issue(testEmail)
	require.NoError(t, f.store.Set(credentials.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(offset),
	}))
	return access, refresh
}

func TestCallWithValidToken(t *testing.T) {
	f := setupTestFixture(t)
	access, _ := f.login(t, time.Hour)

	var out struct {
		Owner string `json:"owner"`
	}
	require.NoError(t, f.caller.GetJSON(context.Background(), "/x", &out))
	require.Equal(t, "user-1", out.Owner)

	calls := f.backend.RequestsTo("/x")
	require.Len(t, calls, 1)
	require.Equal(t, "Bearer "+access, calls[0].Authorization)
	require.NotEmpty(t, calls[0].RequestID)
	require.Zero(t, f.backend.RefreshCalls())
}

func TestExpiredTokenIsRefreshedBeforeTheCall(t *testing.T) {
	f := setupTestFixture(t)
	oldAccess, refresh := f.login(t, -time.Second)

	resp, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, f.backend.RefreshCalls())

	refreshCall := f.backend.RequestsTo("/auth/refresh")[0]
	require.Equal(t, "Bearer "+oldAccess, refreshCall.Authorization)
	require.JSONEq(t, `{"refreshToken":"`+refresh+`"}`, refreshCall.Body)

	stored, err := f.store.Get()
	require.NoError(t, err)
	require.NotEqual(t, oldAccess, stored.AccessToken)
	require.Equal(t, refresh, stored.RefreshToken)
	require.WithinDuration(t, time.Now().Add(time.Hour), stored.ExpiresAt, 5*time.Second)

	calls := f.backend.RequestsTo("/x")
	require.Len(t, calls, 1)
	require.Equal(t, "Bearer "+stored.AccessToken, calls[0].Authorization)
}

func TestTokenInsideSafetyBufferIsRefreshed(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, 4*time.Minute)

	require.NoError(t, f.caller.GetJSON(context.Background(), "/x", nil))
	require.Equal(t, 1, f.backend.RefreshCalls())
}

func TestEmptyStoreFailsWithoutNetwork(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/x"})
	require.ErrorIs(t, err, autherr.ErrSessionRequired)
	require.Empty(t, f.backend.Requests())
	require.Equal(t, int32(1), f.ended.Load())
}

func TestRejectedTokenIsRefreshedAndRetriedOnce(t *testing.T) {
	f := setupTestFixture(t)
	access, _ := f.login(t, time.Hour)
	f.backend.Revoke(access)

	var out struct {
		Owner string `json:"owner"`
	}
	require.NoError(t, f.caller.GetJSON(context.Background(), "/x", &out))
	require.Equal(t, "user-1", out.Owner)
	require.Equal(t, 1, f.backend.RefreshCalls())

	calls := f.backend.RequestsTo("/x")
	require.Len(t, calls, 2)
	require.Equal(t, "Bearer "+access, calls[0].Authorization)
	require.NotEqual(t, calls[0].Authorization, calls[1].Authorization)
	require.Equal(t, calls[0].RequestID, calls[1].RequestID)

	stored, err := f.store.Get()
	require.NoError(t, err)
	require.Equal(t, "Bearer "+stored.AccessToken, calls[1].Authorization)
}

func TestAtMostTwoRefreshesPerCall(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, -time.Second)

	_, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/always-401"})
	require.ErrorIs(t, err, autherr.ErrSessionExpired)

	var httpErr *autherr.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)

	require.Equal(t, 2, f.backend.RefreshCalls())
	require.Len(t, f.backend.RequestsTo("/always-401"), 2)
	require.False(t, f.store.HasCredentials())
	require.Equal(t, int32(1), f.ended.Load())
}

func TestRefreshFailureClearsCredentials(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, -time.Second)
	f.backend.FailRefresh = true

	_, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/x"})
	require.ErrorIs(t, err, autherr.ErrSessionExpired)
	require.True(t, autherr.IsUnauthorized(err))
	require.True(t, autherr.IsTerminalSession(err))
	require.False(t, f.store.HasCredentials())
	require.Empty(t, f.backend.RequestsTo("/x"))

	require.Equal(t, int32(1), f.ended.Load())
	require.ErrorIs(t, f.lastEnd.Load().(error), autherr.ErrSessionExpired)
}

func TestEverySessionEndedHookRuns(t *testing.T) {
	f := setupTestFixture(t)
	var second atomic.Int32
	f.caller.OnSessionEnded(func(err error) {
		if errors.Is(err, autherr.ErrSessionRequired) {
			second.Add(1)
		}
	})

	_, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/x"})
	require.ErrorIs(t, err, autherr.ErrSessionRequired)
	require.Equal(t, int32(1), f.ended.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestRefreshAfterRestartPastExpirySendsOldAccessToken(t *testing.T) {
	f := setupTestFixture(t)
	access, refresh := f.backend.Issue(testEmail)

	repo := credentials.NewInMemoryRepo()
	issued := time.Now()
	before := credentials.NewStore(repo, credentials.WithNowFunc(func() time.Time { return issued }))
	require.NoError(t, before.Set(credentials.Credentials{AccessToken: access, RefreshToken: refresh, ExpiresAt: issued.Add(time.Hour)}))

	// a new process two hours later, after the expiry slot has lapsed
	later := issued.Add(2 * time.Hour)
	after := credentials.NewStore(repo, credentials.WithNowFunc(func() time.Time { return later }))
	restored, err := after.Get()
	require.NoError(t, err)
	require.Equal(t, access, restored.AccessToken)
	require.True(t, after.IsExpired())

	api := authapi.New(f.backend.URL(), authapi.WithLogger(zerolog.Nop()))
	caller := authcall.New(f.backend.URL(), after, api, authcall.WithLogger(zerolog.Nop()))
	require.NoError(t, caller.GetJSON(context.Background(), "/x", nil))

	refreshCalls := f.backend.RequestsTo("/auth/refresh")
	require.Len(t, refreshCalls, 1)
	require.Equal(t, "Bearer "+access, refreshCalls[0].Authorization)
}

func TestForbiddenDoesNotRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, time.Hour)

	_, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/forbidden"})
	require.ErrorIs(t, err, autherr.ErrPermissionDenied)
	require.Equal(t, http.StatusForbidden, autherr.StatusCode(err))
	require.False(t, autherr.IsTerminalSession(err))
	var httpErr *autherr.HTTPError
	require.False(t, errors.As(err, &httpErr))
	var permErr *autherr.PermissionError
	require.ErrorAs(t, err, &permErr)
	require.Equal(t, "/forbidden", permErr.Path)
	require.Zero(t, f.backend.RefreshCalls())
	require.True(t, f.store.HasCredentials())
	require.Zero(t, f.ended.Load())
}

func TestOtherStatusesAreHTTPErrors(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, time.Hour)

	_, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/broken"})
	var httpErr *autherr.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	require.Equal(t, "/broken", httpErr.Path)
	require.Equal(t, "boom", string(httpErr.Body))
	require.False(t, autherr.IsTerminalSession(err))
	require.True(t, f.store.HasCredentials())

	_, err = f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/missing"})
	require.Equal(t, http.StatusNotFound, autherr.StatusCode(err))
}

func TestTransportErrorKeepsCredentials(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, time.Hour)
	f.backend.Close()

	_, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/x"})
	var transportErr *autherr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.True(t, f.store.HasCredentials())
}

func TestSkipAuth(t *testing.T) {
	f := setupTestFixture(t)

	resp, err := f.caller.Do(context.Background(), &authcall.Request{Method: http.MethodGet, Path: "/public", SkipAuth: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"auth":""}`, string(resp.Body))
	require.Zero(t, f.ended.Load())
}

func TestPostJSON(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, time.Hour)

	var out struct {
		Method string `json:"method"`
	}
	require.NoError(t, f.caller.PostJSON(context.Background(), "echo", map[string]int{"amount": 25}, &out))
	require.Equal(t, http.MethodPost, out.Method)
	require.JSONEq(t, `{"amount":25}`, f.backend.RequestsTo("/echo")[0].Body)
}

func TestConcurrentCallsShareOneRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, -time.Second)
	f.backend.RefreshDelay = 200 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.caller.GetJSON(context.Background(), "/x", nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, f.backend.RefreshCalls())
	require.Len(t, f.backend.RequestsTo("/x"), 5)
}

func TestAbandonedCallStillStoresRefresh(t *testing.T) {
	f := setupTestFixture(t)
	oldAccess, _ := f.login(t, -time.Second)
	f.backend.RefreshDelay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.caller.Do(ctx, &authcall.Request{Method: http.MethodGet, Path: "/x"})
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	require.Eventually(t, func() bool {
		c, err := f.store.Get()
		return err == nil && c != nil && c.AccessToken != "" && c.AccessToken != oldAccess
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, f.backend.RequestsTo("/x"))
}

func TestForceRefresh(t *testing.T) {
	f := setupTestFixture(t)
	access, _ := f.login(t, time.Hour)

	token, err := f.caller.ForceRefresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, access, token)
	require.Equal(t, 1, f.backend.RefreshCalls())

	current, err := f.caller.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, token, current)
	require.Equal(t, 1, f.backend.RefreshCalls())
}

func TestTokenSource(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, -time.Second)

	ctx := context.Background()
	ts := f.caller.TokenSource(ctx)
	tok, err := ts.Token()
	require.NoError(t, err)
	require.True(t, tok.Valid())
	require.Equal(t, "Bearer", tok.TokenType)

	client := oauth2.NewClient(ctx, ts)
	resp, err := client.Get(f.backend.URL() + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Bearer "+tok.AccessToken, f.backend.RequestsTo("/x")[0].Authorization)
	require.Equal(t, 1, f.backend.RefreshCalls())

	require.NoError(t, f.store.Clear())
	_, err = f.caller.TokenSource(ctx).Token()
	require.ErrorIs(t, err, autherr.ErrSessionRequired)
}
