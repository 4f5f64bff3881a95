package reconcile

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newHTTPOriginFor(t *testing.T, server *httptest.Server) *HTTPOrigin {
	t.Helper()
	base, err := url.Parse(server.URL)
	require.NoError(t, err)
	return NewHTTPOrigin(base, "", 2*time.Second, zerolog.Nop())
}

func TestHealthProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		require.Equal(t, "/api/health", r.URL.Path)
	}))
	defer server.Close()

	origin := newHTTPOriginFor(t, server)
	require.NoError(t, origin.Health(context.Background()))
}

func TestHealthProbeErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	origin := newHTTPOriginFor(t, server)
	require.Error(t, origin.Health(context.Background()))
}

func TestHealthProbeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin := newHTTPOriginFor(t, server)
	server.Close()
	require.Error(t, origin.Health(context.Background()))
}

func TestLoginPostsFormAndCollectsCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/account/login", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "alice", r.PostFormValue("username"))
		require.Equal(t, "secret-blob", r.PostFormValue("password"))
		w.Header().Add("Set-Cookie", "connect.sid=abc123; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "csrf=xyz; Path=/")
	}))
	defer server.Close()

	origin := newHTTPOriginFor(t, server)
	cookie, err := origin.Login(context.Background(), "alice", "secret-blob")
	require.NoError(t, err)
	require.Equal(t, "connect.sid=abc123; csrf=xyz", cookie)
}

func TestLoginRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	origin := newHTTPOriginFor(t, server)
	_, err := origin.Login(context.Background(), "alice", "bad")
	require.ErrorIs(t, err, ErrOriginAuth)
}

func TestSubmitScoreCarriesCookieAndPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/maichart/42/score", r.URL.Path)
		require.Equal(t, "connect.sid=abc123", r.Header.Get("Cookie"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"combo":100}`, string(body))
	}))
	defer server.Close()

	origin := newHTTPOriginFor(t, server)
	err := origin.SubmitScore(context.Background(), "connect.sid=abc123", "42", []byte(`{"combo":100}`))
	require.NoError(t, err)
}

func TestSubmitScoreErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	origin := newHTTPOriginFor(t, server)
	err := origin.SubmitScore(context.Background(), "c", "42", []byte(`{}`))
	require.Error(t, err)
}
