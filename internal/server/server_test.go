package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pitwall/pitwall"
	"github.com/pitwall/pitwall/cache"
	"github.com/pitwall/pitwall/internal/auth"
)

func newTestServer(t *testing.T, upstream http.Handler) *Server {
	t.Helper()
	origin := httptest.NewServer(upstream)
	t.Cleanup(origin.Close)

	logger := zerolog.New(zerolog.NewTestWriter(t))
	repo, err := auth.NewRepository(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	fetcher := pitwall.New(pitwall.Options{
		Store:   cache.NewMemoryStore(),
		BaseURL: origin.URL,
		Logger:  &logger,
	})
	return New(Options{
		Fetcher:  fetcher,
		Users:    repo,
		Sessions: auth.NewSessions("test-secret", time.Hour),
		Logger:   &logger,
	})
}

func doRequest(t *testing.T, s *Server, method, target string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, reader)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func loginUser(t *testing.T, s *Server) *http.Cookie {
	t.Helper()
	creds := map[string]string{
		"username": "maxv",
		"email":    "max@example.com",
		"password": "supersecret",
	}
	rec := doRequest(t, s, http.MethodPost, "/auth/register", creds, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, s, http.MethodPost, "/auth/login", creds, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

// countingOrigin is an upstream stub that counts how often it is hit.
type countingOrigin struct {
	mu    sync.Mutex
	calls int
	body  string
}

func (o *countingOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	fmt.Fprint(w, o.body)
}

func (o *countingOrigin) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func TestIndexListsEndpoints(t *testing.T) {
	s := newTestServer(t, http.NotFoundHandler())
	rec := doRequest(t, s, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "pitwall", gjson.Get(body, "service").String())
	assert.Greater(t, gjson.Get(body, "endpoints.#").Int(), int64(0))
}

func TestPositionPassthrough(t *testing.T) {
	origin := &countingOrigin{body: `[{"driver_number":1,"position":1,"date":"2024-09-01T13:03:10+00:00"}]`}
	s := newTestServer(t, origin)

	rec := doRequest(t, s, http.MethodGet, "/position", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "0.driver_number").Int())
}

func TestUpstreamFailureRendersError(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	s := newTestServer(t, upstream)

	rec := doRequest(t, s, http.MethodGet, "/position", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, int64(500), gjson.Get(body, "status_code").Int())
	assert.Contains(t, gjson.Get(body, "error").String(), "500")
}

func TestForceRefreshQueryParam(t *testing.T) {
	origin := &countingOrigin{body: `[{"driver_number":1,"position":1}]`}
	s := newTestServer(t, origin)

	doRequest(t, s, http.MethodGet, "/position", nil, nil)
	doRequest(t, s, http.MethodGet, "/position", nil, nil)
	require.Equal(t, 1, origin.count(), "second request must come from the cache")

	doRequest(t, s, http.MethodGet, "/position?refresh=1", nil, nil)
	require.Equal(t, 2, origin.count())

	// the refreshed entry lands under the same key
	doRequest(t, s, http.MethodGet, "/position", nil, nil)
	require.Equal(t, 2, origin.count())
}
