package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRegisterLoginFlow(t *testing.T) {
	s := newTestServer(t, openf1Fixture())

	creds := map[string]string{
		"username": "maxv",
		"email":    "max@example.com",
		"password": "supersecret",
	}
	rec := doRequest(t, s, http.MethodPost, "/auth/register", creds, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "maxv", gjson.Get(rec.Body.String(), "username").String())
	assert.False(t, gjson.Get(rec.Body.String(), "password_hash").Exists(), "hashes never leave the server")

	rec = doRequest(t, s, http.MethodPost, "/auth/register", creds, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/auth/login",
		map[string]string{"username": "maxv", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/auth/login", creds, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	rec = doRequest(t, s, http.MethodGet, "/auth/me", nil, cookies[0])
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "maxv", gjson.Get(rec.Body.String(), "username").String())
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "last_login").String())

	rec = doRequest(t, s, http.MethodGet, "/auth/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterValidatesInput(t *testing.T) {
	s := newTestServer(t, openf1Fixture())

	rec := doRequest(t, s, http.MethodPost, "/auth/register",
		map[string]string{"username": "ab", "email": "max@example.com", "password": "supersecret"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "error").String())

	rec = doRequest(t, s, http.MethodPost, "/auth/register",
		map[string]string{"username": "maxv", "email": "not-an-email", "password": "supersecret"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	s := newTestServer(t, openf1Fixture())
	cookie := loginUser(t, s)

	rec := doRequest(t, s, http.MethodPost, "/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)

	rec = doRequest(t, s, http.MethodPost, "/auth/logout", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVisitHistoryFlow(t *testing.T) {
	s := newTestServer(t, openf1Fixture())
	cookie := loginUser(t, s)

	doRequest(t, s, http.MethodGet, "/drivers?search=max", nil, cookie)
	doRequest(t, s, http.MethodGet, "/races", nil, cookie)
	// anonymous requests leave no trace
	doRequest(t, s, http.MethodGet, "/drivers", nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/auth/history", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Equal(t, int64(2), gjson.Get(body, "count").Int())
	assert.Equal(t, "Races", gjson.Get(body, "history.0.page_title").String())
	assert.Equal(t, "/races", gjson.Get(body, "history.0.page_url").String())
	assert.Equal(t, "/drivers?search=max", gjson.Get(body, "history.1.page_url").String())

	rec = doRequest(t, s, http.MethodGet, "/auth/history?limit=1", nil, cookie)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "count").Int())

	rec = doRequest(t, s, http.MethodDelete, "/auth/history", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "removed").Int())

	rec = doRequest(t, s, http.MethodGet, "/auth/history", nil, cookie)
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "count").Int())
}
