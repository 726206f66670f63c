package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sortgrid/internal/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Hello World"))
	})
}

func TestGzipMiddleware(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()

	GzipMiddleware(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	gr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	defer gr.Close()
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(body))
}

func TestGzipMiddleware_NoGzipAccept(t *testing.T) {
	w := httptest.NewRecorder()
	GzipMiddleware(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "Hello World", w.Body.String())
}

func TestGzipMiddleware_SkipsWebsocket(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	GzipMiddleware(okHandler()).ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Content-Encoding"))
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	log, hook := testutil.NewLogger()
	h := LoggingMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/grids", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, "/api/v1/grids", entry.Data["path"])
	assert.Equal(t, "POST", entry.Data["method"])
}

func contextEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, _ := r.Context().Value(CtxUsername).(string)
		role, _ := r.Context().Value(CtxRole).(string)
		session, _ := r.Context().Value(CtxSession).(string)
		_, _ = io.WriteString(w, username+"|"+role+"|"+session)
	})
}

func TestRequireAuth(t *testing.T) {
	db := testutil.SetupTestDB(t)
	token := testutil.LoginAdmin(t, db)
	h := RequireAuth(db, time.Hour)(contextEcho())

	t.Run("no cookie", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/grids", nil))
		testutil.AssertStatus(t, w, http.StatusUnauthorized)
		assert.Equal(t, "unauthorized", testutil.DecodeError(t, w).Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, testutil.AuthedRequest("GET", "/api/v1/grids", nil, "bogus"))
		testutil.AssertStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("valid session", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, testutil.AuthedRequest("GET", "/api/v1/grids", nil, token))
		testutil.AssertStatus(t, w, http.StatusOK)
		assert.Equal(t, "admin|admin|"+token, w.Body.String())

		var refreshed bool
		for _, c := range w.Result().Cookies() {
			if c.Name == SessionCookie && c.Value == token {
				refreshed = true
			}
		}
		assert.True(t, refreshed, "session cookie should be refreshed")
	})
}

func TestRequireAuth_Inactive(t *testing.T) {
	db := testutil.SetupTestDB(t)
	token := testutil.LoginAdmin(t, db)
	_, err := db.Exec("UPDATE sessions SET last_activity = ? WHERE token = ?",
		time.Now().UTC().Add(-time.Hour).Format(sqliteTime), token)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	RequireAuth(db, time.Hour)(contextEcho()).ServeHTTP(w, testutil.AuthedRequest("GET", "/api/v1/grids", nil, token))
	testutil.AssertStatus(t, w, http.StatusUnauthorized)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sessions WHERE token = ?", token).Scan(&n))
	assert.Zero(t, n, "idle session should be deleted")
}

func TestRequireAuth_Deactivated(t *testing.T) {
	db := testutil.SetupTestDB(t)
	id := testutil.CreateTestUser(t, db, "gone", "password", "editor", false)
	token := testutil.CreateTestSession(t, db, id)

	w := httptest.NewRecorder()
	RequireAuth(db, time.Hour)(contextEcho()).ServeHTTP(w, testutil.AuthedRequest("GET", "/api/v1/grids", nil, token))
	testutil.AssertStatus(t, w, http.StatusForbidden)
}

func TestCSRFMiddleware(t *testing.T) {
	db := testutil.SetupTestDB(t)
	session := testutil.LoginAdmin(t, db)
	adminID := testutil.UserID(t, db, "admin")
	csrf := testutil.CreateCSRFToken(t, db, adminID)
	otherCSRF := testutil.CreateCSRFToken(t, db, testutil.CreateTestUser(t, db, "other", "password", "editor", true))

	h := RequireAuth(db, time.Hour)(CSRFMiddleware(db)(okHandler()))

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"GET passes without token", func() *http.Request {
			return testutil.AuthedRequest("GET", "/api/v1/grids", nil, session)
		}, http.StatusOK},
		{"POST without token", func() *http.Request {
			return testutil.AuthedJSONRequest("POST", "/api/v1/grids/teams/items", map[string]string{}, session)
		}, http.StatusForbidden},
		{"POST with header", func() *http.Request {
			r := testutil.AuthedJSONRequest("POST", "/api/v1/grids/teams/items", map[string]string{}, session)
			r.Header.Set("X-CSRF-Token", csrf)
			return r
		}, http.StatusOK},
		{"POST with SecurityID field", func() *http.Request {
			return testutil.AuthedFormRequest("/api/v1/grids/teams/alter", url.Values{"SecurityID": {csrf}, "ItemIDs": {"1"}}, session)
		}, http.StatusOK},
		{"token of another user", func() *http.Request {
			r := testutil.AuthedJSONRequest("POST", "/api/v1/grids/teams/items", map[string]string{}, session)
			r.Header.Set("X-CSRF-Token", otherCSRF)
			return r
		}, http.StatusForbidden},
		{"unknown token", func() *http.Request {
			r := testutil.AuthedJSONRequest("POST", "/api/v1/grids/teams/items", map[string]string{}, session)
			r.Header.Set("X-CSRF-Token", "nope")
			return r
		}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, tt.req())
			testutil.AssertStatus(t, w, tt.status)
		})
	}
}

func TestCSRFToken_FormFieldKeepsBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/x", strings.NewReader("SecurityID=abc&ItemIDs=1%2C2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	assert.Equal(t, "abc", CSRFToken(req))
	assert.Equal(t, "1,2", req.PostFormValue("ItemIDs"))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 3; i++ {
		exceeded, remaining, _ := rl.CheckRateLimit("k", 3, time.Minute)
		require.False(t, exceeded)
		assert.Equal(t, 2-i, remaining)
	}
	exceeded, _, _ := rl.CheckRateLimit("k", 3, time.Minute)
	assert.True(t, exceeded)

	rl.Reset()
	exceeded, _, _ = rl.CheckRateLimit("k", 3, time.Minute)
	assert.False(t, exceeded)
}

func TestRateLimitMiddleware_Login(t *testing.T) {
	h := RateLimitMiddleware(NewRateLimiter())(okHandler())
	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(last, req)
	}
	testutil.AssertStatus(t, last, http.StatusTooManyRequests)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}
