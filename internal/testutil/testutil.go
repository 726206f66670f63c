package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"sortgrid/internal/auth"
	"sortgrid/internal/database"
	"sortgrid/internal/fixtures"
	"sortgrid/internal/grid"
	"sortgrid/internal/models"
)

// SessionCookie is the session cookie name used by the server.
const SessionCookie = "sortgrid_session"

// SetupTestDB opens an in-memory SQLite database with the core tables and
// a default admin user (admin / changeme). It is closed on cleanup.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err, "open test DB")
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	CreateTestUser(t, db, "admin", "changeme", auth.RoleAdmin, true)
	return db
}

// NewPermCache seeds the default role permissions and returns a loaded cache.
func NewPermCache(t *testing.T, db *sql.DB) *auth.PermCache {
	t.Helper()
	pc, err := auth.NewPermCache()
	require.NoError(t, err)
	require.NoError(t, auth.InitPermissionsTable(db, pc))
	return pc
}

// NewLogger returns a discarding logger and a hook that records entries.
func NewLogger() (*logrus.Logger, *test.Hook) {
	return test.NewNullLogger()
}

// DefaultGrids mirrors the built-in configuration.
func DefaultGrids() []grid.Grid {
	return []grid.Grid{
		{Name: "teams", Table: "teams"},
		{Name: "vteams", Table: "vteams", Versioned: true, UpdateVersionedStage: grid.StageLive},
	}
}

// SetupGrids registers grids (DefaultGrids when none are given) and
// creates their tables.
func SetupGrids(t *testing.T, db *sql.DB, grids ...grid.Grid) (*grid.Registry, *grid.Store) {
	t.Helper()
	if len(grids) == 0 {
		grids = DefaultGrids()
	}
	reg, err := grid.NewRegistry(grids...)
	require.NoError(t, err)
	store := grid.NewStore(db)
	for _, g := range reg.All() {
		require.NoError(t, store.EnsureSchema(context.Background(), g))
	}
	return reg, store
}

// LoadFixtures applies the fixture file at path.
func LoadFixtures(t *testing.T, store *grid.Store, reg *grid.Registry, path string, publish bool) *fixtures.Loaded {
	t.Helper()
	set, err := fixtures.LoadFile(path)
	require.NoError(t, err)
	loaded, err := fixtures.Apply(context.Background(), store, reg, set, publish)
	require.NoError(t, err)
	return loaded
}

// CreateTestUser creates a user and returns its ID.
func CreateTestUser(t *testing.T, db *sql.DB, username, password, role string, active bool) int {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	activeInt := 0
	if active {
		activeInt = 1
	}
	res, err := db.Exec(
		"INSERT INTO users (username, password_hash, display_name, role, active) VALUES (?, ?, ?, ?, ?)",
		username, string(hash), username+" Display", role, activeInt)
	require.NoError(t, err, "create user %s", username)

	id, _ := res.LastInsertId()
	return int(id)
}

// CreateTestSession creates a 24h session for userID and returns its token.
func CreateTestSession(t *testing.T, db *sql.DB, userID int) string {
	t.Helper()
	token := auth.GenerateToken()
	_, err := db.Exec("INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, time.Now().UTC().Add(24*time.Hour).Format("2006-01-02 15:04:05"))
	require.NoError(t, err)
	return token
}

// CreateCSRFToken issues a CSRF token for userID.
func CreateCSRFToken(t *testing.T, db *sql.DB, userID int) string {
	t.Helper()
	token := auth.GenerateToken()
	_, err := db.Exec("INSERT INTO csrf_tokens (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, time.Now().UTC().Add(24*time.Hour).Format("2006-01-02 15:04:05"))
	require.NoError(t, err)
	return token
}

// UserID looks up a user's ID by name.
func UserID(t *testing.T, db *sql.DB, username string) int {
	t.Helper()
	var id int
	require.NoError(t, db.QueryRow("SELECT id FROM users WHERE username = ?", username).Scan(&id))
	return id
}

// LoginAdmin returns a session token for the default admin user.
func LoginAdmin(t *testing.T, db *sql.DB) string {
	t.Helper()
	return CreateTestSession(t, db, UserID(t, db, "admin"))
}

// LoginAs creates a user with role and returns its session token.
func LoginAs(t *testing.T, db *sql.DB, username, role string) string {
	t.Helper()
	return CreateTestSession(t, db, CreateTestUser(t, db, username, "password", role, true))
}

// AuthedRequest creates a request carrying the session cookie.
func AuthedRequest(method, path string, body []byte, sessionToken string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sessionToken})
	}
	return req
}

// AuthedJSONRequest creates an authenticated JSON request.
func AuthedJSONRequest(method, path string, body any, sessionToken string) *http.Request {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := AuthedRequest(method, path, raw, sessionToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AuthedFormRequest creates an authenticated url-encoded form POST.
func AuthedFormRequest(path string, form url.Values, sessionToken string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sessionToken})
	}
	return req
}

// DecodeEnvelope decodes an API envelope and unmarshals its data into v.
func DecodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, v any) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), "decode envelope")
	raw, _ := json.Marshal(resp.Data)
	require.NoError(t, json.Unmarshal(raw, v), "decode envelope data")
	return resp
}

// DecodeError decodes an error body.
func DecodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), "decode error body: %s", w.Body.String())
	return resp
}

// AssertStatus checks that the HTTP status code matches expected.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	require.Equal(t, expected, w.Code, "body: %s", w.Body.String())
}

// JoinIDs formats ids as an ItemIDs form value.
func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
