package server

import (
	"database/sql"

	"github.com/sirupsen/logrus"

	"sortgrid/internal/audit"
	"sortgrid/internal/auth"
	"sortgrid/internal/config"
	"sortgrid/internal/grid"
	"sortgrid/internal/websocket"
)

// ContextKey is the type used for request context keys.
type ContextKey string

const (
	CtxUserID   ContextKey = "userID"
	CtxUsername ContextKey = "username"
	CtxRole     ContextKey = "role"
	CtxSession  ContextKey = "session"
)

// SessionCookie names the session cookie set on login.
const SessionCookie = "sortgrid_session"

// App holds shared dependencies for the application.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Log     logrus.FieldLogger
	Hub     *websocket.Hub
	Perms   *auth.PermCache
	Audit   *audit.Logger
	Grids   *grid.Registry
	Service *grid.Service
	States  *grid.StateStore
}
