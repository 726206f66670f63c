package admin

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"sortgrid/internal/audit"
	"sortgrid/internal/auth"
	"sortgrid/internal/models"
	"sortgrid/internal/response"
	"sortgrid/internal/server"
)

// Handler holds dependencies for session and administration handlers.
type Handler struct {
	DB         *sql.DB
	Perms      *auth.PermCache
	Audit      *audit.Logger
	Log        logrus.FieldLogger
	SessionTTL time.Duration

	// BcryptCost is used for new passwords; zero means the bcrypt default.
	BcryptCost int
}

// CreateUserRequest is the body of POST /api/v1/admin/users.
type CreateUserRequest struct {
	Username    string `json:"username" validate:"required,max=100"`
	DisplayName string `json:"display_name" validate:"max=255"`
	Password    string `json:"password" validate:"required"`
	Role        string `json:"role" validate:"required,oneof=admin editor readonly"`
}

// SetPermissionsRequest replaces a role's permissions.
type SetPermissionsRequest struct {
	Permissions []struct {
		Module string `json:"module" validate:"required"`
		Action string `json:"action" validate:"required"`
	} `json:"permissions" validate:"dive"`
}

func sessionUser(r *http.Request) (int, string, string) {
	id, _ := r.Context().Value(server.CtxUserID).(int)
	username, _ := r.Context().Value(server.CtxUsername).(string)
	role, _ := r.Context().Value(server.CtxRole).(string)
	return id, username, role
}

// requireAdmin writes 403 unless the session role holds action on the
// admin module.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request, action string) bool {
	_, username, role := sessionUser(r)
	if h.Perms.HasPermission(role, auth.ModuleAdmin, action) {
		return true
	}
	h.Log.WithFields(logrus.Fields{"user": username, "action": action}).Warn("admin access denied")
	response.Err(w, http.StatusForbidden, response.CodeForbidden, "Admin access required", nil)
	return false
}

func (h *Handler) audit(r *http.Request, action, module, recordID, summary string) {
	if h.Audit == nil {
		return
	}
	id, username, _ := sessionUser(r)
	_ = h.Audit.Record(r.Context(), audit.Entry{
		UserID:    id,
		Username:  username,
		Action:    action,
		Module:    module,
		RecordID:  recordID,
		Summary:   summary,
		IPAddress: audit.GetClientIP(r),
	})
}

func (h *Handler) loadUser(r *http.Request, id int) (models.User, error) {
	var u models.User
	err := h.DB.QueryRowContext(r.Context(),
		"SELECT id, username, display_name, role FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role)
	return u, err
}
