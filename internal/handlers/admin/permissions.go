package admin

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"sortgrid/internal/auth"
	"sortgrid/internal/models"
	"sortgrid/internal/response"
	"sortgrid/internal/validation"
)

// HandleListPermissions lists the permissions of every role, or of
// ?role=X only.
func (h *Handler) HandleListPermissions(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r, auth.PermActionView) {
		return
	}
	roles := []string{auth.RoleAdmin, auth.RoleEditor, auth.RoleReadonly}
	if role := r.URL.Query().Get("role"); role != "" {
		roles = []string{role}
	}
	perms := []auth.PermissionEntry{}
	for _, role := range roles {
		perms = append(perms, h.Perms.GetRolePermissions(role)...)
	}
	response.JSON(w, perms)
}

// HandleListModules lists all modules and the actions they accept.
func (h *Handler) HandleListModules(w http.ResponseWriter, r *http.Request) {
	type moduleInfo struct {
		Module  string   `json:"module"`
		Actions []string `json:"actions"`
	}
	all := auth.Modules()
	modules := make([]moduleInfo, 0, len(all))
	for _, mod := range all {
		modules = append(modules, moduleInfo{Module: mod, Actions: auth.AllActions})
	}
	response.JSON(w, modules)
}

// HandleMyPermissions returns the session role's permissions.
func (h *Handler) HandleMyPermissions(w http.ResponseWriter, r *http.Request) {
	_, _, role := sessionUser(r)
	response.JSON(w, h.Perms.GetRolePermissions(role))
}

// HandleSetPermissions replaces all permissions for the role in the path.
func (h *Handler) HandleSetPermissions(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	if !h.requireAdmin(w, r, auth.PermActionEdit) {
		return
	}
	var req SetPermissionsRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeInvalidPayload, "Invalid request body", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, err.Error(), err, nil)
		return
	}

	ve := &validation.ValidationErrors{}
	if _, err := auth.SanitizeIdentifier(role); err != nil {
		ve.Add("role", "must be alphanumeric")
	}
	seen := make(map[string]bool)
	var perms []auth.PermissionEntry
	for i, p := range req.Permissions {
		if !contains(auth.Modules(), p.Module) {
			ve.Add("permissions["+strconv.Itoa(i)+"].module", "unknown module "+p.Module)
			continue
		}
		if !contains(auth.AllActions, p.Action) {
			ve.Add("permissions["+strconv.Itoa(i)+"].action", "unknown action "+p.Action)
			continue
		}
		key := p.Module + ":" + p.Action
		if !seen[key] {
			seen[key] = true
			perms = append(perms, auth.PermissionEntry{Role: role, Module: p.Module, Action: p.Action})
		}
	}
	if ve.HasErrors() {
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, ve.Error(), ve, nil)
		return
	}

	if err := auth.SetRolePermissions(h.DB, h.Perms, role, perms); err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "update permissions", err)
		return
	}
	h.audit(r, "UPDATE", auth.ModuleAdmin, role, "Set "+strconv.Itoa(len(perms))+" permissions for "+role)
	response.JSON(w, h.Perms.GetRolePermissions(role))
}

// HandleCreateUser adds a user account.
func (h *Handler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r, auth.PermActionCreate) {
		return
	}
	var req CreateUserRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeInvalidPayload, "Invalid request body", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, err.Error(), err, nil)
		return
	}
	if err := auth.ValidatePasswordStrength(req.Password); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeValidation, err.Error(), nil)
		return
	}
	hash, err := auth.HashPassword(req.Password, h.BcryptCost)
	if err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "hash password", err)
		return
	}
	res, err := h.DB.ExecContext(r.Context(),
		"INSERT INTO users (username, password_hash, display_name, role, active) VALUES (?, ?, ?, ?, 1)",
		req.Username, hash, req.DisplayName, req.Role)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			response.Err(w, http.StatusConflict, response.CodeConflict, "Username already exists", nil)
			return
		}
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "create user", err)
		return
	}
	id, _ := res.LastInsertId()
	h.audit(r, "CREATE", auth.ModuleAdmin, strconv.FormatInt(id, 10), "Created user "+req.Username)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	response.JSON(w, models.User{ID: int(id), Username: req.Username, DisplayName: req.DisplayName, Role: req.Role})
}

// HandleAuditLog returns recent audit entries, optionally for ?module=.
func (h *Handler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r, auth.PermActionView) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.Audit.Recent(r.Context(), r.URL.Query().Get("module"), limit)
	if err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "load audit log", err)
		return
	}
	response.JSON(w, entries)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
