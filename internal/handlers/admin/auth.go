package admin

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sortgrid/internal/audit"
	"sortgrid/internal/auth"
	"sortgrid/internal/models"
	"sortgrid/internal/response"
	"sortgrid/internal/server"
	"sortgrid/internal/validation"
)

const sqliteTime = "2006-01-02 15:04:05"

// HandleLogin authenticates a user, creates a session and issues a CSRF
// token for it.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeInvalidPayload, "Invalid request body", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, err.Error(), err, nil)
		return
	}
	ctx := r.Context()
	log := h.Log.WithField("user", req.Username)

	locked, err := auth.IsAccountLocked(ctx, h.DB, req.Username)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "login failed", err)
		return
	}
	if locked {
		log.Warn("login refused: account locked")
		response.Err(w, http.StatusForbidden, response.CodeLocked,
			"Account temporarily locked due to too many failed login attempts. Try again later.", nil)
		return
	}

	var (
		u      models.User
		hash   string
		active int
	)
	err = h.DB.QueryRowContext(ctx,
		"SELECT id, username, display_name, role, password_hash, active FROM users WHERE username = ?", req.Username).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &hash, &active)
	if errors.Is(err, sql.ErrNoRows) {
		response.Err(w, http.StatusUnauthorized, response.CodeUnauthorized, auth.ErrInvalidCredentials.Error(), nil)
		return
	}
	if err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "login failed", err)
		return
	}

	if err := auth.CheckPassword(hash, req.Password); err != nil {
		if ierr := auth.IncrementFailedLoginAttempts(ctx, h.DB, req.Username); ierr != nil {
			log.WithError(ierr).Error("record failed login")
		}
		log.Info("login failed")
		response.Err(w, http.StatusUnauthorized, response.CodeUnauthorized, err.Error(), nil)
		return
	}
	if active == 0 {
		response.Err(w, http.StatusForbidden, response.CodeForbidden, "Account deactivated", nil)
		return
	}
	if err := auth.ResetFailedLoginAttempts(ctx, h.DB, req.Username); err != nil {
		log.WithError(err).Warn("reset failed logins")
	}

	now := time.Now().UTC()
	expires := now.Add(h.SessionTTL)
	_, _ = h.DB.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", now.Format(sqliteTime))
	_, _ = h.DB.ExecContext(ctx, "DELETE FROM csrf_tokens WHERE expires_at < ?", now.Format(sqliteTime))

	token := auth.GenerateToken()
	if _, err := h.DB.ExecContext(ctx,
		"INSERT INTO sessions (token, user_id, expires_at, last_activity) VALUES (?, ?, ?, ?)",
		token, u.ID, expires.Format(sqliteTime), now.Format(sqliteTime)); err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "Failed to create session", err)
		return
	}
	csrf := auth.GenerateToken()
	if _, err := h.DB.ExecContext(ctx,
		"INSERT INTO csrf_tokens (token, user_id, expires_at) VALUES (?, ?, ?)",
		csrf, u.ID, expires.Format(sqliteTime)); err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "Failed to create CSRF token", err)
		return
	}
	_, _ = h.DB.ExecContext(ctx, "UPDATE users SET last_login = ? WHERE id = ?", now.Format(sqliteTime), u.ID)

	http.SetCookie(w, &http.Cookie{
		Name:     server.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	})

	if h.Audit != nil {
		_ = h.Audit.Record(ctx, audit.Entry{
			UserID:    u.ID,
			Username:  u.Username,
			Action:    "LOGIN",
			Module:    auth.ModuleAdmin,
			RecordID:  strconv.Itoa(u.ID),
			Summary:   "Signed in",
			IPAddress: audit.GetClientIP(r),
		})
	}
	log.WithField("role", u.Role).Info("login")
	response.JSON(w, models.LoginResponse{User: u, CSRFToken: csrf})
}

// HandleLogout deletes the session named by the cookie, if any.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(server.SessionCookie); err == nil {
		var userID int
		err := h.DB.QueryRowContext(r.Context(), "SELECT user_id FROM sessions WHERE token = ?", cookie.Value).Scan(&userID)
		if err == nil {
			_, _ = h.DB.ExecContext(r.Context(), "DELETE FROM sessions WHERE token = ?", cookie.Value)
			h.Log.WithFields(logrus.Fields{"user_id": userID}).Info("logout")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     server.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	response.JSON(w, map[string]string{"status": "ok"})
}

// HandleMe returns the session user.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, _, _ := sessionUser(r)
	u, err := h.loadUser(r, id)
	if errors.Is(err, sql.ErrNoRows) {
		response.Err(w, http.StatusUnauthorized, response.CodeUnauthorized, "Unauthorized", nil)
		return
	}
	if err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "load user", err)
		return
	}
	response.JSON(w, map[string]any{"user": u})
}
