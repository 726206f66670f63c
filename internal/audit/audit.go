package audit

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Entry is one audit_log row.
type Entry struct {
	ID        int    `json:"id"`
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	Action    string `json:"action"`
	Module    string `json:"module"`
	RecordID  string `json:"record_id"`
	Summary   string `json:"summary"`
	IPAddress string `json:"ip_address"`
	CreatedAt string `json:"created_at"`
}

// Logger writes audit entries.
type Logger struct {
	DB  *sql.DB
	Log logrus.FieldLogger
}

// Record inserts e. Failures are logged and returned.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if e.Username == "" {
		e.Username = "system"
	}
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO audit_log (user_id, username, action, module, record_id, summary, ip_address)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Username, e.Action, e.Module, e.RecordID, e.Summary, e.IPAddress)
	if err != nil {
		l.Log.WithError(err).WithFields(logrus.Fields{
			"action": e.Action,
			"module": e.Module,
		}).Error("audit log write failed")
	}
	return err
}

// Recent returns the newest entries for module, newest first. An empty
// module returns entries for every module.
func (l *Logger) Recent(ctx context.Context, module string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, username, action, module, record_id, summary, ip_address, created_at FROM audit_log`
	var args []any
	if module != "" {
		query += " WHERE module = ?"
		args = append(args, module)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.Action, &e.Module, &e.RecordID, &e.Summary, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type ipKey struct{}

// WithClientIP stores the request's client IP for later audit entries.
func WithClientIP(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, ipKey{}, GetClientIP(r))
}

// ClientIP returns the IP stored by WithClientIP.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}

// GetClientIP extracts the real client IP from the request (handles proxies).
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
