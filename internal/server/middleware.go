package server

import (
	"bufio"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sortgrid/internal/audit"
	"sortgrid/internal/response"
)

const sqliteTime = "2006-01-02 15:04:05"

// InactivityTimeout ends sessions that have been idle this long.
const InactivityTimeout = 30 * time.Minute

// GzipResponseWriter wraps http.ResponseWriter to support gzip compression.
type GzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w GzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// GzipMiddleware compresses responses when client supports gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") ||
			r.Header.Get("Range") != "" ||
			r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		next.ServeHTTP(GzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(audit.WithClientIP(r.Context(), r)))
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}).Info("request")
		})
	}
}

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; connect-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

type sessionRow struct {
	userID       int
	username     string
	role         string
	active       int
	lastActivity string
}

func lookupSession(ctx context.Context, db *sql.DB, token string) (sessionRow, error) {
	var s sessionRow
	err := db.QueryRowContext(ctx, `SELECT s.user_id, u.username, u.role, u.active, COALESCE(s.last_activity, s.created_at)
		FROM sessions s JOIN users u ON s.user_id = u.id
		WHERE s.token = ? AND s.expires_at > ?`, token, time.Now().UTC().Format(sqliteTime)).
		Scan(&s.userID, &s.username, &s.role, &s.active, &s.lastActivity)
	return s, err
}

func parseTime(v string) (time.Time, bool) {
	for _, layout := range []string{sqliteTime, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// RequireAuth resolves the session cookie into the request context. The
// session expiry slides forward by ttl on every request.
func RequireAuth(db *sql.DB, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil || cookie.Value == "" {
				response.Err(w, http.StatusUnauthorized, response.CodeUnauthorized, "Unauthorized", nil)
				return
			}

			s, err := lookupSession(r.Context(), db, cookie.Value)
			if errors.Is(err, sql.ErrNoRows) {
				response.Err(w, http.StatusUnauthorized, response.CodeUnauthorized, "Unauthorized", nil)
				return
			}
			if err != nil {
				response.Err(w, http.StatusInternalServerError, response.CodeInternal, "session lookup failed", err)
				return
			}

			if last, ok := parseTime(s.lastActivity); ok && time.Since(last) > InactivityTimeout {
				_, _ = db.ExecContext(r.Context(), "DELETE FROM sessions WHERE token = ?", cookie.Value)
				response.Err(w, http.StatusUnauthorized, response.CodeUnauthorized, "Session expired due to inactivity", nil)
				return
			}
			if s.active == 0 {
				response.Err(w, http.StatusForbidden, response.CodeForbidden, "Account deactivated", nil)
				return
			}

			now := time.Now().UTC()
			newExpiry := now.Add(ttl)
			_, _ = db.ExecContext(r.Context(), "UPDATE sessions SET expires_at = ?, last_activity = ? WHERE token = ?",
				newExpiry.Format(sqliteTime), now.Format(sqliteTime), cookie.Value)
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    cookie.Value,
				Path:     "/",
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
				Expires:  newExpiry,
			})

			ctx := context.WithValue(r.Context(), CtxUserID, s.userID)
			ctx = context.WithValue(ctx, CtxUsername, s.username)
			ctx = context.WithValue(ctx, CtxRole, s.role)
			ctx = context.WithValue(ctx, CtxSession, cookie.Value)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimiter tracks request rates per key.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{requests: make(map[string][]time.Time)}
}

// Reset clears all rate limit state.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	rl.requests = make(map[string][]time.Time)
	rl.mu.Unlock()
}

// CheckRateLimit records a hit for key and reports whether the limit was
// exceeded, how many hits remain, and when the window resets.
func (rl *RateLimiter) CheckRateLimit(key string, limit int, window time.Duration) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	resetTime := now.Add(window)
	if len(valid) > 0 {
		resetTime = valid[0].Add(window)
	}
	if len(valid) >= limit {
		rl.requests[key] = valid
		return true, 0, resetTime
	}
	rl.requests[key] = append(valid, now)
	return false, limit - len(valid) - 1, resetTime
}

// RateLimitMiddleware limits login attempts and API calls per client IP.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := audit.GetClientIP(r)

			var (
				limit    int
				limitKey string
			)
			switch {
			case r.URL.Path == "/auth/login":
				limit, limitKey = 5, "login:"+clientIP
			case strings.HasPrefix(r.URL.Path, "/api/"):
				limit, limitKey = 100, "api:"+clientIP
			default:
				next.ServeHTTP(w, r)
				return
			}

			exceeded, remaining, resetTime := rl.CheckRateLimit(limitKey, limit, time.Minute)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))
			if exceeded {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(resetTime).Seconds())))
				response.Err(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFToken returns the CSRF token sent with r: the X-CSRF-Token header,
// or the SecurityID form field used by grid alter requests.
func CSRFToken(r *http.Request) string {
	if tok := r.Header.Get("X-CSRF-Token"); tok != "" {
		return tok
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return r.PostFormValue("SecurityID")
	}
	return ""
}

// CSRFMiddleware rejects unsafe requests whose CSRF token does not belong
// to the session user. It must run after RequireAuth.
func CSRFMiddleware(db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			token := CSRFToken(r)
			if token == "" {
				response.Err(w, http.StatusForbidden, response.CodeForbidden, "CSRF token required", nil)
				return
			}
			userID, ok := r.Context().Value(CtxUserID).(int)
			if !ok {
				response.Err(w, http.StatusUnauthorized, response.CodeUnauthorized, "Unauthorized", nil)
				return
			}

			var tokenUserID int
			err := db.QueryRowContext(r.Context(),
				"SELECT user_id FROM csrf_tokens WHERE token = ? AND expires_at > ?",
				token, time.Now().UTC().Format(sqliteTime)).Scan(&tokenUserID)
			if err != nil {
				response.Err(w, http.StatusForbidden, response.CodeForbidden, "Invalid or expired CSRF token", nil)
				return
			}
			if tokenUserID != userID {
				response.Err(w, http.StatusForbidden, response.CodeForbidden, "CSRF token does not match user session", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
