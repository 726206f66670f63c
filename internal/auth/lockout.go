package auth

import (
	"context"
	"database/sql"
	"time"
)

const (
	MaxFailedLoginAttempts = 10
	AccountLockoutDuration = 15 * time.Minute
)

const sqliteTime = "2006-01-02 15:04:05"

// IncrementFailedLoginAttempts bumps the failure counter and locks the
// account once MaxFailedLoginAttempts is reached.
func IncrementFailedLoginAttempts(ctx context.Context, db *sql.DB, username string) error {
	lockUntil := time.Now().UTC().Add(AccountLockoutDuration).Format(sqliteTime)
	_, err := db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= ? THEN ?
		        ELSE locked_until
		    END
		WHERE username = ?`, MaxFailedLoginAttempts, lockUntil, username)
	return err
}

// ResetFailedLoginAttempts clears the counter after a successful login.
func ResetFailedLoginAttempts(ctx context.Context, db *sql.DB, username string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE username = ?`, username)
	return err
}

// IsAccountLocked reports whether username is inside a lockout window.
// An expired lock is cleared as a side effect.
func IsAccountLocked(ctx context.Context, db *sql.DB, username string) (bool, error) {
	var lockedUntil sql.NullString
	err := db.QueryRowContext(ctx, "SELECT locked_until FROM users WHERE username = ?", username).Scan(&lockedUntil)
	if err != nil {
		return false, err
	}
	if !lockedUntil.Valid || lockedUntil.String == "" {
		return false, nil
	}

	lockTime, err := time.Parse(sqliteTime, lockedUntil.String)
	if err != nil {
		lockTime, err = time.Parse(time.RFC3339, lockedUntil.String)
		if err != nil {
			return false, nil
		}
	}
	if time.Now().UTC().Before(lockTime) {
		return true, nil
	}
	return false, ResetFailedLoginAttempts(ctx, db, username)
}
