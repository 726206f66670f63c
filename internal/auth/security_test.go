package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sortgrid/internal/auth"
	"sortgrid/internal/testutil"
)

func TestSanitizeIdentifier(t *testing.T) {
	for _, ok := range []string{"teams", "vteams_live", "Sort1"} {
		_, err := auth.SanitizeIdentifier(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "teams;", "sort order", "x'--"} {
		_, err := auth.SanitizeIdentifier(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidatePasswordStrength(t *testing.T) {
	assert.Error(t, auth.ValidatePasswordStrength("Short1!"))
	assert.Error(t, auth.ValidatePasswordStrength("alllowercaseletters"))
	assert.NoError(t, auth.ValidatePasswordStrength("Correct-Horse-42"))
}

func TestPasswords(t *testing.T) {
	hash, err := auth.HashPassword("s3cret-Password", 4)
	require.NoError(t, err)
	assert.NoError(t, auth.CheckPassword(hash, "s3cret-Password"))
	assert.ErrorIs(t, auth.CheckPassword(hash, "wrong"), auth.ErrInvalidCredentials)

	a, b := auth.GenerateToken(), auth.GenerateToken()
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestAccountLockout(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDB(t)

	for i := 0; i < auth.MaxFailedLoginAttempts-1; i++ {
		require.NoError(t, auth.IncrementFailedLoginAttempts(ctx, db, "admin"))
	}
	locked, err := auth.IsAccountLocked(ctx, db, "admin")
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, auth.IncrementFailedLoginAttempts(ctx, db, "admin"))
	locked, err = auth.IsAccountLocked(ctx, db, "admin")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, auth.ResetFailedLoginAttempts(ctx, db, "admin"))
	locked, err = auth.IsAccountLocked(ctx, db, "admin")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAccountLockout_Expired(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDB(t)
	_, err := db.Exec("UPDATE users SET failed_login_attempts = 10, locked_until = '2000-01-01 00:00:00' WHERE username = 'admin'")
	require.NoError(t, err)

	locked, err := auth.IsAccountLocked(ctx, db, "admin")
	require.NoError(t, err)
	assert.False(t, locked)

	var attempts int
	require.NoError(t, db.QueryRow("SELECT failed_login_attempts FROM users WHERE username = 'admin'").Scan(&attempts))
	assert.Zero(t, attempts)
}
