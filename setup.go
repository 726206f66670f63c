package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"sortgrid/internal/audit"
	"sortgrid/internal/auth"
	"sortgrid/internal/config"
	"sortgrid/internal/database"
	"sortgrid/internal/grid"
	"sortgrid/internal/server"
	"sortgrid/internal/websocket"
)

// buildApp migrates db, loads permissions, creates the configured grid
// tables and wires the grid service to the audit log and websocket hub.
func buildApp(ctx context.Context, db *sql.DB, cfg *config.Config, log logrus.FieldLogger) (*server.App, error) {
	if err := database.Migrate(db); err != nil {
		return nil, err
	}

	// Registering grids registers their permission modules, which must
	// happen before the permission table is seeded.
	grids, err := grid.NewRegistry(cfg.GridDefs()...)
	if err != nil {
		return nil, err
	}

	perms, err := auth.NewPermCache()
	if err != nil {
		return nil, err
	}
	if err := auth.InitPermissionsTable(db, perms); err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}
	store := grid.NewStore(db)
	for _, g := range grids.All() {
		if err := store.EnsureSchema(ctx, g); err != nil {
			return nil, fmt.Errorf("grid %s schema: %w", g.Name, err)
		}
	}
	states := grid.NewStateStore(db, cfg.StateTTL)
	if err := states.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("grid state schema: %w", err)
	}

	hub := websocket.NewHub(log)
	auditLog := &audit.Logger{DB: db, Log: log}

	svc := grid.NewService(store, grids, perms, log)
	svc.Broadcast = hub.BroadcastChange
	svc.Audit = func(ctx context.Context, actor *grid.Actor, action, module, recordID, summary string) {
		e := audit.Entry{
			Action:    action,
			Module:    module,
			RecordID:  recordID,
			Summary:   summary,
			IPAddress: audit.ClientIP(ctx),
		}
		if actor != nil {
			e.UserID, e.Username = actor.UserID, actor.Username
		}
		_ = auditLog.Record(ctx, e)
	}

	return &server.App{
		DB:      db,
		Config:  cfg,
		Log:     log,
		Hub:     hub,
		Perms:   perms,
		Audit:   auditLog,
		Grids:   grids,
		Service: svc,
		States:  states,
	}, nil
}

// seedAdmin creates the admin account when the users table is empty. With
// no configured password a random one is generated and logged once.
func seedAdmin(ctx context.Context, db *sql.DB, password string, log logrus.FieldLogger) error {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if password == "" {
		password = auth.GenerateToken()[:16]
		log.WithField("password", password).Warn("created admin user with a generated password")
	} else if err := auth.ValidatePasswordStrength(password); err != nil {
		log.WithError(err).Warn("configured admin password is weak")
	}
	hash, err := auth.HashPassword(password, 0)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, display_name, role, active) VALUES ('admin', ?, 'Administrator', ?, 1)",
		hash, auth.RoleAdmin)
	return err
}
