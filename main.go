package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sortgrid/internal/config"
	"sortgrid/internal/database"
	"sortgrid/internal/fixtures"
	"sortgrid/internal/logging"
	"sortgrid/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	seed := flag.String("seed", "", "YAML fixture file to load on start")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *seed != "" {
		cfg.SeedFixtures = *seed
	}

	logging.Init(config.AppName, cfg.LogLevel)
	log := logging.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	app, err := buildApp(ctx, db, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialise")
	}
	if err := seedAdmin(ctx, db, cfg.AdminPassword, log); err != nil {
		log.WithError(err).Fatal("seed admin user")
	}
	if cfg.SeedFixtures != "" {
		set, err := fixtures.LoadFile(cfg.SeedFixtures)
		if err != nil {
			log.WithError(err).Fatal("load fixtures")
		}
		if _, err := fixtures.Apply(ctx, app.Service.Store, app.Grids, set, true); err != nil {
			log.WithError(err).Fatal("apply fixtures")
		}
		log.WithField("file", cfg.SeedFixtures).Info("fixtures loaded")
	}

	go purgeStates(ctx, app)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(app, server.NewRateLimiter()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown")
		}
	}()

	log.WithField("port", cfg.Port).Infof("Starting %s", config.AppName)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server failed")
	}
	log.Info("server stopped")
}

// purgeStates drops expired grid action states until ctx is cancelled.
func purgeStates(ctx context.Context, app *server.App) {
	ticker := time.NewTicker(app.Config.StateTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.States.Purge(ctx)
			if err != nil {
				app.Log.WithError(err).Warn("purge grid states")
				continue
			}
			if n > 0 {
				app.Log.WithField("purged", n).Debug("expired grid states removed")
			}
		}
	}
}
