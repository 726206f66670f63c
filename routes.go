package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"sortgrid/internal/handlers/admin"
	"sortgrid/internal/handlers/grids"
	"sortgrid/internal/response"
	"sortgrid/internal/server"
)

func newRouter(app *server.App, rl *server.RateLimiter) http.Handler {
	adminH := &admin.Handler{
		DB:         app.DB,
		Perms:      app.Perms,
		Audit:      app.Audit,
		Log:        app.Log,
		SessionTTL: app.Config.SessionTTL,
	}
	gridH := &grids.Handler{Service: app.Service, States: app.States, Log: app.Log}

	requireAuth := server.RequireAuth(app.DB, app.Config.SessionTTL)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", adminH.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", adminH.HandleLogout).Methods(http.MethodPost)
	r.Handle("/auth/me", requireAuth(http.HandlerFunc(adminH.HandleMe))).Methods(http.MethodGet)
	r.Handle("/ws", requireAuth(app.Hub)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(requireAuth, server.CSRFMiddleware(app.DB))

	api.HandleFunc("/grids", gridH.ListGrids).Methods(http.MethodGet)
	api.HandleFunc("/grids/{grid}/items", gridH.ListItems).Methods(http.MethodGet)
	api.HandleFunc("/grids/{grid}/items", gridH.CreateItem).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/items/{id:[0-9]+}", gridH.DeleteItem).Methods(http.MethodDelete)
	api.HandleFunc("/grids/{grid}/items/{id:[0-9]+}/publish", gridH.Publish).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/items/{id:[0-9]+}/unpublish", gridH.Unpublish).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/publish", gridH.PublishAll).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/sort", gridH.Sort).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/fix-sort", gridH.FixSort).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/state", gridH.CreateState).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/alter", gridH.Alter).Methods(http.MethodPost)
	api.HandleFunc("/grids/{grid}/export", gridH.Export).Methods(http.MethodGet)

	api.HandleFunc("/me/permissions", adminH.HandleMyPermissions).Methods(http.MethodGet)
	api.HandleFunc("/admin/modules", adminH.HandleListModules).Methods(http.MethodGet)
	api.HandleFunc("/admin/permissions", adminH.HandleListPermissions).Methods(http.MethodGet)
	api.HandleFunc("/admin/permissions/{role}", adminH.HandleSetPermissions).Methods(http.MethodPut)
	api.HandleFunc("/admin/users", adminH.HandleCreateUser).Methods(http.MethodPost)
	api.HandleFunc("/admin/audit", adminH.HandleAuditLog).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.Err(w, http.StatusNotFound, response.CodeNotFound, "Not found", nil)
	})

	co := cors.New(cors.Options{
		AllowedOrigins:   app.Config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	})

	var h http.Handler = r
	h = server.GzipMiddleware(h)
	h = server.RateLimitMiddleware(rl)(h)
	h = server.SecurityHeaders(h)
	h = co.Handler(h)
	return server.LoggingMiddleware(app.Log)(h)
}
