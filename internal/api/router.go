package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// syncer may be nil when no remote is configured; sync routes then answer 503.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(entities Entities, syncer Syncer, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(entities, syncer)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Schema.
	r.Get("/types", h.ListTypes)
	r.Get("/types/{type}", h.GetType)

	// Entities CRUD.
	r.Get("/entities/{type}", h.ListEntities)
	r.Post("/entities/{type}", h.CreateEntity)
	r.Get("/entities/{type}/{id}", h.GetEntity)
	r.Patch("/entities/{type}/{id}", h.UpdateEntity)
	r.Delete("/entities/{type}/{id}", h.DeleteEntity)

	// Replication.
	r.Post("/sync/{type}/push", h.Push)
	r.Post("/sync/{type}/pull", h.Pull)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
