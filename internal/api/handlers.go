package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/recordsync/internal/apperr"
)

// Handler holds API route handlers.
type Handler struct {
	entities Entities
	syncer   Syncer
}

// NewHandler creates a new Handler.
func NewHandler(entities Entities, syncer Syncer) *Handler {
	return &Handler{entities: entities, syncer: syncer}
}

// writeError maps domain errors to status codes. Anything unexpected is
// logged and reported as 500.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrUnknownType), errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrInvalidValue):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func entityID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func decodeInput(w http.ResponseWriter, r *http.Request) (EntityInput, bool) {
	var in EntityInput
	ok := readJSON(w, r, &in)
	return in, ok
}

// ListTypes handles GET /api/types.
//
//	@Summary		List registered entity types
//	@Tags			schema
//	@Produce		json
//	@Success		200	{object}	TypeListResponse
//	@Security		BearerAuth
//	@Router			/types [get]
func (h *Handler) ListTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, TypeListResponse{Types: h.entities.Types()})
}

// GetType handles GET /api/types/{type}.
//
//	@Summary		Describe one entity type
//	@Tags			schema
//	@Produce		json
//	@Param			type	path		string	true	"Entity type"
//	@Success		200		{object}	TypeView
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/types/{type} [get]
func (h *Handler) GetType(w http.ResponseWriter, r *http.Request) {
	tv, err := h.entities.Type(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, "get type", err)
		return
	}
	writeJSON(w, http.StatusOK, tv)
}

// ListEntities handles GET /api/entities/{type}.
//
//	@Summary		List entities of a type
//	@Tags			entities
//	@Produce		json
//	@Param			type	path		string	true	"Entity type"
//	@Param			pending	query		bool	false	"Only entities with unpushed changes"
//	@Success		200		{object}	EntityListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{type} [get]
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	pending, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
	items, err := h.entities.List(r.Context(), chi.URLParam(r, "type"), pending)
	if err != nil {
		writeError(w, "list entities", err)
		return
	}
	if items == nil {
		items = []EntityView{}
	}
	writeJSON(w, http.StatusOK, EntityListResponse{Entities: items, Total: len(items)})
}

// GetEntity handles GET /api/entities/{type}/{id}.
//
//	@Summary		Get one entity
//	@Tags			entities
//	@Produce		json
//	@Param			type	path		string	true	"Entity type"
//	@Param			id		path		int		true	"Local entity ID"
//	@Success		200		{object}	EntityView
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{type}/{id} [get]
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	e, err := h.entities.Get(r.Context(), chi.URLParam(r, "type"), id)
	if err != nil {
		writeError(w, "get entity", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CreateEntity handles POST /api/entities/{type}.
//
//	@Summary		Create an entity
//	@Tags			entities
//	@Accept			json
//	@Produce		json
//	@Param			type	path		string		true	"Entity type"
//	@Param			body	body		EntityInput	true	"Values and links"
//	@Success		201		{object}	EntityView
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{type} [post]
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}
	e, err := h.entities.Create(r.Context(), chi.URLParam(r, "type"), in)
	if err != nil {
		writeError(w, "create entity", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// UpdateEntity handles PATCH /api/entities/{type}/{id}.
//
//	@Summary		Patch an entity and mark it pending
//	@Tags			entities
//	@Accept			json
//	@Produce		json
//	@Param			type	path		string		true	"Entity type"
//	@Param			id		path		int			true	"Local entity ID"
//	@Param			body	body		EntityInput	true	"Values and links to change"
//	@Success		200		{object}	EntityView
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{type}/{id} [patch]
func (h *Handler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}
	e, err := h.entities.Update(r.Context(), chi.URLParam(r, "type"), id, in)
	if err != nil {
		writeError(w, "update entity", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DeleteEntity handles DELETE /api/entities/{type}/{id}.
//
//	@Summary		Delete an entity, applying its delete rules
//	@Tags			entities
//	@Param			type	path	string	true	"Entity type"
//	@Param			id		path	int		true	"Local entity ID"
//	@Success		204		"Entity deleted"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{type}/{id} [delete]
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	if err := h.entities.Delete(r.Context(), chi.URLParam(r, "type"), id); err != nil {
		writeError(w, "delete entity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Push handles POST /api/sync/{type}/push.
//
//	@Summary		Push pending entities of a type
//	@Tags			sync
//	@Produce		json
//	@Param			type	path		string	true	"Entity type"
//	@Success		200		{object}	SyncResult
//	@Failure		409		{object}	SyncResult
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/{type}/push [post]
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("no remote configured"))
		return
	}
	h.writeSync(w, r, "push", h.syncer.Push)
}

// Pull handles POST /api/sync/{type}/pull.
//
//	@Summary		Pull remote changes of a type
//	@Tags			sync
//	@Produce		json
//	@Param			type	path		string	true	"Entity type"
//	@Success		200		{object}	SyncResult
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/{type}/pull [post]
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("no remote configured"))
		return
	}
	h.writeSync(w, r, "pull", h.syncer.Pull)
}

func (h *Handler) writeSync(w http.ResponseWriter, r *http.Request, op string, run func(context.Context, string) (SyncResult, error)) {
	res, err := run(r.Context(), chi.URLParam(r, "type"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, res)
	case errors.Is(err, apperr.ErrUnknownType):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("type", res.Type), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, res)
	}
}
