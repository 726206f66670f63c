// Package grids exposes sortable grids over HTTP.
package grids

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"sortgrid/internal/auth"
	"sortgrid/internal/grid"
	"sortgrid/internal/models"
	"sortgrid/internal/response"
	"sortgrid/internal/server"
	"sortgrid/internal/validation"
)

// Handler holds dependencies for grid handlers.
type Handler struct {
	Service *grid.Service
	States  *grid.StateStore
	Log     logrus.FieldLogger
}

// actorFromRequest returns the session user, or nil for an anonymous request.
func actorFromRequest(r *http.Request) *grid.Actor {
	id, ok := r.Context().Value(server.CtxUserID).(int)
	if !ok {
		return nil
	}
	username, _ := r.Context().Value(server.CtxUsername).(string)
	role, _ := r.Context().Value(server.CtxRole).(string)
	return &grid.Actor{UserID: id, Username: username, Role: role}
}

func sessionToken(r *http.Request) string {
	token, _ := r.Context().Value(server.CtxSession).(string)
	return token
}

// writeError maps service errors onto HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	var ve *grid.ValidationError
	switch {
	case errors.Is(err, grid.ErrInsufficientPrivileges):
		response.Err(w, http.StatusForbidden, response.CodeValidation, err.Error(), nil)
	case errors.As(err, &ve):
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, ve.Error(),
			map[string]string{"field": ve.Field}, nil)
	case errors.Is(err, grid.ErrUnknownGrid), errors.Is(err, grid.ErrNotFound):
		response.Err(w, http.StatusNotFound, response.CodeNotFound, err.Error(), nil)
	case errors.Is(err, grid.ErrInvalidState):
		response.Err(w, http.StatusBadRequest, response.CodeInvalidState, grid.ErrInvalidState.Error(), err)
	case errors.Is(err, grid.ErrNotVersioned):
		response.Err(w, http.StatusConflict, response.CodeConflict, err.Error(), nil)
	default:
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "grid operation failed", err)
	}
}

func recordID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, &grid.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return n
	}
	return def
}

// ListGrids describes every registered grid.
func (h *Handler) ListGrids(w http.ResponseWriter, r *http.Request) {
	all := h.Service.Grids.All()
	out := make([]models.GridInfo, 0, len(all))
	for _, g := range all {
		out = append(out, models.GridInfo{
			Name:                 g.Name,
			Versioned:            g.Versioned,
			UpdateVersionedStage: g.UpdateVersionedStage,
			AppendToTop:          g.AppendToTop,
			PerPage:              g.PerPage,
		})
	}
	response.JSON(w, out)
}

// ListItems returns one page of a stage in default order.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["grid"]
	g, err := h.Service.Grids.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	page := max(queryInt(r, "page", 1), 1)
	limit := queryInt(r, "limit", g.PerPage)
	records, total, err := h.Service.List(r.Context(), actorFromRequest(r), name, r.URL.Query().Get("stage"), page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSONMeta(w, records, total, page, limit)
}

// CreateItem adds a record at the end (or top) of the grid.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRecordRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeInvalidPayload, "Invalid request body", err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validation.Struct(req); err != nil {
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, err.Error(), err, nil)
		return
	}
	rec, err := h.Service.Create(r.Context(), actorFromRequest(r), mux.Vars(r)["grid"], grid.Record{Name: req.Name, City: req.City})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	response.JSON(w, rec)
}

// DeleteItem removes a record from every stage.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Service.Delete(r.Context(), actorFromRequest(r), mux.Vars(r)["grid"], id); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, map[string]any{"status": "deleted", "id": id})
}

// Publish copies a draft record to the Live stage.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Service.Publish(r.Context(), actorFromRequest(r), mux.Vars(r)["grid"], id); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, map[string]any{"status": "published", "id": id})
}

// Unpublish removes a record from the Live stage.
func (h *Handler) Unpublish(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Service.Unpublish(r.Context(), actorFromRequest(r), mux.Vars(r)["grid"], id); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, map[string]any{"status": "unpublished", "id": id})
}

// PublishAll publishes every draft record.
func (h *Handler) PublishAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.PublishAll(r.Context(), actorFromRequest(r), mux.Vars(r)["grid"])
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, map[string]any{"status": "published", "count": n})
}

// Sort applies a JSON row sort: {"ids": [1, 3, 2]}.
func (h *Handler) Sort(w http.ResponseWriter, r *http.Request) {
	var req models.SortRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeInvalidPayload, "Invalid request body", err)
		return
	}
	actor := actorFromRequest(r)
	name := mux.Vars(r)["grid"]
	if err := validation.Struct(req); err != nil {
		// Report missing privileges before malformed input.
		if perr := h.Service.Authorize(actor, name, auth.PermActionEdit); perr != nil {
			writeError(w, perr)
			return
		}
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, err.Error(), err, nil)
		return
	}
	records, err := h.Service.SaveRowSort(r.Context(), actor, name, req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, records)
}

// FixSort renumbers a grid whose sort column has gaps filled by zero or
// duplicate values.
func (h *Handler) FixSort(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["grid"]
	if err := h.Service.FixSortColumn(r.Context(), actorFromRequest(r), name); err != nil {
		writeError(w, err)
		return
	}
	records, _, err := h.Service.List(r.Context(), actorFromRequest(r), name, grid.StageDraft, 1, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, records)
}

// CreateState stores a pending grid action for the session and returns
// its StateID.
func (h *Handler) CreateState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["grid"]
	if _, err := h.Service.Grids.Get(name); err != nil {
		writeError(w, err)
		return
	}
	var req models.StateRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeInvalidPayload, "Invalid request body", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		response.ErrDetails(w, http.StatusBadRequest, response.CodeValidation, err.Error(), err, nil)
		return
	}
	st, err := h.States.Put(r.Context(), sessionToken(r), name, req.Action, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, st)
}

// Alter dispatches the action stored under ?StateID= with the submitted
// form, e.g. ItemIDs=1,3,2 for a row sort.
func (h *Handler) Alter(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		response.Err(w, http.StatusBadRequest, response.CodeInvalidPayload, "Invalid form body", err)
		return
	}
	stateID := r.URL.Query().Get("StateID")
	if stateID == "" {
		stateID = r.PostForm.Get("StateID")
	}
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "StateID", stateID)
	if ve.HasErrors() {
		response.ErrDetails(w, http.StatusBadRequest, response.CodeInvalidState, ve.Error(), ve, nil)
		return
	}

	st, err := h.States.Get(r.Context(), sessionToken(r), stateID)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.Grid != mux.Vars(r)["grid"] {
		writeError(w, grid.ErrInvalidState)
		return
	}

	records, err := h.Service.Dispatch(r.Context(), actorFromRequest(r), st, r.PostForm)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, records)
}
