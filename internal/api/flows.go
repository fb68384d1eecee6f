package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/guardian/internal/canvas"
	"github.com/starford/guardian/internal/flowservice"
)

// ListFlows handles GET /api/flows.
//
//	@Summary		List the process flows of the caller
//	@Tags			flows
//	@Produce		json
//	@Success		200	{object}	FlowListResponse
//	@Security		BearerAuth
//	@Router			/flows [get]
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.flows.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, "list flows", err)
		return
	}
	if flows == nil {
		flows = []flowservice.Flow{}
	}
	writeJSON(w, http.StatusOK, FlowListResponse{Flows: flows})
}

// GetFlow handles GET /api/flows/{id}.
//
//	@Summary		Get a process flow
//	@Tags			flows
//	@Produce		json
//	@Param			id	path		string	true	"Flow id"
//	@Success		200	{object}	flowservice.Flow
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/flows/{id} [get]
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := h.flows.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get flow", err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", f.Checksum))
	writeJSON(w, http.StatusOK, f)
}

// CreateFlow handles POST /api/flows.
//
//	@Summary		Create a process flow
//	@Tags			flows
//	@Accept			json
//	@Produce		json
//	@Param			body	body		FlowRequest	true	"Flow to create"
//	@Success		201		{object}	flowservice.Flow
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/flows [post]
func (h *Handler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req FlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "create flow", err)
		return
	}
	f, err := h.flows.Create(r.Context(), userID(r), req.Name, req.Body())
	if err != nil {
		writeError(w, r, "create flow", err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", f.Checksum))
	writeJSON(w, http.StatusCreated, f)
}

// UpdateFlow handles PUT /api/flows/{id}.
//
//	@Summary		Replace a process flow with optimistic concurrency
//	@Tags			flows
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string		true	"Flow id"
//	@Param			If-Match	header		string		false	"Checksum from a previous read"
//	@Param			body		body		FlowRequest	true	"New content"
//	@Success		200			{object}	flowservice.Flow
//	@Failure		400			{object}	errResponse
//	@Failure		403			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/flows/{id} [put]
func (h *Handler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var req FlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "update flow", err)
		return
	}
	f, err := h.flows.Update(r.Context(), userID(r), chi.URLParam(r, "id"), req.Name, req.Body(), ifMatch(r))
	if err != nil {
		writeError(w, r, "update flow", err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", f.Checksum))
	writeJSON(w, http.StatusOK, f)
}

// DeleteFlow handles DELETE /api/flows/{id}.
//
//	@Summary		Delete a process flow
//	@Tags			flows
//	@Param			id	path	string	true	"Flow id"
//	@Success		204	"Flow deleted"
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/flows/{id} [delete]
func (h *Handler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, "delete flow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResizeFlowNode handles POST /api/flows/{id}/nodes/{nodeId}/resize.
//
//	@Summary		Replay a drag on one box of a flow
//	@Description	Moves are throttled by their timestamps; the final position is always applied.
//	@Tags			flows
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Flow id"
//	@Param			nodeId	path		string		true	"Box id"
//	@Param			body	body		canvas.Drag	true	"Recorded pointer stream"
//	@Success		200		{object}	flowservice.ResizeResult
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/flows/{id}/nodes/{nodeId}/resize [post]
func (h *Handler) ResizeFlowNode(w http.ResponseWriter, r *http.Request) {
	var drag canvas.Drag
	if !decodeJSON(w, r, &drag) {
		return
	}
	res, err := h.flows.Resize(r.Context(), userID(r), chi.URLParam(r, "id"), chi.URLParam(r, "nodeId"), drag)
	if err != nil {
		writeError(w, r, "resize flow node", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
