package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/guardian/internal/auth"
	"github.com/starford/guardian/internal/engine"
	"github.com/starford/guardian/internal/flowservice"
	"github.com/starford/guardian/internal/nodeservice"
	"github.com/starford/guardian/internal/timeline"
)

// Handler holds API route handlers.
type Handler struct {
	nodes  *nodeservice.Service
	flows  *flowservice.Service
	drafts *engine.Registry
}

// NewHandler creates a new Handler.
func NewHandler(nodes *nodeservice.Service, flows *flowservice.Service, drafts *engine.Registry) *Handler {
	return &Handler{nodes: nodes, flows: flows, drafts: drafts}
}

// userID returns the caller. The auth middleware guarantees one is set.
func userID(r *http.Request) string {
	return auth.UserID(r.Context())
}

func readSnapshot(w http.ResponseWriter, r *http.Request) (*timeline.Snapshot, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return nil, false
	}
	snap, err := timeline.DecodeSnapshot(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid snapshot"))
		return nil, false
	}
	return snap, true
}

// Timeline handles GET /api/timeline.
//
//	@Summary		Get the stored timeline of the caller
//	@Tags			timeline
//	@Produce		json
//	@Success		200	{object}	TimelineView
//	@Security		BearerAuth
//	@Router			/timeline [get]
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	view, err := h.nodes.Timeline(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, "get timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RenderTimeline handles GET /api/timeline/render.
//
//	@Summary		Render the stored timeline
//	@Tags			timeline
//	@Produce		plain
//	@Param			format	query		string	false	"Output format"	Enums(mermaid, outline)
//	@Success		200		{string}	string
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/timeline/render [get]
func (h *Handler) RenderTimeline(w http.ResponseWriter, r *http.Request) {
	out, err := h.nodes.Render(r.Context(), userID(r), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, "render timeline", err)
		return
	}
	writeText(w, http.StatusOK, out)
}

// ActivePath handles GET /api/timeline/active-path.
//
//	@Summary		List the nodes on the selected branch
//	@Tags			timeline
//	@Produce		json
//	@Success		200	{object}	ActivePathResponse
//	@Security		BearerAuth
//	@Router			/timeline/active-path [get]
func (h *Handler) ActivePath(w http.ResponseWriter, r *http.Request) {
	nodes, total, err := h.nodes.ActivePath(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, "active path", err)
		return
	}
	if nodes == nil {
		nodes = []timeline.Node{}
	}
	writeJSON(w, http.StatusOK, ActivePathResponse{Nodes: nodes, TotalDuration: total})
}

// GetNode handles GET /api/timeline/nodes/{id}.
//
//	@Summary		Get a stored node
//	@Tags			timeline
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	NodeDetail
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/timeline/nodes/{id} [get]
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.nodes.GetNode(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get node", err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", node.Checksum))
	writeJSON(w, http.StatusOK, node)
}

// CreateNode handles POST /api/timeline/nodes.
//
//	@Summary		Add a node to the stored timeline
//	@Tags			timeline
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNodeRequest	true	"Node to create"
//	@Success		201		{object}	NodeDetail
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/timeline/nodes [post]
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "create node", err)
		return
	}
	node, err := h.nodes.CreateNode(r.Context(), userID(r), nodeservice.CreateInput{
		ParentID:        req.ParentID,
		Title:           req.Title,
		Kind:            timeline.Kind(req.Kind),
		DefaultDuration: req.DefaultDuration,
	})
	if err != nil {
		writeError(w, r, "create node", err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", node.Checksum))
	writeJSON(w, http.StatusCreated, node)
}

// UpdateNode handles PATCH /api/timeline/nodes/{id}.
//
//	@Summary		Patch a stored node with optimistic concurrency
//	@Tags			timeline
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string				true	"Node id"
//	@Param			If-Match	header		string				false	"Checksum from a previous read"
//	@Param			body		body		UpdateNodeRequest	true	"Fields to change"
//	@Success		200			{object}	NodeDetail
//	@Failure		400			{object}	errResponse
//	@Failure		403			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/timeline/nodes/{id} [patch]
func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	var req UpdateNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "update node", err)
		return
	}
	node, err := h.nodes.UpdateNode(r.Context(), userID(r), chi.URLParam(r, "id"), req.Patch(), ifMatch(r))
	if err != nil {
		writeError(w, r, "update node", err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", node.Checksum))
	writeJSON(w, http.StatusOK, node)
}

// DeleteNode handles DELETE /api/timeline/nodes/{id}.
//
//	@Summary		Delete a stored node
//	@Tags			timeline
//	@Produce		json
//	@Param			id			path		string	true	"Node id"
//	@Param			strategy	query		string	false	"What happens to children"	Enums(forbid, cascade, reparent)
//	@Success		200			{object}	DeleteNodeResponse
//	@Failure		400			{object}	errResponse
//	@Failure		403			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/timeline/nodes/{id} [delete]
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	strategy, err := timeline.ParseDeleteStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		writeError(w, r, "delete node", err)
		return
	}
	removed, err := h.nodes.DeleteNode(r.Context(), userID(r), chi.URLParam(r, "id"), strategy)
	if err != nil {
		writeError(w, r, "delete node", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteNodeResponse{Removed: removed})
}

// ImportTimeline handles POST /api/timeline/import.
//
//	@Summary		Migrate a draft snapshot into the stored timeline
//	@Description	Replaying an already imported snapshot returns the recorded report with status 200.
//	@Tags			timeline
//	@Accept			json
//	@Produce		json
//	@Param			body	body		timeline.Snapshot	true	"Draft snapshot"
//	@Success		200		{object}	migrate.Report
//	@Success		201		{object}	migrate.Report
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/timeline/import [post]
func (h *Handler) ImportTimeline(w http.ResponseWriter, r *http.Request) {
	snap, ok := readSnapshot(w, r)
	if !ok {
		return
	}
	rep, err := h.nodes.Import(r.Context(), userID(r), snap)
	if err != nil {
		writeError(w, r, "import timeline", err)
		return
	}
	status := http.StatusCreated
	if rep.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, rep)
}
