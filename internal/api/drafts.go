package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/starford/guardian/internal/engine"
	"github.com/starford/guardian/internal/timeline"
)

// Drafts are keyed by user: each caller edits one in-memory graph.

// GetDraft handles GET /api/draft.
//
//	@Summary		Get the draft snapshot of the caller
//	@Tags			draft
//	@Produce		json
//	@Success		200	{object}	timeline.Snapshot
//	@Security		BearerAuth
//	@Router			/draft [get]
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	eng, err := h.drafts.Get(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, "get draft", err)
		return
	}
	writeJSON(w, http.StatusOK, eng.Snapshot())
}

// PutDraft handles PUT /api/draft.
//
//	@Summary		Replace the draft with a snapshot
//	@Tags			draft
//	@Accept			json
//	@Produce		json
//	@Param			body	body		timeline.Snapshot	true	"Snapshot to load"
//	@Success		200		{object}	timeline.Snapshot
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/draft [put]
func (h *Handler) PutDraft(w http.ResponseWriter, r *http.Request) {
	snap, ok := readSnapshot(w, r)
	if !ok {
		return
	}
	var out *timeline.Snapshot
	err := h.drafts.Update(r.Context(), userID(r), func(e *engine.Engine) error {
		if err := e.Load(snap); err != nil {
			return err
		}
		out = e.Snapshot()
		return nil
	})
	if err != nil {
		writeError(w, r, "load draft", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ResetDraft handles DELETE /api/draft.
//
//	@Summary		Clear the draft
//	@Tags			draft
//	@Success		204	"Draft cleared"
//	@Security		BearerAuth
//	@Router			/draft [delete]
func (h *Handler) ResetDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.drafts.Reset(r.Context(), userID(r)); err != nil {
		writeError(w, r, "reset draft", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenderDraft handles GET /api/draft/render.
//
//	@Summary		Render the draft
//	@Tags			draft
//	@Produce		plain
//	@Param			format	query		string	false	"Output format"	Enums(mermaid, outline)
//	@Success		200		{string}	string
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/draft/render [get]
func (h *Handler) RenderDraft(w http.ResponseWriter, r *http.Request) {
	eng, err := h.drafts.Get(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, "render draft", err)
		return
	}
	var out string
	eng.View(func(g *timeline.Graph) {
		out, err = g.Render(r.URL.Query().Get("format"))
	})
	if err != nil {
		writeError(w, r, "render draft", err)
		return
	}
	writeText(w, http.StatusOK, out)
}

// CreateDraftNode handles POST /api/draft/nodes.
//
//	@Summary		Add a node to the draft
//	@Description	Without a parentId the node becomes the root. A missing id is generated.
//	@Tags			draft
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNodeRequest	true	"Node to create"
//	@Success		201		{object}	timeline.Node
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/draft/nodes [post]
func (h *Handler) CreateDraftNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "create draft node", err)
		return
	}
	n := timeline.Node{
		ID:              req.ID,
		Title:           req.Title,
		Kind:            timeline.Kind(req.Kind),
		DefaultDuration: req.DefaultDuration,
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	var out timeline.Node
	err := h.drafts.Update(r.Context(), userID(r), func(e *engine.Engine) error {
		return e.Mutate(func(g *timeline.Graph) error {
			var err error
			if req.ParentID == "" {
				err = g.AddRoot(n)
			} else {
				err = g.AppendChild(req.ParentID, n)
			}
			if err != nil {
				return err
			}
			out, _ = g.Node(n.ID)
			return nil
		})
	})
	if err != nil {
		writeError(w, r, "create draft node", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// UpdateDraftNode handles PATCH /api/draft/nodes/{id}.
//
//	@Summary		Patch a draft node
//	@Tags			draft
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Node id"
//	@Param			body	body		UpdateNodeRequest	true	"Fields to change"
//	@Success		200		{object}	timeline.Node
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/draft/nodes/{id} [patch]
func (h *Handler) UpdateDraftNode(w http.ResponseWriter, r *http.Request) {
	var req UpdateNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "update draft node", err)
		return
	}
	id := chi.URLParam(r, "id")

	var out timeline.Node
	err := h.drafts.Update(r.Context(), userID(r), func(e *engine.Engine) error {
		return e.Mutate(func(g *timeline.Graph) error {
			if err := g.Update(id, req.Patch()); err != nil {
				return err
			}
			out, _ = g.Node(id)
			return nil
		})
	})
	if err != nil {
		writeError(w, r, "update draft node", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteDraftNode handles DELETE /api/draft/nodes/{id}.
//
//	@Summary		Delete a draft node
//	@Tags			draft
//	@Produce		json
//	@Param			id			path		string	true	"Node id"
//	@Param			strategy	query		string	false	"What happens to children"	Enums(forbid, cascade, reparent)
//	@Success		200			{object}	DeleteNodeResponse
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/draft/nodes/{id} [delete]
func (h *Handler) DeleteDraftNode(w http.ResponseWriter, r *http.Request) {
	strategy, err := timeline.ParseDeleteStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		writeError(w, r, "delete draft node", err)
		return
	}
	id := chi.URLParam(r, "id")

	var removed []string
	err = h.drafts.Update(r.Context(), userID(r), func(e *engine.Engine) error {
		return e.Mutate(func(g *timeline.Graph) error {
			var err error
			removed, err = g.Remove(id, strategy)
			return err
		})
	})
	if err != nil {
		writeError(w, r, "delete draft node", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteNodeResponse{Removed: removed})
}

// MigrateDraft handles POST /api/draft/migrate.
//
//	@Summary		Migrate the draft into the stored timeline
//	@Description	With clear=true the draft is reset after a successful migration.
//	@Tags			draft
//	@Produce		json
//	@Param			clear	query		bool	false	"Reset the draft afterwards"
//	@Success		200		{object}	migrate.Report
//	@Success		201		{object}	migrate.Report
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/draft/migrate [post]
func (h *Handler) MigrateDraft(w http.ResponseWriter, r *http.Request) {
	clearAfter, _ := strconv.ParseBool(r.URL.Query().Get("clear"))
	user := userID(r)

	eng, err := h.drafts.Get(r.Context(), user)
	if err != nil {
		writeError(w, r, "migrate draft", err)
		return
	}
	rep, err := h.nodes.Import(r.Context(), user, eng.Snapshot())
	if err != nil {
		writeError(w, r, "migrate draft", err)
		return
	}
	if clearAfter {
		if err := h.drafts.Reset(r.Context(), user); err != nil {
			writeError(w, r, "migrate draft", err)
			return
		}
	}
	status := http.StatusCreated
	if rep.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, rep)
}
