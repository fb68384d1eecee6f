package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/guardian/internal/auth"
)

// Auth selects how callers are identified. A nil Verifier disables
// authentication and attributes every request to LocalUser.
type Auth struct {
	Verifier  auth.Verifier
	LocalUser string
}

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, a Auth, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Middleware(a.Verifier, a.LocalUser))
	r.Use(requireUser)

	// Stored timeline.
	r.Route("/timeline", func(r chi.Router) {
		r.Get("/", h.Timeline)
		r.Get("/render", h.RenderTimeline)
		r.Get("/active-path", h.ActivePath)
		r.Post("/import", h.ImportTimeline)
		r.Post("/nodes", h.CreateNode)
		r.Get("/nodes/{id}", h.GetNode)
		r.Patch("/nodes/{id}", h.UpdateNode)
		r.Delete("/nodes/{id}", h.DeleteNode)
	})

	// In-memory draft of the caller.
	r.Route("/draft", func(r chi.Router) {
		r.Get("/", h.GetDraft)
		r.Put("/", h.PutDraft)
		r.Delete("/", h.ResetDraft)
		r.Get("/render", h.RenderDraft)
		r.Post("/migrate", h.MigrateDraft)
		r.Post("/nodes", h.CreateDraftNode)
		r.Patch("/nodes/{id}", h.UpdateDraftNode)
		r.Delete("/nodes/{id}", h.DeleteDraftNode)
	})

	// Process flows.
	r.Route("/flows", func(r chi.Router) {
		r.Get("/", h.ListFlows)
		r.Post("/", h.CreateFlow)
		r.Get("/{id}", h.GetFlow)
		r.Put("/{id}", h.UpdateFlow)
		r.Delete("/{id}", h.DeleteFlow)
		r.Post("/{id}/nodes/{nodeId}/resize", h.ResizeFlowNode)
	})

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
