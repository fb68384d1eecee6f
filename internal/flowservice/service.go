// Package flowservice manages process flows: free-form canvases of boxes and
// edges owned by a user, including drag-to-resize of individual boxes.
package flowservice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/canvas"
	"github.com/starford/guardian/internal/checksum"
	"github.com/starford/guardian/internal/store"
)

// Notifier receives change notifications. *sse.Broker satisfies it.
type Notifier interface {
	PublishUserEvent(userID, eventType string, data any)
}

// Node is one box on a flow canvas.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	canvas.Box
}

// Edge connects two boxes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Body is the editable content of a flow.
type Body struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Flow is a stored process flow.
type Flow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResizeResult reports the outcome of a replayed drag.
type ResizeResult struct {
	Flow    *Flow      `json:"flow"`
	Box     canvas.Box `json:"box"`
	Applied int        `json:"applied"`
}

// Service coordinates flow storage.
type Service struct {
	db     *store.DB
	floor  canvas.Size
	window time.Duration
	notify Notifier
}

// NewService creates a flow service. Zero floor or window select the canvas
// defaults; notify may be nil.
func NewService(db *store.DB, floor canvas.Size, window time.Duration, notify Notifier) *Service {
	if floor.Width <= 0 && floor.Height <= 0 {
		floor = canvas.DefaultMin
	}
	if window <= 0 {
		window = canvas.DefaultWindow
	}
	return &Service{db: db, floor: floor, window: window, notify: notify}
}

func (b *Body) validate(floor canvas.Size) error {
	seen := make(map[string]bool, len(b.Nodes))
	for i := range b.Nodes {
		n := &b.Nodes[i]
		err := validation.ValidateStruct(n,
			validation.Field(&n.ID, validation.Required, validation.Length(1, 128)),
			validation.Field(&n.Label, validation.Length(0, 500)),
		)
		if err != nil {
			return fmt.Errorf("flowservice: node %d: %v: %w", i, err, apperr.ErrInvalid)
		}
		if n.Width < floor.Width || n.Height < floor.Height {
			return fmt.Errorf("flowservice: node %q smaller than %vx%v: %w", n.ID, floor.Width, floor.Height, apperr.ErrInvalid)
		}
		if seen[n.ID] {
			return fmt.Errorf("flowservice: duplicate node %q: %w", n.ID, apperr.ErrInvalid)
		}
		seen[n.ID] = true
	}
	for _, e := range b.Edges {
		if !seen[e.From] || !seen[e.To] {
			return fmt.Errorf("flowservice: edge %s→%s references a missing node: %w", e.From, e.To, apperr.ErrInvalid)
		}
	}
	return nil
}

func encode(b Body) (string, string, error) {
	if b.Nodes == nil {
		b.Nodes = []Node{}
	}
	if b.Edges == nil {
		b.Edges = []Edge{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", "", fmt.Errorf("flowservice: encode: %w", err)
	}
	return string(data), checksum.Sum(data), nil
}

func decode(row *store.FlowRow) (*Flow, error) {
	f := &Flow{
		ID:        row.ID,
		Name:      row.Name,
		Checksum:  row.Checksum,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Body), &f.Body); err != nil {
		return nil, fmt.Errorf("flowservice: flow %q: corrupt body: %w", row.ID, err)
	}
	if f.Nodes == nil {
		f.Nodes = []Node{}
	}
	if f.Edges == nil {
		f.Edges = []Edge{}
	}
	return f, nil
}

func owned(ctx context.Context, r *store.Repo, userID, id string) (*store.FlowRow, error) {
	row, err := r.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.UserID != userID {
		return nil, fmt.Errorf("flowservice: flow %q: %w", id, apperr.ErrForbidden)
	}
	return row, nil
}

// List returns userID's flows, most recently updated first.
func (s *Service) List(ctx context.Context, userID string) ([]Flow, error) {
	rows, err := s.db.ListFlows(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Flow, 0, len(rows))
	for i := range rows {
		f, err := decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, nil
}

// Get returns one flow owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*Flow, error) {
	row, err := owned(ctx, &s.db.Repo, userID, id)
	if err != nil {
		return nil, err
	}
	return decode(row)
}

// Create stores a new flow.
func (s *Service) Create(ctx context.Context, userID, name string, body Body) (*Flow, error) {
	if name == "" {
		return nil, fmt.Errorf("flowservice: name is required: %w", apperr.ErrInvalid)
	}
	if err := body.validate(s.floor); err != nil {
		return nil, err
	}
	raw, sum, err := encode(body)
	if err != nil {
		return nil, err
	}
	row := &store.FlowRow{UserID: userID, Name: name, Body: raw, Checksum: sum}
	if err := s.db.InsertFlow(ctx, row); err != nil {
		return nil, err
	}
	s.publish(userID, "created", row.ID)
	return decode(row)
}

// Update replaces a flow's name and body. A non-empty ifMatch must equal
// the stored checksum.
func (s *Service) Update(ctx context.Context, userID, id, name string, body Body, ifMatch string) (*Flow, error) {
	if err := body.validate(s.floor); err != nil {
		return nil, err
	}
	var out *Flow
	err := s.db.WithTx(ctx, func(r *store.Repo) error {
		row, err := owned(ctx, r, userID, id)
		if err != nil {
			return err
		}
		if ifMatch != "" && ifMatch != row.Checksum {
			return fmt.Errorf("flowservice: flow %q changed: %w", id, apperr.ErrConflict)
		}
		if name != "" {
			row.Name = name
		}
		row.Body, row.Checksum, err = encode(body)
		if err != nil {
			return err
		}
		if err := r.UpdateFlow(ctx, row); err != nil {
			return err
		}
		out, err = decode(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(userID, "updated", id)
	return out, nil
}

// Delete removes a flow owned by userID.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	err := s.db.WithTx(ctx, func(r *store.Repo) error {
		if _, err := owned(ctx, r, userID, id); err != nil {
			return err
		}
		return r.DeleteFlow(ctx, id)
	})
	if err != nil {
		return err
	}
	s.publish(userID, "deleted", id)
	return nil
}

// ErrNodeNotFound is returned when a resize targets a box the flow does not
// contain.
var ErrNodeNotFound = fmt.Errorf("flowservice: flow node: %w", apperr.ErrNotFound)

// Resize replays a recorded drag on one box of a flow and stores the result.
func (s *Service) Resize(ctx context.Context, userID, flowID, nodeID string, drag canvas.Drag) (*ResizeResult, error) {
	var res *ResizeResult
	err := s.db.WithTx(ctx, func(r *store.Repo) error {
		row, err := owned(ctx, r, userID, flowID)
		if err != nil {
			return err
		}
		f, err := decode(row)
		if err != nil {
			return err
		}
		idx := -1
		for i, n := range f.Nodes {
			if n.ID == nodeID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNodeNotFound
		}

		box, applied, err := canvas.Replay(f.Nodes[idx].Box, drag, s.floor, s.window)
		if err != nil {
			return err
		}
		f.Nodes[idx].Box = box

		row.Body, row.Checksum, err = encode(f.Body)
		if err != nil {
			return err
		}
		if err := r.UpdateFlow(ctx, row); err != nil {
			return err
		}
		f, err = decode(row)
		if err != nil {
			return err
		}
		res = &ResizeResult{Flow: f, Box: box, Applied: applied}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(userID, "updated", flowID)
	return res, nil
}

func (s *Service) publish(userID, action, id string) {
	if s.notify != nil {
		s.notify.PublishUserEvent(userID, "flow."+action, map[string]string{"id": id})
	}
}
