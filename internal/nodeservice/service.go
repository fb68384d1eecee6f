// Package nodeservice coordinates the stored timeline of each user: graph
// reads, node mutations, and snapshot imports.
package nodeservice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/checksum"
	"github.com/starford/guardian/internal/migrate"
	"github.com/starford/guardian/internal/store"
	"github.com/starford/guardian/internal/timeline"
)

// Notifier receives change notifications. *sse.Broker satisfies it.
type Notifier interface {
	PublishNodeEvent(kind, userID, nodeID string)
	PublishUserEvent(userID, eventType string, data any)
}

// NodeDetail is a stored node together with its concurrency token.
type NodeDetail struct {
	timeline.Node
	Position  int       `json:"position"`
	Detached  bool      `json:"detached,omitempty"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TimelineView is the stored timeline of one user. Orphans are nodes a
// migration could not attach to the tree.
type TimelineView struct {
	timeline.Snapshot
	Orphans []timeline.Node `json:"orphans"`
}

// CreateInput describes a new node. An empty ParentID creates the root.
type CreateInput struct {
	ParentID        string
	Title           string
	Kind            timeline.Kind
	DefaultDuration *int64
}

// Service coordinates node storage and migrations.
type Service struct {
	db       *store.DB
	migrator *migrate.Migrator
	notify   Notifier
}

// NewService creates a new node service. notify may be nil.
func NewService(db *store.DB, migrator *migrate.Migrator, notify Notifier) *Service {
	return &Service{db: db, migrator: migrator, notify: notify}
}

// Graph loads the attached part of userID's timeline.
func (s *Service) Graph(ctx context.Context, userID string) (*timeline.Graph, error) {
	v, err := s.Timeline(ctx, userID)
	if err != nil {
		return nil, err
	}
	return timeline.FromSnapshot(&v.Snapshot)
}

// Timeline returns the stored graph of userID plus any orphaned nodes.
func (s *Service) Timeline(ctx context.Context, userID string) (*TimelineView, error) {
	rows, err := s.db.ListNodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	return buildView(rows), nil
}

// buildView assembles rows, already in sibling order, into a snapshot.
// Only nodes reachable from the root are part of the graph.
func buildView(rows []store.NodeRow) *TimelineView {
	nodes := make(map[string]timeline.Node, len(rows))
	children := make(map[string][]string)
	var (
		root     string
		modified time.Time
	)
	for _, row := range rows {
		nodes[row.ID] = toNode(row)
		if row.ParentID != nil {
			children[*row.ParentID] = append(children[*row.ParentID], row.ID)
		} else if !row.Detached && root == "" {
			root = row.ID
		}
		if row.UpdatedAt.After(modified) {
			modified = row.UpdatedAt
		}
	}

	v := &TimelineView{
		Snapshot: timeline.Snapshot{Nodes: make(map[string]timeline.Node), RootID: root},
		Orphans:  []timeline.Node{},
	}
	if !modified.IsZero() {
		v.LastModified = modified.UnixMilli()
	}

	attached := make(map[string]bool)
	if root != "" {
		queue := []string{root}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if attached[id] {
				continue
			}
			attached[id] = true
			n := nodes[id]
			n.Children = children[id]
			v.Nodes[id] = n
			queue = append(queue, children[id]...)
		}
	}
	for _, row := range rows {
		if row.ParentID == nil && row.Detached {
			n := nodes[row.ID]
			n.Children = children[row.ID]
			v.Orphans = append(v.Orphans, n)
		}
	}
	return v
}

func toNode(row store.NodeRow) timeline.Node {
	n := timeline.Node{
		ID:              row.ID,
		Title:           row.Title,
		Kind:            timeline.Kind(row.Kind),
		DefaultDuration: row.DefaultDurationMs,
	}
	if row.ParentID != nil {
		n.ParentID = *row.ParentID
	}
	if row.ChosenChildID != nil {
		n.ChosenChildID = *row.ChosenChildID
	}
	return n
}

// Render returns the attached timeline as Mermaid flowchart markup, or as
// an indented outline when format is "outline".
func (s *Service) Render(ctx context.Context, userID, format string) (string, error) {
	g, err := s.Graph(ctx, userID)
	if err != nil {
		return "", err
	}
	return g.Render(format)
}

// ActivePath returns the nodes on the selected branch and their total
// default duration in milliseconds.
func (s *Service) ActivePath(ctx context.Context, userID string) ([]timeline.Node, int64, error) {
	g, err := s.Graph(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return g.ActivePath(), g.ActiveDuration(), nil
}

// owned loads a node and checks that userID owns it.
func owned(ctx context.Context, r *store.Repo, userID, id string) (*store.NodeRow, error) {
	row, err := r.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.UserID != userID {
		return nil, fmt.Errorf("nodeservice: node %q: %w", id, apperr.ErrForbidden)
	}
	return row, nil
}

func detail(ctx context.Context, r *store.Repo, row *store.NodeRow) (*NodeDetail, error) {
	kids, err := r.ChildIDs(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	n := toNode(*row)
	n.Children = kids
	cs, err := checksum.JSON(n)
	if err != nil {
		return nil, err
	}
	return &NodeDetail{
		Node:      n,
		Position:  row.Position,
		Detached:  row.Detached,
		Checksum:  cs,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// GetNode returns a single node owned by userID.
func (s *Service) GetNode(ctx context.Context, userID, id string) (*NodeDetail, error) {
	row, err := owned(ctx, &s.db.Repo, userID, id)
	if err != nil {
		return nil, err
	}
	return detail(ctx, &s.db.Repo, row)
}

// CreateNode adds the root (no parent) or appends a last child.
func (s *Service) CreateNode(ctx context.Context, userID string, in CreateInput) (*NodeDetail, error) {
	if in.Kind == "" {
		in.Kind = timeline.KindAction
	}
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("nodeservice: unknown kind %q: %w", in.Kind, apperr.ErrInvalid)
	}
	if in.DefaultDuration != nil && *in.DefaultDuration < 0 {
		return nil, fmt.Errorf("nodeservice: negative duration: %w", apperr.ErrInvalid)
	}

	var out *NodeDetail
	err := s.db.WithTx(ctx, func(r *store.Repo) error {
		row := &store.NodeRow{
			UserID:            userID,
			Title:             in.Title,
			Kind:              string(in.Kind),
			DefaultDurationMs: in.DefaultDuration,
		}
		if in.ParentID == "" {
			if err := r.LockUser(ctx, userID); err != nil {
				return err
			}
			_, err := r.RootNode(ctx, userID)
			if err == nil {
				return fmt.Errorf("nodeservice: timeline already has a root: %w", apperr.ErrAlreadyExists)
			}
			if !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
		} else {
			parent, err := owned(ctx, r, userID, in.ParentID)
			if err != nil {
				return err
			}
			if parent.Detached {
				return fmt.Errorf("nodeservice: parent %q is detached: %w", parent.ID, apperr.ErrConflict)
			}
			pos, err := r.NextPosition(ctx, parent.ID)
			if err != nil {
				return err
			}
			row.ParentID = &parent.ID
			row.Position = pos
		}
		if err := r.InsertNode(ctx, row); err != nil {
			return err
		}
		var err error
		out, err = detail(ctx, r, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishNode("created", userID, out.ID)
	return out, nil
}

// UpdateNode applies p to a node. A non-empty ifMatch must equal the node's
// current checksum.
func (s *Service) UpdateNode(ctx context.Context, userID, id string, p timeline.Patch, ifMatch string) (*NodeDetail, error) {
	var out *NodeDetail
	err := s.db.WithTx(ctx, func(r *store.Repo) error {
		row, err := owned(ctx, r, userID, id)
		if err != nil {
			return err
		}
		cur, err := detail(ctx, r, row)
		if err != nil {
			return err
		}
		if ifMatch != "" && ifMatch != cur.Checksum {
			return fmt.Errorf("nodeservice: node %q changed: %w", id, apperr.ErrConflict)
		}

		if p.Title != nil {
			row.Title = *p.Title
		}
		switch {
		case p.ClearDuration:
			row.DefaultDurationMs = nil
		case p.DefaultDuration != nil:
			if *p.DefaultDuration < 0 {
				return fmt.Errorf("nodeservice: negative duration: %w", apperr.ErrInvalid)
			}
			d := *p.DefaultDuration
			row.DefaultDurationMs = &d
		}
		if p.ChosenChildID != nil {
			chosen := *p.ChosenChildID
			switch {
			case chosen == "":
				row.ChosenChildID = nil
			case row.Kind != string(timeline.KindDecision):
				return fmt.Errorf("nodeservice: %q is not a decision: %w", id, apperr.ErrInvalid)
			case !slices.Contains(cur.Children, chosen):
				return fmt.Errorf("nodeservice: %q is not a child of %q: %w", chosen, id, apperr.ErrInvalid)
			default:
				row.ChosenChildID = &chosen
			}
		}

		if err := r.UpdateNode(ctx, row); err != nil {
			return err
		}
		out, err = detail(ctx, r, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishNode("updated", userID, id)
	return out, nil
}

// DeleteNode removes a node according to strategy and returns the ids of
// every removed node.
func (s *Service) DeleteNode(ctx context.Context, userID, id string, strategy timeline.DeleteStrategy) ([]string, error) {
	var removed []string
	err := s.db.WithTx(ctx, func(r *store.Repo) error {
		row, err := owned(ctx, r, userID, id)
		if err != nil {
			return err
		}
		kids, err := r.ChildIDs(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case len(kids) == 0:
			removed = []string{id}
		case strategy == timeline.DeleteCascade:
			removed, err = subtree(ctx, r, id)
			if err != nil {
				return err
			}
		case strategy == timeline.DeleteReparent:
			if row.ParentID == nil {
				return fmt.Errorf("nodeservice: cannot reparent children of a root: %w", apperr.ErrConflict)
			}
			if err := reparent(ctx, r, *row.ParentID, id, kids); err != nil {
				return err
			}
			removed = []string{id}
		default:
			return fmt.Errorf("nodeservice: node %q has %d children: %w", id, len(kids), apperr.ErrConflict)
		}

		// Leaves first so parent references never dangle.
		for i := len(removed) - 1; i >= 0; i-- {
			if err := r.DeleteNode(ctx, removed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, rid := range removed {
		s.publishNode("deleted", userID, rid)
	}
	return removed, nil
}

// subtree lists id and its descendants, parents before children.
func subtree(ctx context.Context, r *store.Repo, id string) ([]string, error) {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		kids, err := r.ChildIDs(ctx, out[i])
		if err != nil {
			return nil, err
		}
		out = append(out, kids...)
	}
	return out, nil
}

// reparent moves kids under parentID in the slot id occupied.
func reparent(ctx context.Context, r *store.Repo, parentID, id string, kids []string) error {
	siblings, err := r.ChildIDs(ctx, parentID)
	if err != nil {
		return err
	}
	i := slices.Index(siblings, id)
	if i < 0 {
		return fmt.Errorf("nodeservice: %q missing from its parent: %w", id, apperr.ErrConflict)
	}
	order := slices.Concat(siblings[:i], kids, siblings[i+1:])
	for pos, sib := range order {
		if err := r.SetParent(ctx, sib, &parentID, pos); err != nil {
			return err
		}
	}
	return nil
}

// Import migrates a snapshot into userID's stored timeline.
func (s *Service) Import(ctx context.Context, userID string, snap *timeline.Snapshot) (*migrate.Report, error) {
	rep, err := s.migrator.Run(ctx, userID, snap)
	if err != nil {
		return nil, err
	}
	if s.notify != nil && !rep.Replayed {
		s.notify.PublishUserEvent(userID, "timeline.migrated", map[string]any{
			"migrationId": rep.MigrationID,
			"inserted":    rep.Inserted,
			"orphans":     len(rep.Orphans),
		})
	}
	return rep, nil
}

func (s *Service) publishNode(kind, userID, id string) {
	if s.notify != nil {
		s.notify.PublishNodeEvent(kind, userID, id)
	}
}
