package timeline

import (
	"fmt"
	"maps"
	"slices"

	"github.com/starford/guardian/internal/apperr"
)

// Graph maps node identifiers to nodes and designates a root.
//
// Graph is not safe for concurrent use; engine.Engine serialises access.
type Graph struct {
	nodes  map[string]*Node
	rootID string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// RootID returns the root identifier, or "" for an empty graph.
func (g *Graph) RootID() string { return g.rootID }

// Len returns the number of stored nodes, reachable or not.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Nodes returns a copy of every stored node keyed by id.
func (g *Graph) Nodes() map[string]Node {
	out := make(map[string]Node, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n.clone()
	}
	return out
}

// Clone returns a deep copy of g.
func (g *Graph) Clone() *Graph {
	out := &Graph{nodes: make(map[string]*Node, len(g.nodes)), rootID: g.rootID}
	for id, n := range g.nodes {
		c := n.clone()
		out.nodes[id] = &c
	}
	return out
}

// IDs returns the stored identifiers in sorted order.
func (g *Graph) IDs() []string {
	return slices.Sorted(maps.Keys(g.nodes))
}

// AddRoot stores n as the root. It fails when the graph already has one.
func (g *Graph) AddRoot(n Node) error {
	if g.rootID != "" {
		return fmt.Errorf("timeline: root %q: %w", g.rootID, apperr.ErrAlreadyExists)
	}
	if err := g.checkNew(n); err != nil {
		return err
	}
	n = n.clone()
	n.ParentID = ""
	n.Children = nil
	n.ChosenChildID = ""
	g.nodes[n.ID] = &n
	g.rootID = n.ID
	return nil
}

// AppendChild stores n as the last child of parentID.
func (g *Graph) AppendChild(parentID string, n Node) error {
	parent, ok := g.nodes[parentID]
	if !ok {
		return notFound(parentID)
	}
	if err := g.checkNew(n); err != nil {
		return err
	}
	n = n.clone()
	n.ParentID = parentID
	n.Children = nil
	n.ChosenChildID = ""
	g.nodes[n.ID] = &n
	parent.Children = append(parent.Children, n.ID)
	return nil
}

func (g *Graph) checkNew(n Node) error {
	if n.ID == "" {
		return invalidf("node id is required")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("timeline: node %q: %w", n.ID, apperr.ErrAlreadyExists)
	}
	if !n.Kind.Valid() {
		return invalidf("node %q has unknown kind %q", n.ID, n.Kind)
	}
	if n.DefaultDuration != nil && *n.DefaultDuration < 0 {
		return invalidf("node %q has negative duration", n.ID)
	}
	return nil
}

// Update applies p to the node with the given id.
func (g *Graph) Update(id string, p Patch) error {
	n, ok := g.nodes[id]
	if !ok {
		return notFound(id)
	}
	if p.DefaultDuration != nil && *p.DefaultDuration < 0 {
		return invalidf("node %q: negative duration", id)
	}
	if p.ChosenChildID != nil && *p.ChosenChildID != "" {
		if n.Kind != KindDecision {
			return invalidf("node %q is not a decision", id)
		}
		if !n.HasChild(*p.ChosenChildID) {
			return invalidf("node %q has no child %q", id, *p.ChosenChildID)
		}
	}

	if p.Title != nil {
		n.Title = *p.Title
	}
	switch {
	case p.ClearDuration:
		n.DefaultDuration = nil
	case p.DefaultDuration != nil:
		d := *p.DefaultDuration
		n.DefaultDuration = &d
	}
	if p.ChosenChildID != nil {
		n.ChosenChildID = *p.ChosenChildID
	}
	return nil
}

// Remove deletes the node with the given id and returns the identifiers that
// left the graph. Children are handled according to strategy.
func (g *Graph) Remove(id string, strategy DeleteStrategy) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, notFound(id)
	}

	switch strategy {
	case DeleteForbid, "":
		if len(n.Children) > 0 {
			return nil, fmt.Errorf("timeline: node %q has %d children: %w", id, len(n.Children), apperr.ErrConflict)
		}
		g.detach(n)
		delete(g.nodes, id)
		return []string{id}, nil

	case DeleteCascade:
		var removed []string
		g.walkFrom(id, make(map[string]struct{}), 0, func(c Node, _ int) {
			removed = append(removed, c.ID)
		})
		g.detach(n)
		for _, r := range removed {
			delete(g.nodes, r)
		}
		return removed, nil

	case DeleteReparent:
		if n.ParentID == "" {
			if len(n.Children) > 0 {
				return nil, fmt.Errorf("timeline: root %q cannot hand its children to a parent: %w", id, apperr.ErrConflict)
			}
			g.detach(n)
			delete(g.nodes, id)
			return []string{id}, nil
		}
		parent, ok := g.nodes[n.ParentID]
		if !ok {
			return nil, invalidf("node %q has missing parent %q", id, n.ParentID)
		}
		for _, c := range n.Children {
			if child, ok := g.nodes[c]; ok {
				child.ParentID = parent.ID
			}
		}
		at := slices.Index(parent.Children, id)
		if at < 0 {
			at = len(parent.Children)
		} else {
			parent.Children = slices.Delete(parent.Children, at, at+1)
		}
		parent.Children = slices.Insert(parent.Children, at, n.Children...)
		if parent.ChosenChildID == id {
			parent.ChosenChildID = ""
		}
		delete(g.nodes, id)
		return []string{id}, nil

	default:
		return nil, invalidf("unknown delete strategy %q", strategy)
	}
}

// detach unlinks n from its parent, or clears the root when n is the root.
func (g *Graph) detach(n *Node) {
	if n.ID == g.rootID {
		g.rootID = ""
		return
	}
	parent, ok := g.nodes[n.ParentID]
	if !ok {
		return
	}
	if at := slices.Index(parent.Children, n.ID); at >= 0 {
		parent.Children = slices.Delete(parent.Children, at, at+1)
	}
	if parent.ChosenChildID == n.ID {
		parent.ChosenChildID = ""
	}
}

// Validate checks the structural invariants: a single root from which every
// node is reachable exactly once, resolvable child references, consistent
// parent back-references, and chosen children drawn from the child list.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		if g.rootID != "" {
			return invalidf("root %q is missing", g.rootID)
		}
		return nil
	}
	root, ok := g.nodes[g.rootID]
	if !ok {
		return invalidf("root %q is missing", g.rootID)
	}
	if root.ParentID != "" {
		return invalidf("root %q has parent %q", root.ID, root.ParentID)
	}

	owner := make(map[string]string, len(g.nodes))
	for _, id := range g.IDs() {
		n := g.nodes[id]
		if n.ID != id {
			return invalidf("node keyed %q carries id %q", id, n.ID)
		}
		if !n.Kind.Valid() {
			return invalidf("node %q has unknown kind %q", id, n.Kind)
		}
		if n.DefaultDuration != nil && *n.DefaultDuration < 0 {
			return invalidf("node %q has negative duration", id)
		}
		if n.ParentID == "" && id != g.rootID {
			return invalidf("node %q has no parent but is not the root", id)
		}
		if n.ChosenChildID != "" {
			if n.Kind != KindDecision {
				return invalidf("action node %q has a chosen child", id)
			}
			if !n.HasChild(n.ChosenChildID) {
				return invalidf("node %q chose %q which is not its child", id, n.ChosenChildID)
			}
		}
		for _, c := range n.Children {
			child, ok := g.nodes[c]
			if !ok {
				return invalidf("node %q references missing child %q", id, c)
			}
			if prev, dup := owner[c]; dup {
				return invalidf("node %q is a child of both %q and %q", c, prev, id)
			}
			owner[c] = id
			if child.ParentID != id {
				return invalidf("node %q lists child %q whose parent is %q", id, c, child.ParentID)
			}
		}
	}

	if reached := len(g.Reachable()); reached != len(g.nodes) {
		return invalidf("%d of %d nodes are unreachable from root", len(g.nodes)-reached, len(g.nodes))
	}
	return nil
}
