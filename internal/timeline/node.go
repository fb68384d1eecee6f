// Package timeline holds the branching timeline graph: a tree of action and
// decision nodes, the walker that renders it, and its snapshot format.
package timeline

import (
	"fmt"
	"slices"

	"github.com/starford/guardian/internal/apperr"
)

// Kind distinguishes atomic steps from branch points.
type Kind string

// Node kinds.
const (
	KindAction   Kind = "action"
	KindDecision Kind = "decision"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAction || k == KindDecision
}

// Node is a single step of a timeline.
type Node struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Kind            Kind     `json:"kind"`
	Children        []string `json:"children,omitempty"`
	DefaultDuration *int64   `json:"defaultDuration,omitempty"` // milliseconds
	ChosenChildID   string   `json:"chosenChildId,omitempty"`
	ParentID        string   `json:"parentId,omitempty"`
}

// HasChild reports whether id is listed among n's children.
func (n Node) HasChild(id string) bool {
	return slices.Contains(n.Children, id)
}

// Duration returns the default duration in milliseconds, or zero when unset.
func (n Node) Duration() int64 {
	if n.DefaultDuration == nil {
		return 0
	}
	return *n.DefaultDuration
}

func (n Node) clone() Node {
	out := n
	if n.Children != nil {
		out.Children = slices.Clone(n.Children)
	}
	if n.DefaultDuration != nil {
		d := *n.DefaultDuration
		out.DefaultDuration = &d
	}
	return out
}

// Patch describes an in-place update. Nil fields are left untouched; an
// empty ChosenChildID clears the selection.
type Patch struct {
	Title           *string
	DefaultDuration *int64
	ClearDuration   bool
	ChosenChildID   *string
}

// DeleteStrategy decides what happens to the children of a removed node.
type DeleteStrategy string

// Delete strategies.
const (
	// DeleteForbid refuses to remove a node that still has children.
	DeleteForbid DeleteStrategy = "forbid"
	// DeleteCascade removes the whole subtree.
	DeleteCascade DeleteStrategy = "cascade"
	// DeleteReparent moves the children under the removed node's parent.
	DeleteReparent DeleteStrategy = "reparent"
)

// ParseDeleteStrategy maps an optional query value to a strategy. The empty
// string selects DeleteForbid.
func ParseDeleteStrategy(s string) (DeleteStrategy, error) {
	switch DeleteStrategy(s) {
	case "", DeleteForbid:
		return DeleteForbid, nil
	case DeleteCascade, DeleteReparent:
		return DeleteStrategy(s), nil
	default:
		return "", invalidf("unknown delete strategy %q", s)
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("timeline: "+format+": %w", append(args, apperr.ErrInvalid)...)
}

func notFound(id string) error {
	return fmt.Errorf("timeline: node %q: %w", id, apperr.ErrNotFound)
}
