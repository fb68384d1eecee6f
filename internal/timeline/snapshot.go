package timeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/guardian/internal/apperr"
)

// Snapshot is the self-contained serialized form of a graph.
type Snapshot struct {
	Nodes        map[string]Node `json:"nodes"`
	RootID       string          `json:"rootId"`
	LastModified int64           `json:"lastModified"` // Unix milliseconds
}

// ModifiedAt returns LastModified as a time.
func (s *Snapshot) ModifiedAt() time.Time {
	return time.UnixMilli(s.LastModified)
}

// DecodeSnapshot parses a snapshot without enforcing graph invariants.
// Entries without an id take their map key.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("timeline: decode snapshot: %v: %w", err, apperr.ErrInvalid)
	}
	if s.Nodes == nil {
		s.Nodes = make(map[string]Node)
	}
	for key, n := range s.Nodes {
		if n.ID == "" {
			n.ID = key
			s.Nodes[key] = n
		}
	}
	return &s, nil
}

// Encode returns the JSON form of s.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("timeline: encode snapshot: %w", err)
	}
	return data, nil
}

// FromSnapshot builds a graph from s and validates it.
func FromSnapshot(s *Snapshot) (*Graph, error) {
	g := New()
	if s == nil {
		return g, nil
	}
	for key, n := range s.Nodes {
		c := n.clone()
		if c.Kind == "" {
			c.Kind = KindAction
		}
		g.nodes[key] = &c
	}
	g.rootID = s.RootID
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Snapshot captures the graph. LastModified is left for the caller to stamp.
func (g *Graph) Snapshot() *Snapshot {
	return &Snapshot{
		Nodes:  g.Nodes(),
		RootID: g.rootID,
	}
}
