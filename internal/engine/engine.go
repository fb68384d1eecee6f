// Package engine holds in-memory timeline graphs for user sessions.
//
// An Engine wraps exactly one graph and exposes load and reset operations; a
// Registry, created by the application's composition root, owns one Engine
// per session and persists each one through a snapstore.Store.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/starford/guardian/internal/timeline"
)

// Engine guards a single timeline graph.
type Engine struct {
	mu       sync.RWMutex
	graph    *timeline.Graph
	modified time.Time
	now      func() time.Time
}

// New returns an engine holding an empty graph.
func New() *Engine {
	return &Engine{graph: timeline.New(), now: time.Now}
}

// Load replaces the graph with the contents of s. The snapshot is validated
// first; on failure the error wraps apperr.ErrInvalid and the current graph
// is left untouched.
func (e *Engine) Load(s *timeline.Snapshot) error {
	g, err := timeline.FromSnapshot(s)
	if err != nil {
		return fmt.Errorf("engine: load: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = g
	if s != nil && s.LastModified > 0 {
		e.modified = s.ModifiedAt()
	} else {
		e.modified = e.now()
	}
	return nil
}

// LoadJSON decodes a snapshot and loads it.
func (e *Engine) LoadJSON(data []byte) error {
	s, err := timeline.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("engine: load: %w", err)
	}
	return e.Load(s)
}

// Reset clears the graph.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = timeline.New()
	e.modified = e.now()
}

// Snapshot captures the current graph stamped with its last modification.
func (e *Engine) Snapshot() *timeline.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.graph.Snapshot()
	if !e.modified.IsZero() {
		s.LastModified = e.modified.UnixMilli()
	}
	return s
}

// View runs fn with read access to the graph. fn must not retain g.
func (e *Engine) View(fn func(g *timeline.Graph)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.graph)
}

// Mutate runs fn with write access to the graph and stamps the modification
// time when fn succeeds.
func (e *Engine) Mutate(fn func(g *timeline.Graph) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.graph); err != nil {
		return err
	}
	e.modified = e.now()
	return nil
}

type checkpoint struct {
	graph    *timeline.Graph
	modified time.Time
}

func (e *Engine) checkpoint() checkpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return checkpoint{graph: e.graph.Clone(), modified: e.modified}
}

func (e *Engine) restore(c checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = c.graph
	e.modified = c.modified
}

// Len returns the number of nodes in the graph.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph.Len()
}
