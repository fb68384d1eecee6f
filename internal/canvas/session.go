package canvas

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/starford/guardian/internal/apperr"
)

// DefaultWindow limits a session to roughly 60 applied moves per second.
const DefaultWindow = 16 * time.Millisecond

// ErrNoDrag is returned by End when no drag is in progress.
var ErrNoDrag = errors.New("canvas: no drag in progress")

// Session tracks one drag from pointer-down to pointer-up.
//
// Moves are throttled by their event time: Move applies at most one update
// per window. A suppressed move is remembered, and End applies it even when
// the window has not elapsed, so the final box always matches the last
// pointer position. That flush is the only update outside the throttle.
// Session is safe for concurrent use; onUpdate runs under the session lock
// and must not call back into the session.
type Session struct {
	mu sync.Mutex

	floor    Size
	window   time.Duration
	onUpdate func(Box)

	active    bool
	corner    Corner
	origin    Point
	start     Box
	current   Box
	lastApply time.Time
	pending   *Point
	applied   int
}

// NewSession creates an idle session. Zero values select DefaultMin and
// DefaultWindow; onUpdate may be nil.
func NewSession(floor Size, window time.Duration, onUpdate func(Box)) *Session {
	if floor.Width <= 0 && floor.Height <= 0 {
		floor = DefaultMin
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Session{floor: floor, window: window, onUpdate: onUpdate}
}

// Begin captures the pointer position and the box being resized.
func (s *Session) Begin(c Corner, at Point, box Box) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return fmt.Errorf("canvas: drag already in progress: %w", apperr.ErrConflict)
	}
	s.active = true
	s.corner = c
	s.origin = at
	s.start = box
	s.current = box
	s.lastApply = time.Time{}
	s.pending = nil
	s.applied = 0
	return nil
}

// Move offers a pointer position observed at the given time. It reports
// whether the move was applied; a move inside the current window is held
// back instead.
func (s *Session) Move(p Point, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	if !s.lastApply.IsZero() && at.Sub(s.lastApply) < s.window {
		s.pending = &p
		return false
	}
	s.lastApply = at
	s.apply(p)
	return true
}

func (s *Session) apply(p Point) {
	s.pending = nil
	s.current = Resize(s.corner, s.start, p.X-s.origin.X, p.Y-s.origin.Y, s.floor)
	s.applied++
	if s.onUpdate != nil {
		s.onUpdate(s.current)
	}
}

// End applies any held back move without waiting for the window and
// detaches the session. It returns the final box.
func (s *Session) End() (Box, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return Box{}, ErrNoDrag
	}
	if s.pending != nil {
		s.apply(*s.pending)
	}
	s.active = false
	return s.current, nil
}

// Box returns the most recently applied box.
func (s *Session) Box() Box {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Applied returns how many updates the current or last drag applied.
func (s *Session) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Move is one recorded pointer sample of a drag, offset from the drag start
// in milliseconds.
type Move struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	At int64   `json:"at"`
}

// Drag is a recorded pointer stream for one handle.
type Drag struct {
	Handle string `json:"handle"`
	Start  Point  `json:"start"`
	Moves  []Move `json:"moves"`
}

// Replay runs d against box through a throttled session and returns the
// final box together with the number of updates that were applied.
func Replay(box Box, d Drag, floor Size, window time.Duration) (Box, int, error) {
	c, err := ParseCorner(d.Handle)
	if err != nil {
		return Box{}, 0, err
	}
	s := NewSession(floor, window, nil)
	if err := s.Begin(c, d.Start, box); err != nil {
		return Box{}, 0, err
	}
	base := time.Unix(0, 0)
	for _, m := range d.Moves {
		s.Move(Point{X: m.X, Y: m.Y}, base.Add(time.Duration(m.At)*time.Millisecond))
	}
	out, err := s.End()
	if err != nil {
		return Box{}, 0, err
	}
	return out, s.Applied(), nil
}
