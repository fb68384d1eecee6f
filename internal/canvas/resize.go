// Package canvas turns pointer drags on process flow nodes into box sizes.
package canvas

import (
	"fmt"
	"strings"

	"github.com/starford/guardian/internal/apperr"
)

// Corner names the handle being dragged: an edge or a corner of the box.
type Corner string

// Handles.
const (
	North     Corner = "n"
	South     Corner = "s"
	East      Corner = "e"
	West      Corner = "w"
	NorthEast Corner = "ne"
	NorthWest Corner = "nw"
	SouthEast Corner = "se"
	SouthWest Corner = "sw"
)

// ParseCorner accepts the short handle names, case-insensitively.
func ParseCorner(s string) (Corner, error) {
	c := Corner(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case North, South, East, West, NorthEast, NorthWest, SouthEast, SouthWest:
		return c, nil
	}
	return "", fmt.Errorf("canvas: unknown handle %q: %w", s, apperr.ErrInvalid)
}

func (c Corner) north() bool { return strings.Contains(string(c), "n") }
func (c Corner) south() bool { return strings.Contains(string(c), "s") }
func (c Corner) east() bool  { return strings.Contains(string(c), "e") }
func (c Corner) west() bool  { return strings.Contains(string(c), "w") }

// Point is a pointer position in canvas coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is a node's bounding box. X and Y are the top-left corner.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Size is a width and height pair used for minimum dimensions.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DefaultMin is the smallest box a drag can produce.
var DefaultMin = Size{Width: 80, Height: 40}

// Resize applies a pointer delta to start for the given handle. Dragging a
// north or west handle grows the box when the pointer moves up or left, and
// the opposite edge stays where it was. Width and height never drop below
// floor.
func Resize(c Corner, start Box, dx, dy float64, floor Size) Box {
	out := start
	switch {
	case c.east():
		out.Width = max(start.Width+dx, floor.Width)
	case c.west():
		out.Width = max(start.Width-dx, floor.Width)
		out.X = start.X + start.Width - out.Width
	}
	switch {
	case c.south():
		out.Height = max(start.Height+dy, floor.Height)
	case c.north():
		out.Height = max(start.Height-dy, floor.Height)
		out.Y = start.Y + start.Height - out.Height
	}
	return out
}
