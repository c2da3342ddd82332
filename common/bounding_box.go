package common

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
)

// Box is an axis-aligned bounding box in continuous pixel coordinates.
//
// (X1, Y1) is the top-left corner and (X2, Y2) the bottom-right corner. Unlike
// images.Rect the coordinates are not snapped to the pixel grid, so areas and
// overlaps are exact for sub-pixel detections.
type Box struct {
	X1 float32 `json:"x1" yaml:"x1"`
	Y1 float32 `json:"y1" yaml:"y1"`
	X2 float32 `json:"x2" yaml:"x2"`
	Y2 float32 `json:"y2" yaml:"y2"`
}

// NewBox builds a box from a four element [x1, y1, x2, y2] slice.
//
// Arguments:
//   - coords: The box coordinates.
//
// Returns:
//   - The box, or an error when coords does not hold exactly four values.
func NewBox(coords []float32) (Box, error) {
	if len(coords) != 4 {
		return Box{}, fmt.Errorf("box needs 4 coordinates, got %d", len(coords))
	}
	return Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}, nil
}

func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Width of the box. Degenerate boxes report zero.
func (b Box) Width() float32 {
	return math32.Max(0, b.X2-b.X1)
}

// Height of the box. Degenerate boxes report zero.
func (b Box) Height() float32 {
	return math32.Max(0, b.Y2-b.Y1)
}

// Area calculates the area covered by the box.
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Center returns the centre point of the box.
func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Intersection calculates the intersection area between two boxes.
//
// Arguments:
//   - other: The other box to intersect with.
//
// Returns:
//   - The overlapping area, zero when the boxes do not overlap.
//
// @example
// a := Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
// b := Box{X1: 50, Y1: 50, X2: 150, Y2: 150}
// area := a.Intersection(b) // 2500
func (b Box) Intersection(other Box) float32 {
	w := math32.Min(b.X2, other.X2) - math32.Max(b.X1, other.X1)
	h := math32.Min(b.Y2, other.Y2) - math32.Max(b.Y1, other.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU calculates the Intersection over Union between two boxes.
//
// Arguments:
//   - other: The other box to compare against.
//
// Returns:
//   - A value between 0 and 1. Two empty boxes have an IoU of zero.
//
// @example
// a := Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
// b := Box{X1: 50, Y1: 50, X2: 150, Y2: 150}
// iou := a.IoU(b) // ~0.143 (2500/17500)
func (b Box) IoU(other Box) float32 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IndexBounds returns integer bounds that fully contain the box. The bounds
// are rounded outwards so that a spatial index built from them reports a
// superset of the truly overlapping boxes.
func (b Box) IndexBounds() (int32, int32, int32, int32) {
	return int32(math.Floor(float64(b.X1))), int32(math.Floor(float64(b.Y1))),
		int32(math.Ceil(float64(b.X2))), int32(math.Ceil(float64(b.Y2)))
}

// IoUMatrix computes the pairwise IoU between two sets of boxes.
//
// Arguments:
//   - a: The first set of N boxes.
//   - b: The second set of M boxes.
//
// Returns:
//   - A row-major N×M slice where element [i*M+j] is IoU(a[i], b[j]).
func IoUMatrix(a, b []Box) []float32 {
	out := make([]float32, len(a)*len(b))
	for i := range a {
		for j := range b {
			out[i*len(b)+j] = a[i].IoU(b[j])
		}
	}
	return out
}

// ImageShape is the size of an input image in pixels.
type ImageShape struct {
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}
