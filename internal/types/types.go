package types

import (
	"image"
	"strings"
)

// UnknownLabel is drawn on any face that is neither recognized this frame nor covered by a recent confirmation.
const UnknownLabel = "Unknown"

// BoundingBox is a face location in original-frame pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Area returns width*height, or 0 for degenerate boxes.
func (b BoundingBox) Area() int {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// FromRect builds a BoundingBox from an image.Rectangle.
func FromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Overlay is what the renderer draws for one detected face.
type Overlay struct {
	Box   BoundingBox
	Label string
	// Matched is true whenever Label names an enrolled identity.
	Matched bool
	// Smoothed is true when Label came from the tracker rather than this frame's recognition.
	Smoothed bool
}

// Caption is the text drawn above the box.
func (o Overlay) Caption() string {
	return strings.ToUpper(o.Label)
}

// Unscale maps a rectangle found on a frame resized by factor back to original-frame coordinates,
// clipped to bounds.
func Unscale(r image.Rectangle, factor float64, bounds image.Rectangle) BoundingBox {
	if factor <= 0 {
		factor = 1
	}
	up := image.Rect(
		int(float64(r.Min.X)/factor),
		int(float64(r.Min.Y)/factor),
		int(float64(r.Max.X)/factor),
		int(float64(r.Max.Y)/factor),
	)
	return FromRect(up.Intersect(bounds))
}
