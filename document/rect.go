package document

import (
	"fmt"
	"image"
	"math"
)

// Rect is an axis-aligned box. X0/Y0 is always the smaller corner; which
// corner that is visually depends on the coordinate space it lives in.
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// NewRect builds a normalized Rect from two arbitrary corners.
func NewRect(ax, ay, bx, by float64) Rect {
	return Rect{
		X0: math.Min(ax, bx),
		Y0: math.Min(ay, by),
		X1: math.Max(ax, bx),
		Y1: math.Max(ay, by),
	}
}

// RectFromImage converts an integer pixel rectangle.
func RectFromImage(r image.Rectangle) Rect {
	return Rect{X0: float64(r.Min.X), Y0: float64(r.Min.Y), X1: float64(r.Max.X), Y1: float64(r.Max.Y)}
}

func (r Rect) Width() float64  { return r.X1 - r.X0 }
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

// Area is zero for empty or inverted rects.
func (r Rect) Area() float64 {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Empty reports whether the rect encloses no area.
func (r Rect) Empty() bool {
	return r.X1 <= r.X0 || r.Y1 <= r.Y0
}

// Intersect returns the overlap of r and o, or the zero Rect.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		X0: math.Max(r.X0, o.X0),
		Y0: math.Max(r.Y0, o.Y0),
		X1: math.Min(r.X1, o.X1),
		Y1: math.Min(r.Y1, o.Y1),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// Union returns the minimum rectangle enclosing both r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rect{
		X0: math.Min(r.X0, o.X0),
		Y0: math.Min(r.Y0, o.Y0),
		X1: math.Max(r.X1, o.X1),
		Y1: math.Max(r.Y1, o.Y1),
	}
}

// IoU is the intersection-over-union ratio of r and o in [0,1].
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Pad grows the rect by margin on every side.
func (r Rect) Pad(margin float64) Rect {
	return Rect{X0: r.X0 - margin, Y0: r.Y0 - margin, X1: r.X1 + margin, Y1: r.Y1 + margin}
}

// PadRatio grows the rect by ratio times its shorter side.
func (r Rect) PadRatio(ratio float64) Rect {
	return r.Pad(ratio * math.Min(r.Width(), r.Height()))
}

// Clip limits the rect to [0,w)x[0,h).
func (r Rect) Clip(w, h float64) Rect {
	return r.Intersect(Rect{X1: w, Y1: h})
}

// Pixels converts to the smallest integer rectangle that covers r.
func (r Rect) Pixels() image.Rectangle {
	return image.Rect(
		int(math.Floor(r.X0)),
		int(math.Floor(r.Y0)),
		int(math.Ceil(r.X1)),
		int(math.Ceil(r.Y1)),
	)
}

func (r Rect) String() string {
	return fmt.Sprintf("[%.1f,%.1f %.1f,%.1f]", r.X0, r.Y0, r.X1, r.Y1)
}
