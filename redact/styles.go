package redact

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

func (r *Redactor) fillBox(dst *image.RGBA, area image.Rectangle) {
	draw.Draw(dst, area, image.NewUniform(r.fill), image.Point{}, draw.Src)
}

// blurSigma grows with the shorter side of the region so small text and
// large faces end up equally unreadable. strength 100 gives a sigma of half
// the shorter side.
func blurSigma(area image.Rectangle, strength int) float64 {
	shorter := float64(min(area.Dx(), area.Dy()))
	return math.Max(1, shorter*float64(strength)/200)
}

// blurBox blurs the region on its own, so pixels outside it neither bleed
// in nor get touched.
func (r *Redactor) blurBox(dst *image.RGBA, area image.Rectangle) {
	region := imaging.Crop(dst, area)
	sigma := blurSigma(area, r.blur)
	// two passes flatten the result enough that the clamped edges of a
	// small crop do not keep recognisable structure
	blurred := imaging.Blur(imaging.Blur(region, sigma), sigma)
	draw.Draw(dst, area, blurred, image.Point{}, draw.Src)
}

// pixelBlocks returns the block grid for area: blocks cells along the
// shorter side, proportionally many along the longer one.
func pixelBlocks(area image.Rectangle, blocks int) (int, int) {
	w, h := area.Dx(), area.Dy()
	shorter := min(w, h)
	if blocks > shorter {
		blocks = shorter
	}
	bw := max(1, int(math.Round(float64(w)*float64(blocks)/float64(shorter))))
	bh := max(1, int(math.Round(float64(h)*float64(blocks)/float64(shorter))))
	return min(bw, w), min(bh, h)
}

// pixelateBox averages the region into a coarse grid and scales it back up
// without interpolation.
func (r *Redactor) pixelateBox(dst *image.RGBA, area image.Rectangle) {
	bw, bh := pixelBlocks(area, r.blocks)
	small := imaging.Resize(imaging.Crop(dst, area), bw, bh, imaging.Box)
	draw.NearestNeighbor.Scale(dst, area, small, small.Bounds(), draw.Src, nil)
}
