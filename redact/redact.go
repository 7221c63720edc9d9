// Package redact paints merged regions over a copy of a page raster.
package redact

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
)

// Reasons recorded for regions that could not be painted.
const (
	ReasonOutsideRaster = "outside page raster"
	ReasonEmptyRegion   = "empty region"
)

// Redactor applies one run's redaction style. It keeps no state between
// pages and is safe for concurrent use.
type Redactor struct {
	style   config.RedactionStyle
	padding float64
	fill    color.RGBA
	blur    int
	blocks  int
}

// New binds a Redactor to cfg.
func New(cfg config.PipelineConfig) *Redactor {
	return &Redactor{
		style:   cfg.RedactionStyle,
		padding: cfg.PaddingRatio,
		fill:    cfg.FillRGBA(),
		blur:    cfg.BlurStrength,
		blocks:  cfg.PixelateBlocks,
	}
}

// Redact paints every region onto a copy of the page raster. Regions are
// padded and then clipped to the raster; a region left with no area is
// reported as skipped. The page's own raster is never modified.
func (r *Redactor) Redact(page document.Page, regions []document.MergedRegion) (document.RedactionResult, error) {
	result := document.RedactionResult{PageIndex: page.Index}
	if page.Raster == nil {
		return result, fmt.Errorf("page %d has no raster", page.Index)
	}

	paint, err := r.painter()
	if err != nil {
		return result, err
	}

	out := Clone(page.Raster)
	bounds := out.Bounds()
	limit := document.RectFromImage(bounds)

	for _, region := range regions {
		if region.Box.Empty() {
			result.Skipped = append(result.Skipped, skipped(region, ReasonEmptyRegion))
			continue
		}
		padded := region.Box.PadRatio(r.padding).Intersect(limit)
		area := padded.Pixels().Intersect(bounds)
		if area.Empty() {
			result.Skipped = append(result.Skipped, skipped(region, ReasonOutsideRaster))
			continue
		}
		paint(out, area)

		applied := region
		applied.Box = document.RectFromImage(area)
		result.Applied = append(result.Applied, applied)
	}

	result.Raster = out
	return result, nil
}

// painter dispatches on the configured style.
func (r *Redactor) painter() (func(*image.RGBA, image.Rectangle), error) {
	switch r.style {
	case config.StyleOpaqueBox:
		return r.fillBox, nil
	case config.StyleGaussianBlur:
		return r.blurBox, nil
	case config.StylePixelate:
		return r.pixelateBox, nil
	default:
		return nil, document.ConfigError(fmt.Sprintf("unknown redaction style %q", r.style), nil)
	}
}

func skipped(region document.MergedRegion, reason string) document.SkippedRegion {
	return document.SkippedRegion{
		Kind:     region.Kind,
		Category: region.Category,
		Box:      region.Box,
		Reason:   reason,
	}
}

// Clone returns a deep copy of img.
func Clone(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}
