// Package ocr recognises words with pixel boxes on page rasters that carry
// no vector text layer.
package ocr

import (
	"context"
	"errors"
	"image"

	"golang.org/x/image/draw"

	"github.com/hannes/yaak-deid/document"
)

// ErrOCRNotEnabled is returned when OCR support was not compiled in.
// Rebuild with -tags ocr to enable it.
var ErrOCRNotEnabled = errors.New("OCR support not enabled; rebuild with -tags ocr")

// Word is one recognised token. Box is in the pixel space of the image that
// was recognised, origin top-left.
type Word struct {
	Text       string
	Box        document.Rect
	Confidence float64
}

// Input is a single image submitted for recognition.
type Input struct {
	Image     image.Image
	DPI       int
	Languages []string
}

// Result carries the words of one image and the DPI they were recognised at.
type Result struct {
	Words []Word
	DPI   int
}

// Engine is the OCR provider contract: one image in, one result out.
// Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, input Input) (Result, error)
}

// PrepareInput resamples a raster rendered at renderDPI to ocrDPI. Boxes in
// the result are then relative to the resampled image, at ocrDPI.
func PrepareInput(raster *image.RGBA, renderDPI, ocrDPI int, languages []string) Input {
	in := Input{Image: raster, DPI: renderDPI, Languages: languages}
	if ocrDPI <= 0 || renderDPI <= 0 || ocrDPI == renderDPI || raster == nil {
		return in
	}
	in.Image = Resample(raster, renderDPI, ocrDPI)
	in.DPI = ocrDPI
	return in
}

// Resample scales img from one DPI to another with Catmull-Rom filtering.
func Resample(img *image.RGBA, fromDPI, toDPI int) *image.RGBA {
	b := img.Bounds()
	w := b.Dx() * toDPI / fromDPI
	h := b.Dy() * toDPI / fromDPI
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
