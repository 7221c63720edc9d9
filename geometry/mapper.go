// Package geometry converts regions between PDF user space, OCR pixel space
// and the canonical page raster space. Every coordinate conversion in the
// pipeline goes through a Mapper.
package geometry

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"

	"github.com/hannes/yaak-deid/document"
)

// PointsPerInch is the PDF user space unit density.
const PointsPerInch = 72.0

// Space identifies the coordinate system a region is expressed in.
type Space int

const (
	// SpacePDF has its origin at the media box's bottom-left, unit = points.
	SpacePDF Space = iota
	// SpaceOCR has its origin top-left, unit = pixels at the OCR step's DPI.
	SpaceOCR
	// SpaceRaster has its origin top-left, unit = pixels at the render DPI.
	SpaceRaster
)

func (s Space) String() string {
	switch s {
	case SpacePDF:
		return "pdf"
	case SpaceOCR:
		return "ocr"
	case SpaceRaster:
		return "raster"
	default:
		return fmt.Sprintf("space(%d)", int(s))
	}
}

// Mapper holds the transforms for one page. It is immutable and safe for
// concurrent use.
type Mapper struct {
	mediaBox    document.Rect
	renderDPI   int
	pdfToRaster f64.Aff3
	rasterToPDF f64.Aff3
}

// NewMapper builds the transforms for a page with the given media box
// (points) rendered at renderDPI.
func NewMapper(mediaBox document.Rect, renderDPI int) (*Mapper, error) {
	if mediaBox.Width() <= 0 || mediaBox.Height() <= 0 {
		return nil, document.GeometryError(fmt.Sprintf("degenerate media box %s", mediaBox), nil)
	}
	if renderDPI <= 0 {
		return nil, document.GeometryError(fmt.Sprintf("invalid render dpi %d", renderDPI), nil)
	}

	s := float64(renderDPI) / PointsPerInch
	// Flip y about the top edge of the media box, then scale to pixels.
	fwd := f64.Aff3{
		s, 0, -s * mediaBox.X0,
		0, -s, s * mediaBox.Y1,
	}
	inv, err := invert(fwd)
	if err != nil {
		return nil, document.GeometryError("page transform is not invertible", err)
	}

	return &Mapper{
		mediaBox:    mediaBox,
		renderDPI:   renderDPI,
		pdfToRaster: fwd,
		rasterToPDF: inv,
	}, nil
}

// ForPage builds a Mapper from a page's media box and raster DPI.
func ForPage(p document.Page) (*Mapper, error) {
	return NewMapper(p.MediaBox, p.DPI)
}

// RenderDPI returns the DPI of the canonical raster space.
func (m *Mapper) RenderDPI() int { return m.renderDPI }

// RasterSize is the page size in raster pixels.
func (m *Mapper) RasterSize() (w, h float64) {
	s := float64(m.renderDPI) / PointsPerInch
	return m.mediaBox.Width() * s, m.mediaBox.Height() * s
}

// ToRaster converts r from src space into raster pixels. srcDPI is only
// consulted for SpaceOCR.
func (m *Mapper) ToRaster(r document.Rect, src Space, srcDPI int) (document.Rect, error) {
	switch src {
	case SpaceRaster:
		return r, nil
	case SpacePDF:
		return transformRect(m.pdfToRaster, r), nil
	case SpaceOCR:
		if srcDPI <= 0 {
			return document.Rect{}, document.GeometryError(fmt.Sprintf("invalid ocr dpi %d", srcDPI), nil)
		}
		return transformRect(scale(float64(m.renderDPI)/float64(srcDPI)), r), nil
	default:
		return document.Rect{}, document.GeometryError(fmt.Sprintf("unknown source space %s", src), nil)
	}
}

// FromRaster is the inverse of ToRaster.
func (m *Mapper) FromRaster(r document.Rect, dst Space, dstDPI int) (document.Rect, error) {
	switch dst {
	case SpaceRaster:
		return r, nil
	case SpacePDF:
		return transformRect(m.rasterToPDF, r), nil
	case SpaceOCR:
		if dstDPI <= 0 {
			return document.Rect{}, document.GeometryError(fmt.Sprintf("invalid ocr dpi %d", dstDPI), nil)
		}
		return transformRect(scale(float64(dstDPI)/float64(m.renderDPI)), r), nil
	default:
		return document.Rect{}, document.GeometryError(fmt.Sprintf("unknown target space %s", dst), nil)
	}
}

// ToRasterSpace maps a region onto page's raster in one call.
func ToRasterSpace(r document.Rect, src Space, page document.Page, srcDPI int) (document.Rect, error) {
	m, err := ForPage(page)
	if err != nil {
		return document.Rect{}, err
	}
	return m.ToRaster(r, src, srcDPI)
}

// MediaBoxForRaster returns the media box (points) of a raster of the given
// pixel size at dpi. Image inputs have no media box of their own.
func MediaBoxForRaster(w, h, dpi int) document.Rect {
	s := PointsPerInch / float64(dpi)
	return document.Rect{X1: float64(w) * s, Y1: float64(h) * s}
}

func scale(s float64) f64.Aff3 {
	return f64.Aff3{s, 0, 0, 0, s, 0}
}

func apply(m f64.Aff3, x, y float64) (float64, float64) {
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

func transformRect(m f64.Aff3, r document.Rect) document.Rect {
	ax, ay := apply(m, r.X0, r.Y0)
	bx, by := apply(m, r.X1, r.Y1)
	return document.NewRect(ax, ay, bx, by)
}

func invert(m f64.Aff3) (f64.Aff3, error) {
	det := m[0]*m[4] - m[1]*m[3]
	if math.Abs(det) < 1e-12 {
		return f64.Aff3{}, fmt.Errorf("singular matrix")
	}
	return f64.Aff3{
		m[4] / det, -m[1] / det, (m[1]*m[5] - m[2]*m[4]) / det,
		-m[3] / det, m[0] / det, (m[2]*m[3] - m[0]*m[5]) / det,
	}, nil
}
