// Package render loads source documents into pages: a raster at the
// requested DPI plus, for PDFs, the vector text layer in PDF user space.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/geometry"
)

var pdfMagic = []byte("%PDF-")

// Rasterizer renders every page of a PDF at dpi, in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte, dpi int) ([]*image.RGBA, error)
}

// Renderer is the document renderer collaborator.
type Renderer struct {
	rasterizer Rasterizer
	logger     zerolog.Logger
}

// NewRenderer returns a Renderer using rasterizer for PDF pages.
func NewRenderer(rasterizer Rasterizer, logger zerolog.Logger) *Renderer {
	return &Renderer{
		rasterizer: rasterizer,
		logger:     logger.With().Str("component", "renderer").Logger(),
	}
}

// Sniff identifies the container type. format is the image codec name for
// images and "pdf" for PDFs.
func Sniff(data []byte) (document.Type, string, error) {
	if len(data) == 0 {
		return "", "", document.InputError("empty document", nil)
	}
	if bytes.HasPrefix(bytes.TrimLeft(data[:min(len(data), 1024)], "\x00\t\r\n "), pdfMagic) {
		return document.TypePDF, "pdf", nil
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", "", document.InputError("unrecognised document format", err)
	}
	return document.TypeImage, format, nil
}

// Load renders data at dpi. Images become a single page whose media box is
// derived from the pixel size.
func (r *Renderer) Load(ctx context.Context, data []byte, dpi int) (*document.Document, error) {
	if dpi <= 0 {
		return nil, document.ConfigError(fmt.Sprintf("invalid render dpi %d", dpi), nil)
	}
	typ, format, err := Sniff(data)
	if err != nil {
		return nil, err
	}
	if typ == document.TypeImage {
		return loadImage(data, format, dpi)
	}
	return r.loadPDF(ctx, data, dpi)
}

func (r *Renderer) loadPDF(ctx context.Context, data []byte, dpi int) (*document.Document, error) {
	if r.rasterizer == nil {
		return nil, document.InputError("no PDF rasterizer available", nil)
	}
	rasters, err := r.rasterizer.Rasterize(ctx, data, dpi)
	if err != nil {
		if ctx.Err() != nil {
			return nil, document.CancelledError(ctx.Err())
		}
		return nil, document.InputError("failed to render PDF", err)
	}
	if len(rasters) == 0 {
		return nil, document.InputError("PDF has no pages", nil)
	}

	doc := &document.Document{Meta: document.Meta{Type: document.TypePDF, PageCount: len(rasters)}}

	layers, err := readTextLayer(data)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Text layer unreadable, pages will be treated as image-only")
		doc.Meta.Warnings = append(doc.Meta.Warnings, "text layer unreadable; pages treated as image-only")
		layers = nil
	} else if len(layers) != len(rasters) {
		r.logger.Warn().Int("text_pages", len(layers)).Int("raster_pages", len(rasters)).Msg("Text layer page count differs from rendered pages")
		doc.Meta.Warnings = append(doc.Meta.Warnings, "text layer page count mismatch; pages treated as image-only")
		layers = nil
	}

	for i, raster := range rasters {
		page := document.Page{Index: i, Raster: raster, DPI: dpi}
		b := raster.Bounds()
		page.MediaBox = geometry.MediaBoxForRaster(b.Dx(), b.Dy(), dpi)

		if layers != nil {
			layer := layers[i]
			switch {
			case !layer.ok:
			case layer.rotate%360 != 0:
				doc.Meta.Warnings = append(doc.Meta.Warnings, fmt.Sprintf("page %d is rotated; text layer ignored", i))
			case !rasterMatches(layer.box, b, dpi):
				doc.Meta.Warnings = append(doc.Meta.Warnings, fmt.Sprintf("page %d raster does not match its page box; text layer ignored", i))
			default:
				page.MediaBox = layer.box
				page.Runs = layer.runs
			}
		}
		doc.Meta.MediaBoxes = append(doc.Meta.MediaBoxes, page.MediaBox)
		doc.Pages = append(doc.Pages, page)
	}
	return doc, nil
}

// rasterMatches reports whether a raster has the size box renders to at dpi,
// within two pixels.
func rasterMatches(box document.Rect, raster image.Rectangle, dpi int) bool {
	s := float64(dpi) / geometry.PointsPerInch
	return math.Abs(box.Width()*s-float64(raster.Dx())) <= 2 &&
		math.Abs(box.Height()*s-float64(raster.Dy())) <= 2
}
