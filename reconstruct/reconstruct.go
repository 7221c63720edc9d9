// Package reconstruct reassembles redacted page rasters into the output
// artifact: a single image, or an image-only PDF with the original page
// sizes.
package reconstruct

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
)

// Artifact is the de-identified output document.
type Artifact struct {
	Data        []byte
	ContentType string
	Extension   string
	PageCount   int
}

// Reconstructor assembles artifacts for one run.
type Reconstructor struct {
	jpegQuality int
	logger      zerolog.Logger
}

// New binds a Reconstructor to cfg.
func New(cfg config.PipelineConfig, logger zerolog.Logger) *Reconstructor {
	return &Reconstructor{
		jpegQuality: cfg.JPEGQuality,
		logger:      logger.With().Str("component", "reconstructor").Logger(),
	}
}

// Assemble builds the artifact from one result per source page. Results may
// arrive in any order; the output follows page index order. A result count
// or page index set that does not match meta is a ReconstructionError.
func (r *Reconstructor) Assemble(ctx context.Context, results []document.RedactionResult, meta document.Meta) (*Artifact, error) {
	pages, err := orderPages(results, meta.PageCount)
	if err != nil {
		return nil, err
	}

	switch meta.Type {
	case document.TypeImage:
		if len(pages) != 1 {
			return nil, document.ReconstructionError(fmt.Sprintf("image output needs exactly one page, got %d", len(pages)), nil)
		}
		return r.encodeImage(pages[0], meta.ImageFormat)
	case document.TypePDF:
		return r.buildPDF(ctx, pages, meta)
	default:
		return nil, document.ReconstructionError(fmt.Sprintf("unknown document type %q", meta.Type), nil)
	}
}

// orderPages sorts results by page index and checks that they cover
// exactly pages 0..want-1, each with a raster.
func orderPages(results []document.RedactionResult, want int) ([]*image.RGBA, error) {
	if len(results) != want {
		return nil, document.ReconstructionError(fmt.Sprintf("have %d redacted pages for a %d page document", len(results), want), nil)
	}
	sorted := append([]document.RedactionResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PageIndex < sorted[j].PageIndex })

	pages := make([]*image.RGBA, len(sorted))
	for i, res := range sorted {
		if res.PageIndex != i {
			return nil, document.ReconstructionError(fmt.Sprintf("missing redacted page %d", i), nil)
		}
		if res.Raster == nil {
			return nil, document.ReconstructionError(fmt.Sprintf("redacted page %d has no raster", i), nil)
		}
		pages[i] = res.Raster
	}
	return pages, nil
}

// encodeImage writes the raster in the source format where an encoder
// exists and as PNG otherwise.
func (r *Reconstructor) encodeImage(img *image.RGBA, format string) (*Artifact, error) {
	var buf bytes.Buffer
	var err error
	out := &Artifact{PageCount: 1}

	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.jpegQuality})
		out.ContentType, out.Extension = "image/jpeg", ".jpg"
	case "bmp":
		err = bmp.Encode(&buf, img)
		out.ContentType, out.Extension = "image/bmp", ".bmp"
	case "tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
		out.ContentType, out.Extension = "image/tiff", ".tiff"
	default:
		if format != "png" {
			r.logger.Info().Str("format", format).Msg("No encoder for source format, writing PNG")
		}
		err = png.Encode(&buf, img)
		out.ContentType, out.Extension = "image/png", ".png"
	}
	if err != nil {
		return nil, document.ReconstructionError("failed to encode image", err)
	}
	out.Data = buf.Bytes()
	return out, nil
}
