package reconstruct

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/internal/testpdf"
	"github.com/hannes/yaak-deid/render"
)

func newTestReconstructor() *Reconstructor {
	return New(config.DefaultPipelineConfig(), zerolog.Nop())
}

func raster(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetRGBA(1, 1, color.RGBA{A: 0xff})
	return img
}

func result(index, w, h int) document.RedactionResult {
	return document.RedactionResult{PageIndex: index, Raster: raster(w, h)}
}

func TestAssemble_Image(t *testing.T) {
	tests := []struct {
		format      string
		contentType string
		decode      func([]byte) (image.Image, error)
	}{
		{"jpeg", "image/jpeg", func(b []byte) (image.Image, error) { return jpeg.Decode(bytes.NewReader(b)) }},
		{"png", "image/png", func(b []byte) (image.Image, error) { return png.Decode(bytes.NewReader(b)) }},
		{"gif", "image/png", func(b []byte) (image.Image, error) { return png.Decode(bytes.NewReader(b)) }},
		{"bmp", "image/bmp", nil},
		{"tiff", "image/tiff", nil},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			meta := document.Meta{Type: document.TypeImage, ImageFormat: tt.format, PageCount: 1}
			out, err := newTestReconstructor().Assemble(context.Background(), []document.RedactionResult{result(0, 40, 30)}, meta)
			if err != nil {
				t.Fatalf("Assemble failed: %v", err)
			}
			if out.ContentType != tt.contentType {
				t.Errorf("Expected content type %s, got %s", tt.contentType, out.ContentType)
			}
			if out.PageCount != 1 {
				t.Errorf("Expected 1 page, got %d", out.PageCount)
			}
			if tt.decode == nil {
				return
			}
			img, err := tt.decode(out.Data)
			if err != nil {
				t.Fatalf("Failed to decode output: %v", err)
			}
			if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 30 {
				t.Errorf("Expected 40x30 output, got %dx%d", b.Dx(), b.Dy())
			}
		})
	}
}

func TestAssemble_PageSetMismatch(t *testing.T) {
	pdfMeta := document.Meta{Type: document.TypePDF, PageCount: 2, MediaBoxes: []document.Rect{{X1: 100, Y1: 100}, {X1: 100, Y1: 100}}}
	tests := []struct {
		name    string
		results []document.RedactionResult
		meta    document.Meta
	}{
		{"too few pages", []document.RedactionResult{result(0, 10, 10)}, pdfMeta},
		{"too many pages", []document.RedactionResult{result(0, 10, 10), result(1, 10, 10), result(2, 10, 10)}, pdfMeta},
		{"gap in indexes", []document.RedactionResult{result(0, 10, 10), result(2, 10, 10)}, pdfMeta},
		{"duplicate index", []document.RedactionResult{result(1, 10, 10), result(1, 10, 10)}, pdfMeta},
		{"missing raster", []document.RedactionResult{result(0, 10, 10), {PageIndex: 1}}, pdfMeta},
		{"media boxes missing", []document.RedactionResult{result(0, 10, 10), result(1, 10, 10)},
			document.Meta{Type: document.TypePDF, PageCount: 2}},
		{"image with two pages", []document.RedactionResult{result(0, 10, 10), result(1, 10, 10)},
			document.Meta{Type: document.TypeImage, ImageFormat: "png", PageCount: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestReconstructor().Assemble(context.Background(), tt.results, tt.meta)
			if !document.IsKind(err, document.ErrorKindReconstruction) {
				t.Errorf("Expected ReconstructionError, got %v", err)
			}
		})
	}
}

func TestAssemble_PDFKeepsOrderAndPageSizes(t *testing.T) {
	boxes := []document.Rect{
		{X1: 200, Y1: 100},
		{X1: 100, Y1: 200},
		{X1: 150, Y1: 150},
	}
	meta := document.Meta{Type: document.TypePDF, PageCount: 3, MediaBoxes: boxes}
	// completion order is not page order
	results := []document.RedactionResult{result(2, 75, 75), result(0, 100, 50), result(1, 50, 100)}

	out, err := newTestReconstructor().Assemble(context.Background(), results, meta)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if out.PageCount != 3 || out.ContentType != "application/pdf" {
		t.Errorf("Expected a 3 page PDF, got %d pages of %s", out.PageCount, out.ContentType)
	}

	info, err := render.Inspect(out.Data)
	if err != nil {
		t.Fatalf("Failed to inspect output: %v", err)
	}
	if info.PageCount != 3 {
		t.Fatalf("Expected 3 pages, got %d", info.PageCount)
	}
	for i, want := range boxes {
		got := info.PageSizes[i]
		if math.Abs(got.Width()-want.Width()) > 0.01 || math.Abs(got.Height()-want.Height()) > 0.01 {
			t.Errorf("Page %d: expected size %.0fx%.0f, got %.2fx%.2f", i, want.Width(), want.Height(), got.Width(), got.Height())
		}
	}
}

func TestAssemble_PDFCarriesNoTextLayer(t *testing.T) {
	source := testpdf.Build("Contact", testpdf.Page{{X: 72, Y: 700, Text: "Contact John Smith at john@example.com"}})
	srcInfo, err := render.Inspect(source)
	if err != nil {
		t.Fatalf("Failed to inspect source: %v", err)
	}
	if !srcInfo.HasText {
		t.Fatal("Expected the source PDF to carry text")
	}

	meta := document.Meta{Type: document.TypePDF, PageCount: 1, MediaBoxes: srcInfo.PageSizes}
	out, err := newTestReconstructor().Assemble(context.Background(), []document.RedactionResult{result(0, 153, 198)}, meta)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	info, err := render.Inspect(out.Data)
	if err != nil {
		t.Fatalf("Failed to inspect output: %v", err)
	}
	if info.HasText {
		t.Error("Expected no extractable text in the output PDF")
	}
	if bytes.Contains(out.Data, []byte("john@example.com")) {
		t.Error("Expected the source text not to appear in the output bytes")
	}
	if _, ok := info.Metadata["Title"]; ok {
		t.Error("Expected source metadata not to be carried over")
	}
}

func TestAssemble_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	meta := document.Meta{Type: document.TypePDF, PageCount: 1, MediaBoxes: []document.Rect{{X1: 100, Y1: 100}}}
	_, err := newTestReconstructor().Assemble(ctx, []document.RedactionResult{result(0, 10, 10)}, meta)
	if !document.IsKind(err, document.ErrorKindCancelled) {
		t.Errorf("Expected CancelledError, got %v", err)
	}
}
