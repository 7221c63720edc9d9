package render

import (
	"context"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// FitzRasterizer renders PDF pages with MuPDF.
type FitzRasterizer struct{}

// Rasterize renders pages sequentially; a fitz document is not safe for
// concurrent use.
func (FitzRasterizer) Rasterize(ctx context.Context, data []byte, dpi int) ([]*image.RGBA, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	defer doc.Close()

	pages := make([]*image.RGBA, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.ImageDPI(n, float64(dpi))
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", n, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}
