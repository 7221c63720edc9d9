package render

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/geometry"
)

func loadImage(data []byte, format string, dpi int) (*document.Document, error) {
	img, err := DecodeRGBA(data)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	box := geometry.MediaBoxForRaster(b.Dx(), b.Dy(), dpi)
	return &document.Document{
		Meta: document.Meta{
			Type:        document.TypeImage,
			ImageFormat: format,
			PageCount:   1,
			MediaBoxes:  []document.Rect{box},
		},
		Pages: []document.Page{{Index: 0, Raster: img, DPI: dpi, MediaBox: box}},
	}, nil
}

// DecodeRGBA decodes any registered image format into an RGBA raster with
// its origin at (0,0). A JPEG EXIF orientation is applied, so the raster is
// upright as viewers show it.
func DecodeRGBA(data []byte) (*image.RGBA, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, document.InputError("failed to decode image", err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, document.InputError("image has no pixels", nil)
	}
	if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}
