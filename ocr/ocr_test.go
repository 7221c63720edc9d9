package ocr

import (
	"image"
	"image/color"
	"testing"
)

func TestPrepareInput_SameDPI(t *testing.T) {
	raster := image.NewRGBA(image.Rect(0, 0, 40, 20))
	in := PrepareInput(raster, 200, 0, []string{"eng"})
	if in.Image != raster {
		t.Error("Expected raster to be passed through when OCR DPI is unset")
	}
	if in.DPI != 200 {
		t.Errorf("Expected DPI 200, got %d", in.DPI)
	}
}

func TestPrepareInput_Resamples(t *testing.T) {
	raster := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			raster.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}

	in := PrepareInput(raster, 200, 300, nil)
	if in.DPI != 300 {
		t.Errorf("Expected DPI 300, got %d", in.DPI)
	}
	b := in.Image.Bounds()
	if b.Dx() != 300 || b.Dy() != 150 {
		t.Errorf("Expected 300x150 image, got %dx%d", b.Dx(), b.Dy())
	}
	r, _, _, _ := in.Image.At(150, 75).RGBA()
	if r>>8 < 190 {
		t.Errorf("Expected resampled colour to be preserved, got red=%d", r>>8)
	}
}
