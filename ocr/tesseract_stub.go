//go:build !ocr

package ocr

import "context"

// TesseractEngine is a stub that returns ErrOCRNotEnabled.
type TesseractEngine struct{}

// NewTesseractEngine returns ErrOCRNotEnabled.
// To enable OCR, rebuild with: go build -tags ocr
func NewTesseractEngine() (*TesseractEngine, error) {
	return nil, ErrOCRNotEnabled
}

func (e *TesseractEngine) Name() string { return "tesseract-disabled" }

func (e *TesseractEngine) Recognize(context.Context, Input) (Result, error) {
	return Result{}, ErrOCRNotEnabled
}
