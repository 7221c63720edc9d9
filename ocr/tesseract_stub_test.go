//go:build !ocr

package ocr

import (
	"context"
	"errors"
	"testing"
)

func TestNewTesseractEngineReturnsError(t *testing.T) {
	engine, err := NewTesseractEngine()
	if !errors.Is(err, ErrOCRNotEnabled) {
		t.Errorf("Expected ErrOCRNotEnabled, got: %v", err)
	}
	if engine != nil {
		t.Error("Expected nil engine when OCR is disabled")
	}

	var stub *TesseractEngine
	if _, err := stub.Recognize(context.Background(), Input{}); !errors.Is(err, ErrOCRNotEnabled) {
		t.Errorf("Expected ErrOCRNotEnabled from stub, got: %v", err)
	}
}
