// Package document holds the data model shared by every stage of the
// de-identification pipeline.
package document

import (
	"image"
)

// Kind separates detections that must never be merged with each other.
type Kind string

const (
	KindPIIText Kind = "pii-text"
	KindFace    Kind = "face"
)

// Type is the container type of a source document.
type Type string

const (
	TypePDF   Type = "pdf"
	TypeImage Type = "image"
)

// Provenance tags which detector path produced a Detection.
const (
	ProvenanceVectorText = "vector-text"
	ProvenanceOCR        = "ocr"
	ProvenanceFace       = "face-cascade"
)

// provenancePriority breaks confidence ties in the merger. Vector text wins
// over OCR because its boxes come from the document itself.
var provenancePriority = map[string]int{
	ProvenanceVectorText: 3,
	ProvenanceOCR:        2,
	ProvenanceFace:       1,
}

// ProvenancePriority returns the tie-break rank of a provenance tag.
// Unknown tags rank lowest.
func ProvenancePriority(p string) int {
	return provenancePriority[p]
}

// TextRun is one positioned run of text on a PDF page, in PDF user space.
type TextRun struct {
	Text     string  `json:"text"`
	Box      Rect    `json:"box"`
	FontName string  `json:"font_name,omitempty"`
	FontSize float64 `json:"font_size,omitempty"`
	// RuneEdges holds the x of every rune's left edge plus the right edge of
	// the last rune, len(RuneEdges) == runes+1. Nil when glyph positions
	// are unknown.
	RuneEdges []float64 `json:"-"`
}

// Page is one unit of document content. Raster and Runs describe the same
// visual content; MediaBox and DPI give the scale between them.
type Page struct {
	Index    int
	Raster   *image.RGBA
	DPI      int
	MediaBox Rect
	Runs     []TextRun
}

// HasTextLayer reports whether the page carries extractable vector text.
func (p Page) HasTextLayer() bool {
	return len(p.Runs) > 0
}

// Document is a loaded source document.
type Document struct {
	Meta  Meta
	Pages []Page
}

// Meta describes the source container so it can be rebuilt.
type Meta struct {
	Type        Type     `json:"type"`
	ImageFormat string   `json:"image_format,omitempty"`
	PageCount   int      `json:"page_count"`
	MediaBoxes  []Rect   `json:"media_boxes,omitempty"`
	Warnings    []string `json:"warnings,omitempty"` // document-level problems found while loading
}

// Detection is a single finding. Box is always in page raster pixels.
// Text holds the matched literal and must never be logged or persisted.
type Detection struct {
	Kind       Kind    `json:"kind"`
	Category   string  `json:"category,omitempty"`
	Text       string  `json:"-"`
	Confidence float64 `json:"confidence"`
	Box        Rect    `json:"box"`
	Provenance string  `json:"provenance"`
	// Entity is shared by every box of one recognised span, so a name
	// wrapped over two lines is still one entity. Empty for faces.
	Entity string `json:"-"`
}

// MergedRegion is the unit actually redacted.
type MergedRegion struct {
	Kind       Kind        `json:"kind"`
	Category   string      `json:"category,omitempty"`
	Confidence float64     `json:"confidence"`
	Box        Rect        `json:"box"`
	Provenance string      `json:"provenance"`
	Sources    []Detection `json:"-"`
}

// SkippedRegion is a region the redactor could not paint.
type SkippedRegion struct {
	Kind     Kind   `json:"kind"`
	Category string `json:"category,omitempty"`
	Box      Rect   `json:"box"`
	Reason   string `json:"reason"`
}

// RedactionResult is the redacted raster of one page plus what was applied.
type RedactionResult struct {
	PageIndex int
	Raster    *image.RGBA
	Applied   []MergedRegion
	Skipped   []SkippedRegion
}
