package pii

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/geometry"
	"github.com/hannes/yaak-deid/ocr"
	"github.com/hannes/yaak-deid/pii/detectors"
)

// NERSource hands out the process-wide NER detector.
type NERSource interface {
	GetDetector() (detectors.Detector, error)
}

// TextDetector finds PII text on a page and returns detections in raster
// pixels. It is bound to one run's configuration.
type TextDetector struct {
	ner    NERSource
	ocr    ocr.Engine
	custom *detectors.RegexDetector
	cfg    config.PipelineConfig
	logger zerolog.Logger
}

// NewTextDetector binds the collaborators to cfg. engine may be nil, in
// which case pages that need OCR fail with a DetectorError.
func NewTextDetector(ner NERSource, engine ocr.Engine, cfg config.PipelineConfig, logger zerolog.Logger) (*TextDetector, error) {
	td := &TextDetector{
		ner:    ner,
		ocr:    engine,
		cfg:    cfg,
		logger: logger.With().Str("component", "text_detector").Logger(),
	}
	if len(cfg.CustomPatterns) > 0 {
		custom, err := detectors.CompileRegexDetector(cfg.CustomPatterns)
		if err != nil {
			return nil, document.ConfigError("invalid custom pattern", err)
		}
		td.custom = custom
	}
	return td, nil
}

// usesOCR reports whether page is sent to the OCR engine.
func (td *TextDetector) usesOCR(page document.Page) bool {
	switch td.cfg.OCRMode {
	case config.OCRModeNever:
		return false
	case config.OCRModeAlways:
		return true
	default:
		return !page.HasTextLayer()
	}
}

// Detect runs entity recognition over the page's vector text and, when the
// OCR mode asks for it, over OCR words. Filtering by threshold and category
// happens here. On error the detections of any path that succeeded are
// still returned.
func (td *TextDetector) Detect(ctx context.Context, page document.Page) ([]document.Detection, error) {
	if !td.cfg.RedactPII {
		return nil, nil
	}

	mapper, err := geometry.ForPage(page)
	if err != nil {
		return nil, err
	}

	var detections []document.Detection
	var errs []error

	if page.HasTextLayer() {
		spans := make([]textSpan, 0, len(page.Runs))
		for _, r := range page.Runs {
			spans = append(spans, textSpan{text: r.Text, box: r.Box, edges: r.RuneEdges})
		}
		found, err := td.detectSpans(ctx, spans, func(r document.Rect) (document.Rect, error) {
			return mapper.ToRaster(r, geometry.SpacePDF, 0)
		}, document.ProvenanceVectorText)
		if err != nil {
			errs = append(errs, err)
		}
		detections = append(detections, found...)
	}

	if td.usesOCR(page) {
		found, err := td.detectOCR(ctx, page, mapper)
		if err != nil {
			errs = append(errs, err)
		}
		detections = append(detections, found...)
	}

	for _, d := range detections {
		td.logger.Debug().
			Int("page", page.Index).
			Str("category", d.Category).
			Float64("confidence", d.Confidence).
			Str("box", d.Box.String()).
			Str("provenance", d.Provenance).
			Msg("PII detection")
	}

	if len(errs) > 0 {
		return detections, document.DetectorError(page.Index, "text detection failed", errors.Join(errs...))
	}
	return detections, nil
}

func (td *TextDetector) detectOCR(ctx context.Context, page document.Page, mapper *geometry.Mapper) ([]document.Detection, error) {
	if td.ocr == nil {
		return nil, ocr.ErrOCRNotEnabled
	}
	if page.Raster == nil {
		return nil, fmt.Errorf("page has no raster to OCR")
	}

	in := ocr.PrepareInput(page.Raster, page.DPI, td.cfg.EffectiveOCRDPI(), td.cfg.OCRLanguages)
	res, err := td.ocr.Recognize(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", td.ocr.Name(), err)
	}
	dpi := res.DPI
	if dpi <= 0 {
		dpi = in.DPI
	}

	spans := make([]textSpan, 0, len(res.Words))
	for _, w := range res.Words {
		spans = append(spans, textSpan{text: w.Text, box: w.Box})
	}
	return td.detectSpans(ctx, spans, func(r document.Rect) (document.Rect, error) {
		return mapper.ToRaster(r, geometry.SpaceOCR, dpi)
	}, document.ProvenanceOCR)
}

// detectSpans recognises entities over the joined span text and maps every
// entity back to one box per contiguous run of spans on the same line.
func (td *TextDetector) detectSpans(ctx context.Context, spans []textSpan, toRaster func(document.Rect) (document.Rect, error), provenance string) ([]document.Detection, error) {
	layout := newTextLayout(spans)
	if strings.TrimSpace(layout.text) == "" {
		return nil, nil
	}

	if td.ner == nil {
		return nil, fmt.Errorf("no NER model loaded")
	}
	ner, err := td.ner.GetDetector()
	if err != nil {
		return nil, err
	}
	out, err := ner.Detect(ctx, detectors.DetectorInput{Text: layout.text})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ner.GetName(), err)
	}
	entities := td.categorise(out.Entities, document.NormalizeCategory)

	if td.custom != nil {
		customOut, err := td.custom.Detect(ctx, detectors.DetectorInput{Text: layout.text})
		if err != nil {
			return nil, err
		}
		entities = append(entities, td.categorise(customOut.Entities, func(label string) (string, bool) {
			return config.CustomCategoryName(label), true
		})...)
	}

	var detections []document.Detection
	for i, e := range entities {
		entity := provenance + "#" + strconv.Itoa(i)
		for _, box := range layout.boxesFor(e.StartPos, e.EndPos) {
			raster, err := toRaster(box)
			if err != nil {
				return nil, err
			}
			if raster.Empty() {
				continue
			}
			detections = append(detections, document.Detection{
				Kind:       document.KindPIIText,
				Category:   e.category,
				Text:       e.Text,
				Confidence: e.Confidence,
				Box:        raster,
				Provenance: provenance,
				Entity:     entity,
			})
		}
	}
	return detections, nil
}

type categorisedEntity struct {
	detectors.Entity
	category string
}

// categorise drops entities below the threshold, with unknown labels, or
// outside the enabled categories.
func (td *TextDetector) categorise(entities []detectors.Entity, normalize func(string) (string, bool)) []categorisedEntity {
	out := make([]categorisedEntity, 0, len(entities))
	for _, e := range entities {
		if e.Confidence < td.cfg.PIIConfidenceThreshold {
			continue
		}
		category, ok := normalize(e.Label)
		if !ok {
			td.logger.Debug().Str("label", e.Label).Msg("Skipping entity with unsupported label")
			continue
		}
		if !td.cfg.CategoryEnabled(category) {
			continue
		}
		out = append(out, categorisedEntity{Entity: e, category: category})
	}
	return out
}

// textSpan is a positioned piece of text in its source coordinate space.
// edges, when set, are the rune boundaries along x.
type textSpan struct {
	text  string
	box   document.Rect
	edges []float64
}

// textLayout joins spans into one string, remembering the byte range of
// every span. Spans on the same line are joined with a space, line changes
// with a newline.
type textLayout struct {
	text    string
	spans   []textSpan
	starts  []int
	ends    []int
	newLine []bool
}

func newTextLayout(spans []textSpan) textLayout {
	l := textLayout{
		spans:   spans,
		starts:  make([]int, len(spans)),
		ends:    make([]int, len(spans)),
		newLine: make([]bool, len(spans)),
	}
	var b strings.Builder
	for i, s := range spans {
		if i > 0 {
			if sameLine(spans[i-1].box, s.box) {
				b.WriteByte(' ')
			} else {
				l.newLine[i] = true
				b.WriteByte('\n')
			}
		}
		l.starts[i] = b.Len()
		b.WriteString(s.text)
		l.ends[i] = b.Len()
	}
	l.text = b.String()
	return l
}

// sameLine reports whether two boxes overlap vertically by at least half of
// the shorter one.
func sameLine(a, b document.Rect) bool {
	overlap := math.Min(a.Y1, b.Y1) - math.Max(a.Y0, b.Y0)
	shorter := math.Min(a.Height(), b.Height())
	if shorter <= 0 {
		return overlap >= 0
	}
	return overlap >= shorter/2
}

// boxesFor returns the boxes covering bytes [start,end) of the joined text.
// Each span contributes the horizontal slice proportional to the characters
// it holds of the match; consecutive spans on one line are unioned.
func (l textLayout) boxesFor(start, end int) []document.Rect {
	var boxes []document.Rect
	var current document.Rect
	open := false
	for i, s := range l.spans {
		if l.ends[i] <= start || l.starts[i] >= end {
			if open && l.starts[i] >= end {
				break
			}
			continue
		}
		part := charSlice(s, max(start, l.starts[i])-l.starts[i], min(end, l.ends[i])-l.starts[i])
		if open && !l.newLine[i] {
			current = current.Union(part)
			continue
		}
		if open {
			boxes = append(boxes, current)
		}
		current = part
		open = true
	}
	if open {
		boxes = append(boxes, current)
	}
	return boxes
}

// charSlice returns the part of a span's box holding bytes [from,to) of its
// text. Known rune edges are used as they are; without them characters are
// assumed evenly spaced.
func charSlice(s textSpan, from, to int) document.Rect {
	n := utf8.RuneCountInString(s.text)
	if n == 0 {
		return s.box
	}
	r0 := utf8.RuneCountInString(s.text[:from])
	r1 := utf8.RuneCountInString(s.text[:to])
	if len(s.edges) == n+1 {
		return document.Rect{X0: s.edges[r0], Y0: s.box.Y0, X1: s.edges[r1], Y1: s.box.Y1}
	}
	w := s.box.Width()
	return document.Rect{
		X0: s.box.X0 + w*float64(r0)/float64(n),
		Y0: s.box.Y0,
		X1: s.box.X0 + w*float64(r1)/float64(n),
		Y1: s.box.Y1,
	}
}
