package pipeline

import (
	"time"

	"github.com/hannes/yaak-deid/document"
)

// Report summarises a completed run. It holds counts, boxes and warnings
// only; matched text is never part of it.
type Report struct {
	RunID              string         `json:"run_id"`
	DocumentType       document.Type  `json:"document_type"`
	PageCount          int            `json:"page_count"`
	PIITotal           int            `json:"pii_total"` // distinct entities, not painted regions
	PIIByCategory      map[string]int `json:"pii_by_category"`
	FacesRedacted      int            `json:"faces_redacted"`
	FaceMeanConfidence float64        `json:"face_mean_confidence"`
	DegradedPages      []int          `json:"degraded_pages"`
	Warnings           []Warning      `json:"warnings"`
	DocumentWarnings   []string       `json:"document_warnings,omitempty"`
	Pages              []PageReport   `json:"pages"`
	StartedAt          time.Time      `json:"started_at"`
	DurationMS         int64          `json:"duration_ms"`
}

// PageReport lists what happened on one page.
type PageReport struct {
	Index              int                      `json:"index"`
	Status             PageStatus               `json:"status"`
	PII                int                      `json:"pii"`
	Faces              int                      `json:"faces"`
	FaceMeanConfidence float64                  `json:"face_mean_confidence"`
	Regions            []RegionReport           `json:"regions"`
	Skipped            []document.SkippedRegion `json:"skipped,omitempty"`
	Warnings           []Warning                `json:"warnings,omitempty"`
}

// RegionReport is one painted region.
type RegionReport struct {
	Kind       document.Kind `json:"kind"`
	Category   string        `json:"category,omitempty"`
	Confidence float64       `json:"confidence"`
	Box        document.Rect `json:"box"`
	Provenance string        `json:"provenance"`
	Sources    int           `json:"sources"`
}

// Degraded reports whether any page lost a detector.
func (r *Report) Degraded() bool {
	return len(r.DegradedPages) > 0
}

func buildReport(runID string, meta document.Meta, outcomes []PageOutcome) *Report {
	report := &Report{
		RunID:            runID,
		DocumentType:     meta.Type,
		PageCount:        len(outcomes),
		PIIByCategory:    map[string]int{},
		DegradedPages:    []int{},
		Warnings:         []Warning{},
		DocumentWarnings: meta.Warnings,
		Pages:            make([]PageReport, 0, len(outcomes)),
	}

	var faceConfidence float64
	for _, o := range outcomes {
		page := PageReport{
			Index:    o.Index,
			Status:   o.Status,
			Regions:  make([]RegionReport, 0, len(o.Result.Applied)),
			Skipped:  o.Result.Skipped,
			Warnings: o.Warnings,
		}

		entities := countEntities(o.Result.Applied)
		for category, n := range entities {
			page.PII += n
			report.PIIByCategory[category] += n
		}

		var pageFaceConfidence float64
		for _, region := range o.Result.Applied {
			page.Regions = append(page.Regions, RegionReport{
				Kind:       region.Kind,
				Category:   region.Category,
				Confidence: region.Confidence,
				Box:        region.Box,
				Provenance: region.Provenance,
				Sources:    len(region.Sources),
			})
			if region.Kind == document.KindFace {
				page.Faces++
				pageFaceConfidence += region.Confidence
			}
		}
		if page.Faces > 0 {
			page.FaceMeanConfidence = pageFaceConfidence / float64(page.Faces)
		}

		report.PIITotal += page.PII
		report.FacesRedacted += page.Faces
		faceConfidence += pageFaceConfidence
		if o.Status == PageDegraded {
			report.DegradedPages = append(report.DegradedPages, o.Index)
		}
		report.Warnings = append(report.Warnings, o.Warnings...)
		report.Pages = append(report.Pages, page)
	}
	if report.FacesRedacted > 0 {
		report.FaceMeanConfidence = faceConfidence / float64(report.FacesRedacted)
	}
	return report
}

// countEntities counts the PII entities behind a page's painted text
// regions, per category. Regions sharing a source entity (one name wrapped
// over two lines) count once, and so does a region merged from several
// entities (the same word seen in the text layer and by OCR).
func countEntities(regions []document.MergedRegion) map[string]int {
	parent := make([]int, len(regions))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	owner := map[string]int{}
	for i, region := range regions {
		if region.Kind != document.KindPIIText {
			continue
		}
		for _, src := range region.Sources {
			if src.Entity == "" {
				continue
			}
			if j, ok := owner[src.Entity]; ok {
				parent[find(i)] = find(j)
			} else {
				owner[src.Entity] = i
			}
		}
	}

	counts := map[string]int{}
	for i, region := range regions {
		if region.Kind == document.KindPIIText && find(i) == i {
			counts[region.Category]++
		}
	}
	return counts
}
