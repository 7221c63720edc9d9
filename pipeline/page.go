package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hannes/yaak-deid/document"
)

// PageStatus is the outcome of one page.
type PageStatus string

const (
	PageSuccess PageStatus = "success"
	// PageDegraded means at least one detector failed on the page. Whatever
	// the other detectors found was still redacted.
	PageDegraded PageStatus = "degraded"
)

// Warning records a recovered per-page failure. It never carries document
// text.
type Warning struct {
	Page     int                `json:"page"`
	Detector string             `json:"detector"`
	Kind     document.ErrorKind `json:"kind"`
	Message  string             `json:"message"`
}

// PageOutcome is Success(Result) or Degraded(Result, Warnings).
type PageOutcome struct {
	Index    int
	Status   PageStatus
	Result   document.RedactionResult
	Warnings []Warning
}

// Detector is a per-run detection adapter.
type Detector interface {
	Detect(ctx context.Context, page document.Page) ([]document.Detection, error)
}

type namedDetector struct {
	name     string
	detector Detector
}

// processPage detects, merges and redacts one page. Detector failures
// degrade the page; the returned error is reserved for cancellation and
// for pages that cannot be redacted at all.
func (r *run) processPage(ctx context.Context, page document.Page) (PageOutcome, error) {
	logger := r.logger.With().Int("page", page.Index).Logger()

	pageCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := r.cfg.PageTimeout.Std(); timeout > 0 {
		pageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	outcome := PageOutcome{Index: page.Index, Status: PageSuccess}
	var detections []document.Detection
	for _, d := range r.detectors {
		found, err := r.detect(pageCtx, d, page)
		detections = append(detections, found...)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome, document.CancelledError(ctxErr)
		}

		w := Warning{Page: page.Index, Detector: d.name, Kind: document.KindOf(err), Message: err.Error()}
		if errors.Is(err, context.DeadlineExceeded) {
			w.Message = fmt.Sprintf("%s detector timed out after %s", d.name, r.cfg.PageTimeout.Std())
		}
		outcome.Status = PageDegraded
		outcome.Warnings = append(outcome.Warnings, w)
		logger.Warn().
			Str("detector", d.name).
			Str("kind", string(w.Kind)).
			Str("error", w.Message).
			Msg("Detector failed, page degraded")
	}

	regions := r.merger.Merge(detections)
	result, err := r.redactor.Redact(page, regions)
	if err != nil {
		return outcome, document.ReconstructionError(fmt.Sprintf("failed to redact page %d", page.Index), err)
	}
	outcome.Result = result

	logger.Debug().
		Int("detections", len(detections)).
		Int("regions", len(result.Applied)).
		Int("skipped", len(result.Skipped)).
		Str("status", string(outcome.Status)).
		Msg("Page processed")
	return outcome, nil
}

// detect calls one detector and waits for it or for ctx, whichever ends
// first. Cascades and OCR engines do not check ctx once started, so a
// detector still running at the deadline is abandoned and its result
// dropped. Detectors only read the page raster.
func (r *run) detect(ctx context.Context, d namedDetector, page document.Page) ([]document.Detection, error) {
	type detectResult struct {
		dets []document.Detection
		err  error
	}
	done := make(chan detectResult, 1)
	go func() {
		dets, err := r.callDetector(ctx, d, page)
		done <- detectResult{dets: dets, err: err}
	}()

	select {
	case res := <-done:
		return res.dets, res.err
	case <-ctx.Done():
		return nil, document.DetectorError(page.Index, d.name+" detector abandoned", ctx.Err())
	}
}

// callDetector turns panics and unclassified errors into DetectorErrors.
func (r *run) callDetector(ctx context.Context, d namedDetector, page document.Page) (dets []document.Detection, err error) {
	defer func() {
		if p := recover(); p != nil {
			dets = nil
			err = document.DetectorError(page.Index, d.name+" detector panicked", fmt.Errorf("%v", p))
			r.reporter.Capture(err, map[string]string{
				"run_id":   r.id,
				"page":     strconv.Itoa(page.Index),
				"detector": d.name,
			})
		}
	}()

	dets, err = d.detector.Detect(ctx, page)
	if err != nil && document.KindOf(err) == "" {
		err = document.DetectorError(page.Index, d.name+" detection failed", err)
	}
	return dets, err
}
