// Package pipeline drives a document through detection, merging, redaction
// and reconstruction, isolating failures per page.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/face"
	"github.com/hannes/yaak-deid/merge"
	"github.com/hannes/yaak-deid/observability"
	"github.com/hannes/yaak-deid/ocr"
	"github.com/hannes/yaak-deid/pii"
	"github.com/hannes/yaak-deid/reconstruct"
	"github.com/hannes/yaak-deid/redact"
)

// State is the lifecycle position of one run.
type State string

const (
	StateLoaded            State = "loaded"
	StatePerPageProcessing State = "per-page-processing"
	StateReconstructing    State = "reconstructing"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Loader turns a source byte stream into pages. render.Renderer is the
// production implementation.
type Loader interface {
	Load(ctx context.Context, data []byte, dpi int) (*document.Document, error)
}

// Models are the process-wide detector handles. They are loaded once and
// only read by runs. Any of them may be nil; pages that need a missing
// model are degraded.
type Models struct {
	NER   pii.NERSource
	OCR   ocr.Engine
	Faces face.Classifier
}

// PipelineError is the single terminal error of a failed run.
type PipelineError struct {
	RunID string
	// Stage is the state the run was in when it failed.
	Stage State
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("run %s failed while %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// State is always StateFailed.
func (e *PipelineError) State() State { return StateFailed }

// Output is the result of a successful run.
type Output struct {
	Artifact *reconstruct.Artifact
	Report   *Report
}

// Pipeline runs documents against shared models. It is safe for concurrent
// use; every run gets its own detectors, merger and redactor.
type Pipeline struct {
	loader   Loader
	models   Models
	reporter *observability.Reporter
	logger   zerolog.Logger
}

// New creates a pipeline. reporter may be nil.
func New(loader Loader, models Models, reporter *observability.Reporter, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		loader:   loader,
		models:   models,
		reporter: reporter,
		logger:   observability.Component(logger, "pipeline"),
	}
}

// run holds the per-run collaborators, all bound to one config.
type run struct {
	id        string
	cfg       config.PipelineConfig
	state     State
	detectors []namedDetector
	merger    *merge.Merger
	redactor  *redact.Redactor
	recon     *reconstruct.Reconstructor
	reporter  *observability.Reporter
	logger    zerolog.Logger
}

// Run de-identifies data. It returns either a complete artifact with its
// report or a *PipelineError; never a partially redacted document.
func (p *Pipeline) Run(ctx context.Context, data []byte, cfg config.PipelineConfig) (*Output, error) {
	started := time.Now()
	r := &run{
		id:       uuid.NewString(),
		cfg:      cfg,
		state:    StateLoaded,
		reporter: p.reporter,
	}
	r.logger = p.logger.With().Str("run_id", r.id).Logger()

	if err := cfg.Validate(); err != nil {
		return nil, r.fail(err)
	}
	if err := r.bind(p.models); err != nil {
		return nil, r.fail(err)
	}

	doc, err := p.loader.Load(ctx, data, cfg.RenderDPI)
	if err != nil {
		return nil, r.fail(err)
	}
	r.logger.Info().
		Str("type", string(doc.Meta.Type)).
		Int("pages", len(doc.Pages)).
		Msg("Document loaded")
	for _, w := range doc.Meta.Warnings {
		r.logger.Warn().Str("warning", w).Msg("Document warning")
	}

	r.transition(StatePerPageProcessing)
	outcomes, err := r.processPages(ctx, doc.Pages)
	if err != nil {
		return nil, r.fail(err)
	}

	r.transition(StateReconstructing)
	results := make([]document.RedactionResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = o.Result
	}
	artifact, err := r.recon.Assemble(ctx, results, doc.Meta)
	if err != nil {
		return nil, r.fail(err)
	}

	report := buildReport(r.id, doc.Meta, outcomes)
	report.StartedAt = started
	report.DurationMS = time.Since(started).Milliseconds()

	r.transition(StateDone)
	r.logger.Info().
		Int("pii", report.PIITotal).
		Int("faces", report.FacesRedacted).
		Int("degraded_pages", len(report.DegradedPages)).
		Int64("duration_ms", report.DurationMS).
		Msg("Run complete")

	return &Output{Artifact: artifact, Report: report}, nil
}

// bind builds the per-run collaborators.
func (r *run) bind(models Models) error {
	if r.cfg.RedactPII {
		text, err := pii.NewTextDetector(models.NER, models.OCR, r.cfg, r.logger)
		if err != nil {
			return err
		}
		r.detectors = append(r.detectors, namedDetector{name: "text", detector: text})
	}
	if r.cfg.BlurFaces {
		r.detectors = append(r.detectors, namedDetector{name: "face", detector: face.NewDetector(models.Faces, r.cfg, r.logger)})
	}
	r.merger = merge.New(r.cfg.MergeIoUThreshold)
	r.redactor = redact.New(r.cfg)
	r.recon = reconstruct.New(r.cfg, r.logger)
	return nil
}

// processPages runs every page independently with at most Concurrency in
// flight. Outcomes are returned in page order whatever the completion
// order. Only cancellation or a page that cannot be redacted at all stops
// the run.
func (r *run) processPages(ctx context.Context, pages []document.Page) ([]PageOutcome, error) {
	outcomes := make([]PageOutcome, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, page := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return document.CancelledError(err)
			}
			outcome, err := r.processPage(gctx, page)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, document.CancelledError(ctxErr)
	}
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (r *run) transition(to State) {
	r.logger.Debug().Str("from", string(r.state)).Str("to", string(to)).Msg("State change")
	r.state = to
}

// fail wraps err as the run's terminal error and reports it.
func (r *run) fail(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !document.IsKind(err, document.ErrorKindCancelled) {
			err = document.CancelledError(err)
		}
	}
	perr := &PipelineError{RunID: r.id, Stage: r.state, Err: err}

	kind := document.KindOf(err)
	r.logger.Error().
		Err(err).
		Str("stage", string(r.state)).
		Str("kind", string(kind)).
		Msg("Run failed")
	if kind != document.ErrorKindConfig && kind != document.ErrorKindInput && kind != document.ErrorKindCancelled {
		r.reporter.Capture(perr, map[string]string{"run_id": r.id, "stage": string(r.state), "kind": string(kind)})
	}

	r.state = StateFailed
	return perr
}
