package face

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
)

// Detector adapts a Classifier to the pipeline: it thresholds candidates
// and turns them into face detections in raster space.
type Detector struct {
	classifier Classifier
	cfg        config.PipelineConfig
	logger     zerolog.Logger
}

// NewDetector binds classifier to one run's configuration. classifier may be
// nil when no cascade is available; pages then degrade when faces are
// requested.
func NewDetector(classifier Classifier, cfg config.PipelineConfig, logger zerolog.Logger) *Detector {
	return &Detector{
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.With().Str("component", "face_detector").Logger(),
	}
}

// Detect returns the faces on page at or above the face threshold. Any
// classifier failure, including a panic, becomes a DetectorError.
func (d *Detector) Detect(ctx context.Context, page document.Page) (dets []document.Detection, err error) {
	if !d.cfg.BlurFaces {
		return nil, nil
	}
	if d.classifier == nil {
		return nil, document.DetectorError(page.Index, "face classifier not loaded", nil)
	}
	if page.Raster == nil {
		return nil, document.DetectorError(page.Index, "page has no raster", nil)
	}

	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = document.DetectorError(page.Index, "face classifier panicked", fmt.Errorf("%v", r))
		}
	}()

	candidates, err := d.classifier.Classify(ctx, page.Raster)
	if err != nil {
		return nil, document.DetectorError(page.Index, d.classifier.Name()+" failed", err)
	}

	bounds := document.RectFromImage(page.Raster.Bounds())
	for _, c := range candidates {
		confidence := 1.0
		if c.HasScore {
			confidence = c.Score
		}
		if confidence < d.cfg.FaceConfidenceThreshold {
			continue
		}
		box := c.Box.Intersect(bounds)
		if box.Empty() {
			continue
		}
		dets = append(dets, document.Detection{
			Kind:       document.KindFace,
			Confidence: confidence,
			Box:        box,
			Provenance: document.ProvenanceFace,
		})
	}

	d.logger.Debug().Int("page", page.Index).Int("candidates", len(candidates)).Int("faces", len(dets)).Msg("Face detection complete")
	return dets, nil
}
