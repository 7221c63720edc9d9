// Package face finds faces on page rasters.
package face

import (
	"context"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
)

// Candidate is a face box proposed by a classifier, in raster pixels.
// HasScore is false for classifiers that do not expose a confidence.
type Candidate struct {
	Box      document.Rect
	Score    float64
	HasScore bool
}

// Classifier proposes face boxes for an image. Implementations must be
// safe for concurrent use.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, img *image.RGBA) ([]Candidate, error)
}

// PigoClassifier runs a pixel-intensity-comparison cascade. The unpacked
// cascade is read-only after construction.
type PigoClassifier struct {
	classifier *pigo.Pigo
	minSize    int
	maxSize    int
	shift      float64
	scale      float64
	clusterIoU float64
	scoreHalf  float64
}

// LoadPigoClassifier reads a cascade file from disk.
func LoadPigoClassifier(path string, cfg config.ModelsConfig) (*PigoClassifier, error) {
	cascade, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}
	return NewPigoClassifier(cascade, cfg)
}

// NewPigoClassifier unpacks cascade bytes.
func NewPigoClassifier(cascade []byte, cfg config.ModelsConfig) (c *PigoClassifier, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("corrupt face cascade: %v", r)
		}
	}()

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}
	return &PigoClassifier{
		classifier: classifier,
		minSize:    cfg.FaceMinSize,
		maxSize:    cfg.FaceMaxSize,
		shift:      cfg.FaceShiftFactor,
		scale:      cfg.FaceScaleFactor,
		clusterIoU: cfg.FaceClusterIoU,
		scoreHalf:  cfg.FaceScoreHalf,
	}, nil
}

func (p *PigoClassifier) Name() string { return "pigo" }

// Classify returns clustered cascade detections with confidence in [0,1).
func (p *PigoClassifier) Classify(ctx context.Context, img *image.RGBA) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	params := pigo.CascadeParams{
		MinSize:     p.minSize,
		MaxSize:     p.maxSize,
		ShiftFactor: p.shift,
		ScaleFactor: p.scale,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(pigo.ImgToNRGBA(img)),
			Rows:   b.Dy(),
			Cols:   b.Dx(),
			Dim:    b.Dx(),
		},
	}

	dets := p.classifier.RunCascade(params, 0.0)
	dets = p.classifier.ClusterDetections(dets, p.clusterIoU)

	out := make([]Candidate, 0, len(dets))
	for _, d := range dets {
		if d.Q <= 0 {
			continue
		}
		c := detectionToCandidate(d, p.scoreHalf)
		c.Box = c.Box.Intersect(document.Rect{X1: float64(b.Dx()), Y1: float64(b.Dy())})
		out = append(out, c)
	}
	return out, nil
}

// detectionToCandidate converts a centre/size detection into a box. The raw
// cascade score is squashed so that scoreHalf maps to 0.5.
func detectionToCandidate(d pigo.Detection, scoreHalf float64) Candidate {
	half := float64(d.Scale) / 2
	q := float64(d.Q)
	score := 0.0
	if q > 0 {
		score = q / (q + scoreHalf)
	}
	return Candidate{
		Box: document.Rect{
			X0: float64(d.Col) - half,
			Y0: float64(d.Row) - half,
			X1: float64(d.Col) + half,
			Y1: float64(d.Row) + half,
		},
		Score:    score,
		HasScore: true,
	}
}
