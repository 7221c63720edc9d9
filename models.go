package main

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/face"
	"github.com/hannes/yaak-deid/ocr"
	"github.com/hannes/yaak-deid/pii"
	"github.com/hannes/yaak-deid/pipeline"
)

// modelDeps are the process-wide models shared by every run.
type modelDeps struct {
	Models  pipeline.Models
	Manager *pii.ModelManager
	logger  zerolog.Logger
}

// Model constructors, replaced in tests.
var (
	loadFaceClassifier = func(cfg config.ModelsConfig) (face.Classifier, error) {
		return face.LoadPigoClassifier(cfg.FaceCascadePath, cfg)
	}
	newOCREngine = func() (ocr.Engine, error) {
		return ocr.NewTesseractEngine()
	}
)

// loadModels builds every available model once, whatever the configured
// pipeline defaults are, since a run may enable a detector per request. A
// model that fails to load is left nil and the pages that need it are
// reported as degraded.
func loadModels(cfg *config.Config, logger zerolog.Logger) *modelDeps {
	logger = logger.With().Str("component", "models").Logger()

	if hasEmbeddedModels(modelFiles) {
		logger.Info().Msg("Extracting embedded model files")
		if err := extractEmbeddedModelFiles(modelFiles, ".", logger); err != nil {
			logger.Warn().Err(err).Msg("Failed to extract model files, falling back to file system model files")
		}
	}

	deps := &modelDeps{logger: logger}
	deps.Manager = pii.NewModelManager(cfg.Models, logger)
	deps.Models.NER = deps.Manager

	if classifier, err := loadFaceClassifier(cfg.Models); err != nil {
		logger.Warn().Err(err).Str("path", cfg.Models.FaceCascadePath).Msg("Face cascade unavailable, face detection will degrade pages")
	} else {
		deps.Models.Faces = classifier
		logger.Info().Str("classifier", classifier.Name()).Msg("Face classifier loaded")
	}

	if engine, err := newOCREngine(); err != nil {
		logger.Warn().Err(err).Msg("OCR unavailable, pages without a text layer will degrade")
	} else {
		deps.Models.OCR = engine
		logger.Info().Str("engine", engine.Name()).Msg("OCR engine ready")
	}

	return deps
}

// Close releases the NER detector.
func (d *modelDeps) Close() {
	if err := d.Manager.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close NER detector")
	}
}

func hasEmbeddedModels(modelFS fs.FS) bool {
	entries, err := fs.ReadDir(modelFS, ".")
	return err == nil && len(entries) > 0
}

// extractEmbeddedModelFiles writes the embedded model tree below root,
// keeping each file's relative path so the configured model locations
// resolve to the extracted copies.
func extractEmbeddedModelFiles(modelFS fs.FS, root string, logger zerolog.Logger) error {
	return fs.WalkDir(modelFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := fs.ReadFile(modelFS, path)
		if err != nil {
			return err
		}

		targetPath := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0750); err != nil {
			return err
		}
		if err := os.WriteFile(targetPath, content, 0600); err != nil {
			return err
		}
		logger.Debug().Str("path", targetPath).Int("bytes", len(content)).Msg("Extracted model file")
		return nil
	})
}
