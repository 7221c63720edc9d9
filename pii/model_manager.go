package pii

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/pii/detectors"
)

// ModelManager is the process-wide handle on the NER detector. The detector
// is built once, validated with a test inference and never replaced.
type ModelManager struct {
	mu             sync.RWMutex
	detector       detectors.Detector
	detectorName   string
	modelDirectory string
	isHealthy      bool
	lastError      error
	logger         zerolog.Logger
}

// ModelFiles holds paths to required model files
type ModelFiles struct {
	ModelPath     string
	TokenizerPath string
	LabelMapPath  string
}

var requiredModelFiles = []string{
	"model_quantized.onnx",
	"tokenizer.json",
	"label_mappings.json",
}

// NewModelManager builds the configured detector. A detector that cannot be
// loaded leaves the manager unhealthy instead of failing, so the service
// can still start and report its state on /health.
func NewModelManager(cfg config.ModelsConfig, logger zerolog.Logger) *ModelManager {
	mm := &ModelManager{
		detectorName:   cfg.DetectorName,
		modelDirectory: cfg.ModelDirectory,
		logger:         logger.With().Str("component", "model_manager").Logger(),
	}

	detector, err := mm.load(cfg)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err != nil {
		mm.lastError = err
		mm.logger.Warn().Err(err).Str("detector", cfg.DetectorName).Msg("NER detector unavailable, text detection will degrade pages")
		return mm
	}
	mm.detector = detector
	mm.isHealthy = true
	mm.logger.Info().Str("detector", detector.GetName()).Msg("NER detector loaded")
	return mm
}

// NewStaticModelManager wraps an already built detector.
func NewStaticModelManager(detector detectors.Detector) *ModelManager {
	return &ModelManager{
		detector:     detector,
		detectorName: detector.GetName(),
		isHealthy:    true,
		logger:       zerolog.Nop(),
	}
}

func (mm *ModelManager) load(cfg config.ModelsConfig) (detectors.Detector, error) {
	options := map[string]interface{}{}
	switch cfg.DetectorName {
	case detectors.DetectorNameRegex:
	case detectors.DetectorNameModel:
		options["base_url"] = cfg.ModelBaseURL
	case detectors.DetectorNameONNXModel, detectors.DetectorNameComposite, "":
		files, err := mm.validateDirectory(cfg.ModelDirectory)
		if err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
		options["model_path"] = files.ModelPath
		options["tokenizer_path"] = files.TokenizerPath
		options["label_map_path"] = files.LabelMapPath
	default:
		return nil, fmt.Errorf("unknown detector name %q (registered: %v)", cfg.DetectorName, detectors.RegisteredDetectors())
	}

	name := cfg.DetectorName
	if name == "" {
		name = detectors.DetectorNameComposite
	}
	mm.logger.Info().Str("detector", name).Str("directory", cfg.ModelDirectory).Msg("Loading NER detector")
	detector, err := detectors.NewDetector(name, options)
	if err != nil {
		return nil, fmt.Errorf("failed to load detector: %w", err)
	}

	mm.logger.Debug().Msg("Running validation inference")
	if _, err := detector.Detect(context.Background(), detectors.DetectorInput{Text: "Test with John Smith"}); err != nil {
		if closeErr := detector.Close(); closeErr != nil {
			mm.logger.Warn().Err(closeErr).Msg("Failed to close failed detector")
		}
		return nil, fmt.Errorf("model validation failed: %w", err)
	}
	return detector, nil
}

// GetDetector returns the loaded detector
func (mm *ModelManager) GetDetector() (detectors.Detector, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if !mm.isHealthy {
		return nil, fmt.Errorf("model is unhealthy: %w", mm.lastError)
	}
	if mm.detector == nil {
		return nil, fmt.Errorf("no detector available")
	}
	return mm.detector, nil
}

// IsHealthy returns whether the detector loaded and passed validation
func (mm *ModelManager) IsHealthy() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.isHealthy
}

// GetLastError returns the load error, if any
func (mm *ModelManager) GetLastError() error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastError
}

// GetInfo returns information about the current model state
func (mm *ModelManager) GetInfo() map[string]interface{} {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	info := map[string]interface{}{
		"detector":  mm.detectorName,
		"directory": mm.modelDirectory,
		"healthy":   mm.isHealthy,
	}
	if mm.detector != nil {
		info["detector"] = mm.detector.GetName()
	}
	if mm.lastError != nil {
		info["error"] = mm.lastError.Error()
	} else {
		info["error"] = nil
	}
	return info
}

// validateDirectory checks that the directory exists and contains all required files
func (mm *ModelManager) validateDirectory(dir string) (*ModelFiles, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	var missingFiles []string
	for _, filename := range requiredModelFiles {
		if _, err := os.Stat(filepath.Join(dir, filename)); os.IsNotExist(err) {
			missingFiles = append(missingFiles, filename)
		}
	}
	if len(missingFiles) > 0 {
		return nil, fmt.Errorf("missing required files in directory: %v", missingFiles)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	mm.logger.Debug().Str("directory", absDir).Msg("Validated model directory")
	return &ModelFiles{
		ModelPath:     filepath.Join(absDir, "model_quantized.onnx"),
		TokenizerPath: filepath.Join(absDir, "tokenizer.json"),
		LabelMapPath:  filepath.Join(absDir, "label_mappings.json"),
	}, nil
}

// Close releases the detector. Call only at process shutdown.
func (mm *ModelManager) Close() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.detector != nil {
		mm.logger.Debug().Msg("Closing detector")
		if err := mm.detector.Close(); err != nil {
			return fmt.Errorf("failed to close detector: %w", err)
		}
		mm.detector = nil
	}
	mm.isHealthy = false
	return nil
}
