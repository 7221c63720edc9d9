// Package detectors contains the named-entity recognisers that find PII
// spans in plain text.
package detectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const (
	DetectorNameModel     = "model_detector"
	DetectorNameRegex     = "regex_detector"
	DetectorNameONNXModel = "onnx_model_detector"
	DetectorNameComposite = "composite"
)

// Detector finds PII entities in text. Implementations must be safe for
// concurrent use.
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

type NewDetectorFunc func(config map[string]interface{}) (Detector, error)

var (
	factoriesMu       sync.RWMutex
	detectorFactories = make(map[string]NewDetectorFunc)
)

func RegisterDetectorFactory(name string, factory NewDetectorFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	detectorFactories[name] = factory
}

func NewDetector(name string, config map[string]interface{}) (Detector, error) {
	factoriesMu.RLock()
	factory, ok := detectorFactories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("detector factory not found for name: %s", name)
	}
	return factory(config)
}

// RegisteredDetectors lists the names accepted by NewDetector.
func RegisteredDetectors() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(detectorFactories))
	for name := range detectorFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringOption(config map[string]interface{}, key string) (string, bool) {
	v, ok := config[key].(string)
	return v, ok && v != ""
}

func init() {
	// Register built-in detector factories
	RegisterDetectorFactory(DetectorNameModel, func(config map[string]interface{}) (Detector, error) {
		baseURL, ok := stringOption(config, "base_url")
		if !ok {
			return nil, fmt.Errorf("base_url is required for model detector")
		}
		return NewModelDetector(baseURL), nil
	})

	RegisterDetectorFactory(DetectorNameRegex, func(config map[string]interface{}) (Detector, error) {
		return NewRegexDetector(PIIPatterns), nil
	})

	RegisterDetectorFactory(DetectorNameONNXModel, func(config map[string]interface{}) (Detector, error) {
		modelPath, ok := stringOption(config, "model_path")
		if !ok {
			return nil, fmt.Errorf("model_path is required for ONNX model detector")
		}
		tokenizerPath, ok := stringOption(config, "tokenizer_path")
		if !ok {
			return nil, fmt.Errorf("tokenizer_path is required for ONNX model detector")
		}
		labelMapPath, ok := stringOption(config, "label_map_path")
		if !ok {
			return nil, fmt.Errorf("label_map_path is required for ONNX model detector")
		}
		return NewONNXModelDetector(modelPath, tokenizerPath, labelMapPath)
	})

	// composite runs a primary model detector and the regex detector
	// together; "primary" names the model detector to wrap.
	RegisterDetectorFactory(DetectorNameComposite, func(config map[string]interface{}) (Detector, error) {
		primaryName, ok := stringOption(config, "primary")
		if !ok {
			primaryName = DetectorNameONNXModel
		}
		if primaryName == DetectorNameComposite {
			return nil, fmt.Errorf("composite detector cannot wrap itself")
		}
		primary, err := NewDetector(primaryName, config)
		if err != nil {
			return nil, fmt.Errorf("failed to create primary detector %s: %w", primaryName, err)
		}
		return NewCompositeDetector(primary, NewRegexDetector(PIIPatterns)), nil
	})
}

func CloseDetector(detector Detector) error {
	return detector.Close()
}
