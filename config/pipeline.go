package config

import (
	"encoding/json"
	"fmt"
	"image/color"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hannes/yaak-deid/document"
)

// RedactionStyle selects how a region is painted.
type RedactionStyle string

const (
	StyleOpaqueBox    RedactionStyle = "opaque-box"
	StyleGaussianBlur RedactionStyle = "gaussian-blur"
	StylePixelate     RedactionStyle = "pixelate"
)

// OCRMode decides which pages are sent to OCR.
type OCRMode string

const (
	// OCRModeAuto runs OCR only on pages without a vector text layer.
	OCRModeAuto OCRMode = "auto"
	// OCRModeAlways also runs OCR on pages that have a vector text layer.
	OCRModeAlways OCRMode = "always"
	OCRModeNever  OCRMode = "never"
)

// Duration accepts "30s" style strings or integer nanoseconds in both YAML
// and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case int:
		*d = Duration(time.Duration(val))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// PipelineConfig is immutable for the duration of one run. Components take
// it by value.
type PipelineConfig struct {
	RedactPII               bool              `yaml:"redact_pii" json:"redact_pii"`
	PIICategories           []string          `yaml:"pii_categories" json:"pii_categories"`
	PIIConfidenceThreshold  float64           `yaml:"pii_confidence_threshold" json:"pii_confidence_threshold"`
	BlurFaces               bool              `yaml:"blur_faces" json:"blur_faces"`
	FaceConfidenceThreshold float64           `yaml:"face_confidence_threshold" json:"face_confidence_threshold"`
	RenderDPI               int               `yaml:"render_dpi" json:"render_dpi"`
	RedactionStyle          RedactionStyle    `yaml:"redaction_style" json:"redaction_style"`
	MergeIoUThreshold       float64           `yaml:"merge_iou_threshold" json:"merge_iou_threshold"`
	PaddingRatio            float64           `yaml:"padding_ratio" json:"padding_ratio"`
	FillColor               string            `yaml:"fill_color" json:"fill_color"`
	BlurStrength            int               `yaml:"blur_strength" json:"blur_strength"`
	PixelateBlocks          int               `yaml:"pixelate_blocks" json:"pixelate_blocks"`
	OCRMode                 OCRMode           `yaml:"ocr_mode" json:"ocr_mode"`
	OCRDPI                  int               `yaml:"ocr_dpi" json:"ocr_dpi"`
	OCRLanguages            []string          `yaml:"ocr_languages" json:"ocr_languages"`
	Concurrency             int               `yaml:"concurrency" json:"concurrency"`
	PageTimeout             Duration          `yaml:"page_timeout" json:"page_timeout"`
	JPEGQuality             int               `yaml:"jpeg_quality" json:"jpeg_quality"`
	CustomPatterns          map[string]string `yaml:"custom_patterns" json:"custom_patterns"`
}

const maxRenderDPI = 1200

var hexColor = regexp.MustCompile(`^#?([0-9a-fA-F]{6})$`)

func configErrorf(format string, args ...interface{}) error {
	return document.ConfigError(fmt.Sprintf(format, args...), nil)
}

// Validate reports the first invalid option as a ConfigError.
func (c PipelineConfig) Validate() error {
	if c.PIIConfidenceThreshold < 0 || c.PIIConfidenceThreshold > 1 {
		return configErrorf("pii_confidence_threshold must be within [0,1], got %v", c.PIIConfidenceThreshold)
	}
	if c.FaceConfidenceThreshold < 0 || c.FaceConfidenceThreshold > 1 {
		return configErrorf("face_confidence_threshold must be within [0,1], got %v", c.FaceConfidenceThreshold)
	}
	if c.MergeIoUThreshold <= 0 || c.MergeIoUThreshold > 1 {
		return configErrorf("merge_iou_threshold must be within (0,1], got %v", c.MergeIoUThreshold)
	}
	if c.RenderDPI <= 0 || c.RenderDPI > maxRenderDPI {
		return configErrorf("render_dpi must be within [1,%d], got %d", maxRenderDPI, c.RenderDPI)
	}
	if c.OCRDPI < 0 || c.OCRDPI > maxRenderDPI {
		return configErrorf("ocr_dpi must be within [0,%d], got %d", maxRenderDPI, c.OCRDPI)
	}
	switch c.RedactionStyle {
	case StyleOpaqueBox, StyleGaussianBlur, StylePixelate:
	default:
		return configErrorf("unknown redaction_style %q", c.RedactionStyle)
	}
	switch c.OCRMode {
	case OCRModeAuto, OCRModeAlways, OCRModeNever:
	default:
		return configErrorf("unknown ocr_mode %q", c.OCRMode)
	}
	if c.PaddingRatio < 0 || c.PaddingRatio > 1 {
		return configErrorf("padding_ratio must be within [0,1], got %v", c.PaddingRatio)
	}
	if c.BlurStrength < 1 || c.BlurStrength > 100 {
		return configErrorf("blur_strength must be within [1,100], got %d", c.BlurStrength)
	}
	if c.PixelateBlocks < 1 {
		return configErrorf("pixelate_blocks must be at least 1, got %d", c.PixelateBlocks)
	}
	if c.Concurrency < 1 {
		return configErrorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.PageTimeout < 0 {
		return configErrorf("page_timeout must not be negative")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return configErrorf("jpeg_quality must be within [1,100], got %d", c.JPEGQuality)
	}
	if !hexColor.MatchString(c.FillColor) {
		return configErrorf("fill_color must be a hex color like #000000, got %q", c.FillColor)
	}
	for name, pattern := range c.CustomPatterns {
		if strings.TrimSpace(name) == "" {
			return configErrorf("custom pattern with empty category name")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return document.ConfigError(fmt.Sprintf("invalid custom pattern for %q", name), err)
		}
	}
	for _, cat := range c.PIICategories {
		if _, ok := c.resolveCategory(cat); !ok {
			return configErrorf("unknown pii category %q", cat)
		}
	}
	return nil
}

// resolveCategory maps a configured name to its canonical category.
func (c PipelineConfig) resolveCategory(name string) (string, bool) {
	if canonical, ok := document.NormalizeCategory(name); ok {
		return canonical, true
	}
	want := CustomCategoryName(name)
	for custom := range c.CustomPatterns {
		if CustomCategoryName(custom) == want {
			return want, true
		}
	}
	return "", false
}

// CustomCategoryName is the canonical form of a user-defined category.
func CustomCategoryName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(name, "_", " ")), "-"))
}

// AvailableCategories lists the built-in categories followed by the
// canonical names of the configured custom patterns, each group sorted.
func (c PipelineConfig) AvailableCategories() []string {
	out := document.SupportedCategories()
	seen := make(map[string]bool, len(out))
	for _, name := range out {
		seen[name] = true
	}
	var custom []string
	for name := range c.CustomPatterns {
		canonical := CustomCategoryName(name)
		if !seen[canonical] {
			seen[canonical] = true
			custom = append(custom, canonical)
		}
	}
	sort.Strings(custom)
	return append(out, custom...)
}

// CategorySet returns the enabled canonical categories. A nil map means
// every category is enabled.
func (c PipelineConfig) CategorySet() map[string]bool {
	if len(c.PIICategories) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.PIICategories))
	for _, name := range c.PIICategories {
		if canonical, ok := c.resolveCategory(name); ok {
			set[canonical] = true
		}
	}
	return set
}

// CategoryEnabled reports whether detections of category should be kept.
func (c PipelineConfig) CategoryEnabled(category string) bool {
	set := c.CategorySet()
	return set == nil || set[category]
}

// FillRGBA parses FillColor. Invalid values fall back to black.
func (c PipelineConfig) FillRGBA() color.RGBA {
	m := hexColor.FindStringSubmatch(c.FillColor)
	if m == nil {
		return color.RGBA{A: 0xff}
	}
	v, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return color.RGBA{A: 0xff}
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// EffectiveOCRDPI returns the DPI the OCR step runs at.
func (c PipelineConfig) EffectiveOCRDPI() int {
	if c.OCRDPI > 0 {
		return c.OCRDPI
	}
	return c.RenderDPI
}

// WithOverrides applies a JSON object of pipeline options onto a copy of c.
func (c PipelineConfig) WithOverrides(raw []byte) (PipelineConfig, error) {
	out := c.clone()
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return c, document.ConfigError("invalid pipeline config overrides", err)
	}
	return out, nil
}

func (c PipelineConfig) clone() PipelineConfig {
	out := c
	out.PIICategories = append([]string(nil), c.PIICategories...)
	out.OCRLanguages = append([]string(nil), c.OCRLanguages...)
	if c.CustomPatterns != nil {
		out.CustomPatterns = make(map[string]string, len(c.CustomPatterns))
		for k, v := range c.CustomPatterns {
			out.CustomPatterns[k] = v
		}
	}
	return out
}
