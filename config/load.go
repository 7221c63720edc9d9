package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const TRUE = "true"

// LoadDotEnv loads a .env file if one exists. It reports which file was
// loaded, or "" when none was found.
func LoadDotEnv(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadFromFile merges a YAML (or JSON) config file into cfg
func LoadFromFile(path string, cfg *Config) error {
	// #nosec G304 - Config file path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the optional
// config file, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	return cfg, nil
}

// LoadFromEnv overrides configuration with DEID_* environment variables
func LoadFromEnv(cfg *Config) {
	loadPipelineConfig(&cfg.Pipeline)
	loadModelsConfig(&cfg.Models)
	loadServerConfig(&cfg.Server)
	loadDatabaseConfig(&cfg.Database)
	loadLoggingConfig(&cfg.Logging)
	loadSentryConfig(&cfg.Sentry)
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v) == TRUE
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

// loadPipelineConfig loads pipeline options from environment variables
func loadPipelineConfig(p *PipelineConfig) {
	envBool("DEID_REDACT_PII", &p.RedactPII)
	envList("DEID_PII_CATEGORIES", &p.PIICategories)
	envFloat("DEID_PII_CONFIDENCE_THRESHOLD", &p.PIIConfidenceThreshold)
	envBool("DEID_BLUR_FACES", &p.BlurFaces)
	envFloat("DEID_FACE_CONFIDENCE_THRESHOLD", &p.FaceConfidenceThreshold)
	envInt("DEID_RENDER_DPI", &p.RenderDPI)
	if style := os.Getenv("DEID_REDACTION_STYLE"); style != "" {
		p.RedactionStyle = RedactionStyle(style)
	}
	envFloat("DEID_MERGE_IOU_THRESHOLD", &p.MergeIoUThreshold)
	envFloat("DEID_PADDING_RATIO", &p.PaddingRatio)
	envString("DEID_FILL_COLOR", &p.FillColor)
	envInt("DEID_BLUR_STRENGTH", &p.BlurStrength)
	envInt("DEID_PIXELATE_BLOCKS", &p.PixelateBlocks)
	if mode := os.Getenv("DEID_OCR_MODE"); mode != "" {
		p.OCRMode = OCRMode(mode)
	}
	envInt("DEID_OCR_DPI", &p.OCRDPI)
	envList("DEID_OCR_LANGUAGES", &p.OCRLanguages)
	envInt("DEID_CONCURRENCY", &p.Concurrency)
	var timeout time.Duration
	if os.Getenv("DEID_PAGE_TIMEOUT") != "" {
		timeout = p.PageTimeout.Std()
		envDuration("DEID_PAGE_TIMEOUT", &timeout)
		p.PageTimeout = Duration(timeout)
	}
	envInt("DEID_JPEG_QUALITY", &p.JPEGQuality)
}

// loadModelsConfig loads detector model locations from environment variables
func loadModelsConfig(m *ModelsConfig) {
	envString("DETECTOR_NAME", &m.DetectorName)
	envString("DEID_MODEL_DIRECTORY", &m.ModelDirectory)
	envString("MODEL_BASE_URL", &m.ModelBaseURL)
	envString("DEID_FACE_CASCADE_PATH", &m.FaceCascadePath)
	envInt("DEID_FACE_MIN_SIZE", &m.FaceMinSize)
	envInt("DEID_FACE_MAX_SIZE", &m.FaceMaxSize)
}

// loadServerConfig loads HTTP configuration from environment variables
func loadServerConfig(s *ServerConfig) {
	envString("DEID_ADDRESS", &s.Address)
	envDuration("DEID_READ_TIMEOUT", &s.ReadTimeout)
	envDuration("DEID_WRITE_TIMEOUT", &s.WriteTimeout)
	envFloat("DEID_RATE_LIMIT", &s.RateLimit)
	envInt("DEID_RATE_BURST", &s.RateBurst)
	envInt("DEID_MAX_RENDER_DPI", &s.MaxRenderDPI)
	if v := os.Getenv("DEID_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.MaxUploadBytes = n
		}
	}
}

// loadDatabaseConfig loads database configuration from environment variables
func loadDatabaseConfig(d *DatabaseConfig) {
	envBool("DB_ENABLED", &d.Enabled)
	envString("DB_DRIVER", &d.Driver)
	envString("DB_PATH", &d.Path)
	envString("DB_HOST", &d.Host)
	envInt("DB_PORT", &d.Port)
	envString("DB_NAME", &d.Database)
	envString("DB_USER", &d.Username)
	envString("DB_PASSWORD", &d.Password)
	envString("DB_SSL_MODE", &d.SSLMode)
	envInt("DB_CLEANUP_HOURS", &d.CleanupHours)
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(l *LoggingConfig) {
	envString("LOG_LEVEL", &l.Level)
	envString("LOG_FORMAT", &l.Format)
}

func loadSentryConfig(s *SentryConfig) {
	envString("SENTRY_DSN", &s.DSN)
	envString("SENTRY_ENVIRONMENT", &s.Environment)
}
