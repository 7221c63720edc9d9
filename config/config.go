package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`     // debug, info, warn, error
	Format  string `yaml:"format" json:"format"`   // console or json
	Service string `yaml:"service" json:"service"` // service field on every line
}

// DatabaseConfig holds report storage configuration
type DatabaseConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`     // false keeps reports in memory
	Driver       string        `yaml:"driver" json:"driver"`       // sqlite or postgres
	Path         string        `yaml:"path" json:"path"`           // SQLite database file
	Host         string        `yaml:"host" json:"host"`           // Postgres host
	Port         int           `yaml:"port" json:"port"`           // Postgres port
	Database     string        `yaml:"database" json:"database"`   // Postgres database name
	Username     string        `yaml:"username" json:"username"`   // Postgres username
	Password     string        `yaml:"password" json:"password"`   // Postgres password
	SSLMode      string        `yaml:"ssl_mode" json:"ssl_mode"`   // disable, require, ...
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxLifetime  time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	MaxReports   int           `yaml:"max_reports" json:"max_reports"`     // retention for the in-memory store
	CleanupHours int           `yaml:"cleanup_hours" json:"cleanup_hours"` // age after which reports are removed, 0 keeps them
}

// ModelsConfig locates the detector models loaded once per process
type ModelsConfig struct {
	DetectorName    string  `yaml:"detector_name" json:"detector_name"`
	ModelDirectory  string  `yaml:"model_directory" json:"model_directory"`
	ModelBaseURL    string  `yaml:"model_base_url" json:"model_base_url"`
	FaceCascadePath string  `yaml:"face_cascade_path" json:"face_cascade_path"`
	FaceMinSize     int     `yaml:"face_min_size" json:"face_min_size"`
	FaceMaxSize     int     `yaml:"face_max_size" json:"face_max_size"`
	FaceShiftFactor float64 `yaml:"face_shift_factor" json:"face_shift_factor"`
	FaceScaleFactor float64 `yaml:"face_scale_factor" json:"face_scale_factor"`
	FaceClusterIoU  float64 `yaml:"face_cluster_iou" json:"face_cluster_iou"`
	// FaceScoreHalf is the raw cascade score mapped to confidence 0.5.
	FaceScoreHalf float64 `yaml:"face_score_half" json:"face_score_half"`
}

// ServerConfig holds HTTP surface configuration
type ServerConfig struct {
	Address        string        `yaml:"address" json:"address"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" json:"max_upload_bytes"`
	RateLimit      float64       `yaml:"rate_limit" json:"rate_limit"` // requests per second, 0 disables
	RateBurst      int           `yaml:"rate_burst" json:"rate_burst"`
	// MaxRenderDPI caps render_dpi and ocr_dpi in per-request overrides, 0
	// leaves only the pipeline's own bound.
	MaxRenderDPI int `yaml:"max_render_dpi" json:"max_render_dpi"`
}

// SentryConfig enables error reporting when DSN is set
type SentryConfig struct {
	DSN         string  `yaml:"dsn" json:"dsn"`
	Environment string  `yaml:"environment" json:"environment"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Config holds all configuration for the de-identification service
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Models   ModelsConfig   `yaml:"models" json:"models"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Sentry   SentryConfig   `yaml:"sentry" json:"sentry"`
}

// DefaultPipelineConfig returns the default per-run pipeline options
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RedactPII:               true,
		PIICategories:           nil, // all supported
		PIIConfidenceThreshold:  0.5,
		BlurFaces:               true,
		FaceConfidenceThreshold: 0.5,
		RenderDPI:               200,
		RedactionStyle:          StyleOpaqueBox,
		MergeIoUThreshold:       0.3,
		PaddingRatio:            0.10,
		FillColor:               "#000000",
		BlurStrength:            50,
		PixelateBlocks:          8,
		OCRMode:                 OCRModeAuto,
		OCRDPI:                  0,
		OCRLanguages:            []string{"eng"},
		Concurrency:             runtime.NumCPU(),
		PageTimeout:             Duration(2 * time.Minute),
		JPEGQuality:             95,
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Pipeline: DefaultPipelineConfig(),
		Models: ModelsConfig{
			DetectorName:    "composite",
			ModelDirectory:  "model/quantized",
			ModelBaseURL:    "http://localhost:8000",
			FaceCascadePath: "model/face/facefinder",
			FaceMinSize:     30,
			FaceMaxSize:     2000,
			FaceShiftFactor: 0.1,
			FaceScaleFactor: 1.1,
			FaceClusterIoU:  0.2,
			FaceScoreHalf:   5.0,
		},
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   5 * time.Minute,
			IdleTimeout:    60 * time.Second,
			MaxUploadBytes: 50 << 20,
			RateLimit:      5,
			RateBurst:      10,
			MaxRenderDPI:   300,
		},
		Database: DatabaseConfig{
			Enabled:      true,
			Driver:       DriverSQLite,
			Path:         "deid.db",
			Host:         "localhost",
			Port:         5432,
			Database:     "deid",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  5 * time.Minute,
			MaxReports:   1000,
			CleanupHours: 24 * 30,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "console",
			Service: "yaak-deid",
		},
		Sentry: SentryConfig{
			Environment: "production",
			SampleRate:  1.0,
		},
	}
}

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Validate checks the whole configuration. Errors are ConfigErrors.
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if c.Database.Enabled && c.Database.Driver != DriverSQLite && c.Database.Driver != DriverPostgres {
		return configErrorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return configErrorf("unknown log format %q", c.Logging.Format)
	}
	if err := validatePort(c.Server.Address, "Server.Address"); err != nil {
		return err
	}
	if c.Server.MaxRenderDPI < 0 {
		return configErrorf("max_render_dpi must not be negative, got %d", c.Server.MaxRenderDPI)
	}
	if c.Server.MaxRenderDPI > 0 && c.Pipeline.RenderDPI > c.Server.MaxRenderDPI {
		return configErrorf("render_dpi %d exceeds max_render_dpi %d", c.Pipeline.RenderDPI, c.Server.MaxRenderDPI)
	}
	if c.Models.FaceScoreHalf <= 0 {
		return configErrorf("face_score_half must be positive, got %v", c.Models.FaceScoreHalf)
	}
	return nil
}

// CheckRequestLimits rejects per-request pipeline options that cost more
// than the configured defaults allow. Rasters are held for the whole run,
// so resolution and parallelism bound the memory a single request can use.
func (s ServerConfig) CheckRequestLimits(run, base PipelineConfig) error {
	if s.MaxRenderDPI > 0 {
		if run.RenderDPI > s.MaxRenderDPI {
			return configErrorf("render_dpi %d exceeds the server limit of %d", run.RenderDPI, s.MaxRenderDPI)
		}
		if run.OCRDPI > s.MaxRenderDPI {
			return configErrorf("ocr_dpi %d exceeds the server limit of %d", run.OCRDPI, s.MaxRenderDPI)
		}
	}
	if run.Concurrency > base.Concurrency {
		return configErrorf("concurrency %d exceeds the server limit of %d", run.Concurrency, base.Concurrency)
	}
	if base.PageTimeout > 0 && (run.PageTimeout == 0 || run.PageTimeout > base.PageTimeout) {
		return configErrorf("page_timeout must be within (0,%s]", base.PageTimeout.Std())
	}
	return nil
}

// validatePort checks a listen address of the form ":PORT" or "HOST:PORT"
func validatePort(addr string, fieldName string) error {
	if addr == "" {
		return configErrorf("%s: port cannot be empty", fieldName)
	}
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return configErrorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return configErrorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, addr)
	}
	if port < 1 || port > 65535 {
		return configErrorf("%s: port must be between 1 and 65535 (current value: %s)", fieldName, fmt.Sprint(port))
	}
	return nil
}
