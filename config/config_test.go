package config

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hannes/yaak-deid/document"
)

func TestValidatePort(t *testing.T) {
	testCases := []struct {
		name      string
		port      string
		expectErr bool
		errString string
	}{
		{
			name: "valid port",
			port: ":8080",
		},
		{
			name: "host and port",
			port: "127.0.0.1:9000",
		},
		{
			name:      "empty port",
			port:      "",
			expectErr: true,
			errString: "[config] Server.Address: port cannot be empty",
		},
		{
			name:      "no colon",
			port:      "8080",
			expectErr: true,
			errString: "[config] Server.Address: port must be in format ':PORT' where PORT is numeric (current value: 8080)",
		},
		{
			name:      "non-numeric",
			port:      ":abcd",
			expectErr: true,
			errString: "[config] Server.Address: port must be in format ':PORT' where PORT is numeric (current value: :abcd)",
		},
		{
			name:      "port out of range (high)",
			port:      ":65536",
			expectErr: true,
			errString: "[config] Server.Address: port must be between 1 and 65535 (current value: 65536)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePort(tc.port, "Server.Address")
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected an error, but got nil")
				} else if err.Error() != tc.errString {
					t.Errorf("expected error string '%s', but got '%s'", tc.errString, err.Error())
				}
			} else if err != nil {
				t.Errorf("expected no error, but got: %v", err)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Pipeline.MergeIoUThreshold != 0.3 {
		t.Errorf("Expected merge threshold 0.3, got %v", cfg.Pipeline.MergeIoUThreshold)
	}
	if cfg.Pipeline.PaddingRatio != 0.10 {
		t.Errorf("Expected padding ratio 0.10, got %v", cfg.Pipeline.PaddingRatio)
	}
}

func TestPipelineConfig_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*PipelineConfig)
	}{
		{"pii threshold above one", func(c *PipelineConfig) { c.PIIConfidenceThreshold = 1.5 }},
		{"negative face threshold", func(c *PipelineConfig) { c.FaceConfidenceThreshold = -0.1 }},
		{"zero merge threshold", func(c *PipelineConfig) { c.MergeIoUThreshold = 0 }},
		{"zero dpi", func(c *PipelineConfig) { c.RenderDPI = 0 }},
		{"huge dpi", func(c *PipelineConfig) { c.RenderDPI = 5000 }},
		{"unknown style", func(c *PipelineConfig) { c.RedactionStyle = "crayon" }},
		{"unknown ocr mode", func(c *PipelineConfig) { c.OCRMode = "sometimes" }},
		{"unknown category", func(c *PipelineConfig) { c.PIICategories = []string{"email", "shoe-size"} }},
		{"padding above one", func(c *PipelineConfig) { c.PaddingRatio = 2 }},
		{"zero concurrency", func(c *PipelineConfig) { c.Concurrency = 0 }},
		{"bad fill color", func(c *PipelineConfig) { c.FillColor = "black" }},
		{"bad custom pattern", func(c *PipelineConfig) { c.CustomPatterns = map[string]string{"badge": "(["} }},
		{"zero blur strength", func(c *PipelineConfig) { c.BlurStrength = 0 }},
		{"jpeg quality out of range", func(c *PipelineConfig) { c.JPEGQuality = 101 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultPipelineConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error, but got nil")
			}
			if !document.IsKind(err, document.ErrorKindConfig) {
				t.Errorf("expected config error, got %v", err)
			}
		})
	}
}

func TestPipelineConfig_Categories(t *testing.T) {
	cfg := DefaultPipelineConfig()
	if !cfg.CategoryEnabled(document.CategoryIBAN) {
		t.Error("Expected empty category set to enable every category")
	}

	cfg.PIICategories = []string{"PERSON", "email", "Badge Number"}
	cfg.CustomPatterns = map[string]string{"badge_number": `B-\d{6}`}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	for _, want := range []string{document.CategoryPersonName, document.CategoryEmail, "badge-number"} {
		if !cfg.CategoryEnabled(want) {
			t.Errorf("Expected category %q to be enabled", want)
		}
	}
	if cfg.CategoryEnabled(document.CategoryPhone) {
		t.Error("Expected phone to be disabled")
	}
}

func TestPipelineConfig_AvailableCategories(t *testing.T) {
	cfg := DefaultPipelineConfig()
	builtin := cfg.AvailableCategories()
	if len(builtin) != len(document.SupportedCategories()) {
		t.Fatalf("Expected only built-in categories, got %v", builtin)
	}

	cfg.CustomPatterns = map[string]string{"Badge Number": `B-\d{6}`, "employee_id": `E\d+`, "email": `x`}
	got := cfg.AvailableCategories()
	tail := got[len(builtin):]
	if len(tail) != 2 || tail[0] != "badge-number" || tail[1] != "employee-id" {
		t.Errorf("Expected custom categories after the built-in ones, got %v", tail)
	}
}

func TestServerConfig_CheckRequestLimits(t *testing.T) {
	server := DefaultConfig().Server
	base := DefaultPipelineConfig()
	base.Concurrency = 4

	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		wantErr bool
	}{
		{"defaults", func(*PipelineConfig) {}, false},
		{"dpi at the limit", func(c *PipelineConfig) { c.RenderDPI = 300 }, false},
		{"dpi above the limit", func(c *PipelineConfig) { c.RenderDPI = 1200 }, true},
		{"ocr dpi above the limit", func(c *PipelineConfig) { c.OCRDPI = 600 }, true},
		{"lower concurrency", func(c *PipelineConfig) { c.Concurrency = 1 }, false},
		{"higher concurrency", func(c *PipelineConfig) { c.Concurrency = 64 }, true},
		{"unbounded page timeout", func(c *PipelineConfig) { c.PageTimeout = 0 }, true},
		{"longer page timeout", func(c *PipelineConfig) { c.PageTimeout = Duration(time.Hour) }, true},
		{"shorter page timeout", func(c *PipelineConfig) { c.PageTimeout = Duration(time.Second) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := base
			tt.mutate(&run)
			err := server.CheckRequestLimits(run, base)
			if tt.wantErr && !document.IsKind(err, document.ErrorKindConfig) {
				t.Errorf("Expected ConfigError, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestConfigValidate_RenderDPIAboveServerLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.RenderDPI = 400
	if err := cfg.Validate(); !document.IsKind(err, document.ErrorKindConfig) {
		t.Errorf("Expected ConfigError, got %v", err)
	}
	cfg.Server.MaxRenderDPI = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected no error without a server limit, got %v", err)
	}
}

func TestPipelineConfig_FillRGBA(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.FillColor = "#ff8000"
	if got := cfg.FillRGBA(); got != (color.RGBA{R: 0xff, G: 0x80, B: 0x00, A: 0xff}) {
		t.Errorf("Expected orange, got %v", got)
	}
}

func TestPipelineConfig_WithOverrides(t *testing.T) {
	base := DefaultPipelineConfig()
	got, err := base.WithOverrides([]byte(`{"redaction_style":"pixelate","pii_categories":["email"],"page_timeout":"5s"}`))
	if err != nil {
		t.Fatalf("WithOverrides failed: %v", err)
	}
	if got.RedactionStyle != StylePixelate {
		t.Errorf("Expected pixelate, got %s", got.RedactionStyle)
	}
	if got.PageTimeout.Std() != 5*time.Second {
		t.Errorf("Expected 5s page timeout, got %s", got.PageTimeout.Std())
	}
	if base.RedactionStyle != StyleOpaqueBox || len(base.PIICategories) != 0 {
		t.Error("Expected overrides to leave the base config untouched")
	}

	if _, err := base.WithOverrides([]byte(`{"render_dpi":`)); !document.IsKind(err, document.ErrorKindConfig) {
		t.Errorf("Expected config error for malformed overrides, got %v", err)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deid.yaml")
	content := `
pipeline:
  render_dpi: 150
  redaction_style: gaussian-blur
  pii_categories: [person-name, email]
  page_timeout: 45s
server:
  address: ":9090"
  read_timeout: 20s
database:
  driver: postgres
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := LoadFromFile(path, cfg); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Pipeline.RenderDPI != 150 {
		t.Errorf("Expected render dpi 150, got %d", cfg.Pipeline.RenderDPI)
	}
	if cfg.Pipeline.RedactionStyle != StyleGaussianBlur {
		t.Errorf("Expected gaussian-blur, got %s", cfg.Pipeline.RedactionStyle)
	}
	if cfg.Pipeline.PageTimeout.Std() != 45*time.Second {
		t.Errorf("Expected 45s page timeout, got %s", cfg.Pipeline.PageTimeout.Std())
	}
	if cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("Expected 20s read timeout, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Errorf("Expected postgres driver, got %s", cfg.Database.Driver)
	}
	// Untouched fields keep their defaults.
	if cfg.Pipeline.JPEGQuality != 95 {
		t.Errorf("Expected default jpeg quality 95, got %d", cfg.Pipeline.JPEGQuality)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DEID_REDACT_PII", "false")
	t.Setenv("DEID_PII_CATEGORIES", "email, phone")
	t.Setenv("DEID_RENDER_DPI", "300")
	t.Setenv("DEID_REDACTION_STYLE", "pixelate")
	t.Setenv("DEID_PAGE_TIMEOUT", "10s")
	t.Setenv("DB_ENABLED", "false")
	t.Setenv("LOG_FORMAT", "json")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Pipeline.RedactPII {
		t.Error("Expected redact_pii to be disabled")
	}
	if len(cfg.Pipeline.PIICategories) != 2 || cfg.Pipeline.PIICategories[1] != "phone" {
		t.Errorf("Expected [email phone], got %v", cfg.Pipeline.PIICategories)
	}
	if cfg.Pipeline.RenderDPI != 300 {
		t.Errorf("Expected render dpi 300, got %d", cfg.Pipeline.RenderDPI)
	}
	if cfg.Pipeline.RedactionStyle != StylePixelate {
		t.Errorf("Expected pixelate, got %s", cfg.Pipeline.RedactionStyle)
	}
	if cfg.Pipeline.PageTimeout.Std() != 10*time.Second {
		t.Errorf("Expected 10s page timeout, got %s", cfg.Pipeline.PageTimeout.Std())
	}
	if cfg.Database.Enabled {
		t.Error("Expected database to be disabled")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected json log format, got %s", cfg.Logging.Format)
	}
}
