package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hannes/yaak-deid/config"
)

func TestNewLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "info", Format: "json", Service: "deid-test"}, &buf)
	l := Component(logger, "merger")
	l.Info().Int("page", 3).Msg("merged")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "deid-test" {
		t.Errorf("Expected service field 'deid-test', got %v", line["service"])
	}
	if line["component"] != "merger" {
		t.Errorf("Expected component field 'merger', got %v", line["component"])
	}
	if line["page"] != float64(3) {
		t.Errorf("Expected page 3, got %v", line["page"])
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info line to be filtered, got %q", buf.String())
	}
	logger.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("Expected warn line to be written")
	}
}

func TestReporter_DisabledWithoutDSN(t *testing.T) {
	r, err := NewReporter(config.SentryConfig{}, "test")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if r.Enabled() {
		t.Error("Expected reporter without DSN to be disabled")
	}
	// Must not panic.
	r.Capture(errors.New("boom"), map[string]string{"page": "1"})
	var nilReporter *Reporter
	nilReporter.Capture(errors.New("boom"), nil)
}
