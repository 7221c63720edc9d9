package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/internal/testpdf"
	"github.com/hannes/yaak-deid/pipeline"
	"github.com/hannes/yaak-deid/reconstruct"
	"github.com/hannes/yaak-deid/store"
)

// fakeRunner records the last call and returns a canned result.
type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	data   []byte
	cfg    config.PipelineConfig
	output *pipeline.Output
	err    error
}

func (f *fakeRunner) Run(_ context.Context, data []byte, cfg config.PipelineConfig) (*pipeline.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.data = data
	f.cfg = cfg
	return f.output, f.err
}

type fakeModels struct {
	healthy bool
}

func (f fakeModels) IsHealthy() bool { return f.healthy }

func (f fakeModels) GetInfo() map[string]interface{} {
	return map[string]interface{}{"detector": "fake", "healthy": f.healthy}
}

func successOutput(runID string) *pipeline.Output {
	return &pipeline.Output{
		Artifact: &reconstruct.Artifact{
			Data:        []byte("redacted-bytes"),
			ContentType: "application/pdf",
			Extension:   ".pdf",
			PageCount:   2,
		},
		Report: &pipeline.Report{
			RunID:         runID,
			DocumentType:  document.TypePDF,
			PageCount:     2,
			PIITotal:      3,
			PIIByCategory: map[string]int{document.CategoryEmail: 3},
			DegradedPages: []int{1},
			StartedAt:     time.Now().UTC(),
		},
	}
}

func newTestServer(t *testing.T, runner Runner, mutate func(*config.Config)) (*Server, *store.MemoryStore) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
	reports := store.NewMemoryStore(10)
	return NewServer(cfg, runner, reports, fakeModels{healthy: true}, zerolog.Nop()), reports
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		healthy bool
		want    string
	}{
		{"healthy models", true, "healthy"},
		{"unhealthy models", false, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(config.DefaultConfig(), &fakeRunner{}, store.NewMemoryStore(1), fakeModels{healthy: tt.healthy}, zerolog.Nop())
			rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", rec.Code)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Expected JSON body, got %v", err)
			}
			if body["status"] != tt.want {
				t.Errorf("Expected status %q, got %v", tt.want, body["status"])
			}
			if _, ok := body["models"]; !ok {
				t.Error("Expected model info in health response")
			}
		})
	}
}

func TestRedact_RawBody(t *testing.T) {
	runner := &fakeRunner{output: successOutput("run-1")}
	s, reports := newTestServer(t, runner, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/redact", strings.NewReader("%PDF-1.4 source"))
	req.Header.Set("Content-Type", "application/pdf")
	rec := serve(s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderRunID); got != "run-1" {
		t.Errorf("Expected run id header run-1, got %q", got)
	}
	if got := rec.Header().Get(HeaderDegradedPages); got != "1" {
		t.Errorf("Expected 1 degraded page, got %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Expected artifact content type, got %q", got)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), `filename="redacted.pdf"`) {
		t.Errorf("Unexpected Content-Disposition %q", rec.Header().Get("Content-Disposition"))
	}
	if rec.Body.String() != "redacted-bytes" {
		t.Errorf("Expected artifact bytes, got %q", rec.Body.String())
	}
	if string(runner.data) != "%PDF-1.4 source" {
		t.Errorf("Expected runner to receive the body, got %q", runner.data)
	}
	if runner.cfg.RedactionStyle != config.StyleOpaqueBox {
		t.Errorf("Expected default pipeline config, got style %s", runner.cfg.RedactionStyle)
	}

	saved, found, err := reports.GetReport(context.Background(), "run-1")
	if err != nil || !found {
		t.Fatalf("Expected report to be saved, found=%v err=%v", found, err)
	}
	if saved.PIITotal != 3 {
		t.Errorf("Expected saved PII total 3, got %d", saved.PIITotal)
	}
}

func TestRedact_JSONResponse(t *testing.T) {
	s, _ := newTestServer(t, &fakeRunner{output: successOutput("run-json")}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/redact", strings.NewReader("data"))
	req.Header.Set("Accept", "application/json")
	rec := serve(s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var body redactResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON body, got %v", err)
	}
	if string(body.Artifact) != "redacted-bytes" {
		t.Errorf("Expected base64 artifact to decode to the bytes, got %q", body.Artifact)
	}
	if body.ContentType != "application/pdf" || body.Extension != ".pdf" {
		t.Errorf("Unexpected artifact type %s %s", body.ContentType, body.Extension)
	}
	if body.Report == nil || body.Report.RunID != "run-json" {
		t.Errorf("Expected report for run-json, got %+v", body.Report)
	}
}

func TestRedact_MultipartWithConfig(t *testing.T) {
	runner := &fakeRunner{output: successOutput("run-mp")}
	s, _ := newTestServer(t, runner, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("jpeg-bytes")); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("config", `{"redaction_style":"gaussian-blur","redact_pii":false}`); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/redact?config=%7B%22redaction_style%22%3A%22pixelate%22%7D", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := serve(s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(runner.data) != "jpeg-bytes" {
		t.Errorf("Expected file field contents, got %q", runner.data)
	}
	if runner.cfg.RedactionStyle != config.StyleGaussianBlur {
		t.Errorf("Expected form config to win over the query, got %s", runner.cfg.RedactionStyle)
	}
	if runner.cfg.RedactPII {
		t.Error("Expected redact_pii override to be applied")
	}
	if !runner.cfg.BlurFaces {
		t.Error("Expected options absent from the override to keep their defaults")
	}
}

func TestRedact_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"empty body", "/v1/redact", "", http.StatusBadRequest},
		{"malformed config", "/v1/redact?config=%7Bbad", "data", http.StatusBadRequest},
		{"body over the limit", "/v1/redact", strings.Repeat("x", 100), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{output: successOutput("unused")}
			s, _ := newTestServer(t, runner, func(c *config.Config) { c.Server.MaxUploadBytes = 64 })
			rec := serve(s, httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body)))
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if runner.calls != 0 {
				t.Errorf("Expected the pipeline not to run, got %d calls", runner.calls)
			}
		})
	}
}

func TestRedact_RequestLimits(t *testing.T) {
	tests := []struct {
		name   string
		config string
		status int
	}{
		{"dpi within the limit", `{"render_dpi":300}`, http.StatusOK},
		{"dpi above the limit", `{"render_dpi":1200}`, http.StatusBadRequest},
		{"concurrency above the default", `{"concurrency":512}`, http.StatusBadRequest},
		{"page timeout disabled", `{"page_timeout":"0s"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{output: successOutput("run-limits")}
			s, _ := newTestServer(t, runner, func(c *config.Config) { c.Pipeline.Concurrency = 2 })

			req := httptest.NewRequest(http.MethodPost, "/v1/redact", strings.NewReader("%PDF-1.4 source"))
			req.URL.RawQuery = "config=" + url.QueryEscape(tt.config)
			rec := serve(s, req)
			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status != http.StatusOK && runner.calls != 0 {
				t.Errorf("Expected the pipeline not to run, got %d calls", runner.calls)
			}
		})
	}
}

func TestRedact_PipelineErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"config", document.ConfigError("unknown redaction style", nil), http.StatusBadRequest, "config"},
		{"input", document.InputError("unsupported container", nil), http.StatusBadRequest, "input"},
		{"reconstruction", document.ReconstructionError("page set mismatch", nil), http.StatusUnprocessableEntity, "reconstruction"},
		{"caller cancelled", document.CancelledError(context.Canceled), StatusClientClosedRequest, "cancelled"},
		{"deadline", document.CancelledError(context.DeadlineExceeded), http.StatusServiceUnavailable, "cancelled"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: &pipeline.PipelineError{RunID: "run-err", Stage: pipeline.StateReconstructing, Err: tt.err}}
			s, reports := newTestServer(t, runner, nil)

			rec := serve(s, httptest.NewRequest(http.MethodPost, "/v1/redact", strings.NewReader("data")))
			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if got := rec.Header().Get(HeaderRunID); got != "run-err" {
				t.Errorf("Expected run id header on failure, got %q", got)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Expected JSON error body, got %v", err)
			}
			if body.Kind != tt.kind {
				t.Errorf("Expected kind %q, got %q", tt.kind, body.Kind)
			}
			if body.Stage != string(pipeline.StateReconstructing) {
				t.Errorf("Expected stage %s, got %s", pipeline.StateReconstructing, body.Stage)
			}
			if n, _ := reports.CountReports(context.Background()); n != 0 {
				t.Errorf("Expected no report for a failed run, got %d", n)
			}
		})
	}
}

func TestRedact_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, &fakeRunner{output: successOutput("run-rl")}, func(c *config.Config) {
		c.Server.RateLimit = 0.001
		c.Server.RateBurst = 1
	})

	first := serve(s, httptest.NewRequest(http.MethodPost, "/v1/redact", strings.NewReader("data")))
	if first.Code != http.StatusOK {
		t.Fatalf("Expected first request to pass, got %d", first.Code)
	}
	second := serve(s, httptest.NewRequest(http.MethodPost, "/v1/redact", strings.NewReader("data")))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	// Report reads are not rate limited.
	if rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/reports", nil)); rec.Code != http.StatusOK {
		t.Errorf("Expected report listing to bypass the limiter, got %d", rec.Code)
	}
}

func TestInspect(t *testing.T) {
	s, _ := newTestServer(t, &fakeRunner{}, nil)
	pdf := testpdf.Build("Quarterly", testpdf.Page{{X: 72, Y: 700, Text: "hello"}}, testpdf.Page{})

	rec := serve(s, httptest.NewRequest(http.MethodPost, "/v1/inspect", bytes.NewReader(pdf)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var info map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Expected JSON body, got %v", err)
	}
	if info["page_count"] != float64(2) {
		t.Errorf("Expected 2 pages, got %v", info["page_count"])
	}
	if info["has_text"] != true {
		t.Errorf("Expected has_text true, got %v", info["has_text"])
	}

	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/inspect", strings.NewReader("not a document")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unreadable input, got %d", rec.Code)
	}
}

func TestCategories(t *testing.T) {
	t.Run("all enabled", func(t *testing.T) {
		s, _ := newTestServer(t, &fakeRunner{}, func(c *config.Config) {
			c.Pipeline.CustomPatterns = map[string]string{"badge_number": `B-\d{6}`}
		})
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/categories", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		var body categoriesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if len(body.Categories) != len(document.SupportedCategories())+1 {
			t.Errorf("Expected built-in plus one custom category, got %v", body.Categories)
		}
		if body.Categories[len(body.Categories)-1] != "badge-number" {
			t.Errorf("Expected custom category to be listed, got %v", body.Categories)
		}
		if len(body.Enabled) != 0 {
			t.Errorf("Expected no explicit selection, got %v", body.Enabled)
		}
	})

	t.Run("selection", func(t *testing.T) {
		s, _ := newTestServer(t, &fakeRunner{}, func(c *config.Config) {
			c.Pipeline.PIICategories = []string{"EMAIL", "person"}
		})
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/categories", nil))
		var body categoriesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if len(body.Enabled) != 2 {
			t.Errorf("Expected two enabled categories, got %v", body.Enabled)
		}
	})
}

func TestReports(t *testing.T) {
	s, reports := newTestServer(t, &fakeRunner{}, nil)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		r := successOutput(fmt.Sprintf("run-%d", i)).Report
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := reports.SaveReport(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("list pages newest first", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/reports?limit=2&offset=0", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		var body reportListResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Total != 3 {
			t.Errorf("Expected total 3, got %d", body.Total)
		}
		if len(body.Reports) != 2 {
			t.Fatalf("Expected 2 reports, got %d", len(body.Reports))
		}
		if body.Reports[0].RunID != "run-2" {
			t.Errorf("Expected newest report first, got %s", body.Reports[0].RunID)
		}
	})

	t.Run("reports effective paging", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/reports", nil))
		var body reportListResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Limit != store.DefaultListLimit || body.Offset != 0 {
			t.Errorf("Expected limit %d offset 0, got limit %d offset %d", store.DefaultListLimit, body.Limit, body.Offset)
		}
		if len(body.Reports) != 3 {
			t.Errorf("Expected every report on the first page, got %d", len(body.Reports))
		}
	})

	t.Run("invalid paging", func(t *testing.T) {
		for _, q := range []string{"limit=abc", "offset=-1"} {
			rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/reports?"+q, nil))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400 for %s, got %d", q, rec.Code)
			}
		}
	})

	t.Run("get by id", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/reports/run-1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		var report pipeline.Report
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatal(err)
		}
		if report.RunID != "run-1" || report.PIIByCategory[document.CategoryEmail] != 3 {
			t.Errorf("Unexpected report %+v", report)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/reports/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", rec.Code)
		}
	})
}

func TestCleanupReports(t *testing.T) {
	s, reports := newTestServer(t, &fakeRunner{}, nil)
	old := successOutput("old").Report
	old.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	fresh := successOutput("fresh").Report
	for _, r := range []*pipeline.Report{old, fresh} {
		if err := reports.SaveReport(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}

	s.cleanupReports(context.Background(), time.Hour)

	if _, found, _ := reports.GetReport(context.Background(), "old"); found {
		t.Error("Expected old report to be removed")
	}
	if _, found, _ := reports.GetReport(context.Background(), "fresh"); !found {
		t.Error("Expected fresh report to be kept")
	}
}
