package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/pipeline"
)

// newTestStore creates a temporary SQLite store for testing.
// The database file is automatically cleaned up when the test finishes.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testReport(runID string, started time.Time) *pipeline.Report {
	return &pipeline.Report{
		RunID:         runID,
		DocumentType:  document.TypePDF,
		PageCount:     3,
		PIITotal:      2,
		PIIByCategory: map[string]int{document.CategoryPersonName: 1, document.CategoryEmail: 1},
		FacesRedacted: 1,
		DegradedPages: []int{1},
		Warnings:      []pipeline.Warning{{Page: 1, Detector: "face", Kind: document.ErrorKindDetector, Message: "classifier crashed"}},
		Pages: []pipeline.PageReport{{
			Index:  0,
			Status: pipeline.PageSuccess,
			PII:    2,
			Regions: []pipeline.RegionReport{{
				Kind: document.KindPIIText, Category: document.CategoryEmail, Confidence: 0.99,
				Box: document.Rect{X0: 10, Y0: 20, X1: 110, Y1: 40}, Provenance: document.ProvenanceVectorText, Sources: 1,
			}},
		}},
		StartedAt:  started,
		DurationMS: 42,
	}
}

// exerciseStore runs the behaviour every ReportStore must share.
func exerciseStore(t *testing.T, s ReportStore) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	for i := 0; i < 3; i++ {
		if err := s.SaveReport(ctx, testReport(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveReport failed: %v", err)
		}
	}

	got, found, err := s.GetReport(ctx, "run-1")
	if err != nil || !found {
		t.Fatalf("Expected to find run-1, got found=%v err=%v", found, err)
	}
	if got.PIITotal != 2 || got.PIIByCategory[document.CategoryEmail] != 1 {
		t.Errorf("Unexpected report counts %+v", got)
	}
	if len(got.Pages) != 1 || got.Pages[0].Regions[0].Box.X1 != 110 {
		t.Errorf("Expected page regions to round-trip, got %+v", got.Pages)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Detector != "face" {
		t.Errorf("Expected warnings to round-trip, got %+v", got.Warnings)
	}

	if _, found, err := s.GetReport(ctx, "missing"); err != nil || found {
		t.Errorf("Expected missing report not to be found, got found=%v err=%v", found, err)
	}

	list, err := s.ListReports(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(list) != 2 || list[0].RunID != "run-2" || list[1].RunID != "run-1" {
		t.Fatalf("Expected newest first, got %+v", list)
	}
	if list[0].DegradedPages != 1 || list[0].FacesRedacted != 1 || list[0].DocumentType != "pdf" {
		t.Errorf("Unexpected summary %+v", list[0])
	}
	if !list[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("Expected created_at %v, got %v", base.Add(2*time.Minute), list[0].CreatedAt)
	}

	rest, err := s.ListReports(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(rest) != 1 || rest[0].RunID != "run-0" {
		t.Errorf("Expected run-0 on the second page, got %+v", rest)
	}

	// saving again replaces instead of duplicating
	updated := testReport("run-1", base.Add(time.Minute))
	updated.PIITotal = 7
	if err := s.SaveReport(ctx, updated); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	count, err := s.CountReports(ctx)
	if err != nil || count != 3 {
		t.Errorf("Expected 3 reports, got %d (err %v)", count, err)
	}
	got, _, _ = s.GetReport(ctx, "run-1")
	if got.PIITotal != 7 {
		t.Errorf("Expected updated report, got PII %d", got.PIITotal)
	}

	if err := s.SaveReport(ctx, &pipeline.Report{}); err == nil {
		t.Error("Expected error for report without run id")
	}

	removed, err := s.CleanupOldReports(ctx, 90*time.Minute)
	if err != nil || removed != 0 {
		t.Errorf("Expected nothing older than 90m, removed %d (err %v)", removed, err)
	}
	removed, err = s.CleanupOldReports(ctx, 30*time.Minute)
	if err != nil || removed != 3 {
		t.Errorf("Expected 3 reports older than 30m, removed %d (err %v)", removed, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newTestStore(t))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(10))
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "reports.db")
	s, err := NewSQLiteStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created in nested directory")
	}
}

func TestMemoryStore_Retention(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.SaveReport(ctx, testReport(fmt.Sprintf("run-%d", i), time.Time{})); err != nil {
			t.Fatal(err)
		}
	}
	if count, _ := s.CountReports(ctx); count != 2 {
		t.Errorf("Expected 2 retained reports, got %d", count)
	}
	if _, found, _ := s.GetReport(ctx, "run-0"); found {
		t.Error("Expected the oldest report to be evicted")
	}
	if _, found, _ := s.GetReport(ctx, "run-3"); !found {
		t.Error("Expected the newest report to be kept")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	report := testReport("run", time.Now())
	if err := s.SaveReport(ctx, report); err != nil {
		t.Fatal(err)
	}
	report.PIITotal = 99

	got, _, _ := s.GetReport(ctx, "run")
	got.PIIByCategory["email"] = 50
	again, _, _ := s.GetReport(ctx, "run")
	if again.PIITotal != 2 || again.PIIByCategory["email"] != 1 {
		t.Errorf("Expected stored report to be unaffected by caller changes, got %+v", again)
	}
}

func TestPageBounds(t *testing.T) {
	tests := []struct{ limit, offset, wantLimit, wantOffset int }{
		{0, 0, DefaultListLimit, 0},
		{10, -5, 10, 0},
		{10000, 3, MaxListLimit, 3},
	}
	for _, tt := range tests {
		l, o := PageBounds(tt.limit, tt.offset)
		if l != tt.wantLimit || o != tt.wantOffset {
			t.Errorf("PageBounds(%d, %d): expected %d, %d, got %d, %d", tt.limit, tt.offset, tt.wantLimit, tt.wantOffset, l, o)
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.DatabaseConfig{Enabled: false, MaxReports: 5}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Expected a memory store when storage is disabled, got %T", s)
	}

	s, err = Open(ctx, config.DatabaseConfig{Enabled: true, Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "r.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("Expected a SQLite store, got %T", s)
	}

	if _, err := Open(ctx, config.DatabaseConfig{Enabled: true, Driver: "mongo"}, zerolog.Nop()); err == nil {
		t.Error("Expected error for unknown driver")
	}
}
