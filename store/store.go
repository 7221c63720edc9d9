// Package store persists run reports. Reports hold counts, boxes and
// warnings only, so nothing stored here is PII.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/pipeline"
)

// ReportStore defines the interface for report persistence
type ReportStore interface {
	// SaveReport stores the report of a completed run
	SaveReport(ctx context.Context, report *pipeline.Report) error

	// GetReport retrieves a report by run id
	GetReport(ctx context.Context, runID string) (*pipeline.Report, bool, error)

	// ListReports returns summaries, newest first
	ListReports(ctx context.Context, limit, offset int) ([]ReportSummary, error)

	// CountReports returns the total number of stored reports
	CountReports(ctx context.Context) (int, error)

	// CleanupOldReports removes reports older than the given duration
	CleanupOldReports(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases the underlying resources
	Close() error
}

// ReportSummary is the listing view of a stored report.
type ReportSummary struct {
	RunID         string    `json:"run_id"`
	DocumentType  string    `json:"document_type"`
	PageCount     int       `json:"page_count"`
	PIITotal      int       `json:"pii_total"`
	FacesRedacted int       `json:"faces_redacted"`
	DegradedPages int       `json:"degraded_pages"`
	CreatedAt     time.Time `json:"created_at"`
}

// Listing limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Open returns the store selected by cfg: in memory when storage is
// disabled, otherwise SQLite or Postgres.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (ReportStore, error) {
	logger = logger.With().Str("component", "store").Logger()
	if !cfg.Enabled {
		logger.Info().Int("max_reports", cfg.MaxReports).Msg("Keeping reports in memory")
		return NewMemoryStore(cfg.MaxReports), nil
	}
	switch cfg.Driver {
	case config.DriverSQLite, "":
		logger.Info().Str("path", cfg.Path).Msg("Opening SQLite report store")
		return NewSQLiteStore(ctx, cfg.Path)
	case config.DriverPostgres:
		logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Opening Postgres report store")
		return NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func summarize(r *pipeline.Report, createdAt time.Time) ReportSummary {
	return ReportSummary{
		RunID:         r.RunID,
		DocumentType:  string(r.DocumentType),
		PageCount:     r.PageCount,
		PIITotal:      r.PIITotal,
		FacesRedacted: r.FacesRedacted,
		DegradedPages: len(r.DegradedPages),
		CreatedAt:     createdAt,
	}
}

// createdAt is the run's start time, or now for reports without one.
func createdAt(r *pipeline.Report) time.Time {
	if r.StartedAt.IsZero() {
		return time.Now().UTC()
	}
	return r.StartedAt.UTC()
}

func encodeReport(r *pipeline.Report) ([]byte, error) {
	if r == nil || r.RunID == "" {
		return nil, fmt.Errorf("report without run id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}

func decodeReport(data []byte) (*pipeline.Report, error) {
	var r pipeline.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}

// PageBounds returns the limit and offset a list call actually uses.
func PageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
