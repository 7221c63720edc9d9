package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hannes/yaak-deid/pipeline"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteStore implements ReportStore for SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the SQLite report database
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "deid.db"
	}

	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createSQLiteTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			document_type TEXT NOT NULL,
			page_count INTEGER NOT NULL,
			pii_total INTEGER NOT NULL DEFAULT 0,
			faces_redacted INTEGER NOT NULL DEFAULT 0,
			degraded_pages INTEGER NOT NULL DEFAULT 0,
			report TEXT NOT NULL,
			created_at TEXT DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}
	return nil
}

// SaveReport stores a report. Saving the same run twice replaces it.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *pipeline.Report) error {
	data, err := encodeReport(report)
	if err != nil {
		return err
	}
	sum := summarize(report, createdAt(report))

	query := `
	INSERT INTO reports (run_id, document_type, page_count, pii_total, faces_redacted, degraded_pages, report, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (run_id)
	DO UPDATE SET
		document_type = excluded.document_type,
		page_count = excluded.page_count,
		pii_total = excluded.pii_total,
		faces_redacted = excluded.faces_redacted,
		degraded_pages = excluded.degraded_pages,
		report = excluded.report
	`
	_, err = s.db.ExecContext(ctx, query,
		sum.RunID, sum.DocumentType, sum.PageCount, sum.PIITotal, sum.FacesRedacted, sum.DegradedPages,
		string(data), sum.CreatedAt.Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// GetReport retrieves a report by run id
func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*pipeline.Report, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE run_id = ?`, runID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	report, err := decodeReport([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return report, true, nil
}

// ListReports returns report summaries, newest first
func (s *SQLiteStore) ListReports(ctx context.Context, limit, offset int) ([]ReportSummary, error) {
	limit, offset = PageBounds(limit, offset)
	query := `
	SELECT run_id, document_type, page_count, pii_total, faces_redacted, degraded_pages, created_at
	FROM reports
	ORDER BY created_at DESC, id DESC
	LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	summaries := []ReportSummary{}
	for rows.Next() {
		var sum ReportSummary
		var created string
		if err := rows.Scan(&sum.RunID, &sum.DocumentType, &sum.PageCount, &sum.PIITotal, &sum.FacesRedacted, &sum.DegradedPages, &created); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		sum.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// CountReports returns the total number of reports
func (s *SQLiteStore) CountReports(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get reports count: %w", err)
	}
	return count, nil
}

// CleanupOldReports removes reports older than specified duration
func (s *SQLiteStore) CleanupOldReports(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM reports WHERE created_at < datetime('now', ?)`
	modifier := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))

	result, err := s.db.ExecContext(ctx, query, modifier)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
