package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/pipeline"
)

// PostgresStore implements ReportStore for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and creates the reports table
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTableIfNotExists(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func createTableIfNotExists(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS reports (
		id SERIAL PRIMARY KEY,
		run_id VARCHAR(64) NOT NULL UNIQUE,
		document_type VARCHAR(16) NOT NULL,
		page_count INTEGER NOT NULL,
		pii_total INTEGER NOT NULL DEFAULT 0,
		faces_redacted INTEGER NOT NULL DEFAULT 0,
		degraded_pages INTEGER NOT NULL DEFAULT 0,
		report JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at);
	`

	_, err := db.ExecContext(ctx, query)
	return err
}

// SaveReport stores a report. Saving the same run twice replaces it.
func (p *PostgresStore) SaveReport(ctx context.Context, report *pipeline.Report) error {
	data, err := encodeReport(report)
	if err != nil {
		return err
	}
	sum := summarize(report, createdAt(report))

	query := `
	INSERT INTO reports (run_id, document_type, page_count, pii_total, faces_redacted, degraded_pages, report, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (run_id)
	DO UPDATE SET
		document_type = EXCLUDED.document_type,
		page_count = EXCLUDED.page_count,
		pii_total = EXCLUDED.pii_total,
		faces_redacted = EXCLUDED.faces_redacted,
		degraded_pages = EXCLUDED.degraded_pages,
		report = EXCLUDED.report
	`
	_, err = p.db.ExecContext(ctx, query,
		sum.RunID, sum.DocumentType, sum.PageCount, sum.PIITotal, sum.FacesRedacted, sum.DegradedPages,
		string(data), sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// GetReport retrieves a report by run id
func (p *PostgresStore) GetReport(ctx context.Context, runID string) (*pipeline.Report, bool, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE run_id = $1`, runID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	report, err := decodeReport(data)
	if err != nil {
		return nil, false, err
	}
	return report, true, nil
}

// ListReports returns report summaries, newest first
func (p *PostgresStore) ListReports(ctx context.Context, limit, offset int) ([]ReportSummary, error) {
	limit, offset = PageBounds(limit, offset)
	query := `
	SELECT run_id, document_type, page_count, pii_total, faces_redacted, degraded_pages, created_at
	FROM reports
	ORDER BY created_at DESC, id DESC
	LIMIT $1 OFFSET $2
	`
	rows, err := p.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	summaries := []ReportSummary{}
	for rows.Next() {
		var sum ReportSummary
		if err := rows.Scan(&sum.RunID, &sum.DocumentType, &sum.PageCount, &sum.PIITotal, &sum.FacesRedacted, &sum.DegradedPages, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// CountReports returns the total number of reports
func (p *PostgresStore) CountReports(ctx context.Context) (int, error) {
	var count int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get reports count: %w", err)
	}
	return count, nil
}

// CleanupOldReports removes reports older than specified duration
func (p *PostgresStore) CleanupOldReports(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
	DELETE FROM reports
	WHERE created_at < NOW() - INTERVAL '%d seconds'
	`

	result, err := p.db.ExecContext(ctx, fmt.Sprintf(query, int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
