package store

import (
	"context"
	"sync"
	"time"

	"github.com/hannes/yaak-deid/pipeline"
)

// DefaultMaxReports is the retention of the in-memory store when no limit
// is configured.
const DefaultMaxReports = 1000

type memoryEntry struct {
	summary ReportSummary
	data    []byte
}

// MemoryStore keeps the newest reports in process memory. Reports are
// stored encoded, so callers cannot mutate stored state.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []memoryEntry // oldest first
	maxReports int
}

// NewMemoryStore creates a store that retains at most maxReports reports.
func NewMemoryStore(maxReports int) *MemoryStore {
	if maxReports <= 0 {
		maxReports = DefaultMaxReports
	}
	return &MemoryStore{maxReports: maxReports}
}

func (m *MemoryStore) SaveReport(_ context.Context, report *pipeline.Report) error {
	data, err := encodeReport(report)
	if err != nil {
		return err
	}
	entry := memoryEntry{summary: summarize(report, createdAt(report)), data: data}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.summary.RunID == report.RunID {
			entry.summary.CreatedAt = e.summary.CreatedAt
			m.entries[i] = entry
			return nil
		}
	}
	m.entries = append(m.entries, entry)
	if over := len(m.entries) - m.maxReports; over > 0 {
		m.entries = append([]memoryEntry(nil), m.entries[over:]...)
	}
	return nil
}

func (m *MemoryStore) GetReport(_ context.Context, runID string) (*pipeline.Report, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.summary.RunID == runID {
			report, err := decodeReport(e.data)
			if err != nil {
				return nil, false, err
			}
			return report, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) ListReports(_ context.Context, limit, offset int) ([]ReportSummary, error) {
	limit, offset = PageBounds(limit, offset)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []ReportSummary{}
	for i := len(m.entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i].summary)
	}
	return out, nil
}

func (m *MemoryStore) CountReports(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) CleanupOldReports(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.summary.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
