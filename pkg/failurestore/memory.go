package failurestore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by orchestrator tests; it
// mirrors the PostgresStore's filtering/statistics semantics without a
// live database.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*FailedRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[int64]*FailedRecord{}}
}

func (m *MemoryStore) Append(_ context.Context, rec *FailedRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *rec
	cp.ID = m.nextID
	cp.Status = StatusPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.records[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) AppendBatch(ctx context.Context, recs []*FailedRecord) error {
	for _, rec := range recs {
		if _, err := m.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Get mirrors PostgresStore.Get.
func (m *MemoryStore) Get(_ context.Context, id int64) (*FailedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*FailedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FailedRecord
	for _, rec := range m.records {
		if matches(rec, filter) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, filter ListFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.records {
		if matches(rec, filter) {
			n++
		}
	}
	return n, nil
}

func matches(rec *FailedRecord, filter ListFilter) bool {
	if filter.Table != "" && rec.TableName != filter.Table {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Stage != "" && rec.Stage != filter.Stage {
		return false
	}
	return true
}

func (m *MemoryStore) MarkResolved(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.Status = StatusResolved
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) MarkIgnored(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.Status = StatusIgnored
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) IncrementRetry(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, nil
	}
	rec.RetryCount++
	rec.Status = StatusRetrying
	rec.UpdatedAt = time.Now()
	return rec.RetryCount, nil
}

func (m *MemoryStore) Statistics(_ context.Context) (Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Statistics{ByStatus: map[Status]int64{}, ByTable: map[string]int64{}, ByStage: map[Stage]int64{}}
	for _, rec := range m.records {
		stats.Total++
		stats.ByStatus[rec.Status]++
		if rec.Status == StatusPending {
			stats.ByTable[rec.TableName]++
			stats.ByStage[rec.Stage]++
		}
	}
	return stats, nil
}

func (m *MemoryStore) ExistingIDs(_ context.Context, table string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := map[string]struct{}{}
	for _, rec := range m.records {
		if rec.TableName == table {
			ids[rec.SourceRecordID] = struct{}{}
		}
	}
	return ids, nil
}

// Purge mirrors PostgresStore.Purge for tests exercising retention.
func (m *MemoryStore) Purge(_ context.Context, olderThan time.Time, terminalOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if rec.CreatedAt.After(olderThan) {
			continue
		}
		if terminalOnly && rec.Status != StatusResolved && rec.Status != StatusIgnored {
			continue
		}
		delete(m.records, id)
		n++
	}
	return n, nil
}
