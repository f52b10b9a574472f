package checkpointstore

import (
	"context"
	"sync"
	"time"

	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

// MemoryStore is an embedded, in-process Store implementation (spec §4.1:
// "an acceptable implementation is a local embedded key-value store").
// It satisfies the same crash-safe-per-call contract within a process
// lifetime and is used by orchestrator/scheduler tests so they do not
// require a live Postgres instance.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*Checkpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*Checkpoint{}}
}

func (m *MemoryStore) Get(_ context.Context, table string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[table]
	if !ok {
		return nil, nil
	}
	copied := *cp
	return &copied, nil
}

func (m *MemoryStore) StartRun(_ context.Context, table, runID string, totalEstimate int64) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[table]
	if ok && cp.Status == StatusRunning && cp.RunID != runID {
		return nil, &synerr.CheckpointConflictError{
			Table:  table,
			Reason: "checkpoint already running under runId " + cp.RunID,
		}
	}
	if !ok {
		cp = &Checkpoint{
			Table:  table,
			LastTs: rowvalue.Null(rowvalue.KindTimestamp),
			LastPk: rowvalue.Null(rowvalue.KindString),
		}
		m.rows[table] = cp
	}
	cp.Status = StatusRunning
	cp.RunID = runID
	cp.LastOffset = 0
	cp.StartedAt = time.Now()
	cp.UpdatedAt = cp.StartedAt
	copied := *cp
	return &copied, nil
}

func (m *MemoryStore) Advance(_ context.Context, table string, lastTs, lastPk rowvalue.Value, loadedCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[table]
	if !ok {
		cp = &Checkpoint{Table: table, LastTs: rowvalue.Null(rowvalue.KindTimestamp), LastPk: rowvalue.Null(rowvalue.KindString)}
		m.rows[table] = cp
	}
	if !cp.LastTs.IsNull() && !isStrictlyGreater(lastTs, lastPk, cp.LastTs, cp.LastPk) {
		return &synerr.CheckpointConflictError{
			Table:  table,
			Reason: "advance cursor did not strictly exceed stored cursor: monotonicity violation",
		}
	}
	cp.LastTs = lastTs
	cp.LastPk = lastPk
	cp.LastOffset += loadedCount
	cp.RecordsSynced += loadedCount
	cp.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CompleteRun(_ context.Context, table string, finalTs rowvalue.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[table]
	if !ok {
		return nil
	}
	cp.Status = StatusCompleted
	cp.LastOffset = 0
	cp.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FailRun(_ context.Context, table, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[table]
	if !ok {
		cp = &Checkpoint{Table: table}
		m.rows[table] = cp
	}
	cp.Status = StatusFailed
	cp.ErrorMessage = errMsg
	cp.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, table)
	return nil
}

func (m *MemoryStore) ListRunning(_ context.Context) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Checkpoint
	for _, cp := range m.rows {
		if cp.Status == StatusRunning {
			copied := *cp
			out = append(out, &copied)
		}
	}
	return out, nil
}
