package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/orchestrator"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "tablesync.lock")
}

func TestLockTryAcquireExcludesConcurrentHolder(t *testing.T) {
	path := lockPath(t)
	a := NewLock(path)
	b := NewLock(path)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release())

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release())
}

func TestHeldByPIDReportsLockFileContents(t *testing.T) {
	path := lockPath(t)
	l := NewLock(path)
	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Release()

	pid, ok := HeldByPID(path)
	require.True(t, ok)
	assert.Greater(t, pid, 0)
}

func TestReclaimStaleRemovesDeadProcessLock(t *testing.T) {
	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(999999999)), 0o644))

	require.NoError(t, ReclaimStale(path))

	_, ok := HeldByPID(path)
	assert.False(t, ok)
}

func TestTriggerRunsWhenIdle(t *testing.T) {
	var calledWith []string
	s := New(lockPath(t), func(ctx context.Context, tables []string, full bool) (*orchestrator.RunReport, error) {
		calledWith = tables
		return &orchestrator.RunReport{Status: "completed"}, nil
	})

	result := s.Trigger(context.Background(), []string{"users"}, false)
	require.False(t, result.Skipped)
	require.NoError(t, result.Err)
	assert.Equal(t, "completed", result.Report.Status)
	assert.Equal(t, []string{"users"}, calledWith)
	assert.Equal(t, StateIdle, s.State())
}

func TestTriggerSkipsWhileAnotherRunIsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(lockPath(t), func(ctx context.Context, tables []string, full bool) (*orchestrator.RunReport, error) {
		close(started)
		<-release
		return &orchestrator.RunReport{Status: "completed"}, nil
	})

	go s.Trigger(context.Background(), nil, false)
	<-started

	result := s.Trigger(context.Background(), nil, false)
	assert.True(t, result.Skipped)

	close(release)
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 10*time.Millisecond)
}

func TestAddScheduleSkipsDisabledEntries(t *testing.T) {
	s := New(lockPath(t), func(ctx context.Context, tables []string, full bool) (*orchestrator.RunReport, error) {
		return nil, nil
	})
	err := s.AddSchedule(config.ScheduleEntry{ID: "nightly", CronExpression: "0 2 * * *", Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, 0, len(s.cron.Entries()))
}

func TestAddScheduleRejectsInvalidCronExpression(t *testing.T) {
	s := New(lockPath(t), func(ctx context.Context, tables []string, full bool) (*orchestrator.RunReport, error) {
		return nil, nil
	})
	err := s.AddSchedule(config.ScheduleEntry{ID: "bad", CronExpression: "not a cron", Enabled: true})
	assert.Error(t, err)
}
