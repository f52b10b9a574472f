package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/siddontang/loggers"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/orchestrator"
)

// State is one position in the idle -> acquiring -> running -> releasing
// -> idle state machine (spec §4.8).
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateRunning
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateRunning:
		return "running"
	case StateReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// RunFunc invokes the Orchestrator for the given tables (or every
// configured table, if tables is empty); full selects a full resync.
type RunFunc func(ctx context.Context, tables []string, full bool) (*orchestrator.RunReport, error)

// FireResult records the outcome of one cron fire or manual trigger, for
// logging, for LastResult, and for Trigger's caller.
type FireResult struct {
	ScheduleID string
	Skipped    bool
	Report     *orchestrator.RunReport
	Err        error
}

// Scheduler operates the cron trigger and the single-writer lock. It owns
// no table-sync logic itself; it only decides when RunFunc is allowed to
// be called.
type Scheduler struct {
	lock   *Lock
	run    RunFunc
	logger loggers.Advanced
	cron   *cron.Cron

	mu    sync.Mutex
	state State

	lastResult *FireResult
}

// New builds a Scheduler guarded by an advisory lock at lockPath. Each cron
// fire invokes run with the tables and fullSync flag of the schedule entry
// registered via AddSchedule.
func New(lockPath string, run RunFunc) *Scheduler {
	return &Scheduler{
		lock:   NewLock(lockPath),
		run:    run,
		logger: logrus.New(),
		cron:   cron.New(),
	}
}

// SetLogger overrides the default logrus logger.
func (s *Scheduler) SetLogger(logger loggers.Advanced) { s.logger = logger }

// State reports the scheduler's current position in the state machine.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult reports the outcome of the most recent fire, or nil if none
// has happened yet.
func (s *Scheduler) LastResult() *FireResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// AddSchedule registers one cron-triggered job. Disabled entries are
// accepted but never scheduled.
func (s *Scheduler) AddSchedule(entry config.ScheduleEntry) error {
	if !entry.Enabled {
		return nil
	}
	_, err := s.cron.AddFunc(entry.CronExpression, func() { s.fire(entry) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", entry.ID, err)
	}
	return nil
}

// Start reclaims any stale lock left by a crashed prior instance, then
// starts the cron loop in the background.
func (s *Scheduler) Start() error {
	if err := ReclaimStale(s.lock.path); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and returns a context that is done once any
// in-flight run has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// fire is the cron callback: acquire-or-coalesce, run, release.
func (s *Scheduler) fire(entry config.ScheduleEntry) {
	result := s.runGuarded(context.Background(), entry.ID, entry.Tables, entry.FullSync)
	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
	if result.Skipped {
		s.logger.Infof("schedule %s coalesced: a run is already in progress", entry.ID)
		return
	}
	if result.Err != nil {
		s.logger.Errorf("schedule %s failed: %v", entry.ID, result.Err)
	}
}

// Trigger runs the manual-sync path. It shares the same lock and state
// machine as cron fires: if a run is already in progress, the caller is
// told "skipped" rather than being queued (spec §4.8).
func (s *Scheduler) Trigger(ctx context.Context, tables []string, full bool) *FireResult {
	result := s.runGuarded(ctx, "manual", tables, full)
	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
	return result
}

// runGuarded implements the idle -> acquiring -> running -> releasing ->
// idle transitions shared by cron fires and manual triggers.
func (s *Scheduler) runGuarded(ctx context.Context, scheduleID string, tables []string, full bool) *FireResult {
	if !s.transition(StateIdle, StateAcquiring) {
		return &FireResult{ScheduleID: scheduleID, Skipped: true}
	}

	ok, err := s.lock.TryAcquire()
	if err != nil {
		s.setState(StateIdle)
		return &FireResult{ScheduleID: scheduleID, Err: fmt.Errorf("acquiring lock: %w", err)}
	}
	if !ok {
		s.setState(StateIdle)
		return &FireResult{ScheduleID: scheduleID, Skipped: true}
	}

	s.setState(StateRunning)
	defer func() {
		s.setState(StateReleasing)
		if err := s.lock.Release(); err != nil {
			s.logger.Errorf("releasing scheduler lock: %v", err)
		}
		s.setState(StateIdle)
	}()

	started := time.Now()
	report, runErr := s.run(ctx, tables, full)
	s.logger.Infof("schedule %s run finished in %s", scheduleID, time.Since(started))
	return &FireResult{ScheduleID: scheduleID, Report: report, Err: runErr}
}

func (s *Scheduler) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Scheduler) setState(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}
