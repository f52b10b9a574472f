// Package scheduler operates the cron-style trigger described in spec
// §4.8: fire on a schedule, serialize overlapping runs with a single
// process-wide lock, and coalesce fires that land while a run is still
// in flight rather than queuing them.
package scheduler

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// Lock is the single-writer advisory lock described in spec §4.8. It is
// backed by an OS-level flock (via github.com/gofrs/flock), which already
// gives the required "survives abrupt termination" property for free: the
// kernel releases the lock the moment the holding process dies, crash or
// not. The PID is still written into the lock file's contents, mirroring
// the original Python FileLock, so `status` can report who (if anyone)
// holds the lock.
type Lock struct {
	path string
	fl   *flock.Flock
}

// NewLock returns a Lock bound to path. The parent directory must exist.
func NewLock(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// TryAcquire attempts a non-blocking acquire, matching the scheduler's
// "acquisition succeeds non-blockingly" transition. ok is false (with a
// nil error) when another process already holds the lock.
func (l *Lock) TryAcquire() (ok bool, err error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = l.fl.Unlock()
		return false, err
	}
	return true, nil
}

// Release drops the lock and removes the lock file. Removal is best
// effort: a concurrent ReclaimStale racing the same file is harmless
// since the flock itself, not the file's existence, is authoritative.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HeldByPID reports the PID recorded in the lock file, for diagnostics
// only; it is never used to decide whether acquisition should succeed
// (TryAcquire's flock result is the sole source of truth there).
func HeldByPID(path string) (pid int, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// ReclaimStale removes path if it names a PID that is no longer running,
// per spec §4.8 ("any lock whose PID is no longer alive may be
// reclaimed"). Call it once at scheduler startup, before the first
// TryAcquire. It is a no-op if path doesn't exist or its process is
// alive; it never touches a lock that is actually held, since flock
// would simply fail TryAcquire in that case regardless of file contents.
func ReclaimStale(path string) error {
	pid, ok := HeldByPID(path)
	if !ok {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return os.Remove(path)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return os.Remove(path)
	}
	return nil
}
