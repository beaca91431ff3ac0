// Package runguard serializes conversion runs over a mission directory.
// A lock file holds the PID of the active run; a newcomer asks the
// holder to stop via SIGUSR1 and waits, cleaning up orphaned locks left
// by dead processes.
package runguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/gliderbase/gliderbase/log"
)

var guardLog = log.GetLogger("runguard")

// LockFileName is created inside the mission directory for the duration
// of a run.
const LockFileName = ".conversion_lock"

// DefaultWait bounds how long Acquire waits for a live previous run to
// honor the stop request.
const DefaultWait = 60 * time.Second

// ErrPreviousRunActive means a live previous run did not exit within the
// wait budget. The caller must not proceed.
var ErrPreviousRunActive = errors.New("previous conversion still running")

// Guard is a held mission-directory lock.
type Guard struct {
	path     string
	released bool
}

// Option adjusts Acquire behavior.
type Option func(*options)

type options struct {
	wait   time.Duration
	ignore bool
}

// WithWait overrides the stop-request wait budget.
func WithWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.wait = d
		}
	}
}

// WithIgnoreExisting takes over a held lock without signaling or
// waiting. Operator escape hatch for a wedged previous run.
func WithIgnoreExisting() Option {
	return func(o *options) { o.ignore = true }
}

// Acquire takes the lock for missionDir. If a previous run holds it and
// is still alive, the holder is asked to stop and Acquire polls until it
// exits or the wait budget runs out, returning ErrPreviousRunActive on
// timeout. Locks held by dead PIDs are reclaimed.
func Acquire(missionDir string, opts ...Option) (*Guard, error) {
	o := options{wait: DefaultWait}
	for _, opt := range opts {
		opt(&o)
	}

	path := filepath.Join(missionDir, LockFileName)

	pid, err := readLockPid(path)
	if err != nil {
		return nil, err
	}
	if pid > 0 && !o.ignore {
		alive, err := process.PidExists(int32(pid))
		if err != nil {
			guardLog.Warnf("cannot probe pid %d from %s: %v", pid, path, err)
			alive = false
		}
		if alive {
			if err := waitForStop(pid, o.wait); err != nil {
				return nil, err
			}
		} else {
			guardLog.Warnf("removing orphaned lock %s left by dead pid %d", path, pid)
		}
	}

	if err := writeLockPid(path); err != nil {
		return nil, err
	}
	return &Guard{path: path}, nil
}

// waitForStop asks pid to stop and polls for its exit.
func waitForStop(pid int, wait time.Duration) error {
	guardLog.Infof("previous conversion (pid %d) still running, requesting stop", pid)
	if err := requestStop(pid); err != nil {
		return fmt.Errorf("signal previous conversion (pid %d): %w", pid, err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		alive, err := process.PidExists(int32(pid))
		if err != nil || !alive {
			guardLog.Infof("previous conversion (pid %d) exited", pid)
			return nil
		}
	}
	return fmt.Errorf("%w: pid %d ignored stop request for %s", ErrPreviousRunActive, pid, wait)
}

func readLockPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read lock file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		guardLog.Warnf("lock file %s holds garbage %q, reclaiming", path, strings.TrimSpace(string(data)))
		return 0, nil
	}
	return pid, nil
}

func writeLockPid(path string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write lock file %s: %w", path, err)
	}
	return nil
}

// Release removes the lock file. Safe to call more than once.
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		guardLog.Errorf("remove lock file %s: %v", g.path, err)
	}
}

// Path returns the lock file location. Used by tests and diagnostics.
func (g *Guard) Path() string {
	return g.path
}
