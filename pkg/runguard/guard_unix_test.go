//go:build !windows

package runguard_test

import (
	"errors"
	"os"
	"os/signal"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gliderbase/gliderbase/pkg/runguard"
)

// The lock holder here is the test process itself, with SIGUSR1 swallowed
// so the stop request has no effect. Acquire must give up after the wait
// budget and leave the lock untouched.
func TestAcquireTimesOutOnUnyieldingHolder(t *testing.T) {
	dir := t.TempDir()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGUSR1)
	defer signal.Stop(sigChan)

	if err := os.WriteFile(lockPath(dir), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	_, err := runguard.Acquire(dir, runguard.WithWait(time.Second))
	if !errors.Is(err, runguard.ErrPreviousRunActive) {
		t.Fatalf("err = %v, want ErrPreviousRunActive", err)
	}

	select {
	case <-sigChan:
	case <-time.After(time.Second):
		t.Fatalf("stop signal was never delivered")
	}

	if got := readPid(t, lockPath(dir)); got != os.Getpid() {
		t.Fatalf("lock must be left held by the original pid, got %d", got)
	}
}
