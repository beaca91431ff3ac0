//go:build !windows

package runguard

import "golang.org/x/sys/unix"

// requestStop delivers the cooperative stop signal to pid.
func requestStop(pid int) error {
	return unix.Kill(pid, unix.SIGUSR1)
}
