//go:build windows

package runguard

import "errors"

// requestStop has no cooperative stop channel on Windows; callers fall
// back to waiting out the lock holder.
func requestStop(pid int) error {
	return errors.New("stop signal not supported on windows")
}
