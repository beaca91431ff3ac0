//go:build !windows

package main

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalsToHandle stop the run cooperatively: SIGUSR1 is what a newer
// invocation sends through the run guard, the rest are operator
// interrupts.
var signalsToHandle = []os.Signal{unix.SIGUSR1, os.Interrupt, syscall.SIGTERM}
