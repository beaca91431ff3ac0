//go:build windows

package main

import (
	"os"
	"syscall"
)

var signalsToHandle = []os.Signal{os.Interrupt, syscall.SIGTERM}
