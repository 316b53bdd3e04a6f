// Package test collects shared test helpers used across the module's
// package tests, including a goroutine-dumping test-level timeout guard.
package test

import (
	"os"
	"runtime/pprof"
	"time"
)

const testTimeout = 30 * time.Second

// Timeout arms a test-level deadline: if the returned func is not called
// within testTimeout, it dumps every goroutine stack and panics, turning a
// silently hung test into a diagnosable failure.
func Timeout() func() {
	done := make(chan struct{})

	go func() {
		select {
		case <-time.After(testTimeout):
			pprof.Lookup("goroutine").WriteTo(os.Stdout, 1) //nolint:errcheck

			panic("test timeout")
		case <-done:
		}
	}()

	return func() {
		close(done)
	}
}
