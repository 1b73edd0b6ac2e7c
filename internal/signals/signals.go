// Package signals implements the Signal & Cleanup Handler (C9):
// translating host termination signals into context cancellation so
// that an in-flight invocation's own cleanup stack unwinds normally
// (rather than being skipped by a bare os.Exit), followed by process
// exit with 128+signal once the invocation has returned.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// WithCancel derives a context that is cancelled the first time SIGINT
// or SIGTERM arrives. A second signal while cleanup is already in
// progress is ignored (cleanup is reentrancy-safe by construction, and
// the context is only cancelled once). Call stop when the guarded
// invocation has returned normally, to release the signal handler.
//
// code reports the exit code to use (128+signum) once a signal has
// actually fired; ok is false if the invocation finished before any
// signal arrived.
func WithCancel(parent context.Context, logger *zap.Logger) (ctx context.Context, code func() (int, bool), stop func()) {
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	var mu sync.Mutex
	var exitCode int
	var fired bool

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			mu.Lock()
			fired = true
			if s, ok := sig.(syscall.Signal); ok {
				exitCode = 128 + int(s)
			} else {
				exitCode = 128
			}
			mu.Unlock()
			logger.Warn("received signal, cancelling invocation", zap.String("signal", sig.String()))
			cancel()
		case <-done:
		}
	}()

	code = func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		return exitCode, fired
	}
	stop = func() {
		signal.Stop(ch)
		close(done)
		cancel()
	}
	return ctx, code, stop
}
