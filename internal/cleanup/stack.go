// Package cleanup implements the explicit resource-acquisition stack
// called for by the "implicit resource cleanup via interpreter teardown"
// design note: every acquired resource (VMM child, staged disk, socket,
// log, mount) is registered on acquisition, and the stack unwinds in
// reverse-acquisition order on every exit path, including signals.
package cleanup

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Func is one cleanup step. It must be safe to call when the resource it
// guards was never fully acquired, and safe to call more than once.
type Func func() error

// Stack is a LIFO sequence of cleanup steps, run-once and reentrancy-safe.
// Reentrancy safety comes from each registered Func itself checking
// existence before acting (see internal/lifecycle); Stack only guarantees
// it will not run the same snapshot of steps twice concurrently.
type Stack struct {
	mu    sync.Mutex
	steps []namedFunc
	ran   bool
}

type namedFunc struct {
	name string
	fn   Func
}

// Push registers a cleanup step. Steps run in reverse push order.
func (s *Stack) Push(name string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, namedFunc{name, fn})
}

// Unwind runs every registered step in reverse order, aggregating all
// errors rather than stopping at the first. Calling Unwind more than
// once is a no-op after the first call returns.
func (s *Stack) Unwind() error {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil
	}
	s.ran = true
	steps := s.steps
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(); err != nil {
			result = multierror.Append(result, &stepError{steps[i].name, err})
		}
	}
	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}

type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }
