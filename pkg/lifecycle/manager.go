package lifecycle

import (
	"errors"
	"sync"
	"time"

	"github.com/bft-labs/serialmux/pkg/log"
)

// Common lifecycle errors.
var (
	ErrNotRunning      = errors.New("not running")
	ErrAlreadyRunning  = errors.New("already running")
	ErrShutdownTimeout = errors.New("shutdown timeout")
)

// DefaultManager implements Manager with a mutex-guarded state machine and a
// wait group for worker goroutines.
type DefaultManager struct {
	mu           sync.RWMutex
	state        State
	wg           sync.WaitGroup
	logger       log.Logger
	eventEmitter EventEmitter
}

// NewManager creates a new lifecycle manager in StateStopped.
func NewManager(logger log.Logger, emitter EventEmitter) *DefaultManager {
	return &DefaultManager{
		state:        StateStopped,
		logger:       log.OrNoop(logger),
		eventEmitter: emitter,
	}
}

// State returns the current lifecycle state.
func (l *DefaultManager) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// TransitionTo attempts to transition to a new state.
// Returns an error if the transition is not valid.
func (l *DefaultManager) TransitionTo(newState State, reason string) error {
	l.mu.Lock()
	oldState := l.state
	if err := validTransition(oldState, newState); err != nil {
		l.mu.Unlock()
		return err
	}
	l.state = newState
	l.mu.Unlock()

	// Emit outside the lock so handlers may query State.
	if l.eventEmitter != nil {
		l.eventEmitter.OnStateChange(oldState, newState, reason)
	}

	l.logger.Info("state transition",
		log.String("from", oldState.String()),
		log.String("to", newState.String()),
		log.String("reason", reason),
	)
	return nil
}

func validTransition(from, to State) error {
	switch from {
	case StateStopped:
		if to != StateStarting {
			return ErrNotRunning
		}
	case StateStarting:
		if to != StateRunning && to != StateStopping && to != StateCrashed {
			return ErrAlreadyRunning
		}
	case StateRunning:
		if to != StateStopping && to != StateCrashed {
			return ErrAlreadyRunning
		}
	case StateStopping:
		if to != StateStopped && to != StateCrashed {
			return ErrAlreadyRunning
		}
	case StateCrashed:
		if to != StateStarting {
			return ErrNotRunning
		}
	}
	return nil
}

// CanStart returns true if Start() can be called.
func (l *DefaultManager) CanStart() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateStopped || l.state == StateCrashed
}

// CanStop returns true if Stop() can be called.
func (l *DefaultManager) CanStop() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateRunning || l.state == StateStarting
}

// Go runs fn in a new goroutine tracked by WaitWithTimeout.
func (l *DefaultManager) Go(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// WaitWithTimeout waits for all workers to finish with a timeout.
// Returns ErrShutdownTimeout if the timeout expires.
func (l *DefaultManager) WaitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		l.logger.Warn("workers still running after timeout",
			log.Duration("timeout", timeout),
		)
		return ErrShutdownTimeout
	}
}
