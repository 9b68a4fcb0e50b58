package lifecycle

import (
	"sync"
	"testing"
	"time"
)

// mockEmitter tracks state change events for testing.
type mockEmitter struct {
	mu     sync.Mutex
	events []stateChangeEvent
}

type stateChangeEvent struct {
	previous State
	current  State
	reason   string
}

func (m *mockEmitter) OnStateChange(previous, current State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, stateChangeEvent{previous, current, reason})
}

func (m *mockEmitter) Events() []stateChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stateChangeEvent{}, m.events...)
}

func TestNewManager(t *testing.T) {
	l := NewManager(nil, nil)

	if l.State() != StateStopped {
		t.Errorf("initial state = %v, want StateStopped", l.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "Stopped"},
		{StateStarting, "Starting"},
		{StateRunning, "Running"},
		{StateStopping, "Stopping"},
		{StateCrashed, "Crashed"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
		text, _ := tt.state.MarshalText()
		if string(text) != tt.want {
			t.Errorf("State(%d).MarshalText() = %s, want %s", tt.state, text, tt.want)
		}
	}
}

func TestManager_TransitionTo_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"stopped to starting", StateStopped, StateStarting},
		{"starting to running", StateStarting, StateRunning},
		{"starting to stopping", StateStarting, StateStopping},
		{"starting to crashed", StateStarting, StateCrashed},
		{"running to stopping", StateRunning, StateStopping},
		{"running to crashed", StateRunning, StateCrashed},
		{"stopping to stopped", StateStopping, StateStopped},
		{"stopping to crashed", StateStopping, StateCrashed},
		{"crashed to starting", StateCrashed, StateStarting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewManager(nil, nil)
			l.state = tt.from

			if err := l.TransitionTo(tt.to, "test"); err != nil {
				t.Fatalf("TransitionTo() error = %v", err)
			}
			if l.State() != tt.to {
				t.Errorf("state = %v after transition, want %v", l.State(), tt.to)
			}
		})
	}
}

func TestManager_TransitionTo_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr error
	}{
		{"stopped to running", StateStopped, StateRunning, ErrNotRunning},
		{"stopped to stopping", StateStopped, StateStopping, ErrNotRunning},
		{"starting to stopped", StateStarting, StateStopped, ErrAlreadyRunning},
		{"running to starting", StateRunning, StateStarting, ErrAlreadyRunning},
		{"running to stopped", StateRunning, StateStopped, ErrAlreadyRunning},
		{"stopping to running", StateStopping, StateRunning, ErrAlreadyRunning},
		{"crashed to running", StateCrashed, StateRunning, ErrNotRunning},
		{"crashed to stopped", StateCrashed, StateStopped, ErrNotRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewManager(nil, nil)
			l.state = tt.from

			err := l.TransitionTo(tt.to, "test")
			if err != tt.wantErr {
				t.Errorf("TransitionTo() error = %v, want %v", err, tt.wantErr)
			}
			if l.State() != tt.from {
				t.Errorf("state changed to %v on invalid transition, want %v", l.State(), tt.from)
			}
		})
	}
}

func TestManager_TransitionTo_EmitsEvents(t *testing.T) {
	emitter := &mockEmitter{}
	l := NewManager(nil, emitter)

	_ = l.TransitionTo(StateStarting, "start test")
	_ = l.TransitionTo(StateRunning, "running test")

	events := emitter.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].previous != StateStopped || events[0].current != StateStarting {
		t.Errorf("event 0: got %v->%v, want Stopped->Starting", events[0].previous, events[0].current)
	}
	if events[1].reason != "running test" {
		t.Errorf("event 1 reason = %q, want %q", events[1].reason, "running test")
	}
}

func TestManager_CanStartCanStop(t *testing.T) {
	tests := []struct {
		state     State
		wantStart bool
		wantStop  bool
	}{
		{StateStopped, true, false},
		{StateStarting, false, true},
		{StateRunning, false, true},
		{StateStopping, false, false},
		{StateCrashed, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			l := NewManager(nil, nil)
			l.state = tt.state

			if got := l.CanStart(); got != tt.wantStart {
				t.Errorf("CanStart() = %v, want %v", got, tt.wantStart)
			}
			if got := l.CanStop(); got != tt.wantStop {
				t.Errorf("CanStop() = %v, want %v", got, tt.wantStop)
			}
		})
	}
}

func TestManager_WaitWithTimeout_Success(t *testing.T) {
	l := NewManager(nil, nil)

	l.Go(func() { time.Sleep(10 * time.Millisecond) })

	if err := l.WaitWithTimeout(time.Second); err != nil {
		t.Errorf("WaitWithTimeout() = %v, want nil", err)
	}
}

func TestManager_WaitWithTimeout_Timeout(t *testing.T) {
	l := NewManager(nil, nil)

	release := make(chan struct{})
	l.Go(func() { <-release })

	if err := l.WaitWithTimeout(10 * time.Millisecond); err != ErrShutdownTimeout {
		t.Errorf("WaitWithTimeout() = %v, want ErrShutdownTimeout", err)
	}

	close(release)
	if err := l.WaitWithTimeout(time.Second); err != nil {
		t.Errorf("WaitWithTimeout() after release = %v, want nil", err)
	}
}

func TestManager_Concurrency(t *testing.T) {
	l := NewManager(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = l.State()
				_ = l.CanStart()
				_ = l.CanStop()
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.TransitionTo(StateStarting, "test")
			_ = l.TransitionTo(StateRunning, "test")
		}()
	}
	wg.Wait()

	if l.State() != StateRunning {
		t.Errorf("final state = %v, want Running", l.State())
	}
}
