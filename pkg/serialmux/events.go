package serialmux

import (
	"time"

	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
)

// State is the lifecycle state of a bridge or of the whole server.
type State = lifecycle.State

const (
	StateStopped  = lifecycle.StateStopped
	StateStarting = lifecycle.StateStarting
	StateRunning  = lifecycle.StateRunning
	StateStopping = lifecycle.StateStopping
	StateCrashed  = lifecycle.StateCrashed
)

// LinkState is the state of a bridge's serial link.
type LinkState = domain.LinkState

const (
	LinkDown         = domain.LinkDown
	LinkConnected    = domain.LinkConnected
	LinkFaulted      = domain.LinkFaulted
	LinkReconnecting = domain.LinkReconnecting
	LinkFatal        = domain.LinkFatal
)

// StateChangeEvent is emitted when a bridge changes lifecycle state.
type StateChangeEvent struct {
	Bridge    string
	Previous  State
	Current   State
	Reason    string
	Timestamp time.Time
}

// LinkChangeEvent is emitted when a bridge's serial link changes state.
type LinkChangeEvent struct {
	Bridge    string
	Previous  LinkState
	Current   LinkState
	Reason    string
	Timestamp time.Time
}

// SessionOpenedEvent is emitted when a client is admitted.
type SessionOpenedEvent struct {
	Bridge    string
	SessionID uint64
	Remote    string
	Timestamp time.Time
}

// SessionClosedEvent is emitted once a client session has fully ended.
// Err is nil for a clean client disconnect.
type SessionClosedEvent struct {
	Bridge    string
	SessionID uint64
	Err       error
	Timestamp time.Time
}

// ReconnectEvent is emitted after every attempt to reopen a faulted device.
type ReconnectEvent struct {
	Bridge    string
	Err       error
	Timestamp time.Time
}

// EventHandler receives server events. Methods are called synchronously
// from bridge goroutines and must return quickly.
type EventHandler interface {
	OnStateChange(StateChangeEvent)
	OnLinkChange(LinkChangeEvent)
	OnSessionOpened(SessionOpenedEvent)
	OnSessionClosed(SessionClosedEvent)
	OnReconnect(ReconnectEvent)
}

// BaseEventHandler implements EventHandler with no-ops. Embed it and
// override what you need.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent)     {}
func (BaseEventHandler) OnLinkChange(LinkChangeEvent)       {}
func (BaseEventHandler) OnSessionOpened(SessionOpenedEvent) {}
func (BaseEventHandler) OnSessionClosed(SessionClosedEvent) {}
func (BaseEventHandler) OnReconnect(ReconnectEvent)         {}

// eventBridge adapts an EventHandler to the per-bridge mux observer.
type eventBridge struct {
	bridge  string
	handler EventHandler
}

func (e *eventBridge) OnStateChange(previous, current lifecycle.State, reason string) {
	e.handler.OnStateChange(StateChangeEvent{Bridge: e.bridge, Previous: previous, Current: current, Reason: reason, Timestamp: time.Now()})
}

func (e *eventBridge) OnLinkChange(previous, current domain.LinkState, reason string) {
	e.handler.OnLinkChange(LinkChangeEvent{Bridge: e.bridge, Previous: previous, Current: current, Reason: reason, Timestamp: time.Now()})
}

func (e *eventBridge) OnSessionOpened(id uint64, remote string) {
	e.handler.OnSessionOpened(SessionOpenedEvent{Bridge: e.bridge, SessionID: id, Remote: remote, Timestamp: time.Now()})
}

func (e *eventBridge) OnSessionClosed(id uint64, err error) {
	e.handler.OnSessionClosed(SessionClosedEvent{Bridge: e.bridge, SessionID: id, Err: err, Timestamp: time.Now()})
}

func (e *eventBridge) OnReconnectAttempt(err error) {
	e.handler.OnReconnect(ReconnectEvent{Bridge: e.bridge, Err: err, Timestamp: time.Now()})
}
