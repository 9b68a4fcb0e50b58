package mux

import (
	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
)

// Observer receives multiplexer events. Calls are made synchronously from
// the multiplexer's goroutines and must not block.
type Observer interface {
	lifecycle.EventEmitter
	OnLinkChange(previous, current domain.LinkState, reason string)
	OnSessionOpened(id uint64, remote string)
	OnSessionClosed(id uint64, err error)
	// OnReconnectAttempt is called after each reopen attempt; err is nil
	// on success.
	OnReconnectAttempt(err error)
}

// NopObserver ignores all events. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) OnStateChange(lifecycle.State, lifecycle.State, string)  {}
func (NopObserver) OnLinkChange(domain.LinkState, domain.LinkState, string) {}
func (NopObserver) OnSessionOpened(uint64, string)                          {}
func (NopObserver) OnSessionClosed(uint64, error)                           {}
func (NopObserver) OnReconnectAttempt(error)                                {}
