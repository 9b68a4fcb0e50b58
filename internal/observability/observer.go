package observability

import (
	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/internal/mux"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
)

// BridgeObserver records multiplexer events as metrics under one bridge
// label and forwards every event to next.
type BridgeObserver struct {
	bridge string
	next   mux.Observer
}

// NewBridgeObserver returns an observer for bridge. A nil next is allowed.
func NewBridgeObserver(bridge string, next mux.Observer) *BridgeObserver {
	if next == nil {
		next = mux.NopObserver{}
	}
	return &BridgeObserver{bridge: bridge, next: next}
}

func (o *BridgeObserver) OnStateChange(previous, current lifecycle.State, reason string) {
	o.next.OnStateChange(previous, current, reason)
}

func (o *BridgeObserver) OnLinkChange(previous, current domain.LinkState, reason string) {
	RecordLinkTransition(o.bridge, current)
	o.next.OnLinkChange(previous, current, reason)
}

func (o *BridgeObserver) OnSessionOpened(id uint64, remote string) {
	RecordSessionOpened(o.bridge)
	o.next.OnSessionOpened(id, remote)
}

func (o *BridgeObserver) OnSessionClosed(id uint64, err error) {
	RecordSessionClosed(o.bridge, err)
	o.next.OnSessionClosed(id, err)
}

func (o *BridgeObserver) OnReconnectAttempt(err error) {
	RecordReconnectAttempt(o.bridge, err)
	o.next.OnReconnectAttempt(err)
}
