package domain

// LinkState is the connection state of a serial transport as seen by the
// reconnect supervisor: Connected -> Faulted -> Reconnecting -> Connected | Fatal.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkConnected
	LinkFaulted
	LinkReconnecting
	LinkFatal
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "Down"
	case LinkConnected:
		return "Connected"
	case LinkFaulted:
		return "Faulted"
	case LinkReconnecting:
		return "Reconnecting"
	case LinkFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name in JSON status documents.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
