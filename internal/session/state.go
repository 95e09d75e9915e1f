package session

// State is the lifecycle state of a session
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDiscoveringServices
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// linked reports whether a radio link is established in this state
func (s State) linked() bool {
	return s == StateConnected || s == StateDiscoveringServices || s == StateReady
}
