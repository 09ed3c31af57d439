package domain

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{
		StateIdle,
		StateInitializing,
		StateConnecting,
		StateConnected,
		StateDisconnected,
		StateReconnecting,
		StateFailed,
	}
}

// ConnectionState is the transport-level state reported by a backend connection.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsLoss reports whether the backend considers connectivity lost.
func (s ConnectionState) IsLoss() bool {
	return s == ConnectionStateDisconnected || s == ConnectionStateFailed || s == ConnectionStateClosed
}
