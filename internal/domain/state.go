package domain

import "fmt"

// ConnectionState is the lifecycle state of the feed connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateConnected
	StateReconnecting
	StateStopped
)

// String returns the state name used in logs and health output.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets the state render as its name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name; unknown names are an error.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// CanTransition reports whether from -> to is a legal edge of the
// connection state machine. STOPPED is reachable from anywhere and terminal.
func CanTransition(from, to ConnectionState) bool {
	if from == StateStopped {
		return false
	}
	if to == StateStopped {
		return true
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateAuthenticating || to == StateReconnecting
	case StateAuthenticating:
		return to == StateSubscribing || to == StateReconnecting
	case StateSubscribing:
		return to == StateConnected || to == StateReconnecting
	case StateConnected:
		return to == StateReconnecting
	case StateReconnecting:
		return to == StateConnecting
	}
	return false
}
