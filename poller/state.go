// Package poller runs the periodic tag acquisition for panels, keeping the
// latest snapshot per panel and the load/error/warning state that goes with
// it.
package poller

import "fmt"

// State is the lifecycle state of a poller. There is no terminal state; a
// stopped poller keeps its last state.
type State int

const (
	StateLoading State = iota
	StateReady
	StateReadyError
	StateReadyWarning
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateReadyError:
		return "Error"
	case StateReadyWarning:
		return "Warning"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state for JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateLoading, StateReady, StateReadyError, StateReadyWarning} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown poller state %q", text)
}

// ConnectionStatus is the operator-facing link indicator. It tells apart a
// backend that never answered from one that answered and then failed.
type ConnectionStatus int

const (
	StatusAwaitingFirstRead ConnectionStatus = iota
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusAwaitingFirstRead:
		return "Awaiting first read"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status for JSON and YAML output.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *ConnectionStatus) UnmarshalText(text []byte) error {
	for _, st := range []ConnectionStatus{StatusAwaitingFirstRead, StatusConnected, StatusDisconnected} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", text)
}
