package transport

import "fmt"

// State is the phase of a connection. It decides how incoming bytes are
// decoded and which messages are legal.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateVersionExchange
	StateKeyExchange
	StateAuthentication
	StateConnected
	StateDisconnecting
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateVersionExchange:
		return "VersionExchange"
	case StateKeyExchange:
		return "KeyExchange"
	case StateAuthentication:
		return "Authentication"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a snapshot of the connection state. Reason is set only in
// StateError.
type Status struct {
	State  State
	Reason string
}

// String renders the status, e.g. "Error(Host key verification failed)".
func (s Status) String() string {
	if s.State == StateError {
		return fmt.Sprintf("Error(%s)", s.Reason)
	}
	return s.State.String()
}

// ReasonHostKeyRejected is the error reason when the verifier declines the
// server's host key.
const ReasonHostKeyRejected = "Host key verification failed"
