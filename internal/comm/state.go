// Package comm owns the session with the motor-controller device: the
// connection state machine, the socket, the receive loop and the keep-alive.
package comm

// ConnectionState is the state of the channel to the device.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// Changing reports whether the state is transient.
func (s ConnectionState) Changing() bool {
	return s == Connecting || s == Disconnecting
}

// ConnectionRequest is what a caller may ask of the state machine.
type ConnectionRequest int

const (
	Connect ConnectionRequest = iota
	Disconnect
)

func (r ConnectionRequest) String() string {
	if r == Disconnect {
		return "Disconnect"
	}
	return "Connect"
}

// Sender is the caller-facing surface of a device session.
type Sender interface {
	RequestConnectionStateChange(req ConnectionRequest, host string)
	SendCmd(text string) bool
	State() ConnectionState
	Transcript() string
}

// MarshalText renders the state by name in JSON and logs.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
