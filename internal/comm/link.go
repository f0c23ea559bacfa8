package comm

import (
	"context"
	"io"

	"github.com/botcomm/botcomm/internal/protocol"
)

// TransportKind selects the socket semantics of a link.
type TransportKind int

const (
	// Datagram is UDP: one frame per datagram, no peer-close signal.
	Datagram TransportKind = iota
	// Stream is TCP: frames split on the terminator, EOF means the peer left.
	Stream
	// Serial is a tethered UART: stream framing, no peer-close signal.
	Serial
)

func (k TransportKind) String() string {
	switch k {
	case Stream:
		return "tcp"
	case Serial:
		return "serial"
	default:
		return "udp"
	}
}

// ConnectionOriented reports whether a failed read means the peer is gone.
func (k TransportKind) ConnectionOriented() bool { return k == Stream }

// NewFrameReader returns the frame reader matching the transport.
func (k TransportKind) NewFrameReader(r io.Reader) protocol.Reader {
	if k == Datagram {
		return protocol.NewDatagramReader(r)
	}
	return protocol.NewStreamReader(r)
}

// Link is an open transport to the device.
type Link interface {
	io.ReadWriteCloser
	Kind() TransportKind
	RemoteAddr() string
}

// Dialer opens a Link to a named device. The live implementations resolve
// and connect real sockets; the simulated one talks to an in-memory device.
type Dialer interface {
	Dial(ctx context.Context, host string) (Link, error)
}
