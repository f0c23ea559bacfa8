package comm

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.bug.st/serial"
)

// DefaultPort is the device's command port.
const DefaultPort = 5555

// NetDialer resolves the device name and connects a UDP or TCP socket.
type NetDialer struct {
	Kind     TransportKind // Datagram or Stream
	Port     int
	Resolver Resolver
}

func (d *NetDialer) Dial(ctx context.Context, host string) (Link, error) {
	ip, err := d.Resolver.LookupIPv4(ctx, host)
	if err != nil {
		return nil, err
	}
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	network := "udp4"
	if d.Kind == Stream {
		network = "tcp4"
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return &netLink{Conn: conn, kind: d.Kind}, nil
}

type netLink struct {
	net.Conn
	kind TransportKind
}

func (l *netLink) Kind() TransportKind { return l.kind }

func (l *netLink) RemoteAddr() string { return l.Conn.RemoteAddr().String() }

// SerialDialer opens a serial tether to the device. The host name is used as
// the port path when PortPath is empty.
type SerialDialer struct {
	PortPath string
	BaudRate int
}

func (d *SerialDialer) Dial(ctx context.Context, host string) (Link, error) {
	path := d.PortPath
	if path == "" {
		path = host
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = 115200
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Addr: path, Err: err}
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, &ConnectError{Addr: path, Err: fmt.Errorf("open serial port: %w", err)}
	}
	return &serialLink{Port: port, path: path}, nil
}

type serialLink struct {
	serial.Port
	path string
}

func (l *serialLink) Kind() TransportKind { return Serial }

func (l *serialLink) RemoteAddr() string { return l.path }
