package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"go.viam.com/test"
)

func TestConnectionStateString(t *testing.T) {
	test.That(t, Disconnected.String(), test.ShouldEqual, "Disconnected")
	test.That(t, Connecting.Changing(), test.ShouldBeTrue)
	test.That(t, Disconnecting.Changing(), test.ShouldBeTrue)
	test.That(t, Connected.Changing(), test.ShouldBeFalse)

	text, err := Connected.MarshalText()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(text), test.ShouldEqual, "Connected")
}

func TestTransportKind(t *testing.T) {
	test.That(t, Datagram.String(), test.ShouldEqual, "udp")
	test.That(t, Stream.String(), test.ShouldEqual, "tcp")
	test.That(t, Serial.String(), test.ShouldEqual, "serial")
	test.That(t, Stream.ConnectionOriented(), test.ShouldBeTrue)
	test.That(t, Datagram.ConnectionOriented(), test.ShouldBeFalse)
	test.That(t, Serial.ConnectionOriented(), test.ShouldBeFalse)
}

func TestErrors(t *testing.T) {
	lookup := fmt.Errorf("dial: %w", &LookupError{Host: "goofy.local"})
	test.That(t, errors.Is(lookup, ErrLookupFailure), test.ShouldBeTrue)
	test.That(t, errors.Is(lookup, ErrConnectFailure), test.ShouldBeFalse)
	test.That(t, lookup.Error(), test.ShouldEqual, "dial: lookup goofy.local: no IPv4 address")

	connErr := &ConnectError{Addr: "10.0.0.7:5555", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}
	test.That(t, errors.Is(connErr, ErrConnectFailure), test.ShouldBeTrue)
	test.That(t, errors.Is(connErr, syscall.ECONNREFUSED), test.ShouldBeTrue)
	test.That(t, connErr.Errno(), test.ShouldEqual, int(syscall.ECONNREFUSED))

	var target *ConnectError
	test.That(t, errors.As(fmt.Errorf("wrapped: %w", connErr), &target), test.ShouldBeTrue)
	test.That(t, target.Addr, test.ShouldEqual, "10.0.0.7:5555")

	test.That(t, (&ConnectError{Addr: "x", Err: errors.New("boom")}).Errno(), test.ShouldEqual, 0)
}

func TestQualify(t *testing.T) {
	r := &LocalResolver{}
	test.That(t, r.Qualify("goofy"), test.ShouldEqual, "goofy.local")
	test.That(t, r.Qualify("goofy.lan"), test.ShouldEqual, "goofy.lan")

	r = &LocalResolver{Domain: "robots"}
	test.That(t, r.Qualify("goofy"), test.ShouldEqual, "goofy.robots")
}

func TestLocalResolverLiterals(t *testing.T) {
	r := &LocalResolver{}
	ip, err := r.LookupIPv4(context.Background(), "192.168.4.1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ip.String(), test.ShouldEqual, "192.168.4.1")

	_, err = r.LookupIPv4(context.Background(), "::1")
	test.That(t, errors.Is(err, ErrLookupFailure), test.ShouldBeTrue)

	_, err = r.LookupIPv4(context.Background(), "")
	test.That(t, errors.Is(err, ErrLookupFailure), test.ShouldBeTrue)
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"goofy": "127.0.0.1", "broken": "not-an-ip"}

	ip, err := r.LookupIPv4(context.Background(), "goofy")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ip.Equal(net.IPv4(127, 0, 0, 1)), test.ShouldBeTrue)

	_, err = r.LookupIPv4(context.Background(), "broken")
	test.That(t, errors.Is(err, ErrLookupFailure), test.ShouldBeTrue)
	_, err = r.LookupIPv4(context.Background(), "missing")
	test.That(t, errors.Is(err, ErrLookupFailure), test.ShouldBeTrue)
}

func TestNetDialerLookupFailure(t *testing.T) {
	d := &NetDialer{Kind: Datagram, Resolver: StaticResolver{}}
	_, err := d.Dial(context.Background(), "goofy")
	test.That(t, errors.Is(err, ErrLookupFailure), test.ShouldBeTrue)
}

func TestNetDialerRefused(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	port := l.Addr().(*net.TCPAddr).Port
	test.That(t, l.Close(), test.ShouldBeNil)

	d := &NetDialer{Kind: Stream, Port: port, Resolver: StaticResolver{"goofy": "127.0.0.1"}}
	_, err = d.Dial(context.Background(), "goofy")
	test.That(t, errors.Is(err, ErrConnectFailure), test.ShouldBeTrue)
	var connErr *ConnectError
	test.That(t, errors.As(err, &connErr), test.ShouldBeTrue)
	test.That(t, connErr.Errno(), test.ShouldEqual, int(syscall.ECONNREFUSED))
}

func TestSerialDialerMissingPort(t *testing.T) {
	d := &SerialDialer{PortPath: "/dev/botcomm-does-not-exist"}
	_, err := d.Dial(context.Background(), "goofy")
	test.That(t, errors.Is(err, ErrConnectFailure), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "/dev/botcomm-does-not-exist")
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	ch, unsubscribe := bus.Subscribe()
	test.That(t, bus.Len(), test.ShouldEqual, 1)

	bus.Publish(Event{Type: EventState, Data: Connected})
	e := <-ch
	test.That(t, e.Type, test.ShouldEqual, EventState)
	test.That(t, e.Data, test.ShouldEqual, Connected)
	test.That(t, e.Timestamp.IsZero(), test.ShouldBeFalse)

	unsubscribe()
	unsubscribe()
	test.That(t, bus.Len(), test.ShouldEqual, 0)
	_, ok := <-ch
	test.That(t, ok, test.ShouldBeFalse)

	// Publishing with no subscribers, or to a full one, never blocks.
	slow, cancel := bus.Subscribe()
	defer cancel()
	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Type: EventTranscript, Data: i})
	}
	test.That(t, len(slow), test.ShouldEqual, cap(slow))
}

func TestTranscript(t *testing.T) {
	bus := NewEventBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	tr := NewTranscript("Started...", bus)
	tr.Append("OK - connecting to goofy")
	test.That(t, tr.String(), test.ShouldEqual, "Started...\nOK - connecting to goofy")
	e := <-ch
	test.That(t, e.Data, test.ShouldEqual, "OK - connecting to goofy")

	tr.Clear()
	test.That(t, tr.String(), test.ShouldEqual, "")
	tr.Append("first")
	test.That(t, tr.String(), test.ShouldEqual, "first")
}
