package sim

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/comm"
	"github.com/botcomm/botcomm/internal/protocol"
)

// replyQueue bounds undelivered replies. Extra replies are dropped, as a
// datagram socket would.
const replyQueue = 64

// Link is an in-memory datagram link to a Device.
type Link struct {
	dev     *Device
	replies chan string
	closed  chan struct{}
	once    sync.Once
}

func newLink(dev *Device) *Link {
	return &Link{
		dev:     dev,
		replies: make(chan string, replyQueue),
		closed:  make(chan struct{}),
	}
}

// Write delivers every NUL-terminated frame in p to the device.
func (l *Link) Write(p []byte) (int, error) {
	select {
	case <-l.closed:
		return 0, net.ErrClosed
	default:
	}
	for _, frame := range bytes.Split(p, []byte{protocol.Terminator}) {
		if len(frame) == 0 {
			continue
		}
		for _, r := range l.dev.Handle(string(frame)) {
			select {
			case l.replies <- r:
			default:
				l.dev.log.Warnw("reply dropped", "device", l.dev.name, "frame", r)
			}
		}
	}
	return len(p), nil
}

// Read returns one reply datagram. Replies longer than p are truncated.
func (l *Link) Read(p []byte) (int, error) {
	select {
	case r := <-l.replies:
		return copy(p, protocol.Encode(r)), nil
	case <-l.closed:
		return 0, net.ErrClosed
	}
}

func (l *Link) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.dev.mu.Lock()
		delete(l.dev.links, l)
		l.dev.mu.Unlock()
	})
	return nil
}

func (l *Link) Kind() comm.TransportKind { return comm.Datagram }

func (l *Link) RemoteAddr() string { return "sim://" + l.dev.name }

// Dialer connects to simulated devices by name.
type Dialer struct {
	// Latency delays every successful dial.
	Latency time.Duration

	log     *zap.SugaredLogger
	mu      sync.Mutex
	devices map[string]*Device
}

// NewDialer creates a Dialer that knows the given devices.
func NewDialer(log *zap.SugaredLogger, devices ...*Device) *Dialer {
	d := &Dialer{log: log, devices: make(map[string]*Device)}
	for _, dev := range devices {
		d.Add(dev)
	}
	return d
}

// Add registers a device under its name.
func (d *Dialer) Add(dev *Device) {
	d.mu.Lock()
	d.devices[dev.name] = dev
	d.mu.Unlock()
}

// Device returns the device registered under name.
func (d *Dialer) Device(name string) (*Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[strings.TrimSuffix(name, ".local")]
	return dev, ok
}

func (d *Dialer) Dial(ctx context.Context, host string) (comm.Link, error) {
	dev, ok := d.Device(host)
	if !ok {
		return nil, &comm.LookupError{Host: host}
	}
	if d.Latency > 0 {
		t := time.NewTimer(d.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, &comm.ConnectError{Addr: "sim://" + dev.name, Err: ctx.Err()}
		}
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.offline {
		return nil, &comm.ConnectError{Addr: "sim://" + dev.name, Err: syscall.ECONNREFUSED}
	}
	l := newLink(dev)
	dev.links[l] = struct{}{}
	d.log.Debugw("dialed", "device", dev.name)
	return l, nil
}

var _ comm.Dialer = (*Dialer)(nil)
