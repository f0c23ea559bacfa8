package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/protocol"
	"github.com/botcomm/botcomm/internal/speed"
)

// Defaults for Config fields left at zero.
const (
	DefaultKeepAlive      = 500 * time.Millisecond
	DefaultConnectTimeout = 8 * time.Second
	DefaultMaxReadErrors  = 5
)

// Frame directions passed to a Recorder.
const (
	Tx = "tx"
	Rx = "rx"
)

// Config tunes session timing.
type Config struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	SignOffLinger  time.Duration
	MaxReadErrors  int
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SignOffLinger < 0 {
		c.SignOffLinger = 0
	}
	if c.MaxReadErrors <= 0 {
		c.MaxReadErrors = DefaultMaxReadErrors
	}
	return c
}

// Recorder receives every frame that crosses the link.
type Recorder interface {
	RecordFrame(direction, frame string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for keep-alive and linger timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRecorder attaches a frame recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// session is one open link. It is replaced, never reused.
type session struct {
	host      string
	link      Link
	done      chan struct{} // closed when the receive loop exits
	closing   bool          // guarded by Manager.mu
	keepAlive *clock.Timer  // guarded by Manager.mu
	closeOnce sync.Once
	closeErr  error
}

func (s *session) close() error {
	s.closeOnce.Do(func() { s.closeErr = s.link.Close() })
	return s.closeErr
}

// Manager drives the connection state machine for a single device.
//
// All state and session mutation happens under mu. Writes to the link are
// serialized by writeMu and never happen while mu is held, so a stalled
// link cannot block State or new requests.
type Manager struct {
	cfg        Config
	dialer     Dialer
	clock      clock.Clock
	log        *zap.SugaredLogger
	table      *speed.Table
	events     *EventBus
	transcript *Transcript
	dispatcher *protocol.Dispatcher
	recorder   Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   ConnectionState
	sess    *session
	host    string
	changed chan struct{}
	closed  bool

	writeMu sync.Mutex
}

// NewManager creates a disconnected Manager. The table is shared with
// callers, who edit it between sends.
func NewManager(dialer Dialer, table *speed.Table, cfg Config, log *zap.SugaredLogger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	events := NewEventBus()
	m := &Manager{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		clock:      clock.New(),
		log:        log,
		table:      table,
		events:     events,
		transcript: NewTranscript("Started...", events),
		ctx:        ctx,
		cancel:     cancel,
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatcher = protocol.NewDispatcher(table, m.transcript, log)
	return m
}

// RequestConnectionStateChange asks for a connect or disconnect. It never
// blocks on the network; progress is visible through State, Transcript and
// Subscribe.
func (m *Manager) RequestConnectionStateChange(req ConnectionRequest, host string) {
	m.mu.Lock()
	if m.closed {
		m.transcript.Append(fmt.Sprintf("Warning - invalid request received: %s after shutdown", req))
		m.mu.Unlock()
		return
	}

	switch {
	case req == Connect && m.state == Connected:
		m.transcript.Append(fmt.Sprintf("WARNING - already connected to %s", m.host))

	case req == Connect && m.state == Disconnected:
		m.setStateLocked(Connecting)
		m.host = host
		m.transcript.Append(fmt.Sprintf("OK - connecting to %s", host))
		m.wg.Add(1)
		go m.connect(host)

	case req == Disconnect && m.state == Connected:
		s := m.sess
		m.stopKeepAliveLocked(s)
		m.setStateLocked(Disconnecting)
		m.wg.Add(1)
		m.mu.Unlock()

		if err := m.writeFrame(s, protocol.CmdSignOff); err != nil {
			m.log.Warnw("sign-off not delivered", "host", s.host, "error", err)
		}
		m.transcript.Append("OK - disconnecting")
		go m.teardown(s)
		return

	default:
		m.transcript.Append(fmt.Sprintf("Warning - invalid request received: %s in connection state %s", req, m.state))
	}
	m.mu.Unlock()
}

func (m *Manager) connect(host string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	link, err := m.dialer.Dial(ctx, host)
	if err != nil {
		m.log.Warnw("connect failed", "host", host, "error", err)
		m.mu.Lock()
		m.transcript.Append("  " + err.Error())
		m.transcript.Append(fmt.Sprintf("  Failed to connect to host %s", host))
		if m.state == Connecting {
			m.setStateLocked(Disconnected)
		}
		m.mu.Unlock()
		return
	}

	s := &session{host: host, link: link, done: make(chan struct{})}

	// The status probe goes out before the session is published, so no
	// caller send or keep-alive can precede it. Replies wait in the link
	// until the receive loop starts.
	if err := m.writeFrame(s, protocol.CmdStatus); err != nil {
		m.log.Warnw("status probe failed", "host", host, "error", err)
		s.close()
		m.mu.Lock()
		m.transcript.Append(fmt.Sprintf("   Connection lost while sending, %v", err))
		m.transcript.Append(fmt.Sprintf("  Failed to connect to host %s", host))
		if m.state == Connecting {
			m.setStateLocked(Disconnected)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.closed || m.state != Connecting {
		m.mu.Unlock()
		s.close()
		return
	}
	m.sess = s
	m.setStateLocked(Connected)
	m.transcript.Append(fmt.Sprintf("  Connected to host %s (%s, %s)", host, link.RemoteAddr(), link.Kind()))
	m.wg.Add(1)
	go m.receiveLoop(s)
	m.resetKeepAliveLocked(s)
	m.mu.Unlock()
}

func (m *Manager) teardown(s *session) {
	defer m.wg.Done()

	if m.cfg.SignOffLinger > 0 {
		select {
		case <-m.clock.After(m.cfg.SignOffLinger):
		case <-m.ctx.Done():
		}
	}
	if err := m.release(s); err != nil {
		m.log.Debugw("close link", "host", s.host, "error", err)
	}
	<-s.done

	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	if m.state == Disconnecting {
		m.setStateLocked(Disconnected)
	}
	m.transcript.Append("OK - disconnected")
	m.mu.Unlock()
}

// release marks the session closing, cancels its keep-alive and closes the
// link so the receive loop unblocks.
func (m *Manager) release(s *session) error {
	m.mu.Lock()
	s.closing = true
	m.stopKeepAliveLocked(s)
	m.mu.Unlock()
	return s.close()
}

func (m *Manager) receiveLoop(s *session) {
	defer m.wg.Done()
	defer close(s.done)

	kind := s.link.Kind()
	r := kind.NewFrameReader(s.link)
	failures := 0
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			if m.isClosing(s) {
				return
			}
			failures++
			terminal := kind.ConnectionOriented() ||
				errors.Is(err, io.EOF) ||
				errors.Is(err, net.ErrClosed) ||
				failures >= m.cfg.MaxReadErrors
			if !terminal {
				m.log.Warnw("receive failed", "host", s.host, "error", err, "failures", failures)
				continue
			}
			m.connectionLost(s, err)
			return
		}
		if frame == "" {
			m.log.Debugw("empty receive ignored", "host", s.host)
			continue
		}
		failures = 0

		m.log.Debugw("frame received", "host", s.host, "frame", frame)
		if m.recorder != nil {
			m.recorder.RecordFrame(Rx, frame)
		}
		if m.dispatcher.Dispatch(frame) == protocol.KindDump {
			m.events.Publish(Event{Type: EventTable, Data: m.table.Snapshot()})
		}
	}
}

func (m *Manager) isClosing(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.closing
}

func (m *Manager) connectionLost(s *session, cause error) {
	m.log.Warnw("connection lost", "host", s.host, "error", cause)

	m.mu.Lock()
	if m.sess != s || m.state != Connected {
		// A disconnect is already tearing this session down.
		m.mu.Unlock()
		return
	}
	s.closing = true
	m.stopKeepAliveLocked(s)
	m.sess = nil
	m.transcript.Append(fmt.Sprintf(" Connection lost while receiving, %v", cause))
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	s.close()
}

// SendCmd frames and sends one command. It reports failure instead of
// returning an error; the reason is appended to the transcript.
func (m *Manager) SendCmd(text string) bool {
	return m.Send(text) == nil
}

// Send frames and sends one command.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	state, s := m.state, m.sess
	m.mu.Unlock()

	if state != Connected || s == nil {
		m.transcript.Append(fmt.Sprintf(" sendCmd, connection not open while sending %s", text))
		return ErrNotConnected
	}
	if text == "" {
		m.transcript.Append(" sendCmd, message to send is empty")
		return ErrEmptyMessage
	}
	if len(text) > 1 {
		m.transcript.Append(fmt.Sprintf(" sendCmd, sending the multi-character command <%s>", text))
	}

	if err := m.writeFrame(s, text); err != nil {
		m.log.Warnw("send failed", "host", s.host, "frame", text, "error", err)
		m.transcript.Append(fmt.Sprintf("   Connection lost while sending, %v", err))
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	m.resetKeepAlive(s)
	return nil
}

func (m *Manager) writeFrame(s *session, text string) error {
	m.writeMu.Lock()
	_, err := s.link.Write(protocol.Encode(text))
	m.writeMu.Unlock()
	if err != nil {
		return err
	}
	m.log.Debugw("frame sent", "host", s.host, "frame", text)
	if m.recorder != nil {
		m.recorder.RecordFrame(Tx, text)
	}
	return nil
}

func (m *Manager) resetKeepAlive(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetKeepAliveLocked(s)
}

func (m *Manager) resetKeepAliveLocked(s *session) {
	if m.sess != s || s.closing {
		return
	}
	m.stopKeepAliveLocked(s)
	s.keepAlive = m.clock.AfterFunc(m.cfg.KeepAlive, func() { m.keepAliveFired(s) })
}

func (m *Manager) stopKeepAliveLocked(s *session) {
	if s != nil && s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
}

func (m *Manager) keepAliveFired(s *session) {
	m.mu.Lock()
	live := m.sess == s && m.state == Connected && !s.closing
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.writeFrame(s, protocol.CmdKeepAlive); err != nil {
		m.log.Warnw("keep-alive failed", "host", s.host, "error", err)
		return
	}
	m.resetKeepAlive(s)
}

// setStateLocked must be called with mu held.
func (m *Manager) setStateLocked(next ConnectionState) {
	if m.state == next {
		return
	}
	m.log.Infow("connection state", "from", m.state, "to", next, "host", m.host)
	m.state = next
	close(m.changed)
	m.changed = make(chan struct{})
	m.events.Publish(Event{Type: EventState, Data: next})
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Host returns the host of the current or most recent connect request.
func (m *Manager) Host() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// WaitForState blocks until the state is one of want or ctx is done.
func (m *Manager) WaitForState(ctx context.Context, want ...ConnectionState) (ConnectionState, error) {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()
		for _, w := range want {
			if state == w {
				return state, nil
			}
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

// Transcript returns the session transcript.
func (m *Manager) Transcript() string { return m.transcript.String() }

// ClearTranscript empties the transcript.
func (m *Manager) ClearTranscript() { m.transcript.Clear() }

// Subscribe returns a channel of session events and its cancel function.
func (m *Manager) Subscribe() (<-chan Event, func()) { return m.events.Subscribe() }

// Table returns the calibration table the manager loads dumps into.
func (m *Manager) Table() *speed.Table { return m.table }

// Close drops any session without a sign-off and waits for background work
// to finish. The Manager rejects requests afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.sess
	m.mu.Unlock()

	m.cancel()
	var err error
	if s != nil {
		err = m.release(s)
	}
	m.wg.Wait()

	m.mu.Lock()
	m.sess = nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()
	return err
}

var _ Sender = (*Manager)(nil)
