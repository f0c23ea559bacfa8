// Package sim provides a simulated motor-controller device for development
// and testing. It answers the same command vocabulary as the real firmware
// and keeps a working and a stored calibration table.
package sim

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/protocol"
	"github.com/botcomm/botcomm/internal/speed"
)

// Factory ramp. The right track motor is a little weaker, so its values run
// higher, as they do on the real chassis.
const (
	leftStep  = 230
	rightStep = 245
)

// sensorPayload is the size of a simulated camera frame.
const sensorPayload = 48

// Device is a simulated motor controller.
type Device struct {
	name string
	log  *zap.SugaredLogger

	mu       sync.Mutex
	working  *speed.Table
	stored   string
	running  int
	offline  bool
	received []string
	links    map[*Link]struct{}
}

// NewDevice creates a device with the factory calibration in both its
// working and stored tables.
func NewDevice(name string, log *zap.SugaredLogger) *Device {
	d := &Device{
		name:    name,
		log:     log,
		working: speed.NewTable(speed.Config{}),
		links:   make(map[*Link]struct{}),
	}
	d.stored = factoryDump(speed.DefaultIndexSpace)
	if err := d.working.Parse(d.stored); err != nil {
		log.Errorw("factory table rejected", "error", err)
	}
	return d
}

func factoryDump(indexSpace int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", speed.HeaderTag, indexSpace)
	for i := -indexSpace; i <= indexSpace; i++ {
		n := i
		if n < 0 {
			n = -n
		}
		fmt.Fprintf(&b, "\n%d %d %d", i, leftStep*n, rightStep*n)
	}
	return b.String()
}

// Name returns the device's network name.
func (d *Device) Name() string { return d.name }

// SetOffline makes new dials fail with a refused connection.
func (d *Device) SetOffline(offline bool) {
	d.mu.Lock()
	d.offline = offline
	d.mu.Unlock()
}

// Drop closes every open link, as if the device rebooted.
func (d *Device) Drop() {
	d.mu.Lock()
	links := make([]*Link, 0, len(d.links))
	for l := range d.links {
		links = append(links, l)
	}
	d.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

// Received returns every frame the device has been sent, oldest first.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.received))
	copy(out, d.received)
	return out
}

// Working returns a snapshot of the device's working table.
func (d *Device) Working() speed.Snapshot { return d.working.Snapshot() }

// Stored returns the dump held in device storage.
func (d *Device) Stored() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stored
}

// Running returns the speed index the tracks are driven at, 0 when stopped.
func (d *Device) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Handle processes one command frame and returns the reply frames.
func (d *Device) Handle(frame string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received = append(d.received, frame)
	d.log.Debugw("command", "device", d.name, "frame", frame)
	if frame == "" {
		return nil
	}

	fields := strings.Fields(frame)
	switch fields[0] {
	case protocol.CmdSignOff, protocol.CmdKeepAlive:
		return nil
	case protocol.CmdStatus:
		return []string{fmt.Sprintf("@ %s ok running=%d valid=%t", d.name, d.running, d.working.HasValidTable())}
	case protocol.CmdLoadTable, protocol.CmdDumpTable:
		return []string{d.working.Format()}
	case protocol.CmdSaveTable:
		d.stored = d.working.Format()
		return []string{"@ saved"}
	case "E":
		return []string{d.edit(fields[1:])}
	case "G":
		return []string{d.run(fields[1:])}
	case protocol.CmdStop:
		d.running = 0
		return []string{"@ stopped"}
	case "T":
		payload := make([]byte, sensorPayload)
		rand.Read(payload)
		return []string{"T" + hex.EncodeToString(payload)}
	default:
		return []string{fmt.Sprintf("! unknown command <%s>", frame)}
	}
}

func (d *Device) edit(args []string) string {
	if len(args) != 3 {
		return "! usage: E <index> <left> <right>"
	}
	var v [3]int
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Sprintf("! bad number %q", a)
		}
		v[i] = n
	}
	if err := d.working.Select(v[0]); err != nil {
		return "! " + err.Error()
	}
	if err := d.working.SetSelected(v[1], v[2]); err != nil {
		return "! " + err.Error()
	}
	return fmt.Sprintf("@ entry %d %d %d", v[0], v[1], v[2])
}

func (d *Device) run(args []string) string {
	if len(args) != 1 {
		return "! usage: G <index>"
	}
	i, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("! bad number %q", args[0])
	}
	if _, _, err := d.working.Entry(i); err != nil {
		return "! " + err.Error()
	}
	d.running = i
	return fmt.Sprintf("@ running %d", i)
}
