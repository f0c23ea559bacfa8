package protocol

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/speed"
)

// Kind classifies an inbound frame by its tag.
type Kind int

const (
	KindText Kind = iota
	KindStatus
	KindDump
	KindSensor
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindDump:
		return "dump"
	case KindSensor:
		return "sensor"
	default:
		return "text"
	}
}

// Classify returns the handler kind selected by the frame's first byte.
func Classify(frame string) Kind {
	if frame == "" {
		return KindText
	}
	switch frame[0] {
	case 'S', 'C', 'D':
		return KindDump
	case 'T':
		return KindSensor
	case '@':
		return KindStatus
	default:
		return KindText
	}
}

// TableLoader receives calibration dumps.
type TableLoader interface {
	Parse(message string) error
}

// Sink receives human-readable transcript lines.
type Sink interface {
	Append(line string)
}

// Dispatcher routes inbound frames to the calibration table or the transcript.
type Dispatcher struct {
	table TableLoader
	out   Sink
	log   *zap.SugaredLogger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(table TableLoader, out Sink, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{table: table, out: out, log: log}
}

// Dispatch handles one frame and returns how it was treated. A dump whose
// header does not parse is handled as text.
func (d *Dispatcher) Dispatch(frame string) Kind {
	kind := Classify(frame)
	switch kind {
	case KindDump:
		err := d.table.Parse(frame)
		switch {
		case err == nil:
			d.log.Infow("speed table loaded from device", "bytes", len(frame))
			d.out.Append(" Speed table loaded from device")
		case errors.Is(err, speed.ErrMalformedHeader):
			d.log.Debugw("dump tag without dump header, treating as text", "frame", frame)
			d.out.Append(frame)
			return KindText
		default:
			errs := multierr.Errors(err)
			d.log.Warnw("speed table partially loaded", "bad_entries", len(errs), "error", err)
			d.out.Append(fmt.Sprintf(" Speed table loaded with %d bad entries, table marked invalid", len(errs)))
			for _, e := range errs {
				d.out.Append("  " + e.Error())
			}
		}
	case KindSensor:
		d.log.Debugw("sensor frame not decoded", "bytes", len(frame))
		d.out.Append(fmt.Sprintf("----    Got camera data (%d bytes), not decoded    ----", len(frame)))
	case KindStatus:
		d.out.Append(" Status: " + frame)
	default:
		d.out.Append(frame)
	}
	return kind
}
