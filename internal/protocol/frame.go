// Package protocol implements the device's ASCII command/response framing.
//
// Every frame is a short ASCII string terminated by a single NUL byte. The
// first character tags the frame: outbound it is the command letter, inbound
// it selects the handler (see Classify).
package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Terminator ends every frame on the wire.
const Terminator byte = 0

// RecvBufferSize is the size of a single receive call.
const RecvBufferSize = 1024

// Encode appends the frame terminator to a command.
func Encode(text string) []byte {
	b := make([]byte, 0, len(text)+1)
	b = append(b, text...)
	return append(b, Terminator)
}

// Decode turns one received datagram into frame text. Anything after the
// first terminator is ignored and invalid UTF-8 is replaced.
func Decode(buf []byte) string {
	if i := bytes.IndexByte(buf, Terminator); i >= 0 {
		buf = buf[:i]
	}
	return strings.ToValidUTF8(string(buf), "?")
}

// ScanFrames is a bufio.SplitFunc that yields NUL-terminated frames from a
// byte stream. A trailing unterminated frame is returned at EOF.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, Terminator); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Reader yields frames from a link.
type Reader interface {
	// ReadFrame blocks for the next frame. A zero-length frame with a nil
	// error is an empty read.
	ReadFrame() (string, error)
}

type datagramReader struct {
	r   io.Reader
	buf []byte
}

// NewDatagramReader reads one frame per Read call, as on a UDP socket.
func NewDatagramReader(r io.Reader) Reader {
	return &datagramReader{r: r, buf: make([]byte, RecvBufferSize)}
}

func (d *datagramReader) ReadFrame() (string, error) {
	n, err := d.r.Read(d.buf)
	if n <= 0 {
		return "", err
	}
	// A persistent error shows up again on the next read.
	return Decode(d.buf[:n]), nil
}

type streamReader struct {
	sc *bufio.Scanner
}

// NewStreamReader splits a byte stream (TCP, serial) on frame terminators.
func NewStreamReader(r io.Reader) Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, RecvBufferSize), 64*RecvBufferSize)
	sc.Split(ScanFrames)
	return &streamReader{sc: sc}
}

func (s *streamReader) ReadFrame() (string, error) {
	if s.sc.Scan() {
		return strings.ToValidUTF8(s.sc.Text(), "?"), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
