package comm

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrLookupFailure  = errors.New("comm: lookup failed")
	ErrConnectFailure = errors.New("comm: connect failed")
	ErrNotConnected   = errors.New("comm: not connected")
	ErrEmptyMessage   = errors.New("comm: empty message")
	ErrConnectionLost = errors.New("comm: connection lost")
)

// LookupError means the host name produced no usable IPv4 address.
type LookupError struct {
	Host string
	Err  error
}

func (e *LookupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lookup %s: no IPv4 address", e.Host)
	}
	return fmt.Sprintf("lookup %s: %v", e.Host, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

func (e *LookupError) Is(target error) bool { return target == ErrLookupFailure }

// ConnectError means the transport refused the connection.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailure }

// Errno returns the native error code behind the failure, or 0.
func (e *ConnectError) Errno() int {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return int(errno)
	}
	return 0
}
