package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNoDeviceAvailable    = errors.New("transport: no serial device available")
	ErrConnectionOpenFailed = errors.New("transport: connection open failed")
	ErrNotConnected         = errors.New("transport: not connected")
	ErrTimeout              = errors.New("transport: timeout")
	ErrIO                   = errors.New("transport: io error")
)

// OpenError reports a failed open of one endpoint.
type OpenError struct {
	Endpoint string
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("transport: open %q: %v", e.Endpoint, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

func (e *OpenError) Is(target error) bool {
	return target == ErrConnectionOpenFailed
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

func errShortWrite(n, want int) error {
	return fmt.Errorf("short write %d/%d bytes", n, want)
}
