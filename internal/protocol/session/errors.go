package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeliveryFailed  = errors.New("session: delivery failed")
	ErrAmbiguousDevice = errors.New("session: ambiguous device selection")
	ErrInvalidChoice   = errors.New("session: selected endpoint is not a candidate")
	ErrEngineClosed    = errors.New("session: engine closed")
)

// AmbiguousDeviceError carries the candidates a caller must choose from.
type AmbiguousDeviceError struct {
	Candidates []string
	Err        error
}

func (e *AmbiguousDeviceError) Error() string {
	msg := fmt.Sprintf("session: %d serial devices available, choose one of [%s]",
		len(e.Candidates), strings.Join(e.Candidates, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AmbiguousDeviceError) Unwrap() error {
	return e.Err
}

func (e *AmbiguousDeviceError) Is(target error) bool {
	return target == ErrAmbiguousDevice
}

// DeliveryError reports a command whose retry budget ran out.
type DeliveryError struct {
	Action   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("session: delivery of action %q failed after %d attempts: %v", e.Action, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}
