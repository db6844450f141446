package sorter

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/sortctl/internal/cages"
	"github.com/danmuck/sortctl/internal/protocol/session"
	"github.com/danmuck/sortctl/internal/transport"
)

var (
	ErrAlreadyRunning   = errors.New("sorter: already running")
	ErrNotRunning       = errors.New("sorter: not running")
	ErrBusy             = errors.New("sorter: busy")
	ErrMissingAllocator = errors.New("sorter: missing allocator")
	ErrMissingSender    = errors.New("sorter: missing sender")
)

// Fault kinds.
const (
	FaultDeliveryFailed  = "delivery_failed"
	FaultNoDevice        = "no_device"
	FaultAmbiguousDevice = "ambiguous_device"
	FaultClassifier      = "classifier"
	FaultAllocation      = "allocation"
	FaultSend            = "send"
)

// Fault is the error that halted the loop.
type Fault struct {
	Kind       string
	RunID      string
	Allocation *cages.Allocation
	Err        error
	At         time.Time
}

func (f *Fault) Error() string {
	if f.Allocation != nil {
		return fmt.Sprintf("sorter: %s cage=%d action=%q: %v", f.Kind, f.Allocation.Cage, f.Allocation.FireAction, f.Err)
	}
	return fmt.Sprintf("sorter: %s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func sendFaultKind(err error) string {
	switch {
	case errors.Is(err, session.ErrDeliveryFailed):
		return FaultDeliveryFailed
	case errors.Is(err, transport.ErrNoDeviceAvailable):
		return FaultNoDevice
	case errors.Is(err, session.ErrAmbiguousDevice):
		return FaultAmbiguousDevice
	default:
		return FaultSend
	}
}
