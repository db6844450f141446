package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/protocol/session"
)

var (
	ErrNoPendingSelection = errors.New("admin: no device selection pending")
	ErrSelectionBusy      = errors.New("admin: device selection already pending")
	ErrSelectionCanceled  = errors.New("admin: device selection canceled")
)

// PendingSelection is an unanswered device choice.
type PendingSelection struct {
	Candidates []string  `json:"candidates"`
	Since      time.Time `json:"since"`
}

type choice struct {
	endpoint string
	err      error
}

type pendingChoice struct {
	PendingSelection
	answer chan choice
}

// DeviceSelector parks the engine's device choice until an operator answers
// through the API.
type DeviceSelector struct {
	mu      sync.Mutex
	pending *pendingChoice
	now     func() time.Time
}

var _ session.Selector = (*DeviceSelector)(nil)

func NewDeviceSelector() *DeviceSelector {
	return &DeviceSelector{now: time.Now}
}

// SelectEndpoint blocks until Choose is called or ctx ends.
func (d *DeviceSelector) SelectEndpoint(ctx context.Context, candidates []string) (string, error) {
	p := &pendingChoice{
		PendingSelection: PendingSelection{
			Candidates: slices.Clone(candidates),
			Since:      d.now().UTC(),
		},
		answer: make(chan choice, 1),
	}

	d.mu.Lock()
	if d.pending != nil {
		d.mu.Unlock()
		return "", ErrSelectionBusy
	}
	d.pending = p
	d.mu.Unlock()
	logs.Warnf("admin.DeviceSelector.SelectEndpoint waiting for operator candidates=%v", candidates)

	defer func() {
		d.mu.Lock()
		if d.pending == p {
			d.pending = nil
		}
		d.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case c := <-p.answer:
		return c.endpoint, c.err
	}
}

func (d *DeviceSelector) Pending() (PendingSelection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return PendingSelection{}, false
	}
	out := d.pending.PendingSelection
	out.Candidates = slices.Clone(out.Candidates)
	return out, true
}

// Choose answers the pending selection with one of its candidates.
func (d *DeviceSelector) Choose(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return ErrNoPendingSelection
	}
	if !slices.Contains(d.pending.Candidates, endpoint) {
		return fmt.Errorf("%w: %q", session.ErrInvalidChoice, endpoint)
	}
	d.pending.answer <- choice{endpoint: endpoint}
	d.pending = nil
	logs.Infof("admin.DeviceSelector.Choose endpoint=%q", endpoint)
	return nil
}

// Cancel fails a pending selection, if any. Sends run without cancellation,
// so shutdown has to call it.
func (d *DeviceSelector) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return false
	}
	d.pending.answer <- choice{err: ErrSelectionCanceled}
	d.pending = nil
	return true
}
