package sorter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/sortctl/internal/cages"
	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/observability"
	"github.com/danmuck/sortctl/internal/protocol"
	"github.com/google/uuid"
)

// Sender delivers one fire command and waits for its confirmation.
type Sender interface {
	SendAndConfirm(ctx context.Context, action string) (protocol.Reply, error)
}

// Journal persists confirmed deliveries. A journal failure is logged and
// does not stop sorting; the gate has already moved.
type Journal interface {
	RecordDelivery(ctx context.Context, d Delivery) error
}

type Options struct {
	Classifier Classifier
	Journal    Journal
	Observers  []Observer
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State     `json:"state"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Cycles    uint64    `json:"cycles"`
	Delivered uint64    `json:"delivered"`
	Overflows uint64    `json:"overflows"`
	LastError string    `json:"last_error,omitempty"`
	FaultKind string    `json:"fault_kind,omitempty"`
}

// Controller owns the sorting loop. Only one loop runs at a time and cycles
// are strictly sequential.
type Controller struct {
	alloc      *cages.Allocator
	sender     Sender
	classifier Classifier
	journal    Journal
	observers  []Observer
	now        func() time.Time

	mu        sync.Mutex
	state     State
	firing    bool
	runID     string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	cycles    uint64
	delivered uint64
	overflows uint64
	lastErr   error
}

func NewController(alloc *cages.Allocator, sender Sender, opts Options) (*Controller, error) {
	if alloc == nil {
		return nil, ErrMissingAllocator
	}
	if sender == nil {
		return nil, ErrMissingSender
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewRandomClassifier(0, time.Now().UnixNano())
	}
	return &Controller{
		alloc:      alloc,
		sender:     sender,
		classifier: classifier,
		journal:    opts.Journal,
		observers:  append([]Observer(nil), opts.Observers...),
		now:        time.Now,
	}, nil
}

// Start launches the loop. The loop ends on Stop, on ctx cancellation, or on
// the first fault.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.firing {
		c.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	runID := uuid.NewString()
	c.state = StateRunning
	c.runID = runID
	c.startedAt = c.now().UTC()
	c.cancel = cancel
	c.done = done
	c.cycles = 0
	c.delivered = 0
	c.overflows = 0
	c.lastErr = nil
	c.mu.Unlock()

	observability.SetSorterRunning(true)
	logs.Infof("sorter.Controller.Start run_id=%s cages=%d", runID, c.alloc.Len())
	c.notifyState(StateRunning)
	go c.loop(runCtx, runID, done)
	return nil
}

// Stop requests the loop to end after the cycle in progress. A delivery in
// flight is allowed to finish.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return ErrNotRunning
	case StateStopping:
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	cancel := c.cancel
	c.mu.Unlock()

	logs.Infof("sorter.Controller.Stop requested")
	c.notifyState(StateStopping)
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the current loop, if any, has exited.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the fault that ended the most recent run, nil after a clean
// stop.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Status{
		State:     c.state,
		RunID:     c.runID,
		StartedAt: c.startedAt,
		Cycles:    c.cycles,
		Delivered: c.delivered,
		Overflows: c.overflows,
	}
	if c.lastErr != nil {
		out.LastError = c.lastErr.Error()
		var fault *Fault
		if errors.As(c.lastErr, &fault) {
			out.FaultKind = fault.Kind
		}
	}
	return out
}

func (c *Controller) loop(ctx context.Context, runID string, done chan struct{}) {
	defer close(done)

	var fault *Fault
	for c.running() && ctx.Err() == nil {
		err := c.cycle(ctx, runID)
		if err == nil {
			continue
		}
		// anything but a fault is the classifier giving way to cancellation
		errors.As(err, &fault)
		break
	}
	c.finish(fault)
}

func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

func (c *Controller) cycle(ctx context.Context, runID string) error {
	sex, err := c.classifier.Classify(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.newFault(FaultClassifier, runID, nil, err)
	}

	alloc, err := c.alloc.Allocate(sex)
	if err != nil {
		return c.newFault(FaultAllocation, runID, nil, err)
	}

	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()

	// the send runs to completion even if Stop arrives meanwhile
	reply, err := c.sender.SendAndConfirm(context.WithoutCancel(ctx), alloc.FireAction)
	if err != nil {
		if rerr := c.alloc.Revert(alloc); rerr != nil {
			logs.Errf("sorter.Controller.cycle revert cage=%d err=%v", alloc.Cage, rerr)
		}
		return c.newFault(sendFaultKind(err), runID, &alloc, err)
	}

	status, err := c.alloc.Cage(alloc.Cage)
	if err != nil {
		return c.newFault(FaultAllocation, runID, &alloc, err)
	}
	c.commit(ctx, Delivery{
		RunID:      runID,
		Allocation: alloc,
		Cage:       status,
		Sequence:   reply.Count,
		At:         c.now().UTC(),
	})
	return nil
}

func (c *Controller) commit(ctx context.Context, d Delivery) {
	c.mu.Lock()
	if !d.Manual {
		c.delivered++
		if d.Allocation.Overflow {
			c.overflows++
		}
	}
	c.mu.Unlock()

	if !d.Manual {
		observability.RecordAllocation(d.Allocation.Name, d.Allocation.Sex.String(), d.Allocation.Overflow)
	}
	if c.journal != nil {
		if err := c.journal.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
			logs.Warnf("sorter.Controller.commit journal cage=%d seq=%d err=%v", d.Allocation.Cage, d.Sequence, err)
		}
	}
	logs.Debugf("sorter.Controller.commit cage=%d sex=%s overflow=%t seq=%d manual=%t",
		d.Allocation.Cage, d.Allocation.Sex, d.Allocation.Overflow, d.Sequence, d.Manual)
	for _, o := range c.observers {
		o.Delivered(d)
	}
}

func (c *Controller) newFault(kind, runID string, alloc *cages.Allocation, err error) *Fault {
	return &Fault{Kind: kind, RunID: runID, Allocation: alloc, Err: err, At: c.now().UTC()}
}

func (c *Controller) finish(fault *Fault) {
	c.mu.Lock()
	c.state = StateIdle
	c.cancel = nil
	if fault != nil {
		c.lastErr = fault
	}
	runID := c.runID
	delivered := c.delivered
	c.mu.Unlock()

	observability.SetSorterRunning(false)
	if fault != nil {
		observability.RecordFault(fault.Kind)
		logs.Errf("sorter.Controller.loop halted run_id=%s delivered=%d err=%v", runID, delivered, fault)
		for _, o := range c.observers {
			o.Faulted(fault)
		}
	} else {
		logs.Infof("sorter.Controller.loop stopped run_id=%s delivered=%d", runID, delivered)
	}
	c.notifyState(StateIdle)
}

func (c *Controller) notifyState(s State) {
	for _, o := range c.observers {
		o.StateChanged(s)
	}
}

// Fire sends the fire action of cage index once without touching counts.
// It is refused while the loop runs.
func (c *Controller) Fire(ctx context.Context, index int) (Delivery, error) {
	status, err := c.alloc.Cage(index)
	if err != nil {
		return Delivery{}, err
	}

	c.mu.Lock()
	if c.state != StateIdle || c.firing {
		c.mu.Unlock()
		return Delivery{}, ErrBusy
	}
	c.firing = true
	runID := c.runID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.firing = false
		c.mu.Unlock()
	}()

	reply, err := c.sender.SendAndConfirm(ctx, status.FireAction)
	if err != nil {
		logs.Errf("sorter.Controller.Fire cage=%d action=%q err=%v", index, status.FireAction, err)
		return Delivery{}, fmt.Errorf("sorter: manual fire cage %d: %w", index, err)
	}
	d := Delivery{
		RunID: runID,
		Allocation: cages.Allocation{
			Cage:       status.Index,
			Name:       status.Name,
			FireAction: status.FireAction,
		},
		Cage:     status,
		Sequence: reply.Count,
		Manual:   true,
		At:       c.now().UTC(),
	}
	c.commit(ctx, d)
	return d, nil
}
