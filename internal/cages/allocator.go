package cages

import (
	"fmt"
	"sync"
	"time"

	logs "github.com/danmuck/sortctl/internal/logging"
)

// Allocation is the result of routing one insect.
type Allocation struct {
	Cage       int            `json:"cage"`
	Name       string         `json:"name"`
	FireAction string         `json:"fire_action"`
	Sex        Classification `json:"sex"`
	// Overflow is set when every cage was complete for Sex. The last cage is
	// returned and no count was changed.
	Overflow bool `json:"overflow"`
}

// Counts is a persisted per-cage tally used by Restore.
type Counts struct {
	Index   int `json:"index"`
	Males   int `json:"males"`
	Females int `json:"females"`
}

type Allocator struct {
	mu        sync.Mutex
	cages     []*Cage
	observers []Observer
	now       func() time.Time
}

// NewAllocator builds cages 1..len(cfgs) in order.
func NewAllocator(cfgs []CageConfig) (*Allocator, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoCages
	}
	a := &Allocator{
		cages: make([]*Cage, 0, len(cfgs)),
		now:   time.Now,
	}
	for i, cfg := range cfgs {
		c, err := NewCage(i+1, cfg)
		if err != nil {
			return nil, err
		}
		a.cages = append(a.cages, c)
	}
	return a, nil
}

// Subscribe registers an observer. It is meant to be called during wiring.
func (a *Allocator) Subscribe(o Observer) {
	if o == nil {
		return
	}
	a.mu.Lock()
	a.observers = append(a.observers, o)
	a.mu.Unlock()
}

func (a *Allocator) Len() int {
	return len(a.cages)
}

// Allocate picks the first cage in index order whose quota for sex is open
// and counts the insect there. When none is open the last cage is returned
// with Overflow set.
func (a *Allocator) Allocate(sex Classification) (Allocation, error) {
	if !sex.Valid() {
		return Allocation{}, fmt.Errorf("%w: %d", ErrUnknownClassification, int(sex))
	}

	a.mu.Lock()
	target := a.cages[len(a.cages)-1]
	overflow := true
	for _, c := range a.cages {
		if !c.complete(sex) {
			target = c
			overflow = false
			break
		}
	}
	if !overflow {
		target.add(sex)
	}
	status := target.Status()
	observers := a.observers
	a.mu.Unlock()

	if overflow {
		logs.Warnf("cages.Allocator.Allocate overflow sex=%s cage=%d", sex, status.Index)
	}
	alloc := Allocation{
		Cage:       status.Index,
		Name:       status.Name,
		FireAction: status.FireAction,
		Sex:        sex,
		Overflow:   overflow,
	}
	a.emit(observers, CountEvent{Kind: EventAllocated, Cage: status, Sex: sex, Overflow: overflow})
	return alloc, nil
}

// Revert undoes the increment made by a previous Allocate. Overflow
// allocations changed nothing and are ignored.
func (a *Allocator) Revert(alloc Allocation) error {
	if alloc.Overflow {
		return nil
	}
	if !alloc.Sex.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownClassification, int(alloc.Sex))
	}

	a.mu.Lock()
	c, err := a.cageLocked(alloc.Cage)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	changed := c.remove(alloc.Sex)
	status := c.Status()
	observers := a.observers
	a.mu.Unlock()

	if !changed {
		logs.Warnf("cages.Allocator.Revert nothing to revert cage=%d sex=%s", alloc.Cage, alloc.Sex)
		return nil
	}
	a.emit(observers, CountEvent{Kind: EventReverted, Cage: status, Sex: alloc.Sex})
	return nil
}

// SetMaleFraction changes one cage's quota split. The returned warning is
// true when a count already exceeds its new requirement.
func (a *Allocator) SetMaleFraction(index int, f float64) (bool, error) {
	if err := ValidateFraction(f); err != nil {
		return false, err
	}

	a.mu.Lock()
	c, err := a.cageLocked(index)
	if err != nil {
		a.mu.Unlock()
		return false, err
	}
	warn, err := c.SetMaleFraction(f)
	status := c.Status()
	observers := a.observers
	a.mu.Unlock()
	if err != nil {
		return false, err
	}

	if warn {
		logs.Warnf("cages.Allocator.SetMaleFraction counts exceed quota cage=%d males=%d/%d females=%d/%d",
			index, status.NumberMales, status.RequiredMales, status.NumberFemales, status.RequiredFemales)
	}
	a.emit(observers, CountEvent{Kind: EventFractionChanged, Cage: status, Warning: warn})
	return warn, nil
}

// SetMaleFractionAll applies f to every cage. It validates first so a bad
// value changes nothing.
func (a *Allocator) SetMaleFractionAll(f float64) (bool, error) {
	if err := ValidateFraction(f); err != nil {
		return false, err
	}

	a.mu.Lock()
	events := make([]CountEvent, 0, len(a.cages))
	anyWarn := false
	for _, c := range a.cages {
		warn, _ := c.SetMaleFraction(f)
		anyWarn = anyWarn || warn
		events = append(events, CountEvent{Kind: EventFractionChanged, Cage: c.Status(), Warning: warn})
	}
	observers := a.observers
	a.mu.Unlock()

	if anyWarn {
		logs.Warnf("cages.Allocator.SetMaleFractionAll counts exceed quota fraction=%v", f)
	}
	for _, ev := range events {
		a.emit(observers, ev)
	}
	return anyWarn, nil
}

// Restore overwrites counts for the listed cages. Unknown indices are
// rejected before anything changes.
func (a *Allocator) Restore(counts []Counts) error {
	a.mu.Lock()
	for _, c := range counts {
		if _, err := a.cageLocked(c.Index); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	events := make([]CountEvent, 0, len(counts))
	for _, c := range counts {
		cage := a.cages[c.Index-1]
		cage.setCounts(c.Males, c.Females)
		events = append(events, CountEvent{Kind: EventRestored, Cage: cage.Status()})
	}
	observers := a.observers
	a.mu.Unlock()

	for _, ev := range events {
		a.emit(observers, ev)
	}
	return nil
}

func (a *Allocator) Snapshot() []CageStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CageStatus, 0, len(a.cages))
	for _, c := range a.cages {
		out = append(out, c.Status())
	}
	return out
}

// Cage returns the status of cage index (1-based).
func (a *Allocator) Cage(index int) (CageStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, err := a.cageLocked(index)
	if err != nil {
		return CageStatus{}, err
	}
	return c.Status(), nil
}

func (a *Allocator) cageLocked(index int) (*Cage, error) {
	if index < 1 || index > len(a.cages) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCage, index)
	}
	return a.cages[index-1], nil
}

func (a *Allocator) emit(observers []Observer, ev CountEvent) {
	if len(observers) == 0 {
		return
	}
	ev.At = a.now().UTC()
	for _, o := range observers {
		o.CountChanged(ev)
	}
}
