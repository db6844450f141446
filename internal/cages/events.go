package cages

import "time"

type EventKind string

const (
	EventAllocated       EventKind = "allocated"
	EventReverted        EventKind = "reverted"
	EventFractionChanged EventKind = "fraction_changed"
	EventRestored        EventKind = "restored"
)

// CountEvent describes one change to a cage. Cage is the state after the
// change.
type CountEvent struct {
	Kind     EventKind      `json:"kind"`
	Cage     CageStatus     `json:"cage"`
	Sex      Classification `json:"sex"`
	Overflow bool           `json:"overflow,omitempty"`
	Warning  bool           `json:"warning,omitempty"`
	At       time.Time      `json:"at"`
}

// Observer receives count events. Calls happen outside the allocator lock
// and may come from any goroutine.
type Observer interface {
	CountChanged(CountEvent)
}

type ObserverFunc func(CountEvent)

func (f ObserverFunc) CountChanged(ev CountEvent) {
	f(ev)
}
