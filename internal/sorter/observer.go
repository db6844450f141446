package sorter

import (
	"time"

	"github.com/danmuck/sortctl/internal/cages"
	"github.com/danmuck/sortctl/internal/observability"
)

// Delivery is one fire command the device confirmed.
type Delivery struct {
	RunID      string           `json:"run_id"`
	Allocation cages.Allocation `json:"allocation"`
	// Cage is the destination after the count was committed. Manual fires
	// leave counts unchanged.
	Cage     cages.CageStatus `json:"cage"`
	Sequence int              `json:"sequence"`
	Manual   bool             `json:"manual"`
	At       time.Time        `json:"at"`
}

// Observer receives controller events from the worker goroutine. Handlers
// must not block.
type Observer interface {
	Delivered(Delivery)
	Faulted(*Fault)
	StateChanged(State)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	OnDelivered    func(Delivery)
	OnFault        func(*Fault)
	OnStateChanged func(State)
}

func (o ObserverFuncs) Delivered(d Delivery) {
	if o.OnDelivered != nil {
		o.OnDelivered(d)
	}
}

func (o ObserverFuncs) Faulted(f *Fault) {
	if o.OnFault != nil {
		o.OnFault(f)
	}
}

func (o ObserverFuncs) StateChanged(s State) {
	if o.OnStateChanged != nil {
		o.OnStateChanged(s)
	}
}

// CageGauges mirrors every count change into the cage gauges.
func CageGauges() cages.Observer {
	return cages.ObserverFunc(func(ev cages.CountEvent) {
		st := ev.Cage
		observability.SetCageCounts(st.Name, st.NumberMales, st.NumberFemales, st.RequiredMales, st.RequiredFemales)
	})
}
