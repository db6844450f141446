package cages

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/danmuck/sortctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeCages(capacity int, fraction float64) []CageConfig {
	return []CageConfig{
		{Name: "Cage 1", Capacity: capacity, MaleFraction: fraction, FireAction: "1"},
		{Name: "Cage 2", Capacity: capacity, MaleFraction: fraction, FireAction: "2"},
		{Name: "Trash", Capacity: capacity, MaleFraction: fraction, FireAction: "3"},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []CountEvent
}

func (r *recorder) CountChanged(ev CountEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestRequiredCountsAlwaysSumToCapacity(t *testing.T) {
	testlog.Start(t)

	for _, capacity := range []int{0, 1, 3, 7, 99, 20000} {
		for _, f := range []float64{0, 0.005, 0.25, 0.3, 1.0 / 3, 0.5, 0.75, 0.999, 1} {
			c, err := NewCage(1, CageConfig{Capacity: capacity, MaleFraction: f, FireAction: "1"})
			require.NoError(t, err)
			st := c.Status()
			assert.Equal(t, capacity, st.RequiredMales+st.RequiredFemales, "capacity=%d fraction=%v", capacity, f)
		}
	}
}

func TestRequiredMalesRoundsHalfAwayFromZero(t *testing.T) {
	testlog.Start(t)

	assert.Equal(t, 2, RequiredMales(3, 0.5))
	assert.Equal(t, 1, RequiredMales(1, 0.5))
	assert.Equal(t, 6000, RequiredMales(20000, 0.30))
	assert.Equal(t, 0, RequiredMales(0, 0.9))
}

func TestNewAllocatorRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	_, err := NewAllocator(nil)
	require.ErrorIs(t, err, ErrNoCages)

	_, err = NewAllocator([]CageConfig{{Capacity: 10, MaleFraction: 0.5}})
	require.ErrorIs(t, err, ErrInvalidCage)

	_, err = NewAllocator([]CageConfig{{Capacity: -1, MaleFraction: 0.5, FireAction: "1"}})
	require.ErrorIs(t, err, ErrInvalidCage)

	_, err = NewAllocator([]CageConfig{{Capacity: 10, MaleFraction: 1.5, FireAction: "1"}})
	require.ErrorIs(t, err, ErrInvalidFraction)
}

func TestNewCageDefaultsName(t *testing.T) {
	testlog.Start(t)

	c, err := NewCage(4, CageConfig{Capacity: 10, FireAction: "4"})
	require.NoError(t, err)
	assert.Equal(t, "Cage 4", c.Status().Name)
	assert.Equal(t, 4, c.Index())
}

func TestTwentyThousandAtThirtyPercent(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(20000, 0.30))
	require.NoError(t, err)

	first, err := a.Cage(1)
	require.NoError(t, err)
	require.Equal(t, 6000, first.RequiredMales)
	require.Equal(t, 14000, first.RequiredFemales)

	for i := 0; i < 6000; i++ {
		alloc, err := a.Allocate(Male)
		require.NoError(t, err)
		require.Equal(t, 1, alloc.Cage, "male %d", i+1)
		require.Equal(t, "1", alloc.FireAction)
	}

	first, _ = a.Cage(1)
	assert.True(t, first.MalesComplete)
	assert.False(t, first.FemalesComplete)

	next, err := a.Allocate(Male)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Cage)
	assert.False(t, next.Overflow)

	female, err := a.Allocate(Female)
	require.NoError(t, err)
	assert.Equal(t, 1, female.Cage)
}

func TestCompletedCageNeverReselected(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(4, 0.5))
	require.NoError(t, err)

	seen := map[int]int{}
	for i := 0; i < 6; i++ {
		alloc, err := a.Allocate(Male)
		require.NoError(t, err)
		require.False(t, alloc.Overflow)
		seen[alloc.Cage]++
	}
	assert.Equal(t, map[int]int{1: 2, 2: 2, 3: 2}, seen)

	for _, st := range a.Snapshot() {
		assert.True(t, st.MalesComplete, "cage %d", st.Index)
		assert.Equal(t, 2, st.NumberMales)
	}
}

func TestOverflowFallsBackToLastCageWithoutCounting(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(2, 1))
	require.NoError(t, err)
	rec := &recorder{}
	a.Subscribe(rec)

	for i := 0; i < 6; i++ {
		_, err := a.Allocate(Male)
		require.NoError(t, err)
	}
	before := a.Snapshot()

	alloc, err := a.Allocate(Male)
	require.NoError(t, err)
	assert.True(t, alloc.Overflow)
	assert.Equal(t, 3, alloc.Cage)
	assert.Equal(t, "3", alloc.FireAction)
	assert.Equal(t, before, a.Snapshot())

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.Equal(t, EventAllocated, last.Kind)
	assert.True(t, last.Overflow)

	require.NoError(t, a.Revert(alloc))
	assert.Equal(t, before, a.Snapshot())
}

func TestZeroCapacityCagesAreSkipped(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator([]CageConfig{
		{Capacity: 0, MaleFraction: 0.5, FireAction: "1"},
		{Capacity: 10, MaleFraction: 0.5, FireAction: "2"},
	})
	require.NoError(t, err)

	alloc, err := a.Allocate(Female)
	require.NoError(t, err)
	assert.Equal(t, 2, alloc.Cage)
}

func TestAllocateTerminatesWithOneResult(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(3, 0.34))
	require.NoError(t, err)

	total := 0
	for i := 0; i < 50; i++ {
		sex := Female
		if i%3 == 0 {
			sex = Male
		}
		alloc, err := a.Allocate(sex)
		require.NoError(t, err)
		require.GreaterOrEqual(t, alloc.Cage, 1)
		require.LessOrEqual(t, alloc.Cage, 3)
		if !alloc.Overflow {
			total++
		}
	}
	assert.Equal(t, 9, total)
}

func TestAllocateRejectsUnknownClassification(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(10, 0.5))
	require.NoError(t, err)

	_, err = a.Allocate(Classification(7))
	require.ErrorIs(t, err, ErrUnknownClassification)
}

func TestRevertUndoesIncrement(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(10, 0.5))
	require.NoError(t, err)
	rec := &recorder{}
	a.Subscribe(rec)

	alloc, err := a.Allocate(Female)
	require.NoError(t, err)
	st, _ := a.Cage(1)
	require.Equal(t, 1, st.NumberFemales)

	require.NoError(t, a.Revert(alloc))
	st, _ = a.Cage(1)
	assert.Equal(t, 0, st.NumberFemales)
	assert.Equal(t, []EventKind{EventAllocated, EventReverted}, rec.kinds())

	require.ErrorIs(t, a.Revert(Allocation{Cage: 9, Sex: Male}), ErrUnknownCage)
}

func TestSetMaleFractionValidation(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(10, 0.5))
	require.NoError(t, err)

	cases := []struct {
		name string
		f    float64
	}{
		{"negative", -0.1},
		{"above one", 1.01},
		{"nan", math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.SetMaleFraction(1, tc.f)
			require.ErrorIs(t, err, ErrInvalidFraction)
			_, err = a.SetMaleFractionAll(tc.f)
			require.ErrorIs(t, err, ErrInvalidFraction)
		})
	}

	for _, st := range a.Snapshot() {
		assert.Equal(t, 0.5, st.MaleFraction)
		assert.Equal(t, 5, st.RequiredMales)
	}

	_, err = a.SetMaleFraction(4, 0.2)
	require.ErrorIs(t, err, ErrUnknownCage)
}

func TestSetMaleFractionWarnsWhenCountsExceedQuota(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(10, 0.5))
	require.NoError(t, err)
	rec := &recorder{}
	a.Subscribe(rec)

	for i := 0; i < 4; i++ {
		_, err := a.Allocate(Male)
		require.NoError(t, err)
	}

	warn, err := a.SetMaleFraction(1, 0.2)
	require.NoError(t, err)
	assert.True(t, warn)

	st, _ := a.Cage(1)
	assert.Equal(t, 4, st.NumberMales)
	assert.Equal(t, 2, st.RequiredMales)
	assert.Equal(t, 8, st.RequiredFemales)
	assert.True(t, st.MalesComplete)

	alloc, err := a.Allocate(Male)
	require.NoError(t, err)
	assert.Equal(t, 2, alloc.Cage)

	warn, err = a.SetMaleFraction(1, 0.9)
	require.NoError(t, err)
	assert.False(t, warn)
	st, _ = a.Cage(1)
	assert.False(t, st.MalesComplete)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var flagged int
	for _, ev := range rec.events {
		if ev.Kind == EventFractionChanged && ev.Warning {
			flagged++
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestSetMaleFractionAllAppliesEverywhere(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(20000, 0.5))
	require.NoError(t, err)
	rec := &recorder{}
	a.Subscribe(rec)

	warn, err := a.SetMaleFractionAll(0.3)
	require.NoError(t, err)
	assert.False(t, warn)

	for _, st := range a.Snapshot() {
		assert.Equal(t, 6000, st.RequiredMales)
		assert.Equal(t, 14000, st.RequiredFemales)
	}
	assert.Len(t, rec.kinds(), 3)
}

func TestRestoreCounts(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(10, 0.5))
	require.NoError(t, err)

	err = a.Restore([]Counts{{Index: 1, Males: 5, Females: 2}, {Index: 2, Males: 1}})
	require.NoError(t, err)

	st, _ := a.Cage(1)
	assert.True(t, st.MalesComplete)
	assert.Equal(t, 2, st.NumberFemales)

	alloc, err := a.Allocate(Male)
	require.NoError(t, err)
	assert.Equal(t, 2, alloc.Cage)

	err = a.Restore([]Counts{{Index: 1, Males: 0}, {Index: 5, Males: 1}})
	require.True(t, errors.Is(err, ErrUnknownCage))
	st, _ = a.Cage(1)
	assert.Equal(t, 5, st.NumberMales)
}

func TestParseClassification(t *testing.T) {
	testlog.Start(t)

	for raw, want := range map[string]Classification{"male": Male, " M ": Male, "1": Male, "Female": Female, "f": Female} {
		got, err := ParseClassification(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseClassification("unknown")
	require.ErrorIs(t, err, ErrUnknownClassification)

	text, err := Male.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "male", string(text))
	_, err = Classification(3).MarshalText()
	require.Error(t, err)
}

func TestConcurrentAllocationKeepsTotals(t *testing.T) {
	testlog.Start(t)

	a, err := NewAllocator(threeCages(1000, 0.5))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				sex := Male
				if (w+i)%2 == 0 {
					sex = Female
				}
				if _, err := a.Allocate(sex); err != nil {
					t.Errorf("allocate: %v", err)
				}
				_ = a.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, st := range a.Snapshot() {
		total += st.NumberMales + st.NumberFemales
	}
	assert.Equal(t, 800, total)
}
