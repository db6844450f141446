package sorter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sortctl/internal/cages"
)

var (
	ErrUnknownClassifier   = errors.New("sorter: unknown classifier kind")
	ErrClassifierExhausted = errors.New("sorter: classifier exhausted")
)

// Classifier supplies the sex of the next insect at the gate. Classify may
// block until an insect is present; it must return promptly when ctx ends.
type Classifier interface {
	Classify(ctx context.Context) (cages.Classification, error)
}

type ClassifierFunc func(ctx context.Context) (cages.Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context) (cages.Classification, error) {
	return f(ctx)
}

// RandomClassifier stands in for the vision model. Each call waits Interval
// and then draws male or female with equal odds.
type RandomClassifier struct {
	Interval time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomClassifier(interval time.Duration, seed int64) *RandomClassifier {
	return &RandomClassifier{
		Interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (c *RandomClassifier) Classify(ctx context.Context) (cages.Classification, error) {
	if err := wait(ctx, c.Interval); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.rng.Intn(2) == 1 {
		return cages.Male, nil
	}
	return cages.Female, nil
}

// FixedClassifier reports the same sex every call, paced by Interval.
type FixedClassifier struct {
	Sex      cages.Classification
	Interval time.Duration
}

func (c FixedClassifier) Classify(ctx context.Context) (cages.Classification, error) {
	if err := wait(ctx, c.Interval); err != nil {
		return 0, err
	}
	return c.Sex, nil
}

// SequenceClassifier replays a fixed list and then fails with
// ErrClassifierExhausted.
type SequenceClassifier struct {
	mu   sync.Mutex
	seq  []cages.Classification
	next int
}

func NewSequenceClassifier(seq ...cages.Classification) *SequenceClassifier {
	return &SequenceClassifier{seq: append([]cages.Classification(nil), seq...)}
}

func (c *SequenceClassifier) Classify(ctx context.Context) (cages.Classification, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.seq) {
		return 0, ErrClassifierExhausted
	}
	v := c.seq[c.next]
	c.next++
	return v, nil
}

// NewClassifier builds a classifier by configured kind: random, male or
// female.
func NewClassifier(kind string, interval time.Duration) (Classifier, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "random":
		return NewRandomClassifier(interval, time.Now().UnixNano()), nil
	case "male":
		return FixedClassifier{Sex: cages.Male, Interval: interval}, nil
	case "female":
		return FixedClassifier{Sex: cages.Female, Interval: interval}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClassifier, kind)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
