package sorter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/sortctl/internal/cages"
	"github.com/danmuck/sortctl/internal/testutil/testlog"
)

func TestNewClassifierKinds(t *testing.T) {
	testlog.Start(t)

	for _, kind := range []string{"", "random", "Male", "female"} {
		if _, err := NewClassifier(kind, 0); err != nil {
			t.Fatalf("kind %q: %v", kind, err)
		}
	}
	if _, err := NewClassifier("camera", 0); !errors.Is(err, ErrUnknownClassifier) {
		t.Fatalf("expected ErrUnknownClassifier, got %v", err)
	}
}

func TestRandomClassifierDrawsBothSexes(t *testing.T) {
	testlog.Start(t)

	c := NewRandomClassifier(0, 42)
	seen := map[cages.Classification]int{}
	for i := 0; i < 200; i++ {
		sex, err := c.Classify(context.Background())
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if !sex.Valid() {
			t.Fatalf("invalid classification %d", sex)
		}
		seen[sex]++
	}
	if seen[cages.Male] == 0 || seen[cages.Female] == 0 {
		t.Fatalf("expected both sexes, got %v", seen)
	}
}

func TestClassifierPacingHonoursCancel(t *testing.T) {
	testlog.Start(t)

	c := FixedClassifier{Sex: cages.Male, Interval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Classify(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	fast := FixedClassifier{Sex: cages.Female, Interval: time.Millisecond}
	sex, err := fast.Classify(context.Background())
	if err != nil || sex != cages.Female {
		t.Fatalf("unexpected result sex=%s err=%v", sex, err)
	}
}

func TestSequenceClassifierExhausts(t *testing.T) {
	testlog.Start(t)

	c := NewSequenceClassifier(cages.Male, cages.Female)
	for _, want := range []cages.Classification{cages.Male, cages.Female} {
		got, err := c.Classify(context.Background())
		if err != nil || got != want {
			t.Fatalf("got=%s err=%v want=%s", got, err, want)
		}
	}
	if _, err := c.Classify(context.Background()); !errors.Is(err, ErrClassifierExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}
