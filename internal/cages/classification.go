package cages

import (
	"fmt"
	"strings"
)

// Classification is the externally supplied category of one insect.
type Classification int

const (
	Female Classification = iota
	Male
)

func (c Classification) Valid() bool {
	return c == Female || c == Male
}

func (c Classification) String() string {
	switch c {
	case Female:
		return "female"
	case Male:
		return "male"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

func (c Classification) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClassification, int(c))
	}
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(b []byte) error {
	v, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseClassification(raw string) (Classification, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male", "m", "1":
		return Male, nil
	case "female", "f", "0":
		return Female, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownClassification, raw)
	}
}
