package cages

import (
	"fmt"
	"math"
	"strings"
)

// CageConfig is the configured shape of one cage.
type CageConfig struct {
	Name         string
	Capacity     int
	MaleFraction float64
	FireAction   string
}

// CageStatus is a read-only copy of one cage for display and persistence.
type CageStatus struct {
	Index           int     `json:"index"`
	Name            string  `json:"name"`
	Capacity        int     `json:"capacity"`
	MaleFraction    float64 `json:"male_fraction"`
	FireAction      string  `json:"fire_action"`
	RequiredMales   int     `json:"required_males"`
	RequiredFemales int     `json:"required_females"`
	NumberMales     int     `json:"number_males"`
	NumberFemales   int     `json:"number_females"`
	MalesComplete   bool    `json:"males_complete"`
	FemalesComplete bool    `json:"females_complete"`
}

// Cage is one collection bin. It is not safe for concurrent use; Allocator
// serialises access.
type Cage struct {
	index      int
	name       string
	capacity   int
	fraction   float64
	fireAction string

	requiredMales   int
	requiredFemales int
	males           int
	females         int
	malesComplete   bool
	femalesComplete bool
}

// NewCage builds cage number index (1-based) from cfg.
func NewCage(index int, cfg CageConfig) (*Cage, error) {
	if index < 1 {
		return nil, fmt.Errorf("%w: index %d", ErrInvalidCage, index)
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("%w: cage %d capacity %d", ErrInvalidCage, index, cfg.Capacity)
	}
	action := strings.TrimSpace(cfg.FireAction)
	if action == "" {
		return nil, fmt.Errorf("%w: cage %d missing fire action", ErrInvalidCage, index)
	}
	if err := ValidateFraction(cfg.MaleFraction); err != nil {
		return nil, fmt.Errorf("cage %d: %w", index, err)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = fmt.Sprintf("Cage %d", index)
	}
	c := &Cage{
		index:      index,
		name:       name,
		capacity:   cfg.Capacity,
		fraction:   cfg.MaleFraction,
		fireAction: action,
	}
	c.recompute()
	return c, nil
}

func ValidateFraction(f float64) error {
	if math.IsNaN(f) || f < 0 || f > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidFraction, f)
	}
	return nil
}

// RequiredMales is round(capacity × fraction), half away from zero.
func RequiredMales(capacity int, fraction float64) int {
	return int(math.Round(float64(capacity) * fraction))
}

// SetMaleFraction recomputes quotas. It reports whether a count already
// received now exceeds its new quota; counts are never rolled back.
func (c *Cage) SetMaleFraction(f float64) (exceeded bool, err error) {
	if err := ValidateFraction(f); err != nil {
		return false, err
	}
	c.fraction = f
	c.recompute()
	return c.males > c.requiredMales || c.females > c.requiredFemales, nil
}

func (c *Cage) recompute() {
	c.requiredMales = RequiredMales(c.capacity, c.fraction)
	c.requiredFemales = c.capacity - c.requiredMales
	c.malesComplete = c.males >= c.requiredMales
	c.femalesComplete = c.females >= c.requiredFemales
}

func (c *Cage) complete(sex Classification) bool {
	if sex == Male {
		return c.malesComplete
	}
	return c.femalesComplete
}

func (c *Cage) add(sex Classification) {
	if sex == Male {
		c.males++
	} else {
		c.females++
	}
	c.recompute()
}

func (c *Cage) remove(sex Classification) bool {
	switch {
	case sex == Male && c.males > 0:
		c.males--
	case sex == Female && c.females > 0:
		c.females--
	default:
		return false
	}
	c.recompute()
	return true
}

func (c *Cage) setCounts(males, females int) {
	c.males = max(males, 0)
	c.females = max(females, 0)
	c.recompute()
}

func (c *Cage) Index() int {
	return c.index
}

func (c *Cage) Status() CageStatus {
	return CageStatus{
		Index:           c.index,
		Name:            c.name,
		Capacity:        c.capacity,
		MaleFraction:    c.fraction,
		FireAction:      c.fireAction,
		RequiredMales:   c.requiredMales,
		RequiredFemales: c.requiredFemales,
		NumberMales:     c.males,
		NumberFemales:   c.females,
		MalesComplete:   c.malesComplete,
		FemalesComplete: c.femalesComplete,
	}
}
