package protocol

// SequenceModulus bounds the sequence field to [0, SequenceModulus).
const SequenceModulus = 128

// Sequence is the per-engine wrapping counter. It is not safe for concurrent use.
type Sequence struct {
	value int
}

// Next advances the counter and returns the value to put on the wire.
func (s *Sequence) Next() int {
	s.value = (s.value + 1) % SequenceModulus
	return s.value
}

// Current is the value carried by the most recent message (0 before any send).
func (s *Sequence) Current() int {
	return s.value
}

func ValidSequence(v int) bool {
	return v >= 0 && v < SequenceModulus
}
