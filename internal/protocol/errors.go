package protocol

import "errors"

var (
	ErrInvalidMessage   = errors.New("protocol: invalid message")
	ErrMalformedReply   = errors.New("protocol: malformed reply")
	ErrSequenceMismatch = errors.New("protocol: sequence mismatch")
)
