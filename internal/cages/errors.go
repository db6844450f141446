package cages

import "errors"

var (
	ErrNoCages               = errors.New("cages: no cages configured")
	ErrInvalidCage           = errors.New("cages: invalid cage")
	ErrUnknownCage           = errors.New("cages: unknown cage")
	ErrInvalidFraction       = errors.New("cages: male fraction must be within [0,1]")
	ErrUnknownClassification = errors.New("cages: unknown classification")
)
