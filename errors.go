package carray

import "errors"

var (
	// ErrInvalidArgument is returned for size or shape mismatches detected
	// before any mutation takes place.
	ErrInvalidArgument = errors.New("carray: invalid argument")

	// ErrOutOfBounds is returned when a slice range falls outside the
	// array's shape.
	ErrOutOfBounds = errors.New("carray: range out of bounds")

	// ErrMetaCorrupt is returned when a persisted metadata record fails
	// marker, length or version validation.
	ErrMetaCorrupt = errors.New("carray: corrupt metadata record")

	// ErrFilled is returned when appending to an array that already holds
	// every chunk of its extended shape.
	ErrFilled = errors.New("carray: array is already filled")
)
