package ports

import "errors"

var (
	// ErrExhausted is returned when every port in the pool is reserved
	ErrExhausted = errors.New("port pool exhausted")

	// ErrOutOfRange is returned when a port lies outside the pool
	ErrOutOfRange = errors.New("port out of range")

	// ErrInUse is returned when reserving a port that is already reserved
	ErrInUse = errors.New("port already reserved")

	// ErrInvalidRange is returned when the configured range is empty or inverted
	ErrInvalidRange = errors.New("invalid port range")
)
