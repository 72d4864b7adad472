package nodes

import "errors"

var (
	// ErrNotFound is returned when a node does not exist
	ErrNotFound = errors.New("node not found")

	// ErrConflict is returned when a status precondition fails or a unique field collides
	ErrConflict = errors.New("node conflict")

	// ErrInvalidName is returned when a node name is invalid
	ErrInvalidName = errors.New("invalid node name")
)
