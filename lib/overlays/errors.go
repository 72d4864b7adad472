package overlays

import "errors"

var (
	// ErrExists is returned when an overlay already exists at the target path
	ErrExists = errors.New("overlay already exists")

	// ErrStorage is returned when the filesystem or qemu-img fails
	ErrStorage = errors.New("overlay storage error")

	// ErrInvalidPath is returned when a path escapes the overlay directory
	ErrInvalidPath = errors.New("invalid overlay path")
)
