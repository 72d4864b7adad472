package images

import "errors"

var (
	ErrNotFound      = errors.New("image not found")
	ErrAlreadyExists = errors.New("image already exists")
	ErrInvalidName   = errors.New("invalid image name")

	// ErrInvalidPath is returned when an image file is missing or escapes the image directory
	ErrInvalidPath = errors.New("invalid image path")

	// ErrInUse is returned when deleting an image that has children or nodes
	ErrInUse = errors.New("image is in use")

	// ErrBrokenChain is returned when a parent chain does not reach a base image
	ErrBrokenChain = errors.New("image chain does not terminate")
)
