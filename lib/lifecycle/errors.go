package lifecycle

import (
	"errors"
	"fmt"

	"github.com/onkernel/nodelab/lib/console"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/nodes"
	"github.com/onkernel/nodelab/lib/overlays"
	"github.com/onkernel/nodelab/lib/ports"
	"github.com/onkernel/nodelab/lib/vmm"
)

// Error kinds surfaced by every lifecycle operation. The component error that
// caused them stays in the chain, so both errors.Is(err, ErrConflict) and
// errors.Is(err, nodes.ErrConflict) hold.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrStorage        = errors.New("storage error")
	ErrExhausted      = errors.New("resources exhausted")
	ErrLaunch         = errors.New("launch failed")
	ErrGateway        = errors.New("console gateway error")
	ErrInvalidRequest = errors.New("invalid request")
)

var kinds = []error{ErrNotFound, ErrConflict, ErrStorage, ErrExhausted, ErrLaunch, ErrGateway, ErrInvalidRequest}

var componentKinds = []struct {
	sentinel error
	kind     error
}{
	{images.ErrNotFound, ErrNotFound},
	{nodes.ErrNotFound, ErrNotFound},
	{nodes.ErrConflict, ErrConflict},
	{images.ErrAlreadyExists, ErrConflict},
	{images.ErrInUse, ErrConflict},
	{overlays.ErrExists, ErrConflict},
	{overlays.ErrStorage, ErrStorage},
	{overlays.ErrInvalidPath, ErrStorage},
	{ports.ErrExhausted, ErrExhausted},
	{vmm.ErrLaunch, ErrLaunch},
	{console.ErrGateway, ErrGateway},
	{nodes.ErrInvalidName, ErrInvalidRequest},
	{images.ErrInvalidName, ErrInvalidRequest},
	{images.ErrInvalidPath, ErrInvalidRequest},
	{images.ErrBrokenChain, ErrInvalidRequest},
}

// Classify wraps err with its lifecycle kind. Errors that already carry a kind
// and errors with no known component sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	for _, ck := range componentKinds {
		if errors.Is(err, ck.sentinel) {
			return fmt.Errorf("%w: %w", ck.kind, err)
		}
	}
	return err
}

// Kind returns the lifecycle kind of err, or nil for internal errors.
func Kind(err error) error {
	err = Classify(err)
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
