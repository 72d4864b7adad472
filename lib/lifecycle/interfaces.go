package lifecycle

import (
	"context"

	"github.com/onkernel/nodelab/lib/vmm"
)

// Supervisor is the process control the orchestrator needs.
//
// In production, this is satisfied by *vmm.Supervisor.
type Supervisor interface {
	Start(ctx context.Context, req vmm.StartRequest) (*vmm.Handle, error)
	Stop(ctx context.Context, h *vmm.Handle) error
	IsAlive(h *vmm.Handle) bool
	Lookup(nodeID string) (*vmm.Handle, bool)
}

// PortAllocator hands out VNC ports.
//
// In production, this is satisfied by *ports.Pool.
type PortAllocator interface {
	Acquire() (int, error)
	Reserve(port int) error
	Release(port int)
	InUse() int
	Size() int
}
