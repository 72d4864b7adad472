// Package lifecycle composes the catalog, overlay store, port pool, process
// supervisor, console gateway and node registry into node operations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/onkernel/nodelab/lib/console"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/logger"
	"github.com/onkernel/nodelab/lib/nodes"
	"github.com/onkernel/nodelab/lib/overlays"
	"github.com/onkernel/nodelab/lib/vmm"
)

// Node is the externally visible view of a node.
type Node struct {
	nodes.Node `yaml:",inline"`

	// Console is set only while the node is Running.
	Console *console.Links `json:"console,omitempty" yaml:"console,omitempty"`
}

// CreateNodeRequest names a new node and the image it boots from.
type CreateNodeRequest struct {
	Name    string `json:"name"`
	ImageID string `json:"image_id"`
}

// Manager drives nodes through their lifecycle.
type Manager interface {
	CreateNode(ctx context.Context, req CreateNodeRequest) (*Node, error)
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]Node, error)
	RunNode(ctx context.Context, id string) (*Node, error)
	StopNode(ctx context.Context, id string) (*Node, error)
	WipeNode(ctx context.Context, id string) error

	// Reconcile stops every Running node whose process has died.
	Reconcile(ctx context.Context) error
	// RunReconciler calls Reconcile every interval until ctx is done.
	RunReconciler(ctx context.Context, interval time.Duration) error
	// Recover finishes or rolls back operations interrupted by a restart.
	Recover(ctx context.Context) error
}

type manager struct {
	registry nodes.Registry
	images   images.Manager
	overlays overlays.Store
	ports    PortAllocator
	vmm      Supervisor
	gateway  console.Gateway
	metrics  *Metrics
}

// NewManager creates a lifecycle manager. meter and tracer may be nil.
func NewManager(
	registry nodes.Registry,
	imageManager images.Manager,
	overlayStore overlays.Store,
	portPool PortAllocator,
	sup Supervisor,
	gateway console.Gateway,
	meter metric.Meter,
	tracer trace.Tracer,
) (Manager, error) {
	m := &manager{
		registry: registry,
		images:   imageManager,
		overlays: overlayStore,
		ports:    portPool,
		vmm:      sup,
		gateway:  gateway,
	}
	if meter != nil {
		metrics, err := newNodeMetrics(meter, tracer, m)
		if err != nil {
			return nil, fmt.Errorf("register node metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

func (m *manager) CreateNode(ctx context.Context, req CreateNodeRequest) (_ *Node, err error) {
	start := time.Now()
	ctx, end := m.trace(ctx, "CreateNode")
	defer end()
	defer func() { m.recordDuration(ctx, m.createHistogram(), start, err) }()

	log := logger.FromContext(ctx)

	if err := nodes.ValidateName(req.Name); err != nil {
		return nil, Classify(err)
	}
	img, err := m.images.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, Classify(err)
	}
	if _, err := m.registry.GetByName(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("%w: %w: name %q is taken", ErrConflict, nodes.ErrConflict, req.Name)
	} else if !errors.Is(err, nodes.ErrNotFound) {
		return nil, Classify(err)
	}

	backing, err := m.images.ResolvePath(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	id := cuid2.Generate()
	overlayPath, err := m.overlays.Allocate(ctx, backing, id)
	if err != nil {
		log.ErrorContext(ctx, "failed to allocate overlay", "name", req.Name, "image_id", img.ID, "error", err)
		return nil, Classify(err)
	}

	node := &nodes.Node{
		ID:                  id,
		Name:                req.Name,
		Status:              nodes.StatusStopped,
		ImageID:             img.ID,
		InstanceOverlayPath: overlayPath,
		CreatedAt:           time.Now().UTC(),
	}
	if err := m.registry.Insert(ctx, node); err != nil {
		if rerr := m.overlays.Release(context.WithoutCancel(ctx), overlayPath); rerr != nil {
			log.WarnContext(ctx, "failed to release overlay after insert failure", "node_id", id, "overlay", overlayPath, "error", rerr)
		}
		return nil, Classify(err)
	}

	log.InfoContext(ctx, "node created", "node_id", id, "name", node.Name, "image_id", img.ID, "overlay", overlayPath)
	out := m.toNode(*node)
	return &out, nil
}

func (m *manager) GetNode(ctx context.Context, id string) (*Node, error) {
	node, err := m.registry.Get(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	node, err = m.refresh(ctx, node)
	if err != nil {
		return nil, Classify(err)
	}
	out := m.toNode(*node)
	return &out, nil
}

func (m *manager) ListNodes(ctx context.Context) ([]Node, error) {
	all, err := m.registry.List(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	for i := range all {
		refreshed, err := m.refresh(ctx, &all[i])
		if err != nil {
			return nil, Classify(err)
		}
		all[i] = *refreshed
	}
	return lo.Map(all, func(n nodes.Node, _ int) Node {
		return m.toNode(n)
	}), nil
}

func (m *manager) RunNode(ctx context.Context, id string) (_ *Node, err error) {
	start := time.Now()
	ctx, end := m.trace(ctx, "RunNode")
	defer end()
	defer func() { m.recordDuration(ctx, m.runHistogram(), start, err) }()

	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "running node", "node_id", id)

	node, err := m.registry.Transition(ctx, id, nodes.StatusStopped, nodes.StatusStarting)
	if err != nil {
		return nil, Classify(err)
	}
	m.recordStateTransition(ctx, nodes.StatusStopped, nodes.StatusStarting)

	var (
		port         int
		portAcquired bool
		handle       *vmm.Handle
		connID       string
	)
	defer func() {
		if err != nil {
			log.WarnContext(ctx, "run failed, rolling back", "node_id", id, "error", err)
			m.rollbackRun(context.WithoutCancel(ctx), id, port, portAcquired, handle, connID)
		}
	}()

	port, err = m.ports.Acquire()
	if err != nil {
		return nil, Classify(err)
	}
	portAcquired = true

	overlayPath, err := m.overlays.Path(node.InstanceOverlayPath)
	if err != nil {
		return nil, Classify(err)
	}

	handle, err = m.vmm.Start(ctx, vmm.StartRequest{
		NodeID:      id,
		NodeName:    node.Name,
		OverlayPath: overlayPath,
		Port:        port,
	})
	if err != nil {
		handle = nil
		return nil, Classify(err)
	}

	connID, err = m.gateway.Register(ctx, node.Name, port)
	if err != nil {
		connID = ""
		return nil, Classify(err)
	}

	running, err := m.registry.Transition(ctx, id, nodes.StatusStarting, nodes.StatusRunning, nodes.WithConsole(port, connID))
	if err != nil {
		return nil, Classify(err)
	}
	m.recordStateTransition(ctx, nodes.StatusStarting, nodes.StatusRunning)

	log.InfoContext(ctx, "node running", "node_id", id, "pid", handle.PID, "vnc_port", port, "connection_id", connID)
	out := m.toNode(*running)
	return &out, nil
}

// rollbackRun undoes the completed steps of a failed run in reverse order.
func (m *manager) rollbackRun(ctx context.Context, id string, port int, portAcquired bool, handle *vmm.Handle, connID string) {
	log := logger.FromContext(ctx)

	if connID != "" {
		if err := m.gateway.Deregister(ctx, connID); err != nil {
			log.WarnContext(ctx, "rollback: failed to deregister console", "node_id", id, "connection_id", connID, "error", err)
		}
	}
	if handle != nil {
		if err := m.vmm.Stop(ctx, handle); err != nil {
			log.WarnContext(ctx, "rollback: failed to stop process", "node_id", id, "pid", handle.PID, "error", err)
		}
	}
	if portAcquired {
		m.ports.Release(port)
	}
	if _, err := m.registry.Transition(ctx, id, nodes.StatusStarting, nodes.StatusStopped, nodes.ClearConsole()); err != nil {
		log.ErrorContext(ctx, "rollback: failed to reset node status", "node_id", id, "error", err)
		return
	}
	m.recordStateTransition(ctx, nodes.StatusStarting, nodes.StatusStopped)
}

func (m *manager) StopNode(ctx context.Context, id string) (_ *Node, err error) {
	start := time.Now()
	ctx, end := m.trace(ctx, "StopNode")
	defer end()
	defer func() { m.recordDuration(ctx, m.stopHistogram(), start, err) }()

	logger.FromContext(ctx).InfoContext(ctx, "stopping node", "node_id", id)

	node, err := m.registry.Transition(ctx, id, nodes.StatusRunning, nodes.StatusStopping)
	if err != nil {
		return nil, Classify(err)
	}
	m.recordStateTransition(ctx, nodes.StatusRunning, nodes.StatusStopping)

	stopped, err := m.stopSequence(ctx, node)
	if err != nil {
		return nil, Classify(err)
	}
	out := m.toNode(*stopped)
	return &out, nil
}

// stopSequence tears down a node the caller has moved to Stopping. Each step is
// attempted regardless of earlier failures, and only the final status update
// can fail the sequence.
func (m *manager) stopSequence(ctx context.Context, node *nodes.Node) (*nodes.Node, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	if node.GuacamoleConnectionID != nil {
		if err := m.gateway.Deregister(ctx, *node.GuacamoleConnectionID); err != nil {
			log.WarnContext(ctx, "failed to deregister console", "node_id", node.ID, "connection_id", *node.GuacamoleConnectionID, "error", err)
		}
	}

	if h, ok := m.vmm.Lookup(node.ID); ok {
		if err := m.vmm.Stop(ctx, h); err != nil {
			log.WarnContext(ctx, "failed to stop process", "node_id", node.ID, "pid", h.PID, "error", err)
		}
	}

	if node.VNCPort != nil {
		m.ports.Release(*node.VNCPort)
	}

	stopped, err := m.registry.Transition(ctx, node.ID, nodes.StatusStopping, nodes.StatusStopped, nodes.ClearConsole())
	if err != nil {
		log.ErrorContext(ctx, "failed to mark node stopped", "node_id", node.ID, "error", err)
		return nil, err
	}
	m.recordStateTransition(ctx, nodes.StatusStopping, nodes.StatusStopped)

	log.InfoContext(ctx, "node stopped", "node_id", node.ID)
	return stopped, nil
}

func (m *manager) WipeNode(ctx context.Context, id string) (err error) {
	start := time.Now()
	ctx, end := m.trace(ctx, "WipeNode")
	defer end()
	defer func() { m.recordDuration(ctx, m.wipeHistogram(), start, err) }()

	logger.FromContext(ctx).InfoContext(ctx, "wiping node", "node_id", id)

	node, err := m.registry.Transition(ctx, id, nodes.StatusStopped, nodes.StatusWiping)
	if err != nil {
		return Classify(err)
	}
	m.recordStateTransition(ctx, nodes.StatusStopped, nodes.StatusWiping)

	return Classify(m.finishWipe(ctx, node))
}

// finishWipe removes the overlay and the record of a node in Wiping. A storage
// failure puts the node back to Stopped so the wipe can be retried.
func (m *manager) finishWipe(ctx context.Context, node *nodes.Node) error {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	if err := m.overlays.Release(ctx, node.InstanceOverlayPath); err != nil {
		log.ErrorContext(ctx, "failed to release overlay", "node_id", node.ID, "overlay", node.InstanceOverlayPath, "error", err)
		if _, rerr := m.registry.Transition(ctx, node.ID, nodes.StatusWiping, nodes.StatusStopped); rerr != nil {
			log.ErrorContext(ctx, "failed to revert wipe", "node_id", node.ID, "error", rerr)
		} else {
			m.recordStateTransition(ctx, nodes.StatusWiping, nodes.StatusStopped)
		}
		return err
	}

	if err := m.registry.Delete(ctx, node.ID, nodes.StatusWiping); err != nil {
		return err
	}

	log.InfoContext(ctx, "node wiped", "node_id", node.ID, "name", node.Name)
	return nil
}

// refresh applies process truth to a Running node before it is shown.
func (m *manager) refresh(ctx context.Context, node *nodes.Node) (*nodes.Node, error) {
	if node.Status != nodes.StatusRunning || m.isAlive(node.ID) {
		return node, nil
	}
	return m.reapDead(ctx, node)
}

func (m *manager) isAlive(id string) bool {
	h, ok := m.vmm.Lookup(id)
	return ok && m.vmm.IsAlive(h)
}

func (m *manager) toNode(n nodes.Node) Node {
	out := Node{Node: n}
	if n.Status == nodes.StatusRunning && n.HasConsole() {
		links := m.gateway.Links(n.Name)
		out.Console = &links
	}
	return out
}

// trace starts a span when a tracer is configured.
func (m *manager) trace(ctx context.Context, name string) (context.Context, func()) {
	if m.metrics == nil || m.metrics.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := m.metrics.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
