package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/onkernel/nodelab/lib/logger"
	"github.com/onkernel/nodelab/lib/nodes"
)

// DefaultReconcileInterval is used when RunReconciler is given a non-positive interval.
const DefaultReconcileInterval = 15 * time.Second

func (m *manager) Reconcile(ctx context.Context) error {
	running, err := m.registry.ListByStatus(ctx, nodes.StatusRunning)
	if err != nil {
		return Classify(err)
	}

	var errs []error
	for i := range running {
		if m.isAlive(running[i].ID) {
			continue
		}
		if _, err := m.reapDead(ctx, &running[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *manager) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "reconciler started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "reconciler stopped")
			return nil
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				log.ErrorContext(ctx, "reconcile sweep failed", "error", err)
			}
		}
	}
}

// reapDead claims a Running node whose process is gone and runs the stop
// sequence. If another operation already owns the node, its current record is
// returned untouched.
func (m *manager) reapDead(ctx context.Context, node *nodes.Node) (*nodes.Node, error) {
	log := logger.FromContext(ctx)

	claimed, err := m.registry.Transition(ctx, node.ID, nodes.StatusRunning, nodes.StatusStopping)
	if err != nil {
		if errors.Is(err, nodes.ErrConflict) {
			return m.registry.Get(ctx, node.ID)
		}
		return nil, err
	}
	m.recordStateTransition(ctx, nodes.StatusRunning, nodes.StatusStopping)
	m.recordCrash(ctx)

	log.WarnContext(ctx, "node process is gone, stopping", "node_id", node.ID, "name", node.Name)
	return m.stopSequence(ctx, claimed)
}

func (m *manager) Recover(ctx context.Context) error {
	log := logger.FromContext(ctx)

	all, err := m.registry.List(ctx)
	if err != nil {
		return Classify(err)
	}

	// Ports of live nodes must be reserved before anything else can acquire one.
	var errs []error
	for i := range all {
		node := &all[i]
		if node.Status != nodes.StatusRunning || !m.isAlive(node.ID) || node.VNCPort == nil {
			continue
		}
		if err := m.ports.Reserve(*node.VNCPort); err != nil {
			log.WarnContext(ctx, "failed to reserve port of running node", "node_id", node.ID, "vnc_port", *node.VNCPort, "error", err)
		}
	}

	for i := range all {
		node := &all[i]
		if node.Status != nodes.StatusWiping {
			if ok, err := m.overlays.Exists(node.InstanceOverlayPath); err != nil || !ok {
				log.WarnContext(ctx, "node overlay is missing", "node_id", node.ID, "overlay", node.InstanceOverlayPath, "error", err)
			}
		}

		if node.Status == nodes.StatusRunning {
			if m.isAlive(node.ID) {
				log.InfoContext(ctx, "adopted running node", "node_id", node.ID)
				continue
			}
			if _, err := m.reapDead(ctx, node); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if node.Status.IsTransitional() {
			if err := m.finishInterrupted(ctx, node); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Classify(err)
	}
	log.InfoContext(ctx, "recovery complete", "nodes", len(all))
	return nil
}

// finishInterrupted settles a node left in a transitional status by a restart.
func (m *manager) finishInterrupted(ctx context.Context, node *nodes.Node) error {
	log := logger.FromContext(ctx)

	switch node.Status {
	case nodes.StatusStarting:
		log.WarnContext(ctx, "rolling back interrupted run", "node_id", node.ID)
		if h, ok := m.vmm.Lookup(node.ID); ok {
			if err := m.vmm.Stop(ctx, h); err != nil {
				log.WarnContext(ctx, "failed to stop process of interrupted run", "node_id", node.ID, "error", err)
			}
		}
		// the connection id is only persisted with Running, so match by name
		if removed, err := m.gateway.DeregisterByName(ctx, node.Name); err != nil {
			log.WarnContext(ctx, "failed to remove console connection of interrupted run", "node_id", node.ID, "error", err)
		} else if removed > 0 {
			log.InfoContext(ctx, "removed console connection of interrupted run", "node_id", node.ID, "connections", removed)
		}
		_, err := m.registry.Transition(ctx, node.ID, nodes.StatusStarting, nodes.StatusStopped, nodes.ClearConsole())
		return err

	case nodes.StatusStopping:
		log.WarnContext(ctx, "finishing interrupted stop", "node_id", node.ID)
		_, err := m.stopSequence(ctx, node)
		return err

	case nodes.StatusWiping:
		log.WarnContext(ctx, "finishing interrupted wipe", "node_id", node.ID)
		return m.finishWipe(ctx, node)
	}
	return nil
}
