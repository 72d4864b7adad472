package lifecycle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/onkernel/nodelab/lib/nodes"
)

// Metrics holds the metrics instruments for node operations.
type Metrics struct {
	createDuration   metric.Float64Histogram
	runDuration      metric.Float64Histogram
	stopDuration     metric.Float64Histogram
	wipeDuration     metric.Float64Histogram
	stateTransitions metric.Int64Counter
	crashes          metric.Int64Counter
	tracer           trace.Tracer
}

// newNodeMetrics creates and registers all node metrics.
func newNodeMetrics(meter metric.Meter, tracer trace.Tracer, m *manager) (*Metrics, error) {
	createDuration, err := meter.Float64Histogram(
		"nodelab_nodes_create_duration_seconds",
		metric.WithDescription("Time to create a node"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"nodelab_nodes_run_duration_seconds",
		metric.WithDescription("Time to start a node"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stopDuration, err := meter.Float64Histogram(
		"nodelab_nodes_stop_duration_seconds",
		metric.WithDescription("Time to stop a node"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	wipeDuration, err := meter.Float64Histogram(
		"nodelab_nodes_wipe_duration_seconds",
		metric.WithDescription("Time to wipe a node"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"nodelab_nodes_state_transitions_total",
		metric.WithDescription("Total number of node status transitions"),
	)
	if err != nil {
		return nil, err
	}

	crashes, err := meter.Int64Counter(
		"nodelab_nodes_crashes_total",
		metric.WithDescription("Running nodes found without a live process"),
	)
	if err != nil {
		return nil, err
	}

	nodesTotal, err := meter.Int64ObservableGauge(
		"nodelab_nodes_total",
		metric.WithDescription("Total number of nodes by status"),
	)
	if err != nil {
		return nil, err
	}

	portsInUse, err := meter.Int64ObservableGauge(
		"nodelab_vnc_ports_in_use",
		metric.WithDescription("VNC ports currently assigned to nodes"),
	)
	if err != nil {
		return nil, err
	}

	portsCapacity, err := meter.Int64ObservableGauge(
		"nodelab_vnc_ports_capacity",
		metric.WithDescription("Size of the VNC port pool"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(portsInUse, int64(m.ports.InUse()))
			o.ObserveInt64(portsCapacity, int64(m.ports.Size()))

			all, err := m.registry.List(ctx)
			if err != nil {
				return nil
			}
			counts := make(map[nodes.Status]int64)
			for _, n := range all {
				counts[n.Status]++
			}
			for status, count := range counts {
				o.ObserveInt64(nodesTotal, count, metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		},
		nodesTotal, portsInUse, portsCapacity,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		createDuration:   createDuration,
		runDuration:      runDuration,
		stopDuration:     stopDuration,
		wipeDuration:     wipeDuration,
		stateTransitions: stateTransitions,
		crashes:          crashes,
		tracer:           tracer,
	}, nil
}

func (m *manager) createHistogram() metric.Float64Histogram {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.createDuration
}

func (m *manager) runHistogram() metric.Float64Histogram {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.runDuration
}

func (m *manager) stopHistogram() metric.Float64Histogram {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.stopDuration
}

func (m *manager) wipeHistogram() metric.Float64Histogram {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.wipeDuration
}

// recordDuration records operation duration with an outcome label.
func (m *manager) recordDuration(ctx context.Context, histogram metric.Float64Histogram, start time.Time, err error) {
	if m.metrics == nil || histogram == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	histogram.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// recordStateTransition records a node status transition.
func (m *manager) recordStateTransition(ctx context.Context, from, to nodes.Status) {
	if m.metrics == nil {
		return
	}
	m.metrics.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *manager) recordCrash(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	m.metrics.crashes.Add(ctx, 1)
}
