package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/markb/huddle/internal/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DeliveryFailure records one destination that did not accept an event.
type DeliveryFailure struct {
	ConnID string
	Err    error
}

// DeliveryReport summarizes a single fanout.
type DeliveryReport struct {
	EventID   string
	Targets   int
	Delivered int
	Failed    []DeliveryFailure
}

// Dispatcher resolves targets to live connections and hands events to
// their endpoints.
//
// Deliver calls are serialized, and each endpoint is a FIFO queue, so every
// connection observes events in the order Deliver was invoked. No ordering
// holds across different connections.
type Dispatcher struct {
	mu       sync.Mutex // serializes Deliver
	registry *Registry
	rooms    *RoomIndex
	metrics  *Metrics

	epMu      sync.RWMutex
	endpoints map[string]Endpoint // connID -> endpoint
}

// NewDispatcher creates a dispatcher resolving through registry and rooms.
func NewDispatcher(registry *Registry, rooms *RoomIndex, metrics *Metrics) *Dispatcher {
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Dispatcher{
		registry:  registry,
		rooms:     rooms,
		metrics:   metrics,
		endpoints: make(map[string]Endpoint),
	}
}

// Attach installs the endpoint for connID, replacing any previous one.
func (d *Dispatcher) Attach(connID string, ep Endpoint) {
	d.epMu.Lock()
	defer d.epMu.Unlock()
	d.endpoints[connID] = ep
}

// Detach removes the endpoint for connID. It reports whether one existed.
func (d *Dispatcher) Detach(connID string) bool {
	d.epMu.Lock()
	defer d.epMu.Unlock()
	if _, ok := d.endpoints[connID]; !ok {
		return false
	}
	delete(d.endpoints, connID)
	return true
}

// Attached reports whether connID has an endpoint.
func (d *Dispatcher) Attached(connID string) bool {
	d.epMu.RLock()
	defer d.epMu.RUnlock()
	_, ok := d.endpoints[connID]
	return ok
}

// endpointsSnapshot returns the attached endpoints keyed by connection.
func (d *Dispatcher) endpointsSnapshot() map[string]Endpoint {
	d.epMu.RLock()
	defer d.epMu.RUnlock()
	out := make(map[string]Endpoint, len(d.endpoints))
	for connID, ep := range d.endpoints {
		out[connID] = ep
	}
	return out
}

// Resolve returns the connections a target currently maps to.
func (d *Dispatcher) Resolve(target Target) []string {
	switch target.Kind {
	case TargetUser:
		return d.registry.ListConnections(target.ID)
	case TargetRoom:
		// Anonymous connections never receive fanout.
		members := d.rooms.MembersOf(target.ID)
		out := members[:0]
		for _, connID := range members {
			if _, ok := d.registry.UserOf(connID); ok {
				out = append(out, connID)
			}
		}
		return out
	case TargetBroadcast:
		return d.registry.ListAllConnections()
	default:
		return nil
	}
}

// Deliver sends ev to every connection resolved from target. Per-destination
// failures are logged and reported, never returned.
func (d *Dispatcher) Deliver(ctx context.Context, target Target, ev Event) DeliveryReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	conns := d.Resolve(target)
	report := DeliveryReport{EventID: ev.ID, Targets: len(conns)}
	attrs := metric.WithAttributes(
		attribute.String("target", string(target.Kind)),
		attribute.String("kind", ev.Kind),
	)
	d.metrics.FanoutSize.Record(ctx, int64(len(conns)), attrs)

	for _, connID := range conns {
		if err := d.deliverOne(connID, ev); err != nil {
			report.Failed = append(report.Failed, DeliveryFailure{ConnID: connID, Err: err})
			d.metrics.DeliveryFailures.Add(ctx, 1, attrs)
			log.Warn("realtime: delivery failed",
				"conn_id", connID, "target", target.String(), "kind", ev.Kind, "error", err.Error())
			continue
		}
		report.Delivered++
	}
	d.metrics.Deliveries.Add(ctx, int64(report.Delivered), attrs)

	return report
}

func (d *Dispatcher) deliverOne(connID string, ev Event) (err error) {
	d.epMu.RLock()
	ep, ok := d.endpoints[connID]
	d.epMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no endpoint for connection", ErrDeliveryFailed)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: endpoint panic: %v", ErrDeliveryFailed, r)
		}
	}()
	if err := ep.Deliver(ev); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}
