package realtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the realtime instruments.
type Metrics struct {
	Deliveries          metric.Int64Counter
	DeliveryFailures    metric.Int64Counter
	FanoutSize          metric.Int64Histogram
	PresenceTransitions metric.Int64Counter
	PersistenceFailures metric.Int64Counter

	onlineUsers metric.Int64ObservableGauge
	connections metric.Int64ObservableGauge
	rooms       metric.Int64ObservableGauge
	meter       metric.Meter
}

// NewMetrics creates the realtime instruments on meter. A nil meter yields
// no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("huddle/realtime")
	}

	m := &Metrics{meter: meter}
	var err error

	m.Deliveries, err = meter.Int64Counter("realtime.deliveries",
		metric.WithDescription("Events handed to connection endpoints"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.DeliveryFailures, err = meter.Int64Counter("realtime.delivery_failures",
		metric.WithDescription("Events a connection endpoint could not accept"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery failures counter: %w", err)
	}

	m.FanoutSize, err = meter.Int64Histogram("realtime.fanout_size",
		metric.WithDescription("Connections resolved per published event"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create fanout size histogram: %w", err)
	}

	m.PresenceTransitions, err = meter.Int64Counter("realtime.presence_transitions",
		metric.WithDescription("Presence status transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create presence transitions counter: %w", err)
	}

	m.PersistenceFailures, err = meter.Int64Counter("realtime.persistence_failures",
		metric.WithDescription("Failed calls to the external store"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence failures counter: %w", err)
	}

	m.onlineUsers, err = meter.Int64ObservableGauge("realtime.online_users",
		metric.WithDescription("Users with at least one connection"))
	if err != nil {
		return nil, fmt.Errorf("failed to create online users gauge: %w", err)
	}
	m.connections, err = meter.Int64ObservableGauge("realtime.connections",
		metric.WithDescription("Registered connections"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connections gauge: %w", err)
	}
	m.rooms, err = meter.Int64ObservableGauge("realtime.rooms",
		metric.WithDescription("Non-empty rooms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rooms gauge: %w", err)
	}

	return m, nil
}

// observe registers the gauge callback reading from the live structures.
func (m *Metrics) observe(registry *Registry, rooms *RoomIndex) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.onlineUsers, int64(registry.UserCount()))
		o.ObserveInt64(m.connections, int64(registry.ConnectionCount()))
		o.ObserveInt64(m.rooms, int64(rooms.RoomCount()))
		return nil
	}, m.onlineUsers, m.connections, m.rooms)
}

func (m *Metrics) transition(ctx context.Context, change StatusChange) {
	m.PresenceTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(change.Previous)),
		attribute.String("to", string(change.Status)),
	))
}

func (m *Metrics) persistenceFailure(ctx context.Context, op string) {
	m.PersistenceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
