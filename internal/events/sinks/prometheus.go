package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scan-engine/internal/events"
)

// PrometheusSink counts lifecycle events by kind and tracks breaker transitions.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_engine_lifecycle_events_total",
			Help: "Lifecycle events partitioned by kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_engine_breaker_transitions_total",
			Help: "Circuit breaker state transitions partitioned by breaker and target state.",
		}, []string{"breaker", "to"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_engine_recovery_actions_total",
			Help: "Automatic recovery actions partitioned by component.",
		}, []string{"component"}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.transitions, s.recoveries} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.BreakerStateChanged:
			s.transitions.WithLabelValues(evt.Component, evt.To).Inc()
		case events.RecoveryAction:
			s.recoveries.WithLabelValues(evt.Component).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
