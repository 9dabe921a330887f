package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func modelAttr(model string) attribute.KeyValue {
	return attribute.String("model", model)
}

// Meter implements engine.Metrics over an OTel meter, one instrument
// set shared by every model supervisor in the process, each
// measurement tagged with the model label as an attribute.
type Meter struct {
	registrySize       metric.Int64Gauge
	concurrentNewTwins metric.Int64Gauge
	concurrentShares   metric.Int64Gauge
	unhandledTwins     metric.Int64Gauge
	heartbeats         metric.Int64Counter
	creationFailures   metric.Int64Counter
}

// NewMeter builds a Meter from an OTel MeterProvider's "connector-engine"
// meter.
func NewMeter(provider metric.MeterProvider) (*Meter, error) {
	m := provider.Meter("connector-engine")

	registrySize, err := m.Int64Gauge("twin_registry_size", metric.WithDescription("number of twin workers currently registered"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build registry_size gauge: %w", err)
	}
	concurrentNewTwins, err := m.Int64Gauge("concurrent_new_twins", metric.WithDescription("twin creations currently in flight"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build concurrent_new_twins gauge: %w", err)
	}
	concurrentShares, err := m.Int64Gauge("concurrent_shares", metric.WithDescription("feed shares currently in flight"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build concurrent_shares gauge: %w", err)
	}
	unhandledTwins, err := m.Int64Gauge("previously_unhandled_twins", metric.WithDescription("records dropped for exceeding the tick's admission window"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build unhandled_twins gauge: %w", err)
	}
	heartbeats, err := m.Int64Counter("heartbeats_total", metric.WithDescription("heartbeat feed shares published"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build heartbeats counter: %w", err)
	}
	creationFailures, err := m.Int64Counter("twin_creation_failures_total", metric.WithDescription("twin creation attempts that failed"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build creation_failures counter: %w", err)
	}

	return &Meter{
		registrySize:       registrySize,
		concurrentNewTwins: concurrentNewTwins,
		concurrentShares:   concurrentShares,
		unhandledTwins:     unhandledTwins,
		heartbeats:         heartbeats,
		creationFailures:   creationFailures,
	}, nil
}

func (m *Meter) ObserveTick(model string, registrySize, concurrentNewTwins, concurrentShares, previouslyUnhandled int) {
	ctx := context.Background()
	attr := metric.WithAttributes(modelAttr(model))
	m.registrySize.Record(ctx, int64(registrySize), attr)
	m.concurrentNewTwins.Record(ctx, int64(concurrentNewTwins), attr)
	m.concurrentShares.Record(ctx, int64(concurrentShares), attr)
	m.unhandledTwins.Record(ctx, int64(previouslyUnhandled), attr)
}

func (m *Meter) IncHeartbeat(model string) {
	m.heartbeats.Add(context.Background(), 1, metric.WithAttributes(modelAttr(model)))
}

func (m *Meter) IncCreationFailure(model string) {
	m.creationFailures.Add(context.Background(), 1, metric.WithAttributes(modelAttr(model)))
}
