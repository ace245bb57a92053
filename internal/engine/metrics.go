package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/opensource-finance/kestrel/internal/engine"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

type instruments struct {
	tradesAnalyzed metric.Int64Counter
	ruleFailures   metric.Int64Counter
	alertsCreated  metric.Int64Counter
	suppressed     metric.Int64Counter
	analyzeMs      metric.Float64Histogram
}

// newInstruments registers the engine's instruments on the global meter
// provider. Instruments that fail to register fall back to no-ops.
func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	hist, err := meter.Float64Histogram("kestrel.analyze.duration",
		metric.WithDescription("End-to-end Analyze latency"),
		metric.WithUnit("ms"))
	if err != nil {
		hist, _ = fallback.Float64Histogram("kestrel.analyze.duration")
	}

	return &instruments{
		tradesAnalyzed: counter("kestrel.trades.analyzed", "Trades accepted for rule evaluation"),
		ruleFailures:   counter("kestrel.rules.failed", "Rule evaluations that errored, panicked or timed out"),
		alertsCreated:  counter("kestrel.alerts.created", "Alerts persisted"),
		suppressed:     counter("kestrel.candidates.suppressed", "Candidates dropped as duplicate or rate limited"),
		analyzeMs:      hist,
	}
}
