// Package observe provides the OpenTelemetry metric instruments for the
// voice pipeline. A package-level default instance is available for
// convenience; tests construct their own with a private MeterProvider to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all Auralis metrics.
const meterName = "github.com/auralis-ai/auralis"

// Metrics holds the metric instruments for the voice session pipeline.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// FramesSent counts encoded microphone frames forwarded to the duplex
	// session (muted frames are not counted).
	FramesSent metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks handed to the playback
	// scheduler.
	ChunksScheduled metric.Int64Counter

	// ChunksDropped counts malformed inbound chunks dropped locally.
	ChunksDropped metric.Int64Counter

	// Interruptions counts server-initiated barge-in signals.
	Interruptions metric.Int64Counter

	// SessionErrors counts fatal session errors by kind. Use with
	// attribute.String("kind", ...).
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions (0 or 1 per
	// orchestrator).
	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates a fully initialised Metrics using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("auralis.voice.frames_sent",
		metric.WithDescription("Encoded microphone frames forwarded to the voice API."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("auralis.voice.chunks_scheduled",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("auralis.voice.chunks_dropped",
		metric.WithDescription("Malformed inbound audio chunks dropped locally."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("auralis.voice.interruptions",
		metric.WithDescription("Server-initiated barge-in signals."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("auralis.voice.session_errors",
		metric.WithDescription("Fatal voice session errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("auralis.voice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, created on first
// call from the global MeterProvider. Panics if instrument creation fails
// (does not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSessionError increments the session error counter with the standard
// kind attribute ("device", "remote", "network").
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
